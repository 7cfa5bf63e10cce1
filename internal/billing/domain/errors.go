package billing

import "errors"

var (
	// ErrEmptyAccountID is returned when account id is empty.
	ErrEmptyAccountID = errors.New("billing: empty account id")
	// ErrInvalidOutlet is returned when an outlet reference is malformed.
	ErrInvalidOutlet = errors.New("billing: invalid outlet reference")
	// ErrAccountNotFound is returned when an account does not exist.
	ErrAccountNotFound = errors.New("billing: account not found")
	// ErrInvalidSample is returned for negative, NaN or infinite meter readings.
	ErrInvalidSample = errors.New("billing: invalid meter sample")
	// ErrNegativeEnergy is returned when a usage charge carries a negative energy delta.
	ErrNegativeEnergy = errors.New("billing: negative energy delta")
	// ErrNonPositiveAmount is returned when a credit is not strictly positive.
	ErrNonPositiveAmount = errors.New("billing: amount must be positive")
	// ErrNegativeRate is returned when a tariff rate is negative.
	ErrNegativeRate = errors.New("billing: negative rate")
	// ErrInvalidSnapshot is returned when the billing configuration is malformed.
	ErrInvalidSnapshot = errors.New("billing: invalid configuration")
	// ErrNilCheckpoint is returned when saving a nil checkpoint.
	ErrNilCheckpoint = errors.New("billing: nil checkpoint")
)
