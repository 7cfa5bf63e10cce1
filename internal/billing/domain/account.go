package billing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// OutletRef identifies a physical outlet: distribution board id plus outlet index.
type OutletRef struct {
	BoardID string
	Index   int
}

// NewOutletRef validates and builds an outlet reference.
func NewOutletRef(boardID string, index int) (OutletRef, error) {
	boardID = strings.TrimSpace(boardID)
	if boardID == "" || index <= 0 {
		return OutletRef{}, ErrInvalidOutlet
	}
	return OutletRef{BoardID: boardID, Index: index}, nil
}

// ParseOutletRef parses the "<board>/O<index>" form produced by String.
func ParseOutletRef(value string) (OutletRef, error) {
	board, outlet, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		return OutletRef{}, ErrInvalidOutlet
	}
	outlet = strings.TrimPrefix(strings.TrimPrefix(outlet, "O"), "o")
	index, err := strconv.Atoi(outlet)
	if err != nil {
		return OutletRef{}, ErrInvalidOutlet
	}
	return NewOutletRef(board, index)
}

// IsZero reports whether the reference is unset.
func (o OutletRef) IsZero() bool { return o.BoardID == "" && o.Index == 0 }

// Label returns the per-outlet key used inside board records ("O1", "O2", ...).
func (o OutletRef) Label() string { return "O" + strconv.Itoa(o.Index) }

// String renders the reference as "<board>/O<index>".
func (o OutletRef) String() string { return fmt.Sprintf("%s/%s", o.BoardID, o.Label()) }

// Account is one billable outlet tenancy.
type Account struct {
	ID        string
	TenantID  string
	Outlet    OutletRef
	Recipient string
	Balance   decimal.Decimal
}

// Validate checks the fields the reconciler relies on.
func (a Account) Validate() error {
	if a.ID == "" {
		return ErrEmptyAccountID
	}
	if a.Outlet.BoardID == "" || a.Outlet.Index <= 0 {
		return ErrInvalidOutlet
	}
	return nil
}
