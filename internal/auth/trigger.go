package auth

import (
	"crypto/subtle"
	"net/http"
	"time"
)

// Trigger request headers.
const (
	TriggerTimestampHeader = "X-Trigger-Timestamp"
	TriggerSignatureHeader = "X-Trigger-Signature"
)

// TriggerVerifier authenticates scheduler invocations of the billing pass.
// A request passes with "Authorization: Bearer <secret>" or an HMAC signature
// over timestamp + "\n" + body. Without a secret every request is refused.
type TriggerVerifier struct {
	secret []byte
	signed signedRequest
}

// NewTriggerVerifier constructs a verifier.
func NewTriggerVerifier(secret string, maxSkew time.Duration) *TriggerVerifier {
	key := []byte(secret)
	return &TriggerVerifier{
		secret: key,
		signed: signedRequest{
			secret:          key,
			timestampHeader: TriggerTimestampHeader,
			signatureHeader: TriggerSignatureHeader,
			maxSkew:         maxSkew,
		},
	}
}

// WithNow overrides the clock used for skew checks.
func (v *TriggerVerifier) WithNow(now func() time.Time) *TriggerVerifier {
	if v != nil && now != nil {
		v.signed.now = now
	}
	return v
}

// Verify returns nil when the request carries valid trigger credentials.
// Errors wrap ErrUnauthorized or ErrNotConfigured.
func (v *TriggerVerifier) Verify(r *http.Request) error {
	if v == nil || len(v.secret) == 0 {
		return ErrNotConfigured
	}
	if r == nil {
		return ErrUnauthorized
	}
	if token := extractBearer(r); token != "" {
		if subtle.ConstantTimeCompare([]byte(token), v.secret) == 1 {
			return nil
		}
		return ErrUnauthorized
	}
	if v.signed.present(r) {
		return v.signed.verify(r)
	}
	return ErrUnauthorized
}
