package auth

import (
	"errors"
	"net/http"
	"time"
)

// Ingest request headers.
const (
	IngestTimestampHeader = "X-Ingest-Timestamp"
	IngestSignatureHeader = "X-Ingest-Signature"
)

// IngestAuthMiddleware validates signatures on meter sample uploads from boards.
type IngestAuthMiddleware struct {
	signed signedRequest
}

// NewIngestAuthMiddleware constructs ingest auth middleware.
func NewIngestAuthMiddleware(secret []byte, maxSkew time.Duration) *IngestAuthMiddleware {
	return &IngestAuthMiddleware{signed: signedRequest{
		secret:          secret,
		timestampHeader: IngestTimestampHeader,
		signatureHeader: IngestSignatureHeader,
		maxSkew:         maxSkew,
	}}
}

// Wrap enforces ingest signature validation.
func (m *IngestAuthMiddleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := m.signed.verify(r); err != nil {
			if errors.Is(err, ErrNotConfigured) {
				http.Error(w, "ingest auth not configured", http.StatusUnauthorized)
				return
			}
			http.Error(w, "invalid ingest signature", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
