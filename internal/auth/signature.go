package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxSignedBody = 1 << 20

// SignBody computes the hex HMAC-SHA256 of timestamp + "\n" + body.
func SignBody(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// signedRequest checks a timestamp/signature header pair and restores the body.
type signedRequest struct {
	secret          []byte
	timestampHeader string
	signatureHeader string
	maxSkew         time.Duration
	now             func() time.Time
}

func (s signedRequest) present(r *http.Request) bool {
	return r.Header.Get(s.timestampHeader) != "" || r.Header.Get(s.signatureHeader) != ""
}

func (s signedRequest) verify(r *http.Request) error {
	if len(s.secret) == 0 {
		return ErrNotConfigured
	}
	timestamp := strings.TrimSpace(r.Header.Get(s.timestampHeader))
	signature := strings.TrimSpace(r.Header.Get(s.signatureHeader))
	if timestamp == "" || signature == "" {
		return fmt.Errorf("%w: missing signature", ErrUnauthorized)
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp", ErrUnauthorized)
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	skew := now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if s.maxSkew > 0 && skew > s.maxSkew {
		return fmt.Errorf("%w: %w", ErrUnauthorized, ErrSignatureExpired)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
		if err != nil {
			return fmt.Errorf("%w: read body: %v", ErrUnauthorized, err)
		}
		_ = r.Body.Close()
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	expected := SignBody(s.secret, timestamp, body)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return fmt.Errorf("%w: invalid signature", ErrUnauthorized)
	}
	return nil
}
