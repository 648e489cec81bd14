package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSignature is returned when the signature header is missing,
// malformed, or does not match the payload.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ErrSignatureExpired is returned when the signed timestamp falls outside
// the replay tolerance window.
var ErrSignatureExpired = errors.New("webhook signature timestamp outside tolerance")

// DefaultTolerance is the replay window for signed timestamps.
const DefaultTolerance = 5 * time.Minute

// VerifySignature checks a `t=<unix>,v1=<hex>` signature header against the
// raw request body. The signed message is "<t>.<body>" with HMAC-SHA256 over
// the shared secret. Multiple v1 entries are accepted to allow secret
// rotation; any one matching passes.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return fmt.Errorf("%w: missing header", ErrInvalidSignature)
	}

	var timestamp int64
	var candidates []string

	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			timestamp = ts
		case "v1":
			candidates = append(candidates, value)
		}
	}

	if timestamp == 0 || len(candidates) == 0 {
		return fmt.Errorf("%w: header missing t or v1", ErrInvalidSignature)
	}

	signedAt := time.Unix(timestamp, 0)
	if drift := now.Sub(signedAt); drift > tolerance || drift < -tolerance {
		return ErrSignatureExpired
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, candidate := range candidates {
		if hmac.Equal([]byte(expected), []byte(candidate)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// SignPayload produces a signature header for a payload. Test helper and
// local development tool; the real provider signs on their side.
func SignPayload(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", at.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}
