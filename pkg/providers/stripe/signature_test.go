package stripe

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("valid signature passes", func(t *testing.T) {
		header := SignPayload(payload, secret, now)
		assert.NoError(t, VerifySignature(payload, header, secret, DefaultTolerance, now))
	})

	t.Run("tampered payload fails", func(t *testing.T) {
		header := SignPayload(payload, secret, now)
		err := VerifySignature([]byte(`{"id":"evt_2"}`), header, secret, DefaultTolerance, now)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("wrong secret fails", func(t *testing.T) {
		header := SignPayload(payload, "whsec_other", now)
		err := VerifySignature(payload, header, secret, DefaultTolerance, now)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("missing header fails", func(t *testing.T) {
		err := VerifySignature(payload, "", secret, DefaultTolerance, now)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("header without v1 fails", func(t *testing.T) {
		err := VerifySignature(payload, fmt.Sprintf("t=%d", now.Unix()), secret, DefaultTolerance, now)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("timestamp outside tolerance fails", func(t *testing.T) {
		header := SignPayload(payload, secret, now.Add(-10*time.Minute))
		err := VerifySignature(payload, header, secret, DefaultTolerance, now)
		assert.ErrorIs(t, err, ErrSignatureExpired)

		header = SignPayload(payload, secret, now.Add(10*time.Minute))
		err = VerifySignature(payload, header, secret, DefaultTolerance, now)
		assert.ErrorIs(t, err, ErrSignatureExpired)
	})

	t.Run("timestamp just inside tolerance passes", func(t *testing.T) {
		header := SignPayload(payload, secret, now.Add(-4*time.Minute))
		assert.NoError(t, VerifySignature(payload, header, secret, DefaultTolerance, now))
	})

	t.Run("secret rotation accepts any matching v1", func(t *testing.T) {
		oldSig := SignPayload(payload, "whsec_old", now)
		newSig := SignPayload(payload, secret, now)
		_, newV1, ok := strings.Cut(newSig, "v1=")
		require.True(t, ok)

		header := oldSig + ",v1=" + newV1
		assert.NoError(t, VerifySignature(payload, header, secret, DefaultTolerance, now))
	})
}
