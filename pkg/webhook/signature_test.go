package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "wsec_test"

func fixedVerifier(now time.Time) *Verifier {
	v := NewVerifier(testSecret, 30*time.Minute)
	v.now = func() time.Time { return now }
	return v
}

func TestVerify(t *testing.T) {
	now := time.Unix(1_739_537_297, 0)
	body := []byte(`{"type":"post_call_transcription","data":{"conversation_id":"conv_1"}}`)
	ts := now.Unix()

	tests := []struct {
		name      string
		signature string
		timestamp string
		body      []byte
		wantErr   error
	}{
		{name: "header form", signature: SignatureHeader(testSecret, ts, body), body: body},
		{name: "bare signature with timestamp header", signature: Sign(testSecret, ts, body), timestamp: "1739537297", body: body},
		{name: "missing signature", body: body, wantErr: ErrMissingSignature},
		{name: "missing timestamp", signature: Sign(testSecret, ts, body), body: body, wantErr: ErrMissingTimestamp},
		{name: "garbage timestamp", signature: Sign(testSecret, ts, body), timestamp: "yesterday", body: body, wantErr: ErrInvalidTimestamp},
		{name: "wrong secret", signature: SignatureHeader("other", ts, body), body: body, wantErr: ErrSignatureMismatch},
		{name: "non hex signature", signature: "t=1739537297,v0=zz", body: body, wantErr: ErrSignatureMismatch},
		{name: "stale", signature: SignatureHeader(testSecret, ts-int64(31*60), body), body: body, wantErr: ErrTimestampOutOfTolerance},
		{name: "future", signature: SignatureHeader(testSecret, ts+int64(31*60), body), body: body, wantErr: ErrTimestampOutOfTolerance},
		{name: "edge of tolerance", signature: SignatureHeader(testSecret, ts-int64(30*60), body), body: body},
	}

	v := fixedVerifier(now)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.body, tt.signature, tt.timestamp)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, ErrVerification)
		})
	}
}

func TestVerifyAnySingleBitFlipFails(t *testing.T) {
	now := time.Unix(1_739_537_297, 0)
	body := []byte(`{"data":{"conversation_id":"conv_1","transcript":[]}}`)
	header := SignatureHeader(testSecret, now.Unix(), body)
	v := fixedVerifier(now)

	require.NoError(t, v.Verify(body, header, ""))

	for i := range body {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte(nil), body...)
			mutated[i] ^= 1 << bit
			if err := v.Verify(mutated, header, ""); err == nil {
				t.Fatalf("flipping bit %d of byte %d still verified", bit, i)
			}
		}
	}
}

func TestVerifyDisabledWithoutSecret(t *testing.T) {
	v := NewVerifier("", time.Minute)
	assert.False(t, v.Enabled())
	assert.NoError(t, v.Verify([]byte("anything"), "", ""))
}

func TestParseSignatureHeader(t *testing.T) {
	ts, sig := ParseSignatureHeader("t=123, v0=abcd")
	assert.Equal(t, "123", ts)
	assert.Equal(t, "abcd", sig)

	ts, sig = ParseSignatureHeader("abcd")
	assert.Empty(t, ts)
	assert.Equal(t, "abcd", sig)
}
