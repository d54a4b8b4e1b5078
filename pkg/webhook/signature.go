package webhook

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

// ErrVerification is wrapped by every error Verify returns.
var ErrVerification = errors.New("webhook verification failed")

var (
	ErrMissingSignature        = errors.New("signature header missing")
	ErrMissingTimestamp        = errors.New("timestamp missing")
	ErrInvalidTimestamp        = errors.New("timestamp is not a unix time")
	ErrTimestampOutOfTolerance = errors.New("timestamp outside tolerance window")
	ErrSignatureMismatch       = errors.New("signature mismatch")
)

// Verifier checks HMAC-SHA256 signatures over "timestamp.body".
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Enabled is false when no secret is configured; Verify then accepts everything.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Verify authenticates body. signatureHeader is either the bare hex digest or
// the "t=<unix>,v0=<hex>" form; an explicit timestampHeader takes precedence
// over the t= element.
func (v *Verifier) Verify(body []byte, signatureHeader, timestampHeader string) error {
	if !v.Enabled() {
		return nil
	}

	headerTS, signature := ParseSignatureHeader(signatureHeader)
	if signature == "" {
		return fmt.Errorf("%w: %w", ErrVerification, ErrMissingSignature)
	}

	rawTS := strings.TrimSpace(timestampHeader)
	if rawTS == "" {
		rawTS = headerTS
	}
	if rawTS == "" {
		return fmt.Errorf("%w: %w", ErrVerification, ErrMissingTimestamp)
	}

	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerification, ErrInvalidTimestamp)
	}

	age := v.now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > v.tolerance {
		return fmt.Errorf("%w: %w", ErrVerification, ErrTimestampOutOfTolerance)
	}

	expected := computeMAC(v.secret, rawTS, body)
	given, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(expected, given) {
		return fmt.Errorf("%w: %w", ErrVerification, ErrSignatureMismatch)
	}

	return nil
}

// Sign returns the hex signature for body at timestamp.
func Sign(secret string, timestamp int64, body []byte) string {
	return hex.EncodeToString(computeMAC([]byte(secret), strconv.FormatInt(timestamp, 10), body))
}

// SignatureHeader renders the "t=<unix>,v0=<hex>" header value.
func SignatureHeader(secret string, timestamp int64, body []byte) string {
	return fmt.Sprintf("t=%d,v0=%s", timestamp, Sign(secret, timestamp, body))
}

// ParseSignatureHeader splits "t=<unix>,v0=<hex>". A value without '=' is
// treated as the bare signature.
func ParseSignatureHeader(header string) (timestamp, signature string) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ""
	}
	if !strings.Contains(header, "=") {
		return "", header
	}

	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v0":
			signature = value
		}
	}
	return timestamp, signature
}

func computeMAC(secret []byte, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
