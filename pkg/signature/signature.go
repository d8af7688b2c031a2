package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HeaderPrefix is prepended to the hex digest in the X-Webhook-Signature header
const HeaderPrefix = "sha256="

const (
	// DefaultMaxAge is the oldest timestamp a receiver accepts
	DefaultMaxAge = 300 * time.Second
	// MaxFutureSkew is how far ahead of the receiver's clock a timestamp may be
	MaxFutureSkew = 60 * time.Second
)

// Canonicalize serializes v to compact JSON with object keys sorted at every
// depth. Two structurally equal values always produce the same bytes.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := encode(v)
	if err != nil {
		return nil, err
	}

	// Round-trip through a generic value so struct field order and
	// pre-encoded json.RawMessage content are normalized to sorted maps.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to normalize payload: %w", err)
	}

	return encode(generic)
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign canonicalizes payload and returns the lowercase hex HMAC-SHA256 keyed by secret
func Sign(payload interface{}, secret string) (string, error) {
	body, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	return SignBytes(body, secret), nil
}

// SignBytes returns the lowercase hex HMAC-SHA256 of body
func SignBytes(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// FormatHeader returns the wire form of a signature
func FormatHeader(signatureHex string) string {
	return HeaderPrefix + signatureHex
}

// Verify recomputes the HMAC over the exact received bytes and compares it to
// the digest carried in signatureHeader in constant time.
func Verify(rawBytes []byte, signatureHeader, secret string) bool {
	received := strings.TrimPrefix(strings.TrimSpace(signatureHeader), HeaderPrefix)
	if received == "" {
		return false
	}

	provided, err := hex.DecodeString(received)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBytes)
	return hmac.Equal(provided, mac.Sum(nil))
}

// Timestamp returns the current time in unix seconds
func Timestamp() int64 {
	return time.Now().Unix()
}

// ParseTimestamp parses an X-Webhook-Timestamp header value
func ParseTimestamp(header string) (int64, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(header), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", header, err)
	}
	return ts, nil
}

// ValidateTimestamp reports whether ts (unix seconds) is within the accepted window
func ValidateTimestamp(ts int64, maxAge time.Duration) bool {
	return ValidateTimestampAt(ts, maxAge, time.Now())
}

// ValidateTimestampAt is ValidateTimestamp against an explicit clock reading.
// A non-positive maxAge falls back to DefaultMaxAge.
func ValidateTimestampAt(ts int64, maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	age := now.Unix() - ts
	if age > int64(maxAge/time.Second) {
		return false
	}
	if age < -int64(MaxFutureSkew/time.Second) {
		return false
	}
	return true
}

// IdempotencyKey builds the composite key eventType-entityID-action-dateISO
func IdempotencyKey(eventType, entityID, action, dateISO string) string {
	return fmt.Sprintf("%s-%s-%s-%s", eventType, entityID, action, dateISO)
}

// DateISO formats t as an ISO calendar date in UTC
func DateISO(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
