// Package signature implements the HMAC signing scheme used on outbound
// webhook bodies, and the verification helpers offered to receivers.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"time"

	"github.com/lighthook/lighthook/internal/domain"
)

// MaxFutureSkew is how far in the future a payload timestamp may be before
// freshness validation rejects it (clock-skew tolerance).
const MaxFutureSkew = 30 * time.Second

func hasher(alg domain.SignatureAlgorithm) (func() hash.Hash, error) {
	switch alg {
	case domain.AlgorithmSHA256, "":
		return sha256.New, nil
	case domain.AlgorithmSHA512:
		return sha512.New, nil
	}
	return nil, fmt.Errorf("unsupported signature algorithm %q", alg)
}

// Sign computes the hex HMAC digest of the exact payload bytes.
func Sign(payload []byte, secret string, alg domain.SignatureAlgorithm) (string, error) {
	h, err := hasher(alg)
	if err != nil {
		return "", err
	}
	mac := hmac.New(h, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature and compares in constant time. The length
// check happens before the comparison and the comparison never short-circuits
// on content.
func Verify(payload []byte, sig, secret string, alg domain.SignatureAlgorithm) bool {
	want, err := Sign(payload, secret, alg)
	if err != nil {
		return false
	}
	if len(sig) != len(want) {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(want))
}

// ValidateFreshness rejects payloads older than maxAge, and payloads dated
// more than MaxFutureSkew in the future, to block replay of captured bodies.
func ValidateFreshness(ts time.Time, maxAge time.Duration) bool {
	now := time.Now()
	if now.Sub(ts) > maxAge {
		return false
	}
	if ts.Sub(now) > MaxFutureSkew {
		return false
	}
	return true
}

// Result is the outcome of a composite envelope verification.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// VerifyEnvelope runs the full receiver-side check: signature, payload shape,
// and timestamp freshness. Payloads without a timestamp field skip the
// freshness check; that permissive default is deliberate, senders that want
// replay protection include event_timestamp.
func VerifyEnvelope(payload []byte, sig, secret string, alg domain.SignatureAlgorithm, maxAge time.Duration) Result {
	if !Verify(payload, sig, secret, alg) {
		return Result{Valid: false, Reason: "Invalid signature"}
	}
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return Result{Valid: false, Reason: "Invalid JSON payload"}
	}
	if ts, ok := envelopeTimestamp(body); ok {
		if !ValidateFreshness(ts, maxAge) {
			return Result{Valid: false, Reason: "Webhook timestamp is invalid or too old"}
		}
	}
	return Result{Valid: true}
}

// envelopeTimestamp extracts the payload timestamp, accepting both the
// canonical event_timestamp field and a bare timestamp field.
func envelopeTimestamp(body map[string]any) (time.Time, bool) {
	for _, key := range []string{"event_timestamp", "timestamp"} {
		raw, ok := body[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case string:
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				return ts, true
			}
			// present but unparsable: treat as invalid rather than skipping
			return time.Time{}, true
		case float64:
			return time.Unix(int64(v), 0), true
		}
	}
	return time.Time{}, false
}
