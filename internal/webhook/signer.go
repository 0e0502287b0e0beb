package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// MaxSignatureSkew is the receiver-side acceptance window around
// X-Timestamp.
const MaxSignatureSkew = 5 * time.Minute

// Sign computes the X-Signature header value for a payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// PayloadHash is the hex digest stored on the delivery row.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Verify checks a signature and its timestamp header the way a
// receiver should: constant-time signature comparison, timestamp
// within the skew window. Exposed for receiver implementations and
// round-trip tests.
func Verify(secret string, payload []byte, signature, timestamp string, now time.Time) bool {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	sent := time.Unix(ts, 0)
	if d := now.Sub(sent); d > MaxSignatureSkew || d < -MaxSignatureSkew {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, payload)), []byte(signature))
}
