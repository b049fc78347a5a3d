package usage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// SignaturePrefix precedes the hex digest in the signature header.
const SignaturePrefix = "sha256="

// SignPayload signs a webhook body with HMAC-SHA256.
// This is a PURE function.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a "sha256=<hex>" header against the body.
// This is a PURE function.
func VerifySignature(payload []byte, header, secret string) bool {
	if !strings.HasPrefix(header, SignaturePrefix) {
		return false
	}
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(header), []byte(expected))
}

// VerifyTimestamp checks a unix-seconds header is within tolerance of now.
// An empty header is accepted; producers are not required to send one.
// This is a PURE function.
func VerifyTimestamp(header string, now time.Time, tolerance time.Duration) bool {
	if header == "" {
		return true
	}
	secs, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return false
	}
	diff := now.Sub(time.Unix(secs, 0))
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}
