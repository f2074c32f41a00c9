package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
)

// Operator request headers.
const (
	HeaderOperatorTimestamp = "X-Operator-Timestamp"
	HeaderOperatorSignature = "X-Operator-Signature"
)

// OperatorAuth signs and verifies operator-only requests (account credits)
// with a shared secret. The signature is
// base64(HMAC-SHA256(secret, timestamp+method+path+body)).
type OperatorAuth struct {
	Secret string
}

// HeadersAt returns the headers for a request sent at unixTS.
func (o OperatorAuth) HeadersAt(method, path string, body []byte, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderOperatorTimestamp: ts,
		HeaderOperatorSignature: o.sign(ts, method, path, body),
	}
}

// Verify reports whether signature matches the request.
func (o OperatorAuth) Verify(method, path string, body []byte, ts, signature string) bool {
	if o.Secret == "" {
		return false
	}
	want := o.sign(ts, method, path, body)
	return hmac.Equal([]byte(want), []byte(signature))
}

func (o OperatorAuth) sign(ts, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(o.Secret))
	mac.Write([]byte(ts + method + path))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (o OperatorAuth) String() string {
	if len(o.Secret) <= 4 {
		return "OperatorAuth{secret=****}"
	}
	return "OperatorAuth{secret=" + o.Secret[:4] + "****}"
}
