package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/alphamarket/internal/crypto"
)

// Operator admits requests carrying a valid operator HMAC signed within
// maxSkew of now. Without a configured secret every request is refused.
func Operator(auth crypto.OperatorAuth, maxSkew time.Duration, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth.Secret == "" {
				writeStatus(w, http.StatusForbidden, "operator endpoints disabled")
				return
			}
			body, err := readBody(w, r)
			if err != nil {
				writeStatus(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}

			ts := r.Header.Get(crypto.HeaderOperatorTimestamp)
			sec, err := strconv.ParseInt(ts, 10, 64)
			if err != nil || now().Sub(time.Unix(sec, 0)).Abs() > maxSkew {
				writeUnauthorized(w, "invalid operator timestamp")
				return
			}
			if !auth.Verify(r.Method, r.URL.Path, body, ts, r.Header.Get(crypto.HeaderOperatorSignature)) {
				writeUnauthorized(w, "invalid operator signature")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
