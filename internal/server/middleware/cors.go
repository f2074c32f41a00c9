package middleware

import (
	"net/http"
	"strings"

	"github.com/alanyoungcy/alphamarket/internal/crypto"
)

var corsHeaders = strings.Join([]string{
	"Content-Type", "Authorization", "X-API-Key",
	HeaderAddress, HeaderTimestamp, HeaderSignature,
	crypto.HeaderOperatorTimestamp, crypto.HeaderOperatorSignature,
}, ", ")

// CORS sets CORS headers for the allowed origins. An empty list or "*"
// allows every origin. Preflight requests are answered directly.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && originAllowed(origin, allowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.Header().Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
