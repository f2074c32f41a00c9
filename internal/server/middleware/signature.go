package middleware

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/alphamarket/internal/crypto"
	"github.com/alanyoungcy/alphamarket/internal/domain"
)

// Participant request headers.
const (
	HeaderAddress   = "X-Alpha-Address"
	HeaderTimestamp = "X-Alpha-Timestamp"
	HeaderSignature = "X-Alpha-Signature"
)

// MaxBodyBytes bounds the body of a signed request.
const MaxBodyBytes = 1 << 20

// SignatureConfig configures the Signature middleware.
type SignatureConfig struct {
	MaxSkew time.Duration
	Nonces  domain.NonceStore
	Now     func() time.Time
	Logger  *slog.Logger
}

// Signature authenticates a participant request. The signer recovered from
// X-Alpha-Signature must equal X-Alpha-Address, the timestamp must be within
// MaxSkew of now and each signature is accepted once. The caller is stored
// in the request context for Caller.
func Signature(cfg SignatureConfig) func(http.Handler) http.Handler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := readBody(w, r)
			if err != nil {
				writeStatus(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}

			caller, err := verifySignature(r, body, now(), cfg.MaxSkew)
			if err != nil {
				writeUnauthorized(w, err.Error())
				return
			}

			if cfg.Nonces != nil {
				sig := strings.ToLower(strings.TrimPrefix(r.Header.Get(HeaderSignature), "0x"))
				fresh, err := cfg.Nonces.Claim(r.Context(), "sig:"+sig, 2*cfg.MaxSkew)
				if err != nil {
					logger.ErrorContext(r.Context(), "middleware: nonce claim failed",
						slog.String("error", err.Error()),
					)
					writeStatus(w, http.StatusServiceUnavailable, "replay protection unavailable")
					return
				}
				if !fresh {
					writeUnauthorized(w, "request already submitted")
					return
				}
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func verifySignature(r *http.Request, body []byte, now time.Time, maxSkew time.Duration) (common.Address, error) {
	addr := r.Header.Get(HeaderAddress)
	tsRaw := r.Header.Get(HeaderTimestamp)
	sig := r.Header.Get(HeaderSignature)
	if addr == "" || tsRaw == "" || sig == "" {
		return common.Address{}, errors.New("missing request signature")
	}
	if !common.IsHexAddress(addr) {
		return common.Address{}, errors.New("invalid " + HeaderAddress)
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return common.Address{}, errors.New("invalid " + HeaderTimestamp)
	}
	if skew := now.Sub(time.Unix(ts, 0)).Abs(); skew > maxSkew {
		return common.Address{}, fmt.Errorf("request timestamp outside %s window", maxSkew)
	}

	signer, err := crypto.RecoverRequestSigner(r.Method, r.URL.Path, ts, body, sig)
	if err != nil {
		return common.Address{}, errors.New("invalid " + HeaderSignature)
	}
	if signer != common.HexToAddress(addr) {
		return common.Address{}, errors.New("signature does not match " + HeaderAddress)
	}
	return signer, nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
}

// writeStatus sends a JSON error body with the given status.
func writeStatus(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":` + strconv.Quote(msg) + `}`))
}
