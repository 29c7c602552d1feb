package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/compose-network/sla-escrow/x/auth"
)

// CallerKey is the context key for the resolved caller address.
const CallerKey contextKey = "caller"

// maxSignedBody caps how much of a body is buffered for signature checks.
const maxSignedBody = 1 << 20

// CallerFrom returns the caller resolved by the Caller middleware.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(CallerKey).(common.Address)
	return addr, ok
}

// WithCaller stores addr as the request caller.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, CallerKey, addr)
}

// Caller resolves the X-Caller-Address header into the request context. Requests without
// the header pass through anonymously; handlers that mutate state reject them. With a
// non-nil verifier the header must be backed by a signature over the request, and each
// signed nonce is admitted once.
func Caller(verifier *auth.Verifier, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(auth.HeaderCaller)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !common.IsHexAddress(raw) {
				writeError(w, r, http.StatusBadRequest, "invalid_caller", "caller address is not a hex address")
				return
			}
			caller := common.HexToAddress(raw)

			if verifier != nil {
				body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
				if err != nil {
					writeError(w, r, http.StatusBadRequest, "invalid_body", "failed to read request body")
					return
				}
				if len(body) > maxSignedBody {
					writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
					return
				}
				_ = r.Body.Close()
				r.Body = io.NopCloser(bytes.NewReader(body))

				err = verifier.Verify(
					caller,
					r.Method,
					r.URL.Path,
					r.Header.Get(auth.HeaderTimestamp),
					r.Header.Get(auth.HeaderNonce),
					body,
					r.Header.Get(auth.HeaderSignature),
				)
				if err != nil {
					log.Debug().Err(err).Str("caller", caller.Hex()).Msg("Rejected request signature")
					code := "invalid_signature"
					switch {
					case errors.Is(err, auth.ErrStaleTimestamp):
						code = "stale_timestamp"
					case errors.Is(err, auth.ErrBadNonce):
						code = "invalid_nonce"
					case errors.Is(err, auth.ErrReplayed):
						code = "replayed_request"
					}
					writeError(w, r, http.StatusUnauthorized, code, err.Error())
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
