package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/compose-network/sla-escrow/x/auth"
)

// Recover turns handler panics into a 500 envelope. http.ErrAbortHandler is re-raised so
// net/http can drop the connection as intended.
func Recover(log zerolog.Logger) func(next http.Handler) http.Handler {
	m := requestMetrics()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				m.panics.Inc()

				log.Error().
					Str("panic", fmt.Sprint(rec)).
					Str("request_id", RequestIDFrom(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("caller", r.Header.Get(auth.HeaderCaller)).
					Bytes("stack", debug.Stack()).
					Msg("http_panic")
				writeError(w, r, http.StatusInternalServerError, "internal_error", http.StatusText(http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
