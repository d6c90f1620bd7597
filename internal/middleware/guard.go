package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/render"

	apierrors "keygate/internal/errors"
	"keygate/internal/security"
)

// IdentityScreen runs every request through the security guard: the
// durable block list, the auto-block counter, and the per-IP fixed rate
// window. Screening happens before any handler logic so blocked callers
// never touch the license core.
func IdentityScreen(guard *security.Guard, limit int, window time.Duration, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := ClientIP(r)

			if verdict, err := guard.CheckIdentity(ctx, ip); err != nil {
				logger.WarnContext(ctx, "identity rejected",
					"remote_addr", ip,
					"reason", verdict.Reason)
				render.Render(w, r, apierrors.FromDomain(err))
				return
			}
			if err := guard.CheckRate(ctx, ip, limit, window); err != nil {
				render.Render(w, r, apierrors.FromDomain(err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the remote address without the port. RealIP must run
// earlier for proxy headers to be honored.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
