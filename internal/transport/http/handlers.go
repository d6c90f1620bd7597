// Package http is the thin chi transport over the license core. It owns
// request binding/validation, the single error-translation point, and
// the feeding of security-relevant failures into the guard.
package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "keygate/internal/errors"
	"keygate/internal/license"
	"keygate/internal/middleware"
	"keygate/internal/security"
)

// validate is the shared request-payload validator.
var validate = validator.New()

// errorWriter translates domain errors, records security-relevant ones
// against the caller's identity, and logs persistence failures with full
// context while the caller sees only a generic message.
type errorWriter struct {
	guard  *security.Guard
	logger *slog.Logger
}

func (ew *errorWriter) write(w http.ResponseWriter, r *http.Request, err error, attemptKind string) {
	ctx := r.Context()
	if license.IsPersistence(err) {
		ew.logger.ErrorContext(ctx, "persistence failure",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	if ew.guard != nil && apierrors.IsSecurityRelevant(err) {
		ip := middleware.ClientIP(r)
		if _, rerr := ew.guard.RecordFailedAttempt(ctx, ip, attemptKind); rerr != nil {
			ew.logger.ErrorContext(ctx, "failed-attempt accounting failed",
				slog.String("error", rerr.Error()))
		}
	}
	render.Render(w, r, apierrors.FromDomain(err))
}

// sessionFingerprint binds anti-forgery tokens to the caller: client IP
// plus user agent. Stable across requests from the same browser session
// behind the same address.
func sessionFingerprint(r *http.Request) string {
	return middleware.ClientIP(r) + "|" + r.UserAgent()
}
