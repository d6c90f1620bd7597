package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "keygate/internal/errors"
)

// SubscriptionSyncer is the single seam the commerce layer calls into.
type SubscriptionSyncer interface {
	OnSubscriptionStatusChanged(ctx context.Context, subscriptionRef, newStatus string, periodEnd *time.Time) error
}

// WebhookHandler receives subscription-status notifications from the
// host commerce platform.
type WebhookHandler struct {
	syncer SubscriptionSyncer
	errors *errorWriter
	logger *slog.Logger
}

func NewWebhookHandler(syncer SubscriptionSyncer, logger *slog.Logger) *WebhookHandler {
	logger = logger.With(slog.String("handler", "webhook"))
	return &WebhookHandler{
		syncer: syncer,
		errors: &errorWriter{logger: logger},
		logger: logger,
	}
}

// Routes returns the chi router for webhooks.
func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/subscription", h.SubscriptionChanged)
	return r
}

// SubscriptionEvent is the commerce platform's notification payload.
type SubscriptionEvent struct {
	SubscriptionRef string     `json:"subscription_ref" validate:"required"`
	Status          string     `json:"status" validate:"required"`
	PeriodEnd       *time.Time `json:"period_end,omitempty"`
}

func (e *SubscriptionEvent) Bind(*http.Request) error {
	return validate.Struct(e)
}

func (h *WebhookHandler) SubscriptionChanged(w http.ResponseWriter, r *http.Request) {
	var ev SubscriptionEvent
	if err := render.Bind(r, &ev); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.syncer.OnSubscriptionStatusChanged(r.Context(), ev.SubscriptionRef, ev.Status, ev.PeriodEnd); err != nil {
		h.errors.write(w, r, err, "subscription_sync")
		return
	}
	h.logger.InfoContext(r.Context(), "subscription event applied",
		slog.String("subscription_ref", ev.SubscriptionRef),
		slog.String("status", ev.Status))
	render.JSON(w, r, render.M{"applied": true})
}
