package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "keygate/internal/errors"
	"keygate/internal/license"
	"keygate/internal/middleware"
	"keygate/internal/security"
)

// LicenseService is the slice of the lifecycle the handler consumes.
type LicenseService interface {
	Create(ctx context.Context, p license.CreateParams) (*license.License, string, error)
	Activate(ctx context.Context, key, domain, ipHash, userAgentHash string) (*license.Activation, error)
	Deactivate(ctx context.Context, key, domain, reason string) error
	Validate(ctx context.Context, key, domain string) (*license.ValidationResult, error)
	Revoke(ctx context.Context, licenseID, reason string) error
}

// ActivationLister exposes the ledger queries the handler needs.
type ActivationLister interface {
	FindByLicense(ctx context.Context, licenseID string) ([]*license.Activation, error)
	CountActive(ctx context.Context, licenseID string) (int, error)
}

// LicenseHandler serves the license lifecycle endpoints.
type LicenseHandler struct {
	service LicenseService
	ledger  ActivationLister
	csrf    *security.CsrfService
	errors  *errorWriter
	logger  *slog.Logger
}

func NewLicenseHandler(service LicenseService, ledger ActivationLister, csrf *security.CsrfService, guard *security.Guard, logger *slog.Logger) *LicenseHandler {
	logger = logger.With(slog.String("handler", "license"))
	return &LicenseHandler{
		service: service,
		ledger:  ledger,
		csrf:    csrf,
		errors:  &errorWriter{guard: guard, logger: logger},
		logger:  logger,
	}
}

// Routes returns the chi router for license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.CreateLicense)
	r.Post("/activate", h.Activate)
	r.Post("/deactivate", h.Deactivate)
	r.Post("/validate", h.Validate)
	r.Post("/{licenseID}/revoke", h.Revoke)
	r.Get("/{licenseID}/activations", h.ListActivations)
	return r
}

// CreateLicenseRequest is the admin creation payload.
type CreateLicenseRequest struct {
	OwnerID         string     `json:"owner_id" validate:"required"`
	ProductID       string     `json:"product_id" validate:"required"`
	OrderRef        string     `json:"order_ref,omitempty"`
	SubscriptionRef string     `json:"subscription_ref,omitempty"`
	MaxActivations  int        `json:"max_activations,omitempty" validate:"gte=0"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

func (req *CreateLicenseRequest) Bind(*http.Request) error {
	return validate.Struct(req)
}

// CreateLicenseResponse carries the plaintext key exactly once.
type CreateLicenseResponse struct {
	License    *license.License `json:"license"`
	LicenseKey string           `json:"license_key"`
}

func (h *LicenseHandler) CreateLicense(w http.ResponseWriter, r *http.Request) {
	var req CreateLicenseRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	lic, key, err := h.service.Create(r.Context(), license.CreateParams{
		OwnerID:         req.OwnerID,
		ProductID:       req.ProductID,
		OrderRef:        req.OrderRef,
		SubscriptionRef: req.SubscriptionRef,
		MaxActivations:  req.MaxActivations,
		ExpiresAt:       req.ExpiresAt,
	})
	if err != nil {
		h.errors.write(w, r, err, "license_create")
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, CreateLicenseResponse{License: lic, LicenseKey: key})
}

// ActivationRequest is shared by activate/deactivate/validate.
type ActivationRequest struct {
	LicenseKey string `json:"license_key" validate:"required,min=8"`
	Domain     string `json:"domain" validate:"required,min=1"`
	Reason     string `json:"reason,omitempty"`
}

func (req *ActivationRequest) Bind(*http.Request) error {
	return validate.Struct(req)
}

func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req ActivationRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	act, err := h.service.Activate(r.Context(), req.LicenseKey, req.Domain,
		security.HashIdentity(middleware.ClientIP(r)),
		security.HashIdentity(r.UserAgent()))
	if err != nil {
		h.errors.write(w, r, err, "license_activate")
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, act)
}

func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req ActivationRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.verifyCsrf(r, "license.deactivate", req.LicenseKey); err != nil {
		h.errors.write(w, r, err, "csrf")
		return
	}
	if err := h.service.Deactivate(r.Context(), req.LicenseKey, req.Domain, req.Reason); err != nil {
		h.errors.write(w, r, err, "license_deactivate")
		return
	}
	render.JSON(w, r, render.M{"deactivated": true, "domain": license.NormalizeDomain(req.Domain)})
}

func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req ActivationRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	res, err := h.service.Validate(r.Context(), req.LicenseKey, req.Domain)
	if err != nil {
		h.errors.write(w, r, err, "license_validate")
		return
	}
	render.JSON(w, r, res)
}

// RevokeRequest carries the optional audit reason.
type RevokeRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (req *RevokeRequest) Bind(*http.Request) error { return nil }

func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	licenseID := chi.URLParam(r, "licenseID")
	var req RevokeRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.verifyCsrf(r, "license.revoke", licenseID); err != nil {
		h.errors.write(w, r, err, "csrf")
		return
	}
	if err := h.service.Revoke(r.Context(), licenseID, req.Reason); err != nil {
		h.errors.write(w, r, err, "license_revoke")
		return
	}
	render.JSON(w, r, render.M{"revoked": true, "license_id": licenseID})
}

func (h *LicenseHandler) ListActivations(w http.ResponseWriter, r *http.Request) {
	licenseID := chi.URLParam(r, "licenseID")
	acts, err := h.ledger.FindByLicense(r.Context(), licenseID)
	if err != nil {
		h.errors.write(w, r, err, "activation_list")
		return
	}
	active, err := h.ledger.CountActive(r.Context(), licenseID)
	if err != nil {
		h.errors.write(w, r, err, "activation_list")
		return
	}
	render.JSON(w, r, render.M{"activations": acts, "active_count": active})
}

// verifyCsrf enforces the anti-forgery token on state-changing calls.
// A nil csrf service (tests, trusted internal deployments) disables it.
func (h *LicenseHandler) verifyCsrf(r *http.Request, action, subjectID string) error {
	if h.csrf == nil {
		return nil
	}
	return h.csrf.Verify(r.Header.Get("X-CSRF-Token"), action, subjectID, sessionFingerprint(r))
}
