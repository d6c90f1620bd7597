package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "keygate/internal/errors"
	"keygate/internal/security"
)

// SecurityHandler manages the durable block list and anti-forgery token
// issuance.
type SecurityHandler struct {
	guard  *security.Guard
	csrf   *security.CsrfService
	errors *errorWriter
	logger *slog.Logger
}

func NewSecurityHandler(guard *security.Guard, csrf *security.CsrfService, logger *slog.Logger) *SecurityHandler {
	logger = logger.With(slog.String("handler", "security"))
	return &SecurityHandler{
		guard:  guard,
		csrf:   csrf,
		errors: &errorWriter{logger: logger},
		logger: logger,
	}
}

// Routes returns the chi router for security administration.
func (h *SecurityHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/blocks", h.ListBlocks)
	r.Post("/blocks", h.Block)
	r.Delete("/blocks/{identityKey}", h.Unblock)
	return r
}

// BlockRequest adds a manual durable block.
type BlockRequest struct {
	IdentityKey string `json:"identity_key" validate:"required,min=1"`
	Reason      string `json:"reason,omitempty"`
}

func (req *BlockRequest) Bind(*http.Request) error {
	return validate.Struct(req)
}

func (h *SecurityHandler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := h.guard.ListBlocked(r.Context())
	if err != nil {
		h.errors.write(w, r, err, "security_admin")
		return
	}
	render.JSON(w, r, render.M{"blocks": blocks})
}

func (h *SecurityHandler) Block(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.guard.Block(r.Context(), req.IdentityKey, req.Reason); err != nil {
		h.errors.write(w, r, err, "security_admin")
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, render.M{"blocked": true, "identity_key": req.IdentityKey})
}

func (h *SecurityHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "identityKey")
	removed, err := h.guard.Unblock(r.Context(), key)
	if err != nil {
		h.errors.write(w, r, err, "security_admin")
		return
	}
	if !removed {
		render.Render(w, r, apierrors.ErrNotFound)
		return
	}
	render.JSON(w, r, render.M{"unblocked": true, "identity_key": key})
}

// CsrfToken issues an anti-forgery token bound to the caller's session
// fingerprint for one action and subject.
func (h *SecurityHandler) CsrfToken(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	subject := r.URL.Query().Get("subject")
	if action == "" {
		render.Render(w, r, apierrors.New(http.StatusBadRequest, "MISSING_PARAMETER", "action is required"))
		return
	}
	token, err := h.csrf.Generate(action, subject, sessionFingerprint(r))
	if err != nil {
		h.errors.write(w, r, err, "csrf_issue")
		return
	}
	render.JSON(w, r, render.M{"token": token, "action": action})
}
