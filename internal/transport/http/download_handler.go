package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "keygate/internal/errors"
	"keygate/internal/security"
	"keygate/internal/signedlink"
)

// ErrResourceNotFound is returned by resolvers for unknown subject or
// resource ids; the download path answers it with 404.
var ErrResourceNotFound = errors.New("resource not found")

// ResourceResolver streams a release artifact. Artifact storage itself
// is an external collaborator; the core only needs the stream.
type ResourceResolver interface {
	Open(ctx context.Context, subjectID, resourceID int64) (io.ReadCloser, string, error)
}

// DownloadPurpose is the signing purpose for the download path.
const DownloadPurpose = "download"

// DownloadHandler issues signed links and serves the verification +
// streaming endpoint with the fixed four-field wire shape.
type DownloadHandler struct {
	links    *signedlink.Service
	resolver ResourceResolver
	ttl      time.Duration
	errors   *errorWriter
	logger   *slog.Logger
}

func NewDownloadHandler(links *signedlink.Service, resolver ResourceResolver, defaultTTL time.Duration, guard *security.Guard, logger *slog.Logger) *DownloadHandler {
	logger = logger.With(slog.String("handler", "download"))
	return &DownloadHandler{
		links:    links,
		resolver: resolver,
		ttl:      defaultTTL,
		errors:   &errorWriter{guard: guard, logger: logger},
		logger:   logger,
	}
}

// Routes returns the chi router for link issuance.
func (h *DownloadHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.IssueLink)
	return r
}

// IssueLinkRequest names the subject license and resource to sign for.
type IssueLinkRequest struct {
	SubjectID  int64  `json:"subject_id" validate:"required,gt=0"`
	ResourceID int64  `json:"resource_id" validate:"required,gt=0"`
	Purpose    string `json:"purpose,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty" validate:"gte=0"`
}

func (req *IssueLinkRequest) Bind(*http.Request) error {
	return validate.Struct(req)
}

func (h *DownloadHandler) IssueLink(w http.ResponseWriter, r *http.Request) {
	var req IssueLinkRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	purpose := req.Purpose
	if purpose == "" {
		purpose = DownloadPurpose
	}
	ttl := h.ttl
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	link, err := h.links.Issue(r.Context(), req.SubjectID, req.ResourceID, purpose, ttl)
	if err != nil {
		h.errors.write(w, r, err, "link_issue")
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, render.M{
		"signature":  link.Signature,
		"expires_at": link.ExpiresAt.Unix(),
		"url": "/api/download?license=" + strconv.FormatInt(link.SubjectID, 10) +
			"&file=" + strconv.FormatInt(link.ResourceID, 10) +
			"&expires=" + strconv.FormatInt(link.ExpiresAt.Unix(), 10) +
			"&signature=" + link.Signature,
	})
}

// Download verifies the four query fields and streams the artifact:
// 200 with the stream on success, 403 on an invalid or expired
// signature, 404 on unknown subject/resource.
func (h *DownloadHandler) Download(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	subjectID, err1 := strconv.ParseInt(q.Get("license"), 10, 64)
	resourceID, err2 := strconv.ParseInt(q.Get("file"), 10, 64)
	expiresAt, err3 := strconv.ParseInt(q.Get("expires"), 10, 64)
	signature := q.Get("signature")
	if err1 != nil || err2 != nil || err3 != nil || signature == "" {
		render.Render(w, r, apierrors.New(http.StatusForbidden, "SIGNATURE_INVALID", "The download link is invalid"))
		return
	}

	if err := h.links.Verify(r.Context(), subjectID, resourceID, expiresAt, DownloadPurpose, signature); err != nil {
		h.errors.write(w, r, err, "download")
		return
	}

	stream, name, err := h.resolver.Open(r.Context(), subjectID, resourceID)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			render.Render(w, r, apierrors.NewWithDetails(http.StatusNotFound, "NOT_FOUND", "Resource not found", nil))
			return
		}
		h.errors.write(w, r, err, "download")
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	if _, err := io.Copy(w, stream); err != nil {
		h.logger.ErrorContext(r.Context(), "artifact stream aborted",
			slog.Int64("resource_id", resourceID),
			slog.String("error", err.Error()))
	}
}
