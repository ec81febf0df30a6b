package site

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/example/storymap-studio/internal/auth"
	"github.com/example/storymap-studio/internal/blob"
	"github.com/example/storymap-studio/internal/observability"
	"github.com/example/storymap-studio/internal/ordering"
	"github.com/example/storymap-studio/internal/storage"
	"github.com/example/storymap-studio/internal/types"
)

const (
	maxJSONBody     = 1 << 20
	multipartMemory = 32 << 20
)

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	// MaxUploadBytes caps the body of one multipart request.
	MaxUploadBytes int64
	// Health reports readiness for /healthz. Nil always reports healthy.
	Health func(ctx context.Context) error
}

// HTTPHandler exposes the public site reads and the studio REST endpoints.
type HTTPHandler struct {
	svc     *Service
	cfg     HTTPConfig
	logger  zerolog.Logger
	handler http.Handler
}

// NewHTTPHandler builds the router. Studio routes, including the realtime
// gateway mounted at /api/studio/ws, require a bearer token.
func NewHTTPHandler(svc *Service, verifier *auth.Verifier, gateway http.Handler, cfg HTTPConfig, logger zerolog.Logger) *HTTPHandler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 64 << 20
	}
	h := &HTTPHandler{svc: svc, cfg: cfg, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)

	mux.HandleFunc("GET /api/sites/{path}", h.handleJournal)
	mux.HandleFunc("GET /api/sites/{path}/checkpoints/{id}/memories", h.handleMemories)
	mux.HandleFunc("GET /api/sites/{path}/album", h.handleAlbum)
	mux.HandleFunc("GET /api/paths/{path}/available", h.handleCheckPath)

	studio := verifier.Middleware
	mux.Handle("POST /api/studio/sites", studio(http.HandlerFunc(h.handleCreateSite)))
	mux.Handle("GET /api/studio/site", studio(http.HandlerFunc(h.handleStudioSite)))
	mux.Handle("PUT /api/studio/site", studio(http.HandlerFunc(h.handleUpdateSettings)))
	mux.Handle("POST /api/studio/site/hero", studio(http.HandlerFunc(h.handleUploadHero)))
	mux.Handle("POST /api/studio/checkpoints/{key}/memories", studio(http.HandlerFunc(h.handleUploadMemories)))
	if gateway != nil {
		mux.Handle("GET /api/studio/ws", studio(gateway))
	}

	h.handler = applyMiddleware(mux,
		requestIDMiddleware,
		observability.HTTPMiddleware,
		loggingMiddleware(logger),
		recoveryMiddleware(logger),
	)
	return h
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *HTTPHandler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Health != nil {
		if err := h.cfg.Health(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) handleJournal(w http.ResponseWriter, r *http.Request) {
	var bounds *types.Bounds
	if raw := r.URL.Query().Get("bbox"); raw != "" {
		b, err := types.ParseBounds(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		bounds = &b
	}
	journal, err := h.svc.Journal(r.Context(), r.PathValue("path"), bounds)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, journal)
}

func (h *HTTPHandler) handleMemories(w http.ResponseWriter, r *http.Request) {
	memories, err := h.svc.Memories(r.Context(), r.PathValue("path"), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": memories})
}

func (h *HTTPHandler) handleAlbum(w http.ResponseWriter, r *http.Request) {
	album, err := h.svc.Album(r.Context(), r.PathValue("path"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": album})
}

func (h *HTTPHandler) handleCheckPath(w http.ResponseWriter, r *http.Request) {
	check, err := h.svc.CheckPath(r.Context(), r.PathValue("path"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (h *HTTPHandler) handleCreateSite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	user, _ := auth.UserID(r.Context())
	created, err := h.svc.CreateSite(r.Context(), user, req.Path)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *HTTPHandler) handleStudioSite(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserID(r.Context())
	current, err := h.svc.StudioSite(r.Context(), user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (h *HTTPHandler) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var in types.Settings
	if !h.decode(w, r, &in) {
		return
	}
	user, _ := auth.UserID(r.Context())
	updated, err := h.svc.UpdateSettings(r.Context(), user, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *HTTPHandler) handleUploadHero(w http.ResponseWriter, r *http.Request) {
	files, ok := h.multipartFiles(w, r, "file")
	if !ok {
		return
	}
	if len(files) != 1 {
		writeError(w, http.StatusBadRequest, "bad_request", "exactly one file is required")
		return
	}
	user, _ := auth.UserID(r.Context())
	obj, err := h.svc.UploadHeroBackground(r.Context(), user, files[0])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (h *HTTPHandler) handleUploadMemories(w http.ResponseWriter, r *http.Request) {
	files, ok := h.multipartFiles(w, r, "files")
	if !ok {
		return
	}
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "no files uploaded")
		return
	}
	user, _ := auth.UserID(r.Context())
	report, err := h.svc.UploadMemories(r.Context(), user, r.PathValue("key"), files)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	switch {
	case report.Uploaded == 0:
		status = http.StatusUnprocessableEntity
	case report.Failed > 0:
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, report)
}

// multipartFiles parses the request form and returns the files of field. The
// form's temporary files are removed when the request context ends.
func (h *HTTPHandler) multipartFiles(w http.ResponseWriter, r *http.Request, field string) ([]blob.File, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "upload exceeds the size limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "invalid multipart form")
		return nil, false
	}
	form := r.MultipartForm
	context.AfterFunc(r.Context(), func() { _ = form.RemoveAll() })

	headers := form.File[field]
	files := make([]blob.File, 0, len(headers))
	for _, fh := range headers {
		files = append(files, blob.File{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Open:        openPart(fh),
		})
	}
	return files, true
}

func openPart(fh *multipart.FileHeader) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) { return fh.Open() }
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// fail maps service errors to responses.
func (h *HTTPHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *types.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "validation_failed", Message: verr.Error(), Fields: verr.Fields})
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, ErrNoSite), errors.Is(err, ordering.ErrUnknownItem):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrSiteExists), errors.Is(err, ErrPathTaken), errors.Is(err, ordering.ErrNoIdentity):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, blob.ErrUnsupportedType):
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "request timed out")
	default:
		logger := observability.LoggerWithTrace(r.Context(), h.logger)
		logger.Error().Err(err).
			Str("path", r.URL.Path).
			Str("request_id", RequestID(r.Context())).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

type errorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
