package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/staging"
)

// multipartOverhead is allowed on top of the upload ceiling for field parts
// and part headers.
const multipartOverhead = 1 << 20

type principalKey struct{}

// Handler serves the media upload and read endpoints
type Handler struct {
	pipeline        *simplemedia.Pipeline
	auth            *jwtauth.JWTAuth
	logger          *slog.Logger
	maxRequestBytes int64
}

// HandlerOption configures a Handler
type HandlerOption func(*Handler)

// WithLogger sets the request logger
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMaxUploadBytes bounds request bodies to n plus room for field parts
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *Handler) {
		h.maxRequestBytes = n + multipartOverhead
	}
}

func NewHandler(pipeline *simplemedia.Pipeline, auth *jwtauth.JWTAuth, options ...HandlerOption) *Handler {
	h := &Handler{
		pipeline:        pipeline,
		auth:            auth,
		logger:          slog.Default(),
		maxRequestBytes: staging.DefaultMaxBytes + multipartOverhead,
	}
	for _, option := range options {
		option(h)
	}
	return h
}

// Routes returns the router for media endpoints. Reads are public; writes
// need a bearer token whose "sub" claim is the account id.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/media/{mediaID}", h.GetMedia)
	r.Get("/media/{mediaID}/content", h.GetMediaContent)

	r.Group(func(r chi.Router) {
		r.Use(jwtauth.Verifier(h.auth))
		r.Use(h.requirePrincipal)

		r.Post("/chapters/{chapterID}/pages", h.CreatePage)
		r.Put("/accounts/me/avatar", h.PutAvatar)
		r.Post("/posts", h.CreatePost)
		r.Delete("/media/{mediaID}", h.DeleteMedia)
	})

	return r
}

// requirePrincipal resolves the verified token to an account id
func (h *Handler) requirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, claims, err := jwtauth.FromContext(r.Context())
		if err != nil || token == nil {
			h.writeStatus(w, r, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		sub, _ := claims["sub"].(string)
		accountID, err := uuid.Parse(sub)
		if err != nil {
			h.writeStatus(w, r, http.StatusUnauthorized, "unauthorized", "token subject is not an account id")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principal(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(principalKey{}).(uuid.UUID)
	return id
}

// CreatePage publishes a new page of one of the caller's chapters
func (h *Handler) CreatePage(w http.ResponseWriter, r *http.Request) {
	chapterID, err := uuid.Parse(chi.URLParam(r, "chapterID"))
	if err != nil {
		h.writeError(w, r, simplemedia.BadRequestf("create page", "invalid chapter id"))
		return
	}
	if err := h.pipeline.AuthorizeChapter(r.Context(), principal(r.Context()), chapterID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.publish(w, r, simplemedia.ChapterPageTarget(chapterID))
}

// PutAvatar replaces the caller's profile image
func (h *Handler) PutAvatar(w http.ResponseWriter, r *http.Request) {
	h.publish(w, r, simplemedia.AvatarTarget(principal(r.Context())))
}

// CreatePost creates a post with one image for the caller
func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	h.publish(w, r, simplemedia.PostImageTarget(principal(r.Context())))
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request, target simplemedia.Target) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBytes)

	parts, err := r.MultipartReader()
	if err != nil {
		h.writeError(w, r, simplemedia.BadRequestf("publish", "expected a multipart/form-data body"))
		return
	}

	media, err := h.pipeline.Publish(r.Context(), parts, target)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, media)
}

// GetMedia returns one media row
func (h *Handler) GetMedia(w http.ResponseWriter, r *http.Request) {
	id, ok := h.mediaID(w, r)
	if !ok {
		return
	}

	media, err := h.pipeline.GetMedia(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	render.JSON(w, r, media)
}

// GetMediaContent streams the stored object
func (h *Handler) GetMediaContent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.mediaID(w, r)
	if !ok {
		return
	}

	media, rc, err := h.pipeline.OpenMedia(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", media.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(media.SizeBytes, 10))
	w.Header().Set("ETag", strconv.Quote(media.Checksum))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.ErrorContext(r.Context(), "failed to stream media", "media_id", id, "error", err)
	}
}

// DeleteMedia removes one of the caller's media rows and its object
func (h *Handler) DeleteMedia(w http.ResponseWriter, r *http.Request) {
	id, ok := h.mediaID(w, r)
	if !ok {
		return
	}
	if err := h.pipeline.AuthorizeMedia(r.Context(), principal(r.Context()), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.pipeline.DeleteMedia(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) mediaID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "mediaID"))
	if err != nil {
		h.writeError(w, r, simplemedia.BadRequestf("parse media id", "invalid media id"))
		return uuid.Nil, false
	}
	return id, true
}

// ErrorBody is the JSON error envelope
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := simplemedia.KindOf(err)
	status := kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	} else {
		h.logger.InfoContext(r.Context(), "request rejected",
			"method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}
	h.writeStatus(w, r, status, string(kind), simplemedia.PublicMessage(err))
}

func (h *Handler) writeStatus(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorBody{Error: ErrorDetail{
		Kind:      kind,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	}})
}
