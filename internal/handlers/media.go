package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/baseapp/apiserver/internal/logging"
	"github.com/baseapp/apiserver/internal/services"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
)

// MediaHandler streams stored avatars when no public bucket URL is
// configured.
type MediaHandler struct {
	avatars *services.AvatarService
	logger  logging.Logger
}

func NewMediaHandler(avatars *services.AvatarService, logger logging.Logger) *MediaHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &MediaHandler{avatars: avatars, logger: logger}
}

func MediaRouter(r chi.Router, h *MediaHandler) {
	r.Get("/*", h.Get)
}

func (h *MediaHandler) Get(w http.ResponseWriter, r *http.Request) {
	rc, err := h.avatars.Open(r.Context(), chi.URLParam(r, "*"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, services.MaxAvatarBytes+1))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", mimetype.Detect(data).String())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
