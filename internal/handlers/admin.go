package handlers

import (
	"net/http"
	"strings"

	"github.com/baseapp/apiserver/internal/logging"
	"github.com/baseapp/apiserver/internal/services"
	"github.com/baseapp/apiserver/types"
	"github.com/go-chi/chi/v5"
)

// AdminHandler serves account administration for admins.
type AdminHandler struct {
	accounts *services.AccountService
	logger   logging.Logger
}

func NewAdminHandler(accounts *services.AccountService, logger logging.Logger) *AdminHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &AdminHandler{accounts: accounts, logger: logger}
}

// AdminRouter registers admin routes. Every route requires an admin caller.
func AdminRouter(r chi.Router, h *AdminHandler, gate *Gate) {
	r.Use(gate.RequireAuth, gate.RequireAdmin)

	r.Get("/users", h.ListUsers)
	r.Get("/users/{userID}", h.GetUser)
	r.Delete("/users/{userID}", h.DeleteUser)
	r.Get("/unverified", h.ListUnverified)
	r.Delete("/unverified", h.PurgeUnverified)
}

type PurgeResponse struct {
	Message string `json:"message"`
	Deleted int64  `json:"deleted"`
}

func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, types.AccountFilter{Search: strings.TrimSpace(r.URL.Query().Get("search"))})
}

func (h *AdminHandler) ListUnverified(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, types.AccountFilter{
		Search:         strings.TrimSpace(r.URL.Query().Get("search")),
		UnverifiedOnly: true,
	})
}

func (h *AdminHandler) list(w http.ResponseWriter, r *http.Request, filter types.AccountFilter) {
	page, limit, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.accounts.List(r.Context(), filter, page, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *AdminHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	account, err := h.accounts.GetByID(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *AdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := accountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.accounts.Delete(r.Context(), actor.ID, chi.URLParam(r, "userID")); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "user deleted"})
}

func (h *AdminHandler) PurgeUnverified(w http.ResponseWriter, r *http.Request) {
	n, err := h.accounts.PurgeUnverified(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Message: "unverified users deleted", Deleted: n})
}
