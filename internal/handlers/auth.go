package handlers

import (
	"net/http"
	"strings"

	"github.com/baseapp/apiserver/internal/logging"
	"github.com/baseapp/apiserver/internal/services"
	"github.com/baseapp/apiserver/types"
	"github.com/go-chi/chi/v5"
)

const avatarFormField = "avatar"

// AuthHandler serves registration, login, verification, the password
// lifecycle and the caller's own profile.
type AuthHandler struct {
	auth     *services.AuthService
	accounts *services.AccountService
	avatars  *services.AvatarService
	observer AuthObserver
	logger   logging.Logger
}

// NewAuthHandler constructs an AuthHandler. avatars may be nil when no object
// storage is configured.
func NewAuthHandler(
	authService *services.AuthService,
	accounts *services.AccountService,
	avatars *services.AvatarService,
	observer AuthObserver,
	logger logging.Logger,
) *AuthHandler {
	if observer == nil {
		observer = noopObserver{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &AuthHandler{
		auth:     authService,
		accounts: accounts,
		avatars:  avatars,
		observer: observer,
		logger:   logger,
	}
}

// AuthRouter registers auth routes on the given router.
func AuthRouter(r chi.Router, h *AuthHandler, gate *Gate) {
	r.Post("/register", h.Register)
	r.Post("/login", h.Login)
	r.Post("/logout", h.Logout)
	r.Get("/verify/{token}", h.VerifyEmail)
	r.Post("/verify", h.VerifyEmail)
	r.Post("/forgot-password", h.ForgotPassword)
	r.Get("/reset-password/{token}", h.CheckResetToken)
	r.Post("/reset-password/{token}", h.ResetPassword)

	r.Group(func(r chi.Router) {
		r.Use(gate.RequireAuth)
		r.Get("/me", h.Me)
		r.Put("/profile", h.UpdateProfile)
		r.Post("/change-password", h.ChangePassword)
		r.Post("/avatar", h.UploadAvatar)
	})
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest accepts either email or username as the identifier.
type LoginRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type VerifyRequest struct {
	Token string `json:"token"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

type ResetPasswordRequest struct {
	NewPassword string `json:"newPassword"`
	Password    string `json:"password"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type ProfileRequest struct {
	Username *string `json:"username"`
	Email    *string `json:"email"`
	Bio      *string `json:"bio"`
}

type AuthResponse struct {
	Token string        `json:"token"`
	User  types.Account `json:"user"`
}

type UserResponse struct {
	Message string        `json:"message,omitempty"`
	User    types.Account `json:"user"`
}

// Register creates an unverified account. No token is returned; the account
// becomes usable once the emailed link is followed.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	account, err := h.auth.Register(r.Context(), services.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		h.observer.ObserveAuth("register", services.KindOf(err).String())
		writeServiceError(w, r, h.logger, err)
		return
	}

	h.observer.ObserveAuth("register", "success")
	writeJSON(w, http.StatusCreated, UserResponse{
		Message: "registration successful, please check your email to verify your account",
		User:    account,
	})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	identifier := strings.TrimSpace(req.Email)
	if identifier == "" {
		identifier = strings.TrimSpace(req.Username)
	}

	result, err := h.auth.Login(r.Context(), services.LoginInput{
		Identifier: identifier,
		Password:   req.Password,
		ClientIP:   clientIP(r),
	})
	if err != nil {
		h.observer.ObserveAuth("login", services.KindOf(err).String())
		writeServiceError(w, r, h.logger, err)
		return
	}

	h.observer.ObserveAuth("login", "success")
	writeJSON(w, http.StatusOK, AuthResponse{Token: result.Token, User: result.Account})
}

// Logout is an acknowledgement only. Tokens are stateless and the client
// discards its copy.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MessageResponse{Message: "logged out"})
}

func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		var req VerifyRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		token = req.Token
	}

	account, err := h.auth.VerifyEmail(r.Context(), token)
	if err != nil {
		h.observer.ObserveAuth("verify", services.KindOf(err).String())
		writeServiceError(w, r, h.logger, err)
		return
	}

	h.observer.ObserveAuth("verify", "success")
	writeJSON(w, http.StatusOK, UserResponse{Message: "email verified", User: account})
}

func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.auth.ForgotPassword(r.Context(), req.Email); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{
		Message: "if that email is registered, a reset link has been sent",
	})
}

func (h *AuthHandler) CheckResetToken(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.CheckResetToken(r.Context(), chi.URLParam(r, "token")); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "reset link is valid"})
}

func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	password := req.NewPassword
	if password == "" {
		password = req.Password
	}

	if err := h.auth.ResetPassword(r.Context(), chi.URLParam(r, "token"), password); err != nil {
		h.observer.ObserveAuth("reset_password", services.KindOf(err).String())
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.observer.ObserveAuth("reset_password", "success")
	writeJSON(w, http.StatusOK, MessageResponse{Message: "password has been reset"})
}

// Me returns the account resolved by the gate.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.accounts.UpdateProfile(r.Context(), account.ID, services.ProfileInput{
		Username: req.Username,
		Email:    req.Email,
		Bio:      req.Bio,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, UserResponse{Message: "profile updated", User: updated})
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ChangePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.auth.ChangePassword(r.Context(), account.ID, req.CurrentPassword, req.NewPassword); err != nil {
		h.observer.ObserveAuth("change_password", services.KindOf(err).String())
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.observer.ObserveAuth("change_password", "success")
	writeJSON(w, http.StatusOK, MessageResponse{Message: "password changed"})
}

func (h *AuthHandler) UploadAvatar(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.avatars == nil {
		writeError(w, http.StatusServiceUnavailable, "avatar uploads are disabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, services.MaxAvatarBytes+(64<<10))
	file, _, err := r.FormFile(avatarFormField)
	if err != nil {
		writeError(w, http.StatusBadRequest, "avatar file is required")
		return
	}
	defer file.Close()

	updated, err := h.avatars.Upload(r.Context(), account.ID, file)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, UserResponse{Message: "avatar updated", User: updated})
}
