package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/baseapp/apiserver/config"
	"github.com/baseapp/apiserver/internal/auth"
	"github.com/baseapp/apiserver/internal/services"
	"github.com/baseapp/apiserver/internal/storage"
	"github.com/baseapp/apiserver/internal/store"
	"github.com/baseapp/apiserver/types"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type linkRecorder struct {
	mu    sync.Mutex
	links []string
}

func (l *linkRecorder) Notify(ctx context.Context, n types.Notification) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.links = append(l.links, n.Link)
	return nil
}

func (l *linkRecorder) lastToken(t *testing.T) string {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.NotEmpty(t, l.links)
	link := l.links[len(l.links)-1]
	return link[strings.LastIndex(link, "/")+1:]
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (e *eventRecorder) ObserveAuth(event, outcome string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event+":"+outcome)
}

type objectMap struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (o *objectMap) EnsureBucket(ctx context.Context) error { return nil }

func (o *objectMap) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = data
	return nil
}

func (o *objectMap) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (o *objectMap) Delete(ctx context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, key)
	return nil
}

func (o *objectMap) Bucket() string { return "test" }

type apiFixture struct {
	router   *chi.Mux
	repo     *store.MemoryAccountRepository
	links    *linkRecorder
	events   *eventRecorder
	objects  *objectMap
	issuer   *auth.Issuer
	accounts *services.AccountService
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		repo:    store.NewMemoryAccountRepository(),
		links:   &linkRecorder{},
		events:  &eventRecorder{},
		objects: &objectMap{objects: map[string][]byte{}},
		issuer:  auth.NewIssuer("handler-secret"),
	}
	cfg := config.AuthConfig{
		LoginTokenTTL:    time.Hour,
		VerifyTokenTTL:   time.Hour,
		ResetTokenTTL:    time.Hour,
		FrontendURL:      "https://app.example",
		DefaultAvatarURL: "https://avatars.example/?seed=",
	}
	authService := services.NewAuthService(f.repo, auth.NewHasher(bcrypt.MinCost, 2), f.issuer, f.links, cfg, nil)
	f.accounts = services.NewAccountService(f.repo, nil)
	avatars := services.NewAvatarService(f.accounts, f.objects, "/media", nil)
	gate := NewGate(f.issuer, f.accounts, nil)

	f.router = chi.NewRouter()
	f.router.Route("/auth", func(r chi.Router) {
		AuthRouter(r, NewAuthHandler(authService, f.accounts, avatars, f.events, nil), gate)
	})
	f.router.Route("/admin", func(r chi.Router) {
		AdminRouter(r, NewAdminHandler(f.accounts, nil), gate)
	})
	f.router.Route("/media", func(r chi.Router) {
		MediaRouter(r, NewMediaHandler(avatars, nil))
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// signup registers, verifies and logs in, returning the login token.
func (f *apiFixture) signup(t *testing.T, username, email, password string) (string, types.Account) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/auth/register", "", RegisterRequest{Username: username, Email: email, Password: password})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/auth/verify/"+f.links.lastToken(t), "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Email: email, Password: password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp AuthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Token, resp.User
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRegister_ReturnsUserWithoutToken(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/auth/register", "", RegisterRequest{
		Username: "alice", Email: "Alice@X.com", Password: "secret1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.NotContains(t, rec.Body.String(), "token")
	assert.NotContains(t, rec.Body.String(), "password")
	resp := decodeBody[UserResponse](t, rec)
	assert.Equal(t, "alice@x.com", resp.User.Email)
	assert.False(t, resp.User.Verified)
}

func TestRegister_DuplicateAndInvalid(t *testing.T) {
	f := newAPIFixture(t)
	body := RegisterRequest{Username: "alice", Email: "alice@x.com", Password: "secret1"}

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/auth/register", "", body).Code)

	rec := f.do(t, http.MethodPost, "/auth/register", "", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/register", "", RegisterRequest{Username: "x", Email: "bad", Password: "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader("{"))
	raw := httptest.NewRecorder()
	f.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
	assert.Equal(t, "invalid request", decodeBody[ErrorResponse](t, raw).Error)
}

func TestLogin_UnverifiedThenVerified(t *testing.T) {
	f := newAPIFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/auth/register", "",
		RegisterRequest{Username: "alice", Email: "alice@x.com", Password: "secret1"}).Code)

	rec := f.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Username: "alice", Password: "secret1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := f.links.lastToken(t)
	rec = f.do(t, http.MethodPost, "/auth/verify", "", VerifyRequest{Token: token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.RoleAdmin, decodeBody[UserResponse](t, rec).User.Role)

	rec = f.do(t, http.MethodGet, "/auth/verify/"+token, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "verification link invalid or expired", decodeBody[ErrorResponse](t, rec).Error)

	rec = f.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Username: "alice", Password: "secret1"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[AuthResponse](t, rec)
	assert.NotEmpty(t, resp.Token)
	assert.NotEmpty(t, resp.User.Avatar)

	assert.Contains(t, f.events.events, "login:auth")
	assert.Contains(t, f.events.events, "login:success")
}

func TestMe_RequiresValidToken(t *testing.T) {
	f := newAPIFixture(t)
	token, account := f.signup(t, "alice", "alice@x.com", "secret1")

	rec := f.do(t, http.MethodGet, "/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/auth/me", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/auth/me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, account.ID, decodeBody[types.Account](t, rec).ID)

	expired := auth.NewIssuer("handler-secret").WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) })
	old, err := expired.IssueAccess(account, time.Hour)
	require.NoError(t, err)
	rec = f.do(t, http.MethodGet, "/auth/me", old, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "token expired", decodeBody[ErrorResponse](t, rec).Error)

	require.NoError(t, f.repo.Delete(context.Background(), account.ID))
	rec = f.do(t, http.MethodGet, "/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGate_RejectsNonAccessTokens(t *testing.T) {
	f := newAPIFixture(t)
	_, account := f.signup(t, "alice", "alice@x.com", "secret1")

	reset, err := f.issuer.IssueReset(account.ID, account.Email, time.Hour)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/auth/me", reset, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProfileAndChangePassword(t *testing.T) {
	f := newAPIFixture(t)
	token, _ := f.signup(t, "alice", "alice@x.com", "secret1")
	f.signup(t, "bob", "bob@x.com", "secret2")

	bio := "hello"
	rec := f.do(t, http.MethodPut, "/auth/profile", token, ProfileRequest{Bio: &bio})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", decodeBody[UserResponse](t, rec).User.Bio)

	taken := "bob"
	rec = f.do(t, http.MethodPut, "/auth/profile", token, ProfileRequest{Username: &taken})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/change-password", token, ChangePasswordRequest{CurrentPassword: "wrong", NewPassword: "newpass"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/change-password", token, ChangePasswordRequest{CurrentPassword: "secret1", NewPassword: "newpass"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Username: "alice", Password: "newpass"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestForgotAndResetPassword(t *testing.T) {
	f := newAPIFixture(t)
	f.signup(t, "alice", "alice@x.com", "secret1")

	rec := f.do(t, http.MethodPost, "/auth/forgot-password", "", ForgotPasswordRequest{Email: "nobody@x.com"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/forgot-password", "", ForgotPasswordRequest{Email: "ALICE@x.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	token := f.links.lastToken(t)

	rec = f.do(t, http.MethodGet, "/auth/reset-password/"+token, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/reset-password/"+token, "", ResetPasswordRequest{NewPassword: "fresh1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/auth/reset-password/"+token, "", ResetPasswordRequest{NewPassword: "again1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "reset link invalid or expired", decodeBody[ErrorResponse](t, rec).Error)

	rec = f.do(t, http.MethodPost, "/auth/login", "", LoginRequest{Email: "alice@x.com", Password: "fresh1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRoutes_RequireAdminRole(t *testing.T) {
	f := newAPIFixture(t)
	adminToken, admin := f.signup(t, "root", "root@x.com", "secret1")
	userToken, user := f.signup(t, "alice", "alice@x.com", "secret1")
	require.Equal(t, types.RoleAdmin, admin.Role)
	require.Equal(t, types.RoleUser, user.Role)

	rec := f.do(t, http.MethodGet, "/admin/users", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/users", userToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "admin access required", decodeBody[ErrorResponse](t, rec).Error)

	rec = f.do(t, http.MethodGet, "/admin/users?search=ALI&limit=5", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[services.AccountPage](t, rec)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 5, page.Limit)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "alice", page.Items[0].Username)

	rec = f.do(t, http.MethodGet, "/admin/users?page=0", adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/users/"+user.ID, adminToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/admin/users/"+admin.ID, adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/admin/users/"+user.ID, adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/auth/me", userToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodDelete, "/admin/users/"+user.ID, adminToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminPurgeUnverified(t *testing.T) {
	f := newAPIFixture(t)
	adminToken, _ := f.signup(t, "root", "root@x.com", "secret1")
	for _, name := range []string{"p1", "p2"} {
		rec := f.do(t, http.MethodPost, "/auth/register", "", RegisterRequest{Username: name, Email: name + "@x.com", Password: "secret1"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/admin/unverified", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decodeBody[services.AccountPage](t, rec).Total)

	rec = f.do(t, http.MethodDelete, "/admin/unverified", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decodeBody[PurgeResponse](t, rec).Deleted)
}

func TestLogin_RateLimitedSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	writeServiceError(rec, req, nil, services.RateLimitedError(90*time.Second+time.Millisecond))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "91", rec.Header().Get("Retry-After"))
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func TestAvatarUploadAndServe(t *testing.T) {
	f := newAPIFixture(t)
	token, _ := f.signup(t, "alice", "alice@x.com", "secret1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(avatarFormField, "me.png")
	require.NoError(t, err)
	_, err = part.Write(pngHeader)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/auth/avatar", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	avatar := decodeBody[UserResponse](t, rec).User.Avatar
	require.True(t, strings.HasPrefix(avatar, "/media/avatars/"), avatar)

	rec = f.do(t, http.MethodGet, avatar, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, pngHeader, rec.Body.Bytes())

	rec = f.do(t, http.MethodGet, "/media/avatars/../secret", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAvatarUpload_DisabledWithoutStorage(t *testing.T) {
	f := newAPIFixture(t)
	token, _ := f.signup(t, "alice", "alice@x.com", "secret1")

	handler := NewAuthHandler(nil, f.accounts, nil, nil, nil)
	router := chi.NewRouter()
	router.Route("/auth", func(r chi.Router) {
		AuthRouter(r, handler, NewGate(f.issuer, f.accounts, nil))
	})

	req := httptest.NewRequest(http.MethodPost, "/auth/avatar", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealth(t *testing.T) {
	ok := Health(map[string]HealthCheck{"db": func(context.Context) error { return nil }})
	rec := httptest.NewRecorder()
	ok(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	down := Health(map[string]HealthCheck{"db": func(context.Context) error { return io.ErrUnexpectedEOF }})
	rec = httptest.NewRecorder()
	down(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "down", decodeBody[HealthResponse](t, rec).Checks["db"])
}
