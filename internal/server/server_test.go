package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/baseapp/apiserver/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	return config.Config{
		Env:   "test",
		Store: config.StoreBackendMemory,
		Auth: config.AuthConfig{
			JWTSecret:     "server-secret",
			BcryptCost:    4,
			LoginTokenTTL: time.Hour,
		},
		MQ:                 config.MQConfig{Backend: "none"},
		Storage:            config.StorageConfig{Backend: "none"},
		RateLimit:          config.RateLimitConfig{Backend: "memory", MaxAttempts: 5, Window: time.Minute, Lock: time.Minute},
		CORSAllowedOrigins: []string{"https://app.example"},
	}
}

func TestNew_RequiresSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = ""

	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestNew_RejectsUnknownStore(t *testing.T) {
	cfg := testConfig()
	cfg.Store = "cassandra"

	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "unknown store backend")
}

func TestServer_RoutesAndCORS(t *testing.T) {
	srv, err := New(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])

	req := httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/users", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "baseapp_http_request"))
}
