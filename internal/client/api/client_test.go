package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/baseapp/apiserver/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogin_SendsEmailOrUsername(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/login", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(AuthResult{Token: "tok", User: types.Account{ID: "1", Role: types.RoleAdmin}})
	}))
	defer srv.Close()
	c := New(srv.URL+"/", nil)

	res, err := c.Login(context.Background(), "a@x.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "tok", res.Token)
	assert.Equal(t, types.RoleAdmin, res.User.Role)
	assert.Equal(t, "a@x.com", got["email"])
	assert.Empty(t, got["username"])

	_, err = c.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "alice", got["username"])
}

func TestMe_MapsStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			_ = json.NewEncoder(w).Encode(types.Account{ID: "1", Username: "alice"})
		case "Bearer banned":
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"admin access required"}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"token expired"}`))
		}
	}))
	defer srv.Close()
	c := New(srv.URL, srv.Client())
	ctx := context.Background()

	account, err := c.Me(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, "alice", account.Username)

	_, err = c.Me(ctx, "stale")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, "token expired", statusErr.Message)

	_, err = c.Me(ctx, "banned")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.NotErrorIs(t, err, ErrUnauthenticated)
}

func TestResetPassword_EscapesToken(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL, nil).ResetPassword(context.Background(), "a/b", "newpass"))
	assert.Equal(t, "/auth/reset-password/a%2Fb", path)
}
