// Package api is a typed HTTP client for the account endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/baseapp/apiserver/types"
)

const maxResponseBody = 1 << 20

var (
	// ErrUnauthenticated matches any 401 response.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden matches any 403 response.
	ErrForbidden = errors.New("forbidden")
)

// StatusError is a non-2xx response. Message is the server's error text.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Code)
	}
	return fmt.Sprintf("api: status %d: %s", e.Code, e.Message)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthenticated:
		return e.Code == http.StatusUnauthorized
	case ErrForbidden:
		return e.Code == http.StatusForbidden
	}
	return false
}

type AuthResult struct {
	Token string        `json:"token"`
	User  types.Account `json:"user"`
}

type userEnvelope struct {
	Message string        `json:"message"`
	User    types.Account `json:"user"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

// Client talks to one API server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a Client for baseURL. A nil httpClient gets a 15s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Login exchanges an email or username and password for a token. An
// identifier containing "@" is sent as an email.
func (c *Client) Login(ctx context.Context, identifier, password string) (AuthResult, error) {
	body := map[string]string{"password": password}
	if strings.Contains(identifier, "@") {
		body["email"] = identifier
	} else {
		body["username"] = identifier
	}
	var out AuthResult
	err := c.do(ctx, http.MethodPost, "/auth/login", "", body, &out)
	return out, err
}

func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", token, nil, nil)
}

func (c *Client) Register(ctx context.Context, username, email, password string) (types.Account, error) {
	var out userEnvelope
	err := c.do(ctx, http.MethodPost, "/auth/register", "", map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	}, &out)
	return out.User, err
}

func (c *Client) Verify(ctx context.Context, token string) (types.Account, error) {
	var out userEnvelope
	err := c.do(ctx, http.MethodGet, "/auth/verify/"+url.PathEscape(token), "", nil, &out)
	return out.User, err
}

// Me returns the account the token belongs to.
func (c *Client) Me(ctx context.Context, token string) (types.Account, error) {
	var out types.Account
	err := c.do(ctx, http.MethodGet, "/auth/me", token, nil, &out)
	return out, err
}

func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/auth/forgot-password", "", map[string]string{"email": email}, nil)
}

func (c *Client) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	return c.do(ctx, http.MethodPost, "/auth/reset-password/"+url.PathEscape(resetToken), "",
		map[string]string{"newPassword": newPassword}, nil)
}

func (c *Client) ChangePassword(ctx context.Context, token, currentPassword, newPassword string) error {
	return c.do(ctx, http.MethodPost, "/auth/change-password", token, map[string]string{
		"currentPassword": currentPassword,
		"newPassword":     newPassword,
	}, nil)
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("api: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("api: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env errorEnvelope
		_ = json.Unmarshal(data, &env)
		return &StatusError{Code: resp.StatusCode, Message: env.Error}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}
