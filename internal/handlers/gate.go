package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/baseapp/apiserver/internal/auth"
	"github.com/baseapp/apiserver/internal/logging"
	"github.com/baseapp/apiserver/internal/services"
	"github.com/baseapp/apiserver/types"
)

// AccountLoader resolves a token subject to its current account.
type AccountLoader interface {
	GetByID(ctx context.Context, id string) (types.Account, error)
}

// Gate authenticates bearer tokens and enforces roles. RequireAuth must run
// before RequireAdmin.
type Gate struct {
	tokens   *auth.Issuer
	accounts AccountLoader
	logger   logging.Logger
}

func NewGate(tokens *auth.Issuer, accounts AccountLoader, logger logging.Logger) *Gate {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Gate{tokens: tokens, accounts: accounts, logger: logger}
}

// RequireAuth validates the bearer token, loads the account it names and
// stores the account in the request context. Missing or deleted accounts are
// rejected with 401.
func (g *Gate) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		claims, err := g.tokens.Parse(tokenString, auth.PurposeAccess)
		if err != nil {
			message := "unauthorized"
			if errors.Is(err, auth.ErrTokenExpired) {
				message = "token expired"
			}
			writeError(w, http.StatusUnauthorized, message)
			return
		}

		account, err := g.accounts.GetByID(r.Context(), claims.AccountID())
		if err != nil {
			if services.KindOf(err) == services.KindNotFound {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			writeServiceError(w, r, g.logger, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(withAccount(r.Context(), account)))
	})
}

// RequireAdmin rejects callers whose stored role is not admin with 403.
func (g *Gate) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, ok := accountFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !account.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", errors.New("missing authorization")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("invalid authorization")
	}
	return token, nil
}
