// Package guard decides whether the client may open a route, and where to
// send it instead.
package guard

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/baseapp/apiserver/internal/auth"
	"github.com/baseapp/apiserver/internal/client/session"
	"github.com/baseapp/apiserver/types"
	"gopkg.in/yaml.v3"
)

//go:embed routes.yaml
var defaultRoutes []byte

// Route is one entry of the route table. A route with Redirect set is never
// rendered.
type Route struct {
	Path         string       `yaml:"path"`
	Title        string       `yaml:"title"`
	RequiresAuth bool         `yaml:"requires_auth"`
	Roles        []types.Role `yaml:"roles"`
	Redirect     string       `yaml:"redirect"`
}

func (r Route) requiresAdmin() bool {
	for _, role := range r.Roles {
		if role == types.RoleAdmin {
			return true
		}
	}
	return false
}

// Table is the route table together with the login and landing pages.
type Table struct {
	Login      string  `yaml:"login"`
	AdminLogin string  `yaml:"admin_login"`
	UserHome   string  `yaml:"user_home"`
	AdminHome  string  `yaml:"admin_home"`
	Routes     []Route `yaml:"routes"`
}

// ParseTable decodes a YAML route table.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse route table: %w", err)
	}
	if t.Login == "" || t.AdminLogin == "" || t.UserHome == "" || t.AdminHome == "" {
		return nil, errors.New("route table must name login, admin_login, user_home and admin_home")
	}
	for i, r := range t.Routes {
		if r.Path == "" {
			return nil, fmt.Errorf("route %d has no path", i)
		}
	}
	return &t, nil
}

// DefaultTable returns the built-in route table.
func DefaultTable() *Table {
	t, err := ParseTable(defaultRoutes)
	if err != nil {
		panic(err)
	}
	return t
}

// Match returns the first route whose pattern matches path. ":name" matches
// one segment and "*" matches anything.
func (t *Table) Match(path string) (Route, bool) {
	segments := splitPath(path)
	for _, r := range t.Routes {
		if matchPattern(r.Path, segments) {
			return r, true
		}
	}
	return Route{}, false
}

func splitPath(path string) []string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func matchPattern(pattern string, segments []string) bool {
	if pattern == "*" {
		return true
	}
	parts := splitPath(pattern)
	if len(parts) != len(segments) {
		return false
	}
	for i, p := range parts {
		if strings.HasPrefix(p, ":") {
			if segments[i] == "" {
				return false
			}
			continue
		}
		if p != segments[i] {
			return false
		}
	}
	return true
}

// TokenSource reads the persisted tokens. *session.Manager implements it.
type TokenSource interface {
	PersistedTokens(ctx context.Context) (session.Tokens, error)
}

// Decision is the outcome of a navigation check. Redirect is empty when the
// navigation is allowed.
type Decision struct {
	Route    Route
	Redirect string
}

func (d Decision) Allowed() bool { return d.Redirect == "" }

// Guard evaluates navigations against the route table and the tokens in
// storage, so it works before the session manager has hydrated.
type Guard struct {
	table  *Table
	tokens TokenSource
	now    func() time.Time
}

func New(table *Table, tokens TokenSource) *Guard {
	if table == nil {
		table = DefaultTable()
	}
	return &Guard{table: table, tokens: tokens, now: time.Now}
}

// Check decides whether path may be opened.
func (g *Guard) Check(ctx context.Context, path string) (Decision, error) {
	route, _ := g.table.Match(path)
	if route.Redirect != "" {
		return Decision{Route: route, Redirect: route.Redirect}, nil
	}

	tokens, err := g.tokens.PersistedTokens(ctx)
	if err != nil {
		return Decision{}, err
	}
	userOK := g.usable(tokens.User)
	adminOK := g.usable(tokens.Admin) && g.role(tokens.Admin) == types.RoleAdmin

	clean := "/" + strings.Join(splitPath(path), "/")
	switch {
	case clean == g.table.AdminLogin && adminOK:
		return Decision{Route: route, Redirect: g.table.AdminHome}, nil
	case clean == g.table.Login && userOK:
		return Decision{Route: route, Redirect: g.table.UserHome}, nil
	}

	if !route.RequiresAuth {
		return Decision{Route: route}, nil
	}
	if route.requiresAdmin() {
		if adminOK {
			return Decision{Route: route}, nil
		}
		if g.usable(tokens.Admin) {
			// Signed in on the admin side without the admin role.
			return Decision{Route: route, Redirect: g.table.UserHome}, nil
		}
		return Decision{Route: route, Redirect: g.table.AdminLogin}, nil
	}
	if !userOK {
		return Decision{Route: route, Redirect: g.table.Login}, nil
	}
	if len(route.Roles) > 0 && !hasRole(route.Roles, g.role(tokens.User)) {
		return Decision{Route: route, Redirect: g.table.UserHome}, nil
	}
	return Decision{Route: route}, nil
}

// usable reports whether token decodes and has not expired. The signature is
// the server's concern.
func (g *Guard) usable(token string) bool {
	if token == "" {
		return false
	}
	claims, err := auth.ParseUnverified(token)
	if err != nil {
		return false
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(g.now()) {
		return false
	}
	return true
}

func (g *Guard) role(token string) types.Role {
	claims, err := auth.ParseUnverified(token)
	if err != nil {
		return ""
	}
	return claims.Role
}

func hasRole(roles []types.Role, role types.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
