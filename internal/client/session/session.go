// Package session keeps the client's authenticated state. A client may hold
// an ordinary user session and an admin session at the same time; the two
// are independent and share only the identity snapshot shown to the user and
// the selector of which one is current.
package session

import (
	"fmt"

	"github.com/baseapp/apiserver/types"
)

// System selects which of the two sessions an operation targets.
type System string

const (
	SystemUser  System = "user"
	SystemAdmin System = "admin"
)

var systems = []System{SystemUser, SystemAdmin}

// ParseSystem accepts "user" or "admin".
func ParseSystem(s string) (System, error) {
	switch System(s) {
	case SystemUser, SystemAdmin:
		return System(s), nil
	}
	return "", fmt.Errorf("unknown system %q", s)
}

// Session is either *UserSession or *AdminSession.
type Session interface {
	System() System
	Token() string
	Account() types.Account
	// Remembered reports whether the session lives in durable storage.
	Remembered() bool
}

type UserSession struct {
	token    string
	account  types.Account
	remember bool
}

func (s *UserSession) System() System         { return SystemUser }
func (s *UserSession) Token() string          { return s.token }
func (s *UserSession) Account() types.Account { return s.account }
func (s *UserSession) Remembered() bool       { return s.remember }

// AdminSession always belongs to an account whose role was admin when the
// session was established or last validated.
type AdminSession struct {
	token    string
	account  types.Account
	remember bool
}

func (s *AdminSession) System() System         { return SystemAdmin }
func (s *AdminSession) Token() string          { return s.token }
func (s *AdminSession) Account() types.Account { return s.account }
func (s *AdminSession) Remembered() bool       { return s.remember }

func newSession(system System, token string, account types.Account, remember bool) Session {
	if system == SystemAdmin {
		return &AdminSession{token: token, account: account, remember: remember}
	}
	return &UserSession{token: token, account: account, remember: remember}
}

// State is a point-in-time copy of the manager's state.
type State struct {
	User    *UserSession
	Admin   *AdminSession
	Current System
	// UserInfo is the identity of the current session, nil when logged out.
	UserInfo *types.Account
	Loading  bool
}

// Session returns the session for system, or nil.
func (s State) Session(system System) Session {
	switch system {
	case SystemUser:
		if s.User != nil {
			return s.User
		}
	case SystemAdmin:
		if s.Admin != nil {
			return s.Admin
		}
	}
	return nil
}

func (s State) LoggedIn(system System) bool {
	return s.Session(system) != nil
}

// Tokens are the raw tokens found in persisted storage.
type Tokens struct {
	User  string
	Admin string
}

// record is the persisted form of one session.
type record struct {
	Token    string        `json:"token"`
	Account  types.Account `json:"account"`
	Remember bool          `json:"remember"`
}

const keyCurrentSystem = "current_system"

func sessionKey(system System) string {
	return "session:" + string(system)
}
