package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/baseapp/apiserver/internal/client/api"
	"github.com/baseapp/apiserver/internal/client/storage"
	"github.com/baseapp/apiserver/internal/logging"
	"github.com/baseapp/apiserver/types"
	"github.com/google/uuid"
)

var (
	// ErrRoleMismatch is returned when an admin login authenticates an
	// account that is not an admin. The token is discarded.
	ErrRoleMismatch = errors.New("account is not an administrator")
	// ErrStaleResponse is returned when a response arrives after the target
	// session was logged out or replaced.
	ErrStaleResponse = errors.New("session changed while the request was in flight")
	// ErrNoSession is returned by Call when the target session is absent.
	ErrNoSession = errors.New("not logged in")
)

// AuthAPI is the part of the API client the manager needs.
type AuthAPI interface {
	Login(ctx context.Context, identifier, password string) (api.AuthResult, error)
	Me(ctx context.Context, token string) (types.Account, error)
}

// Manager owns the client's sessions. Storage is the source of truth: every
// mutation is written through, and a change announced by another client is
// handled by reloading from storage.
type Manager struct {
	api       AuthAPI
	durable   storage.Scope
	ephemeral storage.Scope
	events    storage.Broadcaster
	origin    string
	logger    logging.Logger

	mu        sync.Mutex
	user      *UserSession
	admin     *AdminSession
	current   System
	loading   int
	gen       map[System]uint64
	listeners []func(State)
}

// NewManager builds a Manager. durable is shared with other clients and
// survives restarts; ephemeral belongs to this client only. events may be nil.
func NewManager(client AuthAPI, durable, ephemeral storage.Scope, events storage.Broadcaster, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		api:       client,
		durable:   durable,
		ephemeral: ephemeral,
		events:    events,
		origin:    uuid.NewString(),
		logger:    logger,
		current:   SystemUser,
		gen:       make(map[System]uint64, len(systems)),
	}
}

// OnChange registers fn to receive the state after every change.
func (m *Manager) OnChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// State returns a copy of the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	st := State{User: m.user, Admin: m.admin, Current: m.current, Loading: m.loading > 0}
	if s := st.Session(m.current); s != nil {
		account := s.Account()
		st.UserInfo = &account
	}
	return st
}

// Login authenticates and stores the session for system. remember selects
// durable storage; otherwise the session lasts as long as this client.
func (m *Manager) Login(ctx context.Context, identifier, password string, remember bool, system System) (Session, error) {
	m.mu.Lock()
	m.gen[system]++
	gen := m.gen[system]
	m.loading++
	m.mu.Unlock()

	res, err := m.api.Login(ctx, identifier, password)

	m.mu.Lock()
	m.loading--
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if m.gen[system] != gen {
		m.mu.Unlock()
		return nil, ErrStaleResponse
	}
	if system == SystemAdmin && res.User.Role != types.RoleAdmin {
		m.mu.Unlock()
		return nil, ErrRoleMismatch
	}

	s := newSession(system, res.Token, res.User, remember)
	if err := m.persistLocked(ctx, s); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.setLocked(system, s)
	m.current = system
	m.saveCurrentLocked(ctx)
	st := m.stateLocked()
	m.mu.Unlock()

	m.logger.Info(ctx, "logged in", "system", system, "account_id", res.User.ID, "remember", remember)
	m.announce(ctx, sessionKey(system))
	m.emit(st)
	return s, nil
}

// Logout clears the given sessions, or both when none is named. The identity
// snapshot moves to the remaining session if there is one.
func (m *Manager) Logout(ctx context.Context, targets ...System) error {
	if len(targets) == 0 {
		targets = systems
	}

	m.mu.Lock()
	var errs []error
	for _, system := range targets {
		if err := m.clearLocked(ctx, system); err != nil {
			errs = append(errs, err)
		}
	}
	m.saveCurrentLocked(ctx)
	st := m.stateLocked()
	m.mu.Unlock()

	for _, system := range targets {
		m.announce(ctx, sessionKey(system))
	}
	m.emit(st)
	return errors.Join(errs...)
}

// Reload rebuilds in-memory state from storage without contacting the
// server. Durable entries win over ephemeral ones.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	var errs []error
	for _, system := range systems {
		rec, found, err := m.loadRecord(ctx, system)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var s Session
		if found {
			s = newSession(system, rec.Token, rec.Account, rec.Remember)
		}
		m.replaceLocked(system, s)
	}
	if current, ok := m.loadCurrent(ctx); ok {
		m.current = current
	}
	m.fixCurrentLocked()
	st := m.stateLocked()
	m.mu.Unlock()

	m.emit(st)
	return errors.Join(errs...)
}

// Hydrate reloads from storage and then validates each session against the
// server. A session whose token is rejected is logged out; other failures
// leave it in place and are returned.
func (m *Manager) Hydrate(ctx context.Context) error {
	if err := m.Reload(ctx); err != nil {
		return err
	}

	var errs []error
	for _, system := range systems {
		m.mu.Lock()
		s := m.stateLocked().Session(system)
		gen := m.gen[system]
		if s != nil {
			m.loading++
		}
		m.mu.Unlock()
		if s == nil {
			continue
		}

		account, err := m.api.Me(ctx, s.Token())

		m.mu.Lock()
		m.loading--
		m.mu.Unlock()
		switch {
		case m.stale(system, gen):
		case errors.Is(err, api.ErrUnauthenticated):
			m.logger.Info(ctx, "stored session rejected", "system", system)
			m.logoutIfCurrent(ctx, system, gen)
		case err != nil:
			errs = append(errs, fmt.Errorf("validate %s session: %w", system, err))
		case system == SystemAdmin && account.Role != types.RoleAdmin:
			m.logger.Warn(ctx, "admin session lost its role", "account_id", account.ID)
			m.logoutIfCurrent(ctx, system, gen)
		default:
			m.refreshAccount(ctx, system, gen, account)
		}
	}
	return errors.Join(errs...)
}

// Call runs fn with the token of system. An unauthenticated error from fn
// logs that session out, and only that session.
func (m *Manager) Call(ctx context.Context, system System, fn func(ctx context.Context, token string) error) error {
	m.mu.Lock()
	s := m.stateLocked().Session(system)
	gen := m.gen[system]
	m.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}

	err := fn(ctx, s.Token())
	if errors.Is(err, api.ErrUnauthenticated) {
		m.logoutIfCurrent(ctx, system, gen)
	}
	return err
}

// Watch reloads whenever another client announces a storage change. It
// blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	if m.events == nil {
		<-ctx.Done()
		return nil
	}
	events, err := m.events.Subscribe(ctx)
	if err != nil {
		return err
	}
	for ev := range events {
		if ev.Origin == m.origin {
			continue
		}
		if err := m.Reload(ctx); err != nil {
			m.logger.Warn(ctx, "reload after storage event failed", "key", ev.Key, "error", err)
		}
	}
	return nil
}

// PersistedTokens reads tokens straight from storage, so it reflects changes
// not yet loaded into memory.
func (m *Manager) PersistedTokens(ctx context.Context) (Tokens, error) {
	var tokens Tokens
	for _, system := range systems {
		rec, found, err := m.loadRecord(ctx, system)
		if err != nil {
			return Tokens{}, err
		}
		if !found {
			continue
		}
		if system == SystemAdmin {
			tokens.Admin = rec.Token
		} else {
			tokens.User = rec.Token
		}
	}
	return tokens, nil
}

func (m *Manager) stale(system System, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen[system] != gen
}

func (m *Manager) logoutIfCurrent(ctx context.Context, system System, gen uint64) {
	m.mu.Lock()
	if m.gen[system] != gen {
		m.mu.Unlock()
		return
	}
	if err := m.clearLocked(ctx, system); err != nil {
		m.logger.Warn(ctx, "clear session failed", "system", system, "error", err)
	}
	m.saveCurrentLocked(ctx)
	st := m.stateLocked()
	m.mu.Unlock()

	m.announce(ctx, sessionKey(system))
	m.emit(st)
}

func (m *Manager) refreshAccount(ctx context.Context, system System, gen uint64, account types.Account) {
	m.mu.Lock()
	s := m.stateLocked().Session(system)
	if m.gen[system] != gen || s == nil {
		m.mu.Unlock()
		return
	}
	updated := newSession(system, s.Token(), account, s.Remembered())
	if err := m.persistLocked(ctx, updated); err != nil {
		m.logger.Warn(ctx, "persist refreshed account failed", "system", system, "error", err)
	}
	m.setLocked(system, updated)
	st := m.stateLocked()
	m.mu.Unlock()
	m.emit(st)
}

func (m *Manager) setLocked(system System, s Session) {
	switch v := s.(type) {
	case *UserSession:
		m.user = v
	case *AdminSession:
		m.admin = v
	case nil:
		if system == SystemAdmin {
			m.admin = nil
		} else {
			m.user = nil
		}
	}
}

// replaceLocked installs s and invalidates in-flight work for system when
// the token changed underneath it.
func (m *Manager) replaceLocked(system System, s Session) {
	var before, after string
	if old := m.stateLocked().Session(system); old != nil {
		before = old.Token()
	}
	if s != nil {
		after = s.Token()
	}
	if before != after {
		m.gen[system]++
	}
	m.setLocked(system, s)
}

func (m *Manager) clearLocked(ctx context.Context, system System) error {
	m.gen[system]++
	m.setLocked(system, nil)
	key := sessionKey(system)
	return errors.Join(m.durable.Delete(ctx, key), m.ephemeral.Delete(ctx, key))
}

func (m *Manager) fixCurrentLocked() {
	if m.stateLocked().LoggedIn(m.current) {
		return
	}
	for _, system := range systems {
		if m.stateLocked().LoggedIn(system) {
			m.current = system
			return
		}
	}
}

func (m *Manager) persistLocked(ctx context.Context, s Session) error {
	data, err := json.Marshal(record{Token: s.Token(), Account: s.Account(), Remember: s.Remembered()})
	if err != nil {
		return err
	}
	key := sessionKey(s.System())
	if s.Remembered() {
		if err := m.durable.Set(ctx, key, string(data)); err != nil {
			return err
		}
		return m.ephemeral.Delete(ctx, key)
	}
	if err := m.ephemeral.Set(ctx, key, string(data)); err != nil {
		return err
	}
	return m.durable.Delete(ctx, key)
}

func (m *Manager) saveCurrentLocked(ctx context.Context) {
	m.fixCurrentLocked()
	value := string(m.current)
	for _, scope := range []storage.Scope{m.durable, m.ephemeral} {
		if err := scope.Set(ctx, keyCurrentSystem, value); err != nil {
			m.logger.Warn(ctx, "save current system failed", "error", err)
		}
	}
}

func (m *Manager) loadRecord(ctx context.Context, system System) (record, bool, error) {
	key := sessionKey(system)
	for _, scope := range []storage.Scope{m.durable, m.ephemeral} {
		raw, ok, err := scope.Get(ctx, key)
		if err != nil {
			return record{}, false, err
		}
		if !ok {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.Token == "" {
			m.logger.Warn(ctx, "discarding unreadable session record", "key", key)
			_ = scope.Delete(ctx, key)
			continue
		}
		return rec, true, nil
	}
	return record{}, false, nil
}

func (m *Manager) loadCurrent(ctx context.Context) (System, bool) {
	for _, scope := range []storage.Scope{m.durable, m.ephemeral} {
		raw, ok, err := scope.Get(ctx, keyCurrentSystem)
		if err != nil || !ok {
			continue
		}
		if system, err := ParseSystem(raw); err == nil {
			return system, true
		}
	}
	return "", false
}

func (m *Manager) announce(ctx context.Context, key string) {
	if m.events == nil {
		return
	}
	ev := storage.Event{Origin: m.origin, Key: key, At: time.Now().UTC()}
	if err := m.events.Publish(ctx, ev); err != nil {
		m.logger.Warn(ctx, "announce storage change failed", "key", key, "error", err)
	}
}

func (m *Manager) emit(st State) {
	m.mu.Lock()
	listeners := append([]func(State){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
}
