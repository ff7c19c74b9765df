package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/baseapp/apiserver/types"
	"github.com/google/uuid"
)

// MemoryAccountRepository keeps accounts in process memory. It enforces the
// same uniqueness and conditional-update rules as the database backends and
// is meant for local development and tests.
type MemoryAccountRepository struct {
	mu           sync.Mutex
	accounts     map[string]types.Account
	adminClaimed bool
	now          func() time.Time
}

func NewMemoryAccountRepository() *MemoryAccountRepository {
	return &MemoryAccountRepository{
		accounts: make(map[string]types.Account),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the timestamp source.
func (r *MemoryAccountRepository) WithClock(now func() time.Time) *MemoryAccountRepository {
	r.now = now
	return r
}

func (r *MemoryAccountRepository) find(match func(types.Account) bool) (types.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if match(a) {
			return a, nil
		}
	}
	return types.Account{}, ErrNotFound
}

func (r *MemoryAccountRepository) GetByID(ctx context.Context, id string) (types.Account, error) {
	return r.find(func(a types.Account) bool { return a.ID == id })
}

func (r *MemoryAccountRepository) GetByUsername(ctx context.Context, username string) (types.Account, error) {
	return r.find(func(a types.Account) bool { return a.Username == username })
}

func (r *MemoryAccountRepository) GetByEmail(ctx context.Context, email string) (types.Account, error) {
	return r.find(func(a types.Account) bool { return a.Email == email })
}

func (r *MemoryAccountRepository) GetByVerificationToken(ctx context.Context, token string) (types.Account, error) {
	if token == "" {
		return types.Account{}, ErrNotFound
	}
	return r.find(func(a types.Account) bool { return a.VerificationToken == token })
}

func (r *MemoryAccountRepository) GetByResetToken(ctx context.Context, token string) (types.Account, error) {
	if token == "" {
		return types.Account{}, ErrNotFound
	}
	return r.find(func(a types.Account) bool { return a.ResetToken == token })
}

func (r *MemoryAccountRepository) checkUnique(account types.Account) error {
	for _, a := range r.accounts {
		if a.ID == account.ID {
			continue
		}
		if a.Username == account.Username {
			return &DuplicateError{Field: "username"}
		}
		if a.Email == account.Email {
			return &DuplicateError{Field: "email"}
		}
	}
	return nil
}

func (r *MemoryAccountRepository) Create(ctx context.Context, account types.Account) (types.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if err := r.checkUnique(account); err != nil {
		return types.Account{}, err
	}
	now := r.now()
	account.CreatedAt = now
	account.UpdatedAt = now
	r.accounts[account.ID] = account
	return account, nil
}

func (r *MemoryAccountRepository) UpdateProfile(ctx context.Context, id string, changes types.ProfileChanges) (types.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return types.Account{}, ErrNotFound
	}
	if changes.Username != nil {
		a.Username = *changes.Username
	}
	if changes.Email != nil {
		a.Email = *changes.Email
	}
	if changes.Bio != nil {
		a.Bio = *changes.Bio
	}
	if err := r.checkUnique(a); err != nil {
		return types.Account{}, err
	}
	a.UpdatedAt = r.now()
	r.accounts[id] = a
	return a, nil
}

func (r *MemoryAccountRepository) SetPassword(ctx context.Context, id, currentHash, newHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok || a.PasswordHash != currentHash {
		return ErrNotFound
	}
	a.PasswordHash = newHash
	a.UpdatedAt = r.now()
	r.accounts[id] = a
	return nil
}

func (r *MemoryAccountRepository) SetResetToken(ctx context.Context, id, token string, expiry time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return ErrNotFound
	}
	expiry = expiry.UTC()
	a.ResetToken = token
	a.ResetExpiry = &expiry
	a.UpdatedAt = r.now()
	r.accounts[id] = a
	return nil
}

func (r *MemoryAccountRepository) SetAvatar(ctx context.Context, id, avatarURL string) (types.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return types.Account{}, ErrNotFound
	}
	a.Avatar = avatarURL
	a.UpdatedAt = r.now()
	r.accounts[id] = a
	return a, nil
}

func (r *MemoryAccountRepository) SetDefaultAvatar(ctx context.Context, id, avatarURL string) (types.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return types.Account{}, ErrNotFound
	}
	if a.Avatar == "" {
		a.Avatar = avatarURL
		a.UpdatedAt = r.now()
		r.accounts[id] = a
	}
	return a, nil
}

// MarkVerified verifies the account if token is still its pending token. The
// first account ever verified is promoted to admin.
func (r *MemoryAccountRepository) MarkVerified(ctx context.Context, id, token string) (types.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok || a.Verified || token == "" || a.VerificationToken != token {
		return types.Account{}, ErrNotFound
	}
	a.Verified = true
	a.VerificationToken = ""
	if !r.adminClaimed {
		r.adminClaimed = true
		a.Role = types.RoleAdmin
	}
	a.UpdatedAt = r.now()
	r.accounts[id] = a
	return a, nil
}

func (r *MemoryAccountRepository) ConsumeResetToken(ctx context.Context, id, token, passwordHash string, now time.Time) (types.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok || token == "" || a.ResetToken != token || a.ResetExpiry == nil || !a.ResetExpiry.After(now) {
		return types.Account{}, ErrNotFound
	}
	a.PasswordHash = passwordHash
	a.ResetToken = ""
	a.ResetExpiry = nil
	a.UpdatedAt = r.now()
	r.accounts[id] = a
	return a, nil
}

func (r *MemoryAccountRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[id]; !ok {
		return ErrNotFound
	}
	delete(r.accounts, id)
	return nil
}

func (r *MemoryAccountRepository) DeleteUnverified(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, a := range r.accounts {
		if !a.Verified {
			delete(r.accounts, id)
			n++
		}
	}
	return n, nil
}

// List returns matching accounts newest first.
func (r *MemoryAccountRepository) List(ctx context.Context, filter types.AccountFilter, offset, limit int) ([]types.Account, int, error) {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = 10
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	matched := make([]types.Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		if filter.UnverifiedOnly && a.Verified {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(a.Username), search) &&
			!strings.Contains(strings.ToLower(a.Email), search) {
			continue
		}
		matched = append(matched, a)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].Username < matched[j].Username
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}
