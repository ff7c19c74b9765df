package services

import (
	"context"
	"errors"
	"strings"

	"github.com/baseapp/apiserver/internal/logging"
	"github.com/baseapp/apiserver/internal/store"
	"github.com/baseapp/apiserver/types"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

// ProfileInput holds the profile fields a caller may change. Nil fields are
// left untouched.
type ProfileInput struct {
	Username *string
	Email    *string
	Bio      *string
}

// AccountPage is one page of an account listing.
type AccountPage struct {
	Items []types.Account `json:"items"`
	Page  int             `json:"page"`
	Limit int             `json:"limit"`
	Total int             `json:"total"`
	Pages int             `json:"pages"`
}

// AccountService encapsulates profile and account administration use-cases.
type AccountService struct {
	repo   AccountRepository
	logger logging.Logger
}

func NewAccountService(repo AccountRepository, logger logging.Logger) *AccountService {
	if logger == nil {
		logger = logging.Discard()
	}
	return &AccountService{repo: repo, logger: logger}
}

func (s *AccountService) GetByID(ctx context.Context, id string) (types.Account, error) {
	account, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return types.Account{}, NotFoundError("user not found")
	}
	if err != nil {
		return types.Account{}, ServerError(err)
	}
	return account, nil
}

// UpdateProfile applies the non-nil fields of in. Changing the email keeps the
// account verified.
func (s *AccountService) UpdateProfile(ctx context.Context, id string, in ProfileInput) (types.Account, error) {
	var changes types.ProfileChanges
	if in.Username != nil {
		username := strings.TrimSpace(*in.Username)
		if err := validateUsername(username); err != nil {
			return types.Account{}, err
		}
		changes.Username = &username
	}
	if in.Email != nil {
		email := normalizeEmail(*in.Email)
		if err := validateEmail(email); err != nil {
			return types.Account{}, err
		}
		changes.Email = &email
	}
	if in.Bio != nil {
		bio := strings.TrimSpace(*in.Bio)
		if err := validateBio(bio); err != nil {
			return types.Account{}, err
		}
		changes.Bio = &bio
	}

	updated, err := s.repo.UpdateProfile(ctx, id, changes)
	if errors.Is(err, store.ErrNotFound) {
		return types.Account{}, NotFoundError("user not found")
	}
	if err != nil {
		return types.Account{}, mapDuplicate(err)
	}
	return updated, nil
}

// SetAvatar stores a new avatar URL for the account.
func (s *AccountService) SetAvatar(ctx context.Context, id, avatarURL string) (types.Account, error) {
	updated, err := s.repo.SetAvatar(ctx, id, avatarURL)
	if errors.Is(err, store.ErrNotFound) {
		return types.Account{}, NotFoundError("user not found")
	}
	if err != nil {
		return types.Account{}, ServerError(err)
	}
	return updated, nil
}

// List returns a page of accounts, newest first. page is 1-based.
func (s *AccountService) List(ctx context.Context, filter types.AccountFilter, page, limit int) (AccountPage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	items, total, err := s.repo.List(ctx, filter, (page-1)*limit, limit)
	if err != nil {
		return AccountPage{}, ServerError(err)
	}
	if items == nil {
		items = []types.Account{}
	}
	return AccountPage{
		Items: items,
		Page:  page,
		Limit: limit,
		Total: total,
		Pages: (total + limit - 1) / limit,
	}, nil
}

// Delete removes an account on behalf of actorID. Admins cannot delete
// themselves.
func (s *AccountService) Delete(ctx context.Context, actorID, id string) error {
	if actorID == id {
		return ValidationError("you cannot delete your own account")
	}
	err := s.repo.Delete(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return NotFoundError("user not found")
	}
	if err != nil {
		return ServerError(err)
	}
	s.logger.Info(ctx, "account deleted", "account_id", id, "actor_id", actorID)
	return nil
}

// PurgeUnverified deletes every account that never verified its email.
func (s *AccountService) PurgeUnverified(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteUnverified(ctx)
	if err != nil {
		return 0, ServerError(err)
	}
	s.logger.Info(ctx, "unverified accounts purged", "count", n)
	return n, nil
}
