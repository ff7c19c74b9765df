package services

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/baseapp/apiserver/config"
	"github.com/baseapp/apiserver/internal/auth"
	"github.com/baseapp/apiserver/internal/logging"
	"github.com/baseapp/apiserver/internal/store"
	"github.com/baseapp/apiserver/types"
	"github.com/google/uuid"
)

const (
	msgNoSuchAccount      = "no account found with that email or username"
	msgNotVerified        = "please verify your email before logging in"
	msgBadCredentials     = "invalid credentials"
	msgWrongPassword      = "current password is incorrect"
	msgVerifyInvalid      = "verification link invalid or expired"
	msgResetInvalid       = "reset link invalid or expired"
	msgUsernameTaken      = "username already taken"
	msgEmailTaken         = "email already registered"
	msgIdentifierRequired = "email or username and password are required"
)

// AccountRepository defines persistence operations for accounts.
type AccountRepository interface {
	GetByID(ctx context.Context, id string) (types.Account, error)
	GetByUsername(ctx context.Context, username string) (types.Account, error)
	GetByEmail(ctx context.Context, email string) (types.Account, error)
	GetByVerificationToken(ctx context.Context, token string) (types.Account, error)
	GetByResetToken(ctx context.Context, token string) (types.Account, error)
	Create(ctx context.Context, account types.Account) (types.Account, error)
	UpdateProfile(ctx context.Context, id string, changes types.ProfileChanges) (types.Account, error)
	SetPassword(ctx context.Context, id, currentHash, newHash string) error
	SetResetToken(ctx context.Context, id, token string, expiry time.Time) error
	SetAvatar(ctx context.Context, id, avatarURL string) (types.Account, error)
	SetDefaultAvatar(ctx context.Context, id, avatarURL string) (types.Account, error)
	MarkVerified(ctx context.Context, id, token string) (types.Account, error)
	ConsumeResetToken(ctx context.Context, id, token, passwordHash string, now time.Time) (types.Account, error)
	Delete(ctx context.Context, id string) error
	DeleteUnverified(ctx context.Context) (int64, error)
	List(ctx context.Context, filter types.AccountFilter, offset, limit int) ([]types.Account, int, error)
}

// Notifier delivers verification and reset links.
type Notifier interface {
	Notify(ctx context.Context, n types.Notification) error
}

// LoginLimiter throttles repeated failed logins for a key.
type LoginLimiter interface {
	// Allow returns a positive duration while key is locked out.
	Allow(ctx context.Context, key string) (time.Duration, error)
	Fail(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}

type RegisterInput struct {
	Username string
	Email    string
	Password string
}

type LoginInput struct {
	// Identifier is an email address or a username.
	Identifier string
	Password   string
	ClientIP   string
}

type LoginResult struct {
	Token   string
	Account types.Account
}

// AuthService implements registration, login, verification and the password
// lifecycle.
type AuthService struct {
	repo     AccountRepository
	hasher   *auth.Hasher
	tokens   *auth.Issuer
	notifier Notifier
	limiter  LoginLimiter
	cfg      config.AuthConfig
	logger   logging.Logger
	now      func() time.Time
}

func NewAuthService(
	repo AccountRepository,
	hasher *auth.Hasher,
	tokens *auth.Issuer,
	notifier Notifier,
	cfg config.AuthConfig,
	logger logging.Logger,
) *AuthService {
	if logger == nil {
		logger = logging.Discard()
	}
	return &AuthService{
		repo:     repo,
		hasher:   hasher,
		tokens:   tokens,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithLimiter enables login throttling.
func (s *AuthService) WithLimiter(limiter LoginLimiter) *AuthService {
	s.limiter = limiter
	return s
}

// Register creates an unverified account and sends its verification link.
// The returned account never carries a usable session.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (types.Account, error) {
	username := strings.TrimSpace(in.Username)
	email := normalizeEmail(in.Email)

	if err := validateUsername(username); err != nil {
		return types.Account{}, err
	}
	if err := validateEmail(email); err != nil {
		return types.Account{}, err
	}
	if err := validatePassword(in.Password); err != nil {
		return types.Account{}, err
	}

	hash, err := s.hasher.Hash(ctx, in.Password)
	if err != nil {
		return types.Account{}, ServerError(err)
	}

	id := uuid.NewString()
	token, err := s.tokens.IssueVerification(id, email, s.cfg.VerifyTokenTTL)
	if err != nil {
		return types.Account{}, ServerError(err)
	}

	account, err := s.repo.Create(ctx, types.Account{
		ID:                id,
		Username:          username,
		Email:             email,
		PasswordHash:      hash,
		Role:              types.RoleUser,
		VerificationToken: token,
	})
	if err != nil {
		return types.Account{}, mapDuplicate(err)
	}

	err = s.notifier.Notify(ctx, types.Notification{
		Kind:     types.NotificationVerifyEmail,
		To:       account.Email,
		Username: account.Username,
		Link:     s.link("verify", token),
	})
	if err != nil {
		// Without the link the account can never be verified, so roll it back
		// and let the user retry with the same username and email.
		if delErr := s.repo.Delete(ctx, account.ID); delErr != nil {
			s.logger.Error(ctx, "rollback unnotified account failed", "account_id", account.ID, "error", delErr)
		}
		s.logger.Error(ctx, "send verification email failed", "account_id", account.ID, "error", err)
		return types.Account{}, ServerError(err)
	}

	s.logger.Info(ctx, "account registered", "account_id", account.ID)
	return account, nil
}

// Login resolves the identifier to exactly one account and issues an access
// token. A password comparison runs on every path so response timing does not
// reveal which check failed.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	identifier := strings.TrimSpace(in.Identifier)
	if identifier == "" || in.Password == "" {
		return LoginResult{}, ValidationError(msgIdentifierRequired)
	}

	limitKey := strings.ToLower(identifier) + "|" + in.ClientIP
	if s.limiter != nil {
		retryAfter, err := s.limiter.Allow(ctx, limitKey)
		if err != nil {
			s.logger.Warn(ctx, "login limiter unavailable", "error", err)
		} else if retryAfter > 0 {
			return LoginResult{}, RateLimitedError(retryAfter)
		}
	}

	account, err := s.lookupIdentifier(ctx, identifier)
	if errors.Is(err, store.ErrNotFound) {
		s.hasher.CompareDummy(ctx, in.Password)
		s.recordFailure(ctx, limitKey)
		return LoginResult{}, AuthError(msgNoSuchAccount)
	}
	if err != nil {
		return LoginResult{}, ServerError(err)
	}

	matched, err := s.hasher.Compare(ctx, account.PasswordHash, in.Password)
	if err != nil {
		return LoginResult{}, ServerError(err)
	}
	if !account.Verified {
		return LoginResult{}, AuthError(msgNotVerified)
	}
	if !matched {
		s.recordFailure(ctx, limitKey)
		return LoginResult{}, AuthError(msgBadCredentials)
	}

	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, limitKey); err != nil {
			s.logger.Warn(ctx, "reset login limiter failed", "error", err)
		}
	}

	if account.Avatar == "" && s.cfg.DefaultAvatarURL != "" {
		account, err = s.repo.SetDefaultAvatar(ctx, account.ID, s.cfg.DefaultAvatarURL+url.QueryEscape(account.Username))
		if err != nil {
			return LoginResult{}, ServerError(err)
		}
	}

	token, err := s.tokens.IssueAccess(account, s.cfg.LoginTokenTTL)
	if err != nil {
		return LoginResult{}, ServerError(err)
	}

	s.logger.Info(ctx, "login succeeded", "account_id", account.ID, "role", account.Role)
	return LoginResult{Token: token, Account: account}, nil
}

func (s *AuthService) lookupIdentifier(ctx context.Context, identifier string) (types.Account, error) {
	if strings.Contains(identifier, "@") {
		return s.repo.GetByEmail(ctx, normalizeEmail(identifier))
	}
	return s.repo.GetByUsername(ctx, identifier)
}

func (s *AuthService) recordFailure(ctx context.Context, key string) {
	if s.limiter == nil {
		return
	}
	if err := s.limiter.Fail(ctx, key); err != nil {
		s.logger.Warn(ctx, "record login failure failed", "error", err)
	}
}

// VerifyEmail consumes a verification token. The first account ever verified
// is promoted to admin by the repository.
func (s *AuthService) VerifyEmail(ctx context.Context, token string) (types.Account, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return types.Account{}, AuthError(msgVerifyInvalid)
	}

	claims, err := s.tokens.Parse(token, auth.PurposeVerify)
	if err != nil {
		s.logger.Debug(ctx, "verification token rejected", "reason", err)
		return types.Account{}, AuthError(msgVerifyInvalid)
	}

	account, err := s.repo.GetByVerificationToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return types.Account{}, AuthError(msgVerifyInvalid)
	}
	if err != nil {
		return types.Account{}, ServerError(err)
	}
	if account.ID != claims.AccountID() {
		return types.Account{}, AuthError(msgVerifyInvalid)
	}

	account, err = s.repo.MarkVerified(ctx, account.ID, token)
	if errors.Is(err, store.ErrNotFound) {
		return types.Account{}, AuthError(msgVerifyInvalid)
	}
	if err != nil {
		return types.Account{}, ServerError(err)
	}

	if account.IsAdmin() {
		s.logger.Info(ctx, "first verified account promoted to admin", "account_id", account.ID)
	}
	s.logger.Info(ctx, "email verified", "account_id", account.ID)
	return account, nil
}

// ChangePassword replaces the password after checking the current one.
// Previously issued access tokens stay valid until they expire.
func (s *AuthService) ChangePassword(ctx context.Context, accountID, currentPassword, newPassword string) error {
	if currentPassword == "" {
		return ValidationError("current password is required")
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	account, err := s.repo.GetByID(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return NotFoundError("user not found")
	}
	if err != nil {
		return ServerError(err)
	}

	matched, err := s.hasher.Compare(ctx, account.PasswordHash, currentPassword)
	if err != nil {
		return ServerError(err)
	}
	if !matched {
		return AuthError(msgWrongPassword)
	}

	hash, err := s.hasher.Hash(ctx, newPassword)
	if err != nil {
		return ServerError(err)
	}
	// Only applies if the hash compared above is still the stored one.
	err = s.repo.SetPassword(ctx, account.ID, account.PasswordHash, hash)
	if errors.Is(err, store.ErrNotFound) {
		return AuthError(msgWrongPassword)
	}
	if err != nil {
		return ServerError(err)
	}

	s.logger.Info(ctx, "password changed", "account_id", account.ID)
	return nil
}

// ForgotPassword starts a reset window and sends the reset link. Unknown
// addresses succeed silently.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return err
	}

	account, err := s.repo.GetByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug(ctx, "password reset requested for unknown email")
		return nil
	}
	if err != nil {
		return ServerError(err)
	}

	token, err := s.tokens.IssueReset(account.ID, account.Email, s.cfg.ResetTokenTTL)
	if err != nil {
		return ServerError(err)
	}
	err = s.repo.SetResetToken(ctx, account.ID, token, s.now().UTC().Add(s.cfg.ResetTokenTTL))
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug(ctx, "password reset requested for deleted account")
		return nil
	}
	if err != nil {
		return ServerError(err)
	}

	err = s.notifier.Notify(ctx, types.Notification{
		Kind:     types.NotificationResetPassword,
		To:       account.Email,
		Username: account.Username,
		Link:     s.link("reset-password", token),
	})
	if err != nil {
		s.logger.Error(ctx, "send reset email failed", "account_id", account.ID, "error", err)
		return ServerError(err)
	}

	s.logger.Info(ctx, "password reset requested", "account_id", account.ID)
	return nil
}

// ResetPassword sets a new password if token is the account's current,
// unexpired reset token. The token is cleared on success.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	token = strings.TrimSpace(token)
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	claims, err := s.tokens.Parse(token, auth.PurposeReset)
	if err != nil {
		s.logger.Debug(ctx, "reset token rejected", "reason", err)
		return AuthError(msgResetInvalid)
	}

	hash, err := s.hasher.Hash(ctx, newPassword)
	if err != nil {
		return ServerError(err)
	}

	account, err := s.repo.ConsumeResetToken(ctx, claims.AccountID(), token, hash, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return AuthError(msgResetInvalid)
	}
	if err != nil {
		return ServerError(err)
	}

	s.logger.Info(ctx, "password reset", "account_id", account.ID)
	return nil
}

// Me returns the caller's account.
func (s *AuthService) Me(ctx context.Context, accountID string) (types.Account, error) {
	account, err := s.repo.GetByID(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return types.Account{}, NotFoundError("user not found")
	}
	if err != nil {
		return types.Account{}, ServerError(err)
	}
	return account, nil
}

func (s *AuthService) link(path, token string) string {
	return s.cfg.FrontendURL + "/" + path + "/" + url.PathEscape(token)
}

func mapDuplicate(err error) error {
	var dup *store.DuplicateError
	if errors.As(err, &dup) {
		switch dup.Field {
		case "username":
			return ConflictError(msgUsernameTaken)
		case "email":
			return ConflictError(msgEmailTaken)
		}
		return ConflictError("username or email already taken")
	}
	if errors.Is(err, store.ErrDuplicate) {
		return ConflictError("username or email already taken")
	}
	return ServerError(err)
}

// CheckResetToken reports whether token still opens a reset window, without
// consuming it.
func (s *AuthService) CheckResetToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if _, err := s.tokens.Parse(token, auth.PurposeReset); err != nil {
		return AuthError(msgResetInvalid)
	}
	account, err := s.repo.GetByResetToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return AuthError(msgResetInvalid)
	}
	if err != nil {
		return ServerError(err)
	}
	if account.ResetExpiry == nil || !account.ResetExpiry.After(s.now()) {
		return AuthError(msgResetInvalid)
	}
	return nil
}
