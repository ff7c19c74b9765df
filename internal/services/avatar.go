package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/baseapp/apiserver/internal/logging"
	"github.com/baseapp/apiserver/internal/storage"
	"github.com/baseapp/apiserver/types"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// MaxAvatarBytes bounds avatar uploads.
const MaxAvatarBytes = 2 << 20

const avatarKeyPrefix = "avatars/"

var allowedAvatarTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// AvatarService stores uploaded avatar images and points the account at them.
type AvatarService struct {
	accounts  *AccountService
	objects   storage.ObjectStorage
	publicURL string
	logger    logging.Logger
}

// NewAvatarService builds an AvatarService. Objects are addressed as
// publicURL + "/" + key.
func NewAvatarService(accounts *AccountService, objects storage.ObjectStorage, publicURL string, logger logging.Logger) *AvatarService {
	if logger == nil {
		logger = logging.Discard()
	}
	return &AvatarService{
		accounts:  accounts,
		objects:   objects,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    logger,
	}
}

// Upload sniffs the content type of r, stores the image and sets it as the
// account's avatar. A previous uploaded avatar is removed.
func (s *AvatarService) Upload(ctx context.Context, accountID string, r io.Reader) (types.Account, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxAvatarBytes+1))
	if err != nil {
		return types.Account{}, ServerError(err)
	}
	if len(data) == 0 {
		return types.Account{}, ValidationError("avatar file is required")
	}
	if len(data) > MaxAvatarBytes {
		return types.Account{}, ValidationError("avatar must be at most 2 MiB")
	}

	mtype := mimetype.Detect(data)
	if !allowedAvatarTypes[mtype.String()] {
		return types.Account{}, ValidationError("avatar must be a png, jpeg, gif or webp image")
	}

	current, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return types.Account{}, err
	}

	key := avatarKeyPrefix + accountID + "/" + uuid.NewString() + mtype.Extension()
	if err := s.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), mtype.String()); err != nil {
		return types.Account{}, ServerError(err)
	}

	updated, err := s.accounts.SetAvatar(ctx, accountID, s.publicURL+"/"+key)
	if err != nil {
		_ = s.objects.Delete(ctx, key)
		return types.Account{}, err
	}

	if oldKey, ok := s.keyFor(current.Avatar); ok {
		if err := s.objects.Delete(ctx, oldKey); err != nil {
			s.logger.Warn(ctx, "delete previous avatar failed", "key", oldKey, "error", err)
		}
	}
	return updated, nil
}

// Open returns the stored object for an avatar key.
func (s *AvatarService) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if !strings.HasPrefix(key, avatarKeyPrefix) || strings.Contains(key, "..") {
		return nil, NotFoundError("avatar not found")
	}
	rc, err := s.objects.Get(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, NotFoundError("avatar not found")
	}
	if err != nil {
		return nil, ServerError(err)
	}
	return rc, nil
}

func (s *AvatarService) keyFor(avatarURL string) (string, bool) {
	prefix := s.publicURL + "/" + avatarKeyPrefix
	if !strings.HasPrefix(avatarURL, prefix) {
		return "", false
	}
	return strings.TrimPrefix(avatarURL, s.publicURL+"/"), true
}
