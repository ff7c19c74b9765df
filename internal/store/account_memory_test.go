package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/baseapp/apiserver/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAccountRepository_UniqueFields(t *testing.T) {
	repo := NewMemoryAccountRepository()
	ctx := context.Background()

	_, err := repo.Create(ctx, types.Account{Username: "alice", Email: "a@x.com", Role: types.RoleUser})
	require.NoError(t, err)

	_, err = repo.Create(ctx, types.Account{Username: "alice", Email: "other@x.com"})
	var dup *DuplicateError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "username", dup.Field)
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = repo.Create(ctx, types.Account{Username: "bob", Email: "a@x.com"})
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "email", dup.Field)
}

func TestMemoryAccountRepository_MarkVerifiedPromotesFirstOnly(t *testing.T) {
	repo := NewMemoryAccountRepository()
	ctx := context.Background()

	first, err := repo.Create(ctx, types.Account{Username: "a", Email: "a@x.com", Role: types.RoleUser, VerificationToken: "t1"})
	require.NoError(t, err)
	second, err := repo.Create(ctx, types.Account{Username: "b", Email: "b@x.com", Role: types.RoleUser, VerificationToken: "t2"})
	require.NoError(t, err)

	got, err := repo.MarkVerified(ctx, second.ID, "t2")
	require.NoError(t, err)
	assert.Equal(t, types.RoleAdmin, got.Role)
	assert.Empty(t, got.VerificationToken)

	got, err = repo.MarkVerified(ctx, first.ID, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.RoleUser, got.Role)

	_, err = repo.MarkVerified(ctx, first.ID, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAccountRepository_ConsumeResetTokenOnce(t *testing.T) {
	repo := NewMemoryAccountRepository()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expiry := now.Add(time.Hour)

	a, err := repo.Create(ctx, types.Account{Username: "a", Email: "a@x.com", ResetToken: "r", ResetExpiry: &expiry})
	require.NoError(t, err)

	_, err = repo.ConsumeResetToken(ctx, a.ID, "r", "hash", expiry)
	assert.ErrorIs(t, err, ErrNotFound, "expiry is exclusive")

	got, err := repo.ConsumeResetToken(ctx, a.ID, "r", "hash", now)
	require.NoError(t, err)
	assert.Equal(t, "hash", got.PasswordHash)
	assert.Nil(t, got.ResetExpiry)

	_, err = repo.ConsumeResetToken(ctx, a.ID, "r", "other", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAccountRepository_TargetedWrites(t *testing.T) {
	repo := NewMemoryAccountRepository()
	ctx := context.Background()

	a, err := repo.Create(ctx, types.Account{Username: "a", Email: "a@x.com", PasswordHash: "h1"})
	require.NoError(t, err)
	_, err = repo.Create(ctx, types.Account{Username: "b", Email: "b@x.com"})
	require.NoError(t, err)

	assert.ErrorIs(t, repo.SetPassword(ctx, a.ID, "stale", "h2"), ErrNotFound)
	require.NoError(t, repo.SetPassword(ctx, a.ID, "h1", "h2"))

	bio := "hi"
	got, err := repo.UpdateProfile(ctx, a.ID, types.ProfileChanges{Bio: &bio})
	require.NoError(t, err)
	assert.Equal(t, "h2", got.PasswordHash)
	assert.Equal(t, "a", got.Username)
	assert.Equal(t, "hi", got.Bio)

	taken := "b"
	_, err = repo.UpdateProfile(ctx, a.ID, types.ProfileChanges{Username: &taken})
	assert.ErrorIs(t, err, ErrDuplicate)
	got, err = repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Username)

	got, err = repo.SetDefaultAvatar(ctx, a.ID, "default")
	require.NoError(t, err)
	assert.Equal(t, "default", got.Avatar)
	got, err = repo.SetDefaultAvatar(ctx, a.ID, "other")
	require.NoError(t, err)
	assert.Equal(t, "default", got.Avatar)
}

func TestMemoryAccountRepository_ListFiltersAndPages(t *testing.T) {
	repo := NewMemoryAccountRepository()
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	for _, name := range []string{"alpha", "beta", "gamma"} {
		_, err := repo.Create(ctx, types.Account{Username: name, Email: name + "@x.com", Verified: name != "beta"})
		require.NoError(t, err)
	}

	items, total, err := repo.List(ctx, types.AccountFilter{}, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, items, 2)
	assert.Equal(t, "gamma", items[0].Username)

	items, total, err = repo.List(ctx, types.AccountFilter{UnverifiedOnly: true}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "beta", items[0].Username)

	items, total, err = repo.List(ctx, types.AccountFilter{Search: "AL"}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "alpha", items[0].Username)

	n, err := repo.DeleteUnverified(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
