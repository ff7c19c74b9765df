package services

import (
	"context"
	"testing"

	"github.com/baseapp/apiserver/internal/store"
	"github.com/baseapp/apiserver/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAccount(t *testing.T, repo *store.MemoryAccountRepository, id, username, email string, verified bool) types.Account {
	t.Helper()
	a, err := repo.Create(context.Background(), types.Account{
		ID:       id,
		Username: username,
		Email:    email,
		Role:     types.RoleUser,
		Verified: verified,
	})
	require.NoError(t, err)
	return a
}

func strPtr(s string) *string { return &s }

func TestAccountService_UpdateProfile(t *testing.T) {
	repo := newRepo()
	svc := NewAccountService(repo, nil)
	ctx := context.Background()
	seedAccount(t, repo, "a1", "alice", "alice@x.com", true)
	seedAccount(t, repo, "b1", "bob", "bob@x.com", true)

	updated, err := svc.UpdateProfile(ctx, "a1", ProfileInput{
		Email: strPtr(" Alice.New@X.com "),
		Bio:   strPtr("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", updated.Username)
	assert.Equal(t, "alice.new@x.com", updated.Email)
	assert.Equal(t, "hello", updated.Bio)
	assert.True(t, updated.Verified)

	_, err = svc.UpdateProfile(ctx, "a1", ProfileInput{Username: strPtr("bob")})
	requireKind(t, err, KindConflict)

	_, err = svc.UpdateProfile(ctx, "a1", ProfileInput{Bio: strPtr(string(make([]byte, 501)))})
	requireKind(t, err, KindValidation)

	_, err = svc.UpdateProfile(ctx, "a1", ProfileInput{Email: strPtr("broken")})
	requireKind(t, err, KindValidation)

	_, err = svc.UpdateProfile(ctx, "missing", ProfileInput{})
	requireKind(t, err, KindNotFound)
}

func TestAccountService_ListPagination(t *testing.T) {
	repo := newRepo()
	svc := NewAccountService(repo, nil)
	ctx := context.Background()
	seedAccount(t, repo, "1", "alice", "alice@x.com", true)
	seedAccount(t, repo, "2", "bob", "bob@x.com", false)
	seedAccount(t, repo, "3", "carol", "carol@x.com", false)

	page, err := svc.List(ctx, types.AccountFilter{}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Pages)
	assert.Equal(t, 2, page.Page)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "alice", page.Items[0].Username)

	page, err = svc.List(ctx, types.AccountFilter{Search: "BO"}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, defaultPageLimit, page.Limit)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "bob", page.Items[0].Username)

	page, err = svc.List(ctx, types.AccountFilter{UnverifiedOnly: true, Search: "zzz"}, 1, 500)
	require.NoError(t, err)
	assert.Equal(t, maxPageLimit, page.Limit)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
	assert.Zero(t, page.Pages)
}

func TestAccountService_DeleteRules(t *testing.T) {
	repo := newRepo()
	svc := NewAccountService(repo, nil)
	ctx := context.Background()
	seedAccount(t, repo, "admin", "root", "root@x.com", true)
	seedAccount(t, repo, "u1", "bob", "bob@x.com", true)

	requireKind(t, svc.Delete(ctx, "admin", "admin"), KindValidation)
	requireKind(t, svc.Delete(ctx, "admin", "ghost"), KindNotFound)
	require.NoError(t, svc.Delete(ctx, "admin", "u1"))

	_, err := svc.GetByID(ctx, "u1")
	requireKind(t, err, KindNotFound)
}

func TestAccountService_PurgeUnverified(t *testing.T) {
	repo := newRepo()
	svc := NewAccountService(repo, nil)
	ctx := context.Background()
	seedAccount(t, repo, "1", "alice", "alice@x.com", true)
	seedAccount(t, repo, "2", "bob", "bob@x.com", false)
	seedAccount(t, repo, "3", "carol", "carol@x.com", false)

	n, err := svc.PurgeUnverified(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	page, err := svc.List(ctx, types.AccountFilter{}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}
