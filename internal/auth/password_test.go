package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHasher_HashAndCompare(t *testing.T) {
	t.Parallel()
	h := NewHasher(bcrypt.MinCost, 2)
	ctx := context.Background()

	hash, err := h.Hash(ctx, "secret1")
	require.NoError(t, err)
	assert.NotEqual(t, "secret1", hash)

	ok, err := h.Compare(ctx, hash, "secret1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Compare(ctx, hash, "secret2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasher_SaltsEveryHash(t *testing.T) {
	t.Parallel()
	h := NewHasher(bcrypt.MinCost, 1)
	ctx := context.Background()

	a, err := h.Hash(ctx, "same-password")
	require.NoError(t, err)
	b, err := h.Hash(ctx, "same-password")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestHasher_CompareMalformedHash(t *testing.T) {
	t.Parallel()
	h := NewHasher(bcrypt.MinCost, 1)

	ok, err := h.Compare(context.Background(), "not-a-hash", "x")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestHasher_CanceledContext(t *testing.T) {
	t.Parallel()
	h := NewHasher(bcrypt.MinCost, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Hash(ctx, "secret1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHasher_CompareDummy(t *testing.T) {
	t.Parallel()
	h := NewHasher(bcrypt.MinCost, 1)
	h.CompareDummy(context.Background(), "whatever")
	assert.NotEmpty(t, h.dummyHash)
}

func TestNewHasher_InvalidCostFallsBack(t *testing.T) {
	t.Parallel()
	h := NewHasher(99, 0)
	assert.Equal(t, bcrypt.DefaultCost, h.cost)
}
