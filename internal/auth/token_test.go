package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/baseapp/apiserver/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuer_AccessRoundTrip(t *testing.T) {
	t.Parallel()
	issuer := NewIssuer("super-secret")

	tok, err := issuer.IssueAccess(types.Account{ID: "acc-1", Role: types.RoleAdmin}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(tok, "."))

	claims, err := issuer.Parse(tok, PurposeAccess)
	require.NoError(t, err)
	assert.Equal(t, "acc-1", claims.AccountID())
	assert.Equal(t, types.RoleAdmin, claims.Role)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 5*time.Second)
}

func TestIssuer_Expired(t *testing.T) {
	t.Parallel()
	now := time.Now()
	issuer := NewIssuer("secret").WithClock(func() time.Time { return now })

	tok, err := issuer.IssueReset("acc-1", "a@x.com", time.Hour)
	require.NoError(t, err)

	later := issuer.WithClock(func() time.Time { return now.Add(time.Hour + time.Minute) })
	_, err = later.Parse(tok, PurposeReset)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestIssuer_WrongSecret(t *testing.T) {
	t.Parallel()
	tok, err := NewIssuer("right").IssueAccess(types.Account{ID: "a", Role: types.RoleUser}, time.Hour)
	require.NoError(t, err)

	_, err = NewIssuer("wrong").Parse(tok, PurposeAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestIssuer_PurposeIsEnforced(t *testing.T) {
	t.Parallel()
	issuer := NewIssuer("secret")

	tok, err := issuer.IssueVerification("acc-1", "a@x.com", time.Hour)
	require.NoError(t, err)

	_, err = issuer.Parse(tok, PurposeAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	claims, err := issuer.Parse(tok, PurposeVerify)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", claims.Email)
}

func TestIssuer_TokensAreUnique(t *testing.T) {
	t.Parallel()
	issuer := NewIssuer("secret")

	a, err := issuer.IssueVerification("acc-1", "a@x.com", time.Hour)
	require.NoError(t, err)
	b, err := issuer.IssueVerification("acc-1", "a@x.com", time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestIssuer_Malformed(t *testing.T) {
	t.Parallel()
	_, err := NewIssuer("k").Parse("not.a.jwt", PurposeAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestParseUnverified(t *testing.T) {
	t.Parallel()
	tok, err := NewIssuer("k").IssueAccess(types.Account{ID: "u1", Role: types.RoleUser}, time.Hour)
	require.NoError(t, err)

	claims, err := ParseUnverified(tok)
	require.NoError(t, err)
	assert.Equal(t, types.RoleUser, claims.Role)
	assert.Equal(t, "u1", claims.Subject)

	_, err = ParseUnverified("garbage")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
