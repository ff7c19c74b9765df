package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/baseapp/apiserver/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrTokenExpired is returned for a correctly signed token past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid covers malformed tokens, bad signatures and wrong purpose.
	ErrTokenInvalid = errors.New("invalid token")
)

// Purpose scopes a token to the one flow it was issued for.
type Purpose string

const (
	PurposeAccess Purpose = "access"
	PurposeVerify Purpose = "verify"
	PurposeReset  Purpose = "reset"
)

// Claims is the signed claim set. Subject carries the account id.
type Claims struct {
	Role  types.Role `json:"role,omitempty"`
	Email string     `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// AccountID returns the subject of the token.
func (c Claims) AccountID() string {
	return c.Subject
}

// Issuer signs and validates HS256 tokens. It holds no per-token state.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer constructs an Issuer with the shared signing secret.
func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), now: time.Now}
}

// WithClock returns a copy of the issuer using now as its time source.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	return &Issuer{secret: i.secret, now: now}
}

// IssueAccess signs a login token for an account.
func (i *Issuer) IssueAccess(account types.Account, ttl time.Duration) (string, error) {
	return i.issue(Claims{Role: account.Role}, account.ID, PurposeAccess, ttl)
}

// IssueVerification signs an email verification token.
func (i *Issuer) IssueVerification(accountID, email string, ttl time.Duration) (string, error) {
	return i.issue(Claims{Email: email}, accountID, PurposeVerify, ttl)
}

// IssueReset signs a password reset token.
func (i *Issuer) IssueReset(accountID, email string, ttl time.Duration) (string, error) {
	return i.issue(Claims{Email: email}, accountID, PurposeReset, ttl)
}

func (i *Issuer) issue(claims Claims, subject string, purpose Purpose, ttl time.Duration) (string, error) {
	now := i.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Audience:  jwt.ClaimStrings{string(purpose)},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Parse validates signature, expiry and purpose and returns the claims.
func (i *Issuer) Parse(tokenString string, purpose Purpose) (Claims, error) {
	claims := Claims{}
	token, err := jwt.ParseWithClaims(strings.TrimSpace(tokenString), &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return i.secret, nil
	},
		jwt.WithAudience(string(purpose)),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrTokenInvalid
	}
	if !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrTokenInvalid
	}
	if purpose == PurposeAccess && !claims.Role.Valid() {
		return Claims{}, ErrTokenInvalid
	}
	return claims, nil
}

// ParseUnverified decodes claims without checking the signature. Only for
// display and routing decisions on the client; never for authorization.
func ParseUnverified(tokenString string) (Claims, error) {
	claims := Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(tokenString), &claims); err != nil {
		return Claims{}, ErrTokenInvalid
	}
	return claims, nil
}
