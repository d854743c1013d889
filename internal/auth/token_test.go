package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	iss := NewIssuer("secret", 15*time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	iss.now = func() time.Time { return now }

	token, expires, err := iss.Issue("user-1", "tenant-a", []string{"streams:write"})
	require.NoError(t, err)
	assert.Equal(t, now.Add(15*time.Minute), expires)

	claims, err := iss.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "tenant-a", claims.OwnerScope)
	assert.True(t, claims.HasScope("streams:write"))
	assert.False(t, claims.HasScope("admin"))
	assert.Equal(t, expires, claims.Expiry())
}

func TestParse_Rejects(t *testing.T) {
	iss := NewIssuer("secret", time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	iss.now = func() time.Time { return now }

	token, _, err := iss.Issue("user-1", "tenant-a", nil)
	require.NoError(t, err)

	other := NewIssuer("other-secret", time.Minute)
	other.now = iss.now
	_, err = other.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	now = now.Add(2 * time.Minute)
	_, err = iss.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = iss.Parse("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = iss.Issue("user-1", "", nil)
	assert.ErrorIs(t, err, ErrMissingScope)
}

func TestParse_RejectsNoneAlgorithm(t *testing.T) {
	iss := NewIssuer("secret", time.Minute)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		OwnerScope: "tenant-a",
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = iss.Parse(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefresh_KeepsClaims(t *testing.T) {
	iss := NewIssuer("secret", time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	iss.now = func() time.Time { return now }

	token, _, err := iss.Issue("user-1", "tenant-a", []string{"a"})
	require.NoError(t, err)
	claims, err := iss.Parse(token)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	refreshed, expires, err := iss.Refresh(claims)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), expires)

	again, err := iss.Parse(refreshed)
	require.NoError(t, err)
	assert.Equal(t, claims.Subject, again.Subject)
	assert.Equal(t, claims.OwnerScope, again.OwnerScope)
	assert.Equal(t, claims.Scopes, again.Scopes)
}
