package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"whisper/cmd/internal/friends"
)

var testSecret = []byte(strings.Repeat("k", MinSecretBytes))

func newTestTokens(t *testing.T, now time.Time) *TokenManager {
	t.Helper()
	m, err := NewTokenManager(testSecret, time.Hour, "whisper-test")
	require.NoError(t, err)
	m.now = func() time.Time { return now }
	return m
}

func TestTokenManager_IssueParse(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := newTestTokens(t, now)

	tok, exp, err := m.Issue(friends.User{ID: "1001", Username: "alice", Role: "admin"})
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Hour), exp)

	c, err := m.Parse(tok)
	require.NoError(t, err)
	require.Equal(t, "1001", c.UserID)
	require.Equal(t, "1001", c.Subject)
	require.Equal(t, "alice", c.Username)
	require.Equal(t, "admin", c.Role)
}

func TestTokenManager_Expired(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := newTestTokens(t, now)
	tok, _, err := m.Issue(friends.User{ID: "1001", Username: "alice"})
	require.NoError(t, err)

	m.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, err = m.Parse(tok)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenManager_Rejects(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := newTestTokens(t, now)

	other, err := NewTokenManager([]byte(strings.Repeat("z", MinSecretBytes)), time.Hour, "whisper-test")
	require.NoError(t, err)
	other.now = m.now
	forged, _, err := other.Issue(friends.User{ID: "1001", Username: "alice"})
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		UserID: "1001",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "whisper-test",
			Subject:   "1001",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	mismatch, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: "1001",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "whisper-test",
			Subject:   "1002",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString(testSecret)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"wrong key":        forged,
		"alg none":         unsigned,
		"subject mismatch": mismatch,
		"garbage":          "not.a.token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := m.Parse(tok)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestNewTokenManager_ShortSecret(t *testing.T) {
	_, err := NewTokenManager([]byte("short"), time.Hour, "")
	require.ErrorIs(t, err, ErrSecretTooShort)
}
