package auth

import (
	"context"
	"testing"
	"time"

	"fieldsync/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	token, claims, err := m.GenerateToken(models.User{UserID: "u-1", Email: "a@b.pe"})
	require.NoError(t, err)
	require.NotEmpty(t, claims.SessionID)

	got, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.UserID)
	assert.Equal(t, claims.SessionID, got.SessionID)
	assert.Equal(t, models.User{UserID: "u-1", Email: "a@b.pe"}, got.User())

	_, other, err := m.GenerateToken(models.User{UserID: "u-1"})
	require.NoError(t, err)
	assert.NotEqual(t, claims.SessionID, other.SessionID, "every login opens a new session")
}

func TestValidateTokenRejects(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	token, _, err := m.GenerateToken(models.User{UserID: "u-1"})
	require.NoError(t, err)

	_, err = NewJWTManager("other", time.Hour).ValidateToken(token)
	assert.Error(t, err, "wrong key")

	_, err = m.ValidateToken(token + "x")
	assert.Error(t, err, "tampered")

	expired := NewJWTManager("secret", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, _, err := expired.GenerateToken(models.User{UserID: "u-1"})
	require.NoError(t, err)
	_, err = m.ValidateToken(old)
	assert.Error(t, err, "expired")
}

func TestExtractToken(t *testing.T) {
	tok, err := ExtractToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	for _, h := range []string{"", "Basic abc", "Bearer"} {
		_, err := ExtractToken(h)
		assert.Error(t, err, h)
	}
}

func TestDevVerifier(t *testing.T) {
	ctx := context.Background()
	u, err := DevVerifier{}.Verify(ctx, "dev:u-7:tec@obra.pe")
	require.NoError(t, err)
	assert.Equal(t, models.User{UserID: "u-7", Email: "tec@obra.pe"}, u)

	u, err = DevVerifier{}.Verify(ctx, "dev:u-8")
	require.NoError(t, err)
	assert.Equal(t, "u-8", u.UserID)

	for _, tok := range []string{"", "dev:", "u-7", "prod:u-7"} {
		_, err := DevVerifier{}.Verify(ctx, tok)
		assert.ErrorIs(t, err, ErrInvalidIdentity, tok)
	}
}
