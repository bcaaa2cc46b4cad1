package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v := NewJWTVerifier("secret")

	token, err := v.Issue("uid-1", "ana@dsac.example", time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "uid-1", id.UID)
	assert.Equal(t, "ana@dsac.example", id.Email)
}

func TestJWTVerifier_Rejects(t *testing.T) {
	v := NewJWTVerifier("secret")

	t.Run("WrongSecret", func(t *testing.T) {
		token, err := NewJWTVerifier("other").Issue("uid-1", "a@b.c", time.Hour)
		require.NoError(t, err)
		_, err = v.Verify(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Expired", func(t *testing.T) {
		token, err := v.Issue("uid-1", "a@b.c", -time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := v.Verify(context.Background(), "not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("MissingSubject", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Email: "a@b.c"}).SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = v.Verify(context.Background(), token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
