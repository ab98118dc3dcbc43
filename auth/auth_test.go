package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scuffedchat/apperr"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)

	token, err := svc.Issue(42)
	require.NoError(t, err)

	userID, err := svc.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
}

func TestTokenRejected(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)
	token, err := svc.Issue(42)
	require.NoError(t, err)

	other := NewTokenService("other-secret", time.Hour)
	_, err = other.Authenticate(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	assert.Equal(t, 401, apperr.HTTPStatus(err))

	_, err = svc.Authenticate("")
	assert.True(t, apperr.Is(err, apperr.KindUnauthenticated))

	_, err = svc.Authenticate("not.a.token")
	assert.True(t, apperr.Is(err, apperr.KindUnauthenticated))
}

func TestTokenExpired(t *testing.T) {
	svc := NewTokenService("secret", time.Minute)
	svc.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := svc.Issue(1)
	require.NoError(t, err)

	svc.now = time.Now
	_, err = svc.Authenticate(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenWrongAlgorithm(t *testing.T) {
	svc := NewTokenService("secret", time.Hour)
	claims := &Claims{
		UserID: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Issuer:    issuer,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = svc.Authenticate(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter22", hash)
	assert.True(t, CheckPassword(hash, "hunter22"))
	assert.False(t, CheckPassword(hash, "hunter23"))
}

func TestGenerateOTP(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := GenerateOTP()
		require.NoError(t, err)
		assert.Len(t, code, 6)
		assert.NotEqual(t, byte('0'), code[0])
	}
}

func TestRedisOTPStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewRedisOTPStore(client, 5*time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "a@example.com", "123456"))
	// Codes are stored hashed.
	raw, err := mr.Get(otpKeyPrefix + "a@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, "123456", raw)

	assert.ErrorIs(t, store.Verify(ctx, "a@example.com", "654321"), ErrInvalidOTP)
	assert.NoError(t, store.Verify(ctx, "a@example.com", "123456"))

	mr.FastForward(6 * time.Minute)
	assert.ErrorIs(t, store.Verify(ctx, "a@example.com", "123456"), ErrInvalidOTP)

	require.NoError(t, store.Save(ctx, "b@example.com", "111111"))
	require.NoError(t, store.Delete(ctx, "b@example.com"))
	assert.ErrorIs(t, store.Verify(ctx, "b@example.com", "111111"), ErrInvalidOTP)
}

func TestRedisOTPAttemptLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewRedisOTPStore(client, 5*time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "a@example.com", "123456"))
	for i := 0; i < MaxOTPAttempts; i++ {
		assert.ErrorIs(t, store.Verify(ctx, "a@example.com", "000000"), ErrInvalidOTP)
	}
	// The right code no longer helps once the attempts are spent.
	assert.ErrorIs(t, store.Verify(ctx, "a@example.com", "123456"), ErrTooManyAttempts)
	assert.False(t, mr.Exists(otpKeyPrefix+"a@example.com"))

	// A fresh code resets the counter.
	require.NoError(t, store.Save(ctx, "a@example.com", "222222"))
	assert.NoError(t, store.Verify(ctx, "a@example.com", "222222"))
	assert.Equal(t, 5*time.Minute, mr.TTL(otpAttemptsPrefix+"a@example.com"))

	require.NoError(t, store.Delete(ctx, "a@example.com"))
	assert.False(t, mr.Exists(otpAttemptsPrefix+"a@example.com"))
}
