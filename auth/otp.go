package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"scuffedchat/apperr"
)

const (
	otpKeyPrefix      = "otp:"
	otpAttemptsPrefix = "otp_attempts:"

	// MaxOTPAttempts is how many verifications one code allows
	MaxOTPAttempts = 5
)

var (
	ErrInvalidOTP      = apperr.New(apperr.KindInvalidInput, "Invalid or expired OTP")
	ErrTooManyAttempts = apperr.New(apperr.KindInvalidInput, "Too many attempts, request a new OTP")
)

// GenerateOTP returns a random six digit code
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

func hashOTP(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// OTPStore keeps one pending code per identifier
type OTPStore interface {
	Save(ctx context.Context, identifier, code string) error
	Verify(ctx context.Context, identifier, code string) error
	Delete(ctx context.Context, identifier string) error
}

// RedisOTPStore keeps hashed codes in Redis. Expiry is enforced by the key
// TTL.
type RedisOTPStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisOTPStore creates a store. ttl defaults to five minutes.
func NewRedisOTPStore(client redis.UniversalClient, ttl time.Duration) *RedisOTPStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisOTPStore{client: client, ttl: ttl}
}

// Save stores a new code and resets the attempt counter
func (s *RedisOTPStore) Save(ctx context.Context, identifier, code string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, otpKeyPrefix+identifier, hashOTP(code), s.ttl)
		pipe.Del(ctx, otpAttemptsPrefix+identifier)
		return nil
	})
	if err != nil {
		return apperr.Unavailable(err)
	}
	return nil
}

// Verify checks code against the stored hash. A missing or expired entry is
// ErrInvalidOTP. Every call counts as an attempt; past MaxOTPAttempts the
// code is discarded.
func (s *RedisOTPStore) Verify(ctx context.Context, identifier, code string) error {
	attemptsKey := otpAttemptsPrefix + identifier
	attempts, err := s.client.Incr(ctx, attemptsKey).Result()
	if err != nil {
		return apperr.Unavailable(err)
	}
	if attempts == 1 {
		if err := s.client.Expire(ctx, attemptsKey, s.ttl).Err(); err != nil {
			return apperr.Unavailable(err)
		}
	}
	if attempts > MaxOTPAttempts {
		if err := s.client.Del(ctx, otpKeyPrefix+identifier).Err(); err != nil {
			return apperr.Unavailable(err)
		}
		return ErrTooManyAttempts
	}

	stored, err := s.client.Get(ctx, otpKeyPrefix+identifier).Result()
	if errors.Is(err, redis.Nil) {
		return ErrInvalidOTP
	}
	if err != nil {
		return apperr.Unavailable(err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(hashOTP(code))) != 1 {
		return ErrInvalidOTP
	}
	return nil
}

func (s *RedisOTPStore) Delete(ctx context.Context, identifier string) error {
	if err := s.client.Del(ctx, otpKeyPrefix+identifier, otpAttemptsPrefix+identifier).Err(); err != nil {
		return apperr.Unavailable(err)
	}
	return nil
}

// OTPSender delivers a code over email or SMS
type OTPSender interface {
	Send(ctx context.Context, identifier, code string) error
}

// LogSender writes codes to the log. Used when no email or SMS transport is
// configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger.Named("otp")}
}

func (s *LogSender) Send(ctx context.Context, identifier, code string) error {
	s.logger.Info("OTP generated", zap.String("identifier", identifier), zap.String("code", code))
	return nil
}
