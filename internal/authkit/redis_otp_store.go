package authkit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOTPKeyPrefix = "otp:"

// RedisOTPStore keeps one-time codes in Redis so several gateway replicas share them.
type RedisOTPStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisOTPStore parses redisURL (redis:// or rediss://) and pings the server.
func NewRedisOTPStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisOTPStore, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("otp_store.redis.parse_url: %w", err)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("otp_store.redis.ping: %w", pingErr)
	}
	return &RedisOTPStore{client: client, ttl: ttl}, nil
}

// Issue stores the hashed code with the configured TTL, replacing any previous code.
func (store *RedisOTPStore) Issue(ctx context.Context, email string, purpose OTPPurpose) (string, error) {
	code, err := generateOTPCode()
	if err != nil {
		return "", err
	}
	key := redisOTPKey(email)
	pipeline := store.client.TxPipeline()
	pipeline.Del(ctx, key)
	pipeline.HSet(ctx, key, "code_hash", hashOpaque(code), "purpose", string(purpose), "attempts", 0)
	pipeline.Expire(ctx, key, store.ttl)
	if _, execErr := pipeline.Exec(ctx); execErr != nil {
		return "", fmt.Errorf("otp_store.redis.issue: %w", execErr)
	}
	return code, nil
}

// Consume validates the code; expired entries have already been evicted by Redis.
func (store *RedisOTPStore) Consume(ctx context.Context, email string, code string) (OTPPurpose, error) {
	key := redisOTPKey(email)
	values, err := store.client.HGetAll(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("otp_store.redis.consume: %w", err)
	}
	if len(values) == 0 {
		return "", ErrOTPNotFound
	}
	if !otpHashesEqual(values["code_hash"], hashOpaque(code)) {
		attempts, incrErr := store.client.HIncrBy(ctx, key, "attempts", 1).Result()
		if incrErr != nil {
			return "", fmt.Errorf("otp_store.redis.consume: %w", incrErr)
		}
		if attempts >= otpMaxAttempts {
			_ = store.client.Del(ctx, key).Err()
			return "", ErrOTPAttemptsExceeded
		}
		return "", ErrOTPMismatch
	}
	deleted, delErr := store.client.Del(ctx, key).Result()
	if delErr != nil {
		return "", fmt.Errorf("otp_store.redis.consume: %w", delErr)
	}
	if deleted == 0 {
		return "", ErrOTPNotFound
	}
	return OTPPurpose(values["purpose"]), nil
}

// Close releases the Redis connection pool.
func (store *RedisOTPStore) Close() error {
	return store.client.Close()
}

func redisOTPKey(email string) string {
	return redisOTPKeyPrefix + strings.ToLower(strings.TrimSpace(email))
}
