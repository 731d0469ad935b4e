package credsvc

import (
	"context"
	"fmt"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RateLimiter throttles form submissions with windowed counters in Redis.
// Without a configured Redis address it runs against an embedded
// miniredis, which keeps the single-binary deployment story intact.
type RateLimiter struct {
	client *redis.Client
	logger *zap.Logger

	perAddress int
	perBatch   int
	window     time.Duration
}

// NewRateLimiter connects to addr, or boots an embedded instance when
// addr is empty.
func NewRateLimiter(addr string, logger *zap.Logger) (*RateLimiter, error) {
	if addr == "" {
		embedded, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded redis: %w", err)
		}
		addr = embedded.Addr()
		logger.Info("rate limiter using embedded redis", zap.String("addr", addr))
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("unable to connect to Redis: %w", err)
	}

	return &RateLimiter{
		client:     client,
		logger:     logger,
		perAddress: 30,
		perBatch:   60,
		window:     time.Minute,
	}, nil
}

// Allow admits a submission when neither the client address nor the batch
// exceeded its window budget. Limiter failures fail open with a warning;
// the signature check is the real gate.
func (rl *RateLimiter) Allow(ctx context.Context, clientAddr, batchID string) bool {
	ok, err := rl.check(ctx, "credsvc:addr:"+clientAddr, rl.perAddress)
	if err != nil {
		rl.logger.Warn("rate limiter unavailable", zap.Error(err))
		return true
	}
	if !ok {
		rl.logger.Warn("submission rate limited", zap.String("client", clientAddr))
		return false
	}

	ok, err = rl.check(ctx, "credsvc:batch:"+batchID, rl.perBatch)
	if err != nil {
		rl.logger.Warn("rate limiter unavailable", zap.Error(err))
		return true
	}
	if !ok {
		rl.logger.Warn("batch rate limited", zap.String("batch_id", batchID))
	}
	return ok
}

func (rl *RateLimiter) check(ctx context.Context, key string, limit int) (bool, error) {
	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		// A little slack past the window so expiry races stay harmless.
		rl.client.Expire(ctx, key, rl.window+5*time.Second)
	}
	return count <= int64(limit), nil
}

// Close releases the Redis connection.
func (rl *RateLimiter) Close() error { return rl.client.Close() }
