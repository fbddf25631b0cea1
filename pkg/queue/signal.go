// Package queue carries wake-up notifications between the processes that enqueue uploads
// and the workers that drain them. Durable work lives in the database; a lost or duplicated
// wake-up only changes how soon a worker polls.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// KeyUploadWake is the Redis list holding pending wake tokens.
	KeyUploadWake = "recvault:uploads:wake"
	// maxPendingTokens bounds the token list when no worker is listening.
	maxPendingTokens = 64
)

// Notifier is the producing half of a Signal.
type Notifier interface {
	// Notify records that work is available. It never blocks on consumers.
	Notify(ctx context.Context) error
}

// Signal wakes idle workers when new work is enqueued.
type Signal interface {
	Notifier
	// Wait blocks until a notification arrives, timeout elapses or ctx is done.
	// woken is false on timeout.
	Wait(ctx context.Context, timeout time.Duration) (woken bool, err error)
}

// RedisSignal is a Signal shared across processes through a Redis list.
type RedisSignal struct {
	client redis.UniversalClient
	key    string
	logger *zap.Logger
}

// NewRedisSignal creates a Redis-backed signal on KeyUploadWake.
func NewRedisSignal(client redis.UniversalClient, logger *zap.Logger) *RedisSignal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSignal{client: client, key: KeyUploadWake, logger: logger}
}

// Notify pushes one token and trims the list.
func (s *RedisSignal) Notify(ctx context.Context) error {
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.key, time.Now().UnixNano())
	pipe.LTrim(ctx, s.key, -maxPendingTokens, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rpush wake token: %w", err)
	}
	s.logger.Debug("upload wake-up sent")
	return nil
}

// Wait pops one token, blocking up to timeout.
func (s *RedisSignal) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	_, err := s.client.BLPop(ctx, timeout, s.key).Result()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	default:
		return false, fmt.Errorf("blpop wake token: %w", err)
	}
}

// LocalSignal is an in-process Signal for single-binary deployments and tests.
type LocalSignal struct {
	ch chan struct{}
}

// NewLocalSignal creates an in-process signal.
func NewLocalSignal() *LocalSignal {
	return &LocalSignal{ch: make(chan struct{}, 1)}
}

// Notify never blocks; notifications coalesce while nobody waits.
func (s *LocalSignal) Notify(context.Context) error {
	select {
	case s.ch <- struct{}{}:
	default:
	}
	return nil
}

// Wait blocks until notified, timeout or ctx done.
func (s *LocalSignal) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.ch:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
