package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// BreakerConfig configures the upload circuit breaker.
type BreakerConfig struct {
	Name string
	// FailureThreshold is the number of consecutive transient failures that opens the breaker.
	FailureThreshold uint32
	// Timeout is how long the breaker stays open before letting a probe through.
	Timeout time.Duration
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32
}

// BreakerUploader stops hammering an unavailable object store. While open, uploads fail
// fast with a transient error so the queue schedules a retry.
type BreakerUploader struct {
	next   Uploader
	cb     *gobreaker.CircuitBreaker[string]
	logger *zap.Logger
}

// NewBreakerUploader wraps next with a circuit breaker. Only transient failures count
// against the breaker; a missing file says nothing about the store's health.
func NewBreakerUploader(next Uploader, cfg BreakerConfig, logger *zap.Logger) *BreakerUploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrPermanent) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("upload circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &BreakerUploader{
		next:   next,
		cb:     gobreaker.NewCircuitBreaker[string](settings),
		logger: logger,
	}
}

// Upload runs the wrapped upload through the breaker.
func (b *BreakerUploader) Upload(ctx context.Context, localPath, key string) (string, error) {
	url, err := b.cb.Execute(func() (string, error) {
		return b.next.Upload(ctx, localPath, key)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", Transient(fmt.Errorf("object store unavailable: %w", err))
	}
	return url, err
}

// State returns the breaker state name for health reporting.
func (b *BreakerUploader) State() string {
	return b.cb.State().String()
}
