// Package supervisor restarts the long-running background services (upload workers,
// stuck-item auditor, filesystem watcher) when they fail.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

// Config holds restart policy. Zero values take suture's defaults.
type Config struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// Runner is a blocking loop that returns when ctx is done.
type Runner interface {
	Run(ctx context.Context) error
}

// Service adapts a Runner to suture.Service under a name.
type Service struct {
	name   string
	runner Runner
}

// NewService names runner for the supervisor's logs.
func NewService(name string, runner Runner) *Service {
	return &Service{name: name, runner: runner}
}

// Serve runs the loop. A loop that returns before ctx is done is restarted by the supervisor.
func (s *Service) Serve(ctx context.Context) error {
	err := s.runner.Run(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Service) String() string { return s.name }

// New creates the root supervisor with suture events logged through logger.
func New(name string, cfg Config, logger *zap.Logger) *suture.Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	return suture.New(name, suture.Spec{
		EventHook:        EventHook(logger),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
}

// EventHook logs supervisor events; failures at Error, backoff and stop timeouts at Warn.
func EventHook(logger *zap.Logger) suture.EventHook {
	return func(ev suture.Event) {
		fields := make([]zap.Field, 0, 4)
		for k, v := range ev.Map() {
			fields = append(fields, zap.Any(k, v))
		}
		switch ev.(type) {
		case suture.EventServicePanic, suture.EventServiceTerminate:
			logger.Error("supervised service failed", fields...)
		case suture.EventBackoff, suture.EventStopTimeout:
			logger.Warn(ev.String(), fields...)
		default:
			logger.Info(ev.String(), fields...)
		}
	}
}
