// Package runner drives a worker's poll loop until the context is canceled.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/codesearch/internal/metrics"
)

// DefaultErrorDelay is the wait after a failed iteration.
const DefaultErrorDelay = 30 * time.Second

// Worker is one polling unit of work.
type Worker interface {
	Setup(ctx context.Context) error
	RunIteration(ctx context.Context) (time.Duration, error)
}

// Config controls the loop.
type Config struct {
	// Name labels logs and iteration metrics.
	Name       string
	ErrorDelay time.Duration
}

// Run calls Setup once, then RunIteration until ctx is done. A Setup error is
// returned; iteration errors are logged and retried after ErrorDelay.
func Run(ctx context.Context, w Worker, cfg Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = DefaultErrorDelay
	}
	if cfg.Name == "" {
		cfg.Name = "worker"
	}
	logger = logger.With(zap.String("worker", cfg.Name))

	if err := w.Setup(ctx); err != nil {
		return fmt.Errorf("%s setup: %w", cfg.Name, err)
	}
	logger.Info("worker started")

	for {
		if ctx.Err() != nil {
			logger.Info("worker stopped")
			return nil
		}
		delay, err := w.RunIteration(ctx)
		metrics.ObserveIteration(cfg.Name, err)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				logger.Info("worker stopped")
				return nil
			}
			logger.Error("iteration failed", zap.Error(err), zap.Duration("retry_in", cfg.ErrorDelay))
			delay = cfg.ErrorDelay
		}
		if !sleep(ctx, delay) {
			logger.Info("worker stopped")
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
