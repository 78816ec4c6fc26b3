// Package sweeper drives the moderation retention sweep on a fixed
// interval. The sweep itself lives in the moderation ledger; this runner
// only owns the timer and its lifecycle.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/hikarilabs/warden/internal/moderation"
	"go.uber.org/zap"
)

// DefaultInterval is how often the sweep runs when not configured.
const DefaultInterval = 24 * time.Hour

var errMissingLedger = errors.New("moderation ledger is required")

// Ledger is the slice of the moderation service the runner needs.
type Ledger interface {
	Sweep(ctx context.Context, retentionDays int) (moderation.SweepResult, error)
}

// RunnerConfig configures the retention sweep loop.
type RunnerConfig struct {
	Ledger        Ledger
	Interval      time.Duration
	RetentionDays int
	Logger        *zap.Logger
}

// Runner periodically prunes stale warnings and expired mutes.
type Runner struct {
	ledger        Ledger
	interval      time.Duration
	retentionDays int
	logger        *zap.Logger
}

// NewRunner constructs a Runner with sane defaults.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = 30
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		ledger:        cfg.Ledger,
		interval:      interval,
		retentionDays: retentionDays,
		logger:        logger,
	}, nil
}

// Run sweeps once per interval until the context is cancelled. A failed
// sweep is logged and retried on the next tick.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ledger.Sweep(ctx, r.retentionDays); err != nil {
				r.logger.Error("retention sweep failed", zap.Error(err))
			}
		}
	}
}
