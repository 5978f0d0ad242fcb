package snapshot

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/jito-foundation/solana-accountsdb-connector/logging"
	"github.com/jito-foundation/solana-accountsdb-connector/metrics"
)

// Bootstrapper fetches a baseline, retrying failures with exponential
// backoff until it succeeds or its context ends.
type Bootstrapper struct {
	fetcher         Fetcher
	initialInterval time.Duration
	maxInterval     time.Duration

	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewBootstrapper wraps fetcher with retry.
func NewBootstrapper(fetcher Fetcher, initialInterval, maxInterval time.Duration, logger *zap.Logger, m *metrics.Collector) *Bootstrapper {
	return &Bootstrapper{
		fetcher:         fetcher,
		initialInterval: initialInterval,
		maxInterval:     maxInterval,
		logger:          logging.Component(logger, "snapshot"),
		metrics:         m,
	}
}

// Run returns the first successful baseline, or ctx.Err().
func (b *Bootstrapper) Run(ctx context.Context) (*Baseline, error) {
	policy := backoff.NewExponentialBackOff()
	if b.initialInterval > 0 {
		policy.InitialInterval = b.initialInterval
	}
	if b.maxInterval > 0 {
		policy.MaxInterval = b.maxInterval
	}
	policy.MaxElapsedTime = 0

	var baseline *Baseline
	start := time.Now()
	b.logger.Info("fetching snapshot baseline")

	err := backoff.RetryNotify(func() error {
		res, err := b.fetcher.Fetch(ctx)
		b.metrics.RecordSnapshotAttempt(err != nil)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		baseline = res
		return nil
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		b.logger.Warn("snapshot fetch failed, retrying", zap.Error(err), zap.Duration("retry_in", next))
	})
	if err != nil {
		return nil, err
	}

	if baseline.Skipped > 0 {
		b.logger.Warn("snapshot contained undecodable accounts", zap.Int("skipped", baseline.Skipped))
	}
	b.logger.Info("snapshot baseline ready",
		zap.Uint64("slot", baseline.Slot),
		zap.Int("accounts", len(baseline.Accounts)),
		zap.Duration("elapsed", time.Since(start)))
	return baseline, nil
}
