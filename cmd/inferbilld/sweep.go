package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ineyio/inferbill"
)

// sweeper removes stale rate-limit windows and idempotency claims from
// stores that do not expire them on their own.
type sweeper struct {
	windows inferbill.WindowSweeper
	claims  inferbill.IdempotencySweeper
	cfg     inferbill.SweepConfig
	log     *zap.Logger
	now     func() time.Time
}

func newSweeper(cfg inferbill.SweepConfig, stores *storeSet, log *zap.Logger) (*cron.Cron, error) {
	s := &sweeper{cfg: cfg, log: log.Named("sweep"), now: time.Now}
	s.windows, _ = stores.counters.(inferbill.WindowSweeper)
	s.claims, _ = stores.claims.(inferbill.IdempotencySweeper)

	c := cron.New()
	if s.windows == nil && s.claims == nil {
		return c, nil
	}
	if _, err := c.AddFunc(cfg.Schedule, func() { s.run(context.Background()) }); err != nil {
		return nil, fmt.Errorf("inferbill: invalid sweep schedule %q: %w", cfg.Schedule, err)
	}
	return c, nil
}

func (s *sweeper) run(ctx context.Context) {
	now := s.now()
	if s.windows != nil {
		n, err := s.windows.SweepWindows(ctx, now.Add(-s.cfg.WindowRetention))
		if err != nil {
			s.log.Warn("sweep rate-limit windows failed", zap.Error(err))
		} else if n > 0 {
			s.log.Info("swept rate-limit windows", zap.Int64("removed", n))
		}
	}
	if s.claims != nil {
		n, err := s.claims.SweepClaims(ctx, now.Add(-s.cfg.ClaimRetention))
		if err != nil {
			s.log.Warn("sweep idempotency claims failed", zap.Error(err))
		} else if n > 0 {
			s.log.Info("swept idempotency claims", zap.Int64("removed", n))
		}
	}
}
