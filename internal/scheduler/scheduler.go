package scheduler

import (
	"context"
	"log/slog"
	"time"

	"matchgate/internal/quota"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the periodic sweep that removes usage events older than the
// quota window. Logical expiry never depends on the sweep; it only bounds
// how far physical storage can lag behind.
type Scheduler struct {
	ledger quota.Ledger
	logger *slog.Logger
	c      *cron.Cron
}

func NewScheduler(ledger quota.Ledger, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		ledger: ledger,
		logger: logger.With("component", "scheduler"),
		c:      cron.New(),
	}
}

func (s *Scheduler) Start() {
	_, err := s.c.AddFunc("@every 5m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		removed, err := s.ledger.Prune(ctx, time.Now().Add(-quota.Window))
		if err != nil {
			s.logger.Error("Usage ledger sweep failed", "error", err)
			return
		}
		if removed > 0 {
			s.logger.Debug("Swept expired usage events", "removed", removed)
		}
	})
	if err != nil {
		s.logger.Error("Failed to schedule ledger sweep", "error", err)
		return
	}
	s.c.Start()
}

func (s *Scheduler) Stop() {
	s.c.Stop()
}
