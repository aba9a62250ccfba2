package usecase

import (
	"context"
	"log/slog"
	"time"

	"torrentvault/internal/domain/ports"
	"torrentvault/internal/metrics"
)

const (
	defaultCleanupInterval      = 24 * time.Hour
	defaultCleanupRetentionDays = 30
)

// CleanupSweeper purges soft-deleted records once they are older than the
// retention window. It sweeps at start and then every Interval.
type CleanupSweeper struct {
	Repo          ports.TorrentRepository
	Logger        *slog.Logger
	Interval      time.Duration
	RetentionDays int
}

func (c CleanupSweeper) Run(ctx context.Context) {
	interval := c.Interval
	if interval <= 0 {
		interval = defaultCleanupInterval
	}

	c.Sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep runs one purge and returns the number of records removed.
func (c CleanupSweeper) Sweep(ctx context.Context) int64 {
	days := c.RetentionDays
	if days <= 0 {
		days = defaultCleanupRetentionDays
	}

	n, err := c.Repo.PurgeSoftDeletedOlderThan(ctx, days)
	if err != nil {
		c.logger().Warn("cleanup: purge soft-deleted records failed",
			slog.Int("retentionDays", days),
			slog.String("error", err.Error()),
		)
		metrics.TaskErrorsTotal.WithLabelValues("cleanup").Inc()
		return 0
	}
	if n > 0 {
		metrics.SoftDeletedPurgedTotal.Add(float64(n))
		c.logger().Info("cleanup: purged soft-deleted records",
			slog.Int64("count", n),
			slog.Int("retentionDays", days),
		)
	}
	return n
}

func (c CleanupSweeper) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
