package statsdb

import (
	"context"
	"log/slog"
	"time"

	"github.com/cqstream/cqstream/internal/observability"
)

// Flusher periodically persists the in-memory statistics.
type Flusher struct {
	catalog  *Catalog
	stats    *observability.Stats
	interval time.Duration
	logger   *slog.Logger
}

// NewFlusher creates a flusher writing stats into catalog every interval.
func NewFlusher(catalog *Catalog, stats *observability.Stats, interval time.Duration, logger *slog.Logger) *Flusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{catalog: catalog, stats: stats, interval: interval, logger: logger}
}

// Run flushes on every tick until ctx ends, then flushes one last time.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: persist whatever accumulated since the last tick
			if err := f.FlushOnce(context.Background()); err != nil {
				f.logger.Error("final stats flush failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := f.FlushOnce(ctx); err != nil {
				f.logger.Warn("stats flush failed", "error", err)
			}
			f.stats.Prune()
		}
	}
}

// FlushOnce persists the current snapshot.
func (f *Flusher) FlushOnce(ctx context.Context) error {
	return f.catalog.Flush(ctx, f.stats.Snapshot())
}
