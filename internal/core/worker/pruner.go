package worker

import (
	"context"
	"log/slog"
	"time"
)

// RetentionStore deletes records older than a cutoff.
type RetentionStore interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// Pruner deletes old dispatch records based on retention policy.
type Pruner struct {
	retention time.Duration
	store     RetentionStore
	log       *slog.Logger
	now       func() time.Time
}

// NewPruner creates a new Pruner worker.
func NewPruner(retention time.Duration, store RetentionStore, log *slog.Logger) *Pruner {
	if log == nil {
		log = slog.Default()
	}
	return &Pruner{
		retention: retention,
		store:     store,
		log:       log,
		now:       time.Now,
	}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	// Check at 10% of the retention period, between 1 minute and 1 hour
	interval := min(p.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial prune
	p.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	cutoff := p.now().Add(-p.retention)

	n, err := p.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		p.log.Error("Failed to prune dispatch records", "error", err)
		return
	}
	if n > 0 {
		p.log.Info("Pruned dispatch records", "count", n, "before", cutoff.Format(time.RFC3339))
	}
}
