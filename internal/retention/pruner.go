// Package retention prunes transfer history older than the configured
// retention window.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/XtracT/aintinksmart/internal/config"
)

// History is the subset of store.DB the pruner needs.
type History interface {
	DeleteTransfersBefore(cutoff time.Time) (int64, error)
}

// Pruner deletes finished transfers on a fixed interval.
type Pruner struct {
	cfg config.StoreConfig
	db  History
	log *zap.Logger
	now func() time.Time
}

// New creates a Pruner. Call Start to begin background work.
func New(cfg config.StoreConfig, db History, log *zap.Logger) *Pruner {
	return &Pruner{
		cfg: cfg,
		db:  db,
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Start prunes once and then on every interval; blocks until ctx is done.
// A zero retention disables pruning.
func (p *Pruner) Start(ctx context.Context) error {
	if p.cfg.Retention <= 0 {
		p.log.Info("retention pruning disabled")
		return nil
	}
	p.log.Info("retention pruner starting",
		zap.Duration("retention", p.cfg.Retention),
		zap.Duration("interval", p.cfg.PruneInterval),
	)

	ticker := time.NewTicker(p.cfg.PruneInterval)
	defer ticker.Stop()

	p.PruneOnce()
	for {
		select {
		case <-ctx.Done():
			p.log.Info("retention pruner stopped")
			return nil
		case <-ticker.C:
			p.PruneOnce()
		}
	}
}

// PruneOnce deletes transfers finished before now minus the retention
// window and returns how many were removed.
func (p *Pruner) PruneOnce() int64 {
	cutoff := p.now().Add(-p.cfg.Retention)
	n, err := p.db.DeleteTransfersBefore(cutoff)
	if err != nil {
		p.log.Error("retention: prune transfers", zap.Error(err))
		return 0
	}
	if n > 0 {
		p.log.Info("retention: pruned transfers",
			zap.Int64("count", n),
			zap.Time("cutoff", cutoff),
		)
	}
	return n
}
