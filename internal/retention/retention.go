package retention

import (
	"log/slog"
	"sync"
	"time"
)

// Store is the part of the audit log the pruner needs. Implemented by *db.DB.
type Store interface {
	PruneAuditEvents(cutoff time.Time) (int64, error)
}

// Pruner periodically deletes audit events older than maxAge.
type Pruner struct {
	store    Store
	maxAge   time.Duration
	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
	logger   *slog.Logger
}

func New(store Store, maxAge time.Duration, logger *slog.Logger) *Pruner {
	return &Pruner{
		store:    store,
		maxAge:   maxAge,
		interval: time.Hour,
		stop:     make(chan struct{}),
		now:      time.Now,
		logger:   logger.With("component", "retention"),
	}
}

// SetNow replaces the time source. Used in tests only.
func (p *Pruner) SetNow(fn func() time.Time) {
	p.now = fn
}

func (p *Pruner) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.prune()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.prune()
			}
		}
	}()
}

func (p *Pruner) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// RunOnce runs a single prune synchronously. Used in tests.
func (p *Pruner) RunOnce() {
	p.prune()
}

func (p *Pruner) prune() {
	cutoff := p.now().Add(-p.maxAge)
	n, err := p.store.PruneAuditEvents(cutoff)
	if err != nil {
		p.logger.Warn("audit prune failed", "err", err)
		return
	}
	if n > 0 {
		p.logger.Info("pruned audit events", "count", n, "before", cutoff.Format(time.RFC3339))
	}
}
