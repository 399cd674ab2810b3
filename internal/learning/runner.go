package learning

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/replyhive/replyhive/internal/store"
)

// TenantLister enumerates tenants eligible for a learning pass.
type TenantLister interface {
	ListTenants(ctx context.Context) ([]store.Tenant, error)
}

// Runner drives the reconciler on a fixed interval across all tenants,
// bounding concurrent LLM passes with a counting semaphore.
type Runner struct {
	rec      *Reconciler
	tenants  TenantLister
	interval time.Duration
	sem      *Semaphore
	logger   *slog.Logger

	wg sync.WaitGroup
}

func NewRunner(rec *Reconciler, tenants TenantLister, interval time.Duration, maxConcurrent int) *Runner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Runner{
		rec:      rec,
		tenants:  tenants,
		interval: interval,
		sem:      NewSemaphore(maxConcurrent),
		logger:   slog.Default().With("component", "learning"),
	}
}

// Run blocks until ctx is cancelled, reconciling every tenant each tick.
// Tenants that cannot get a semaphore slot are skipped until the next tick.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	tenants, err := r.tenants.ListTenants(ctx)
	if err != nil {
		r.logger.Error("list tenants for learning", "error", err)
		return
	}
	for _, t := range tenants {
		if !r.sem.TryAcquire() {
			r.logger.Warn("learning pass skipped, concurrency limit reached", "tenant", t.ID)
			continue
		}
		r.wg.Add(1)
		go func(tenantID int64) {
			defer r.wg.Done()
			defer r.sem.Release()
			res, err := r.rec.Reconcile(ctx, tenantID)
			if err != nil {
				r.logger.Error("learning pass failed", "tenant", tenantID, "error", err)
				return
			}
			if res.Added+res.Updated+res.Deleted+res.Skipped > 0 {
				r.logger.Info("learning pass complete",
					"tenant", tenantID,
					"conversations", res.Conversations,
					"added", res.Added,
					"updated", res.Updated,
					"deleted", res.Deleted,
					"skipped", res.Skipped)
			}
		}(t.ID)
	}
}
