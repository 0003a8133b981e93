package reaper

import (
	"context"
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/cometbft/cometbft/libs/service"
)

// DefaultInterval is used when a non-positive interval is configured
const DefaultInterval = 30 * time.Second

// Sweeper abandons every active session whose grace window has run out.
type Sweeper interface {
	AbandonExpiredSessions(ctx context.Context) (int, error)
}

// Reaper periodically sweeps grace-expired sessions so stations free up
// even when nobody reads them.
type Reaper struct {
	*service.BaseService

	sweeper  Sweeper
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(sweeper Sweeper, interval time.Duration, logger cmtlog.Logger) *Reaper {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	r := &Reaper{
		sweeper:  sweeper,
		interval: interval,
	}
	r.BaseService = service.NewBaseService(logger.With("module", "reaper"), "Reaper", r)
	return r
}

// OnStart implements service.Service
func (r *Reaper) OnStart() error {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.run(ctx)
	r.Logger.Info("Reaper started", "interval", r.interval)
	return nil
}

// OnStop implements service.Service. It waits for an in-flight sweep.
func (r *Reaper) OnStop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.Logger.Info("Reaper stopped")
}

func (r *Reaper) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many sessions were abandoned.
// Errors are logged; the next tick retries.
func (r *Reaper) Sweep(ctx context.Context) int {
	started := time.Now()
	n, err := r.sweeper.AbandonExpiredSessions(ctx)
	if err != nil {
		r.Logger.Error("Sweep failed", "abandoned", n, "err", err)
		return n
	}
	if n > 0 {
		r.Logger.Info("Abandoned expired sessions", "count", n, "took", time.Since(started))
	} else {
		r.Logger.Debug("Sweep found nothing to abandon")
	}
	return n
}
