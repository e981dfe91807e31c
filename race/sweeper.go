package race

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is how often abandoned races are reclaimed.
const DefaultSweepInterval = time.Hour

type sweepable interface {
	Sweep(now time.Time) []string
}

// Sweeper periodically reclaims expired races.
type Sweeper struct {
	registry sweepable
	interval time.Duration
	now      func() time.Time
	log      *zap.Logger

	mu    sync.Mutex // serializes SetInterval
	reset chan time.Duration
}

// NewSweeper returns a sweeper for registry running every interval.
func NewSweeper(registry sweepable, interval time.Duration, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		registry: registry,
		interval: interval,
		now:      time.Now,
		log:      log,
		reset:    make(chan time.Duration, 1),
	}
}

// SetInterval changes the period of a running sweeper.
func (w *Sweeper) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	// keep only the newest request. Run only ever receives, so once drained
	// under mu the send cannot block.
	select {
	case <-w.reset:
	default:
	}
	w.reset <- d
}

// Run sweeps until ctx is done.
func (w *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()

	w.log.Info("sweeper started", zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-w.reset:
			w.interval = d
			t.Reset(d)
			w.log.Info("sweep interval changed", zap.Duration("interval", d))
		case <-t.C:
			if deleted := w.registry.Sweep(w.now()); len(deleted) > 0 {
				w.log.Info("sweep finished", zap.Int("evicted", len(deleted)))
			}
		}
	}
}
