package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// errorLogWindow throttles repeated identical cycle failures: the first one
// logs immediately, repeats within the window only bump a counter.
const errorLogWindow = 5 * time.Minute

// Driver runs the periodic reconcile-then-drain cycle. RunOnce is also safe
// to call concurrently with the loop; sqlite's write transaction discipline
// is the only shared-state guard the cycle needs.
type Driver struct {
	eng      *Engine
	interval time.Duration
	log      *slog.Logger

	mu         sync.Mutex
	lastErrMsg string
	lastLogAt  time.Time
	suppressed int
}

func NewDriver(eng *Engine, interval time.Duration, log *slog.Logger) *Driver {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Driver{eng: eng, interval: interval, log: log}
}

// Run loops until ctx is cancelled. A failed cycle is logged (throttled) and
// the loop carries on; it never takes the process down.
func (d *Driver) Run(ctx context.Context) {
	d.log.Info("sync driver started", "interval", d.interval)
	for {
		if err := d.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				d.log.Info("sync driver stopped")
				return
			}
			d.logThrottled(err)
		}
		select {
		case <-ctx.Done():
			d.log.Info("sync driver stopped")
			return
		case <-time.After(d.interval):
		}
	}
}

// RunOnce performs one reconcile-plus-drain cycle.
func (d *Driver) RunOnce(ctx context.Context) error {
	sres, err := d.eng.SyncFromRemote(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	dres, err := d.eng.Drain(ctx, DefaultDrainLimit)
	if err != nil {
		return fmt.Errorf("drain outbox: %w", err)
	}
	d.log.Debug("sync cycle done",
		"fetched", sres.Fetched,
		"upserted", sres.Upserted,
		"outbox_processed", dres.Processed,
		"outbox_delivered", dres.Delivered,
	)
	return nil
}

func (d *Driver) logThrottled(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	msg := err.Error()
	now := time.Now()
	if msg == d.lastErrMsg && now.Sub(d.lastLogAt) < errorLogWindow {
		d.suppressed++
		return
	}

	d.log.Error("sync cycle failed", "err", err, "suppressed_repeats", d.suppressed)
	d.lastErrMsg = msg
	d.lastLogAt = now
	d.suppressed = 0
}
