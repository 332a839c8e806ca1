package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/bulomi/mcps-one-sub000/config"
)

// cleanupParser accepts standard 5-field cron expressions
// (minute, hour, dom, month, dow).
var cleanupParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Janitor triggers backend maintenance cleanup on a fixed interval, or on a
// cron schedule when one is configured.
type Janitor struct {
	ctrl     *Controller
	interval time.Duration
	schedule cronlib.Schedule

	started atomic.Bool
	mu      sync.Mutex
	stop    chan struct{}
}

// NewJanitor builds a Janitor from the maintenance config. A non-empty
// cleanup_schedule takes precedence over the interval.
func NewJanitor(ctrl *Controller, cfg config.MaintenanceConfig) (*Janitor, error) {
	j := &Janitor{
		ctrl:     ctrl,
		interval: cfg.CleanupInterval,
	}
	if cfg.CleanupSchedule != "" {
		sched, err := cleanupParser.Parse(cfg.CleanupSchedule)
		if err != nil {
			return nil, fmt.Errorf("cleanup schedule %q: %w", cfg.CleanupSchedule, err)
		}
		j.schedule = sched
	} else if j.interval <= 0 {
		return nil, fmt.Errorf("cleanup interval %v: must be positive", j.interval)
	}
	return j, nil
}

// Start launches the cleanup loop. Starting a running janitor is a no-op.
func (j *Janitor) Start() {
	if !j.started.CompareAndSwap(false, true) {
		return
	}
	stop := make(chan struct{})
	j.mu.Lock()
	j.stop = stop
	j.mu.Unlock()

	if j.schedule != nil {
		log.Printf("lifecycle: janitor started (cron schedule)")
	} else {
		log.Printf("lifecycle: janitor started (every %v)", j.interval)
	}
	go j.loop(stop)
}

// Stop halts the loop. Stopping a stopped janitor is a no-op.
func (j *Janitor) Stop() {
	if !j.started.CompareAndSwap(true, false) {
		return
	}
	j.mu.Lock()
	close(j.stop)
	j.mu.Unlock()
	log.Printf("lifecycle: janitor stopped")
}

// Running reports whether the loop is active.
func (j *Janitor) Running() bool {
	return j.started.Load()
}

func (j *Janitor) loop(stop chan struct{}) {
	for {
		t := time.NewTimer(j.nextWait())
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		if _, err := j.ctrl.Cleanup(ctx); err != nil {
			log.Printf("lifecycle: scheduled cleanup failed: %v", err)
		}
		cancel()
	}
}

func (j *Janitor) nextWait() time.Duration {
	if j.schedule == nil {
		return j.interval
	}
	d := time.Until(j.schedule.Next(time.Now()))
	if d < 0 {
		d = 0
	}
	return d
}
