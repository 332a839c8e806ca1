package lifecycle

import (
	"testing"
	"time"

	"github.com/bulomi/mcps-one-sub000/config"
)

func TestJanitorRunsOnInterval(t *testing.T) {
	f := newFixture(t, config.PoolConfig{})
	j, err := NewJanitor(f.ctrl, config.MaintenanceConfig{CleanupInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}

	j.Start()
	defer j.Stop()
	waitUntil(t, time.Second, "repeated cleanups", func() bool {
		return f.be.cleanupCount() >= 2
	})

	j.Stop()
	if j.Running() {
		t.Fatal("janitor still running after Stop")
	}
	time.Sleep(30 * time.Millisecond)
	settled := f.be.cleanupCount()
	time.Sleep(60 * time.Millisecond)
	if got := f.be.cleanupCount(); got != settled {
		t.Fatalf("cleanups after stop went %d -> %d, want no change", settled, got)
	}
}

func TestJanitorStartStopIdempotent(t *testing.T) {
	f := newFixture(t, config.PoolConfig{})
	j, err := NewJanitor(f.ctrl, config.MaintenanceConfig{CleanupInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}

	j.Start()
	j.Start()
	if !j.Running() {
		t.Fatal("janitor not running after Start")
	}
	waitUntil(t, time.Second, "first cleanup", func() bool {
		return f.be.cleanupCount() >= 1
	})

	j.Stop()
	j.Stop()
	if j.Running() {
		t.Fatal("janitor running after Stop")
	}

	// Restartable after a stop.
	before := f.be.cleanupCount()
	j.Start()
	waitUntil(t, time.Second, "cleanup after restart", func() bool {
		return f.be.cleanupCount() > before
	})
	j.Stop()
}

func TestNewJanitorValidation(t *testing.T) {
	f := newFixture(t, config.PoolConfig{})

	if _, err := NewJanitor(f.ctrl, config.MaintenanceConfig{CleanupSchedule: "*/5 * * * *"}); err != nil {
		t.Fatalf("valid cron schedule rejected: %v", err)
	}
	if _, err := NewJanitor(f.ctrl, config.MaintenanceConfig{CleanupSchedule: "not a cron"}); err == nil {
		t.Fatal("invalid cron schedule accepted")
	}
	if _, err := NewJanitor(f.ctrl, config.MaintenanceConfig{}); err == nil {
		t.Fatal("zero interval and no schedule accepted")
	}
}
