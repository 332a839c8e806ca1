package statesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bulomi/mcps-one-sub000/backendtest"
	"github.com/bulomi/mcps-one-sub000/config"
	"github.com/bulomi/mcps-one-sub000/conn"
	"github.com/bulomi/mcps-one-sub000/lifecycle"
	"github.com/bulomi/mcps-one-sub000/wire"
)

func testConfig(s *backendtest.Server) *config.Config {
	cfg := config.Default()
	cfg.Server.BaseURL = s.URL()
	cfg.Sync.PollInterval = 25 * time.Millisecond
	cfg.Sync.PollJitter = 0
	cfg.Sync.ReconnectBaseDelay = 5 * time.Millisecond
	cfg.Sync.ReconnectMaxDelay = 20 * time.Millisecond
	cfg.Sync.ReconnectMaxAttempts = 2
	cfg.Sync.DegradedRetryInterval = 30 * time.Millisecond
	cfg.Pool.TargetSize = 0
	cfg.Maintenance.CleanupInterval = time.Hour
	return cfg
}

func newCore(t *testing.T, cfg *config.Config) *Core {
	t.Helper()
	core, err := New(cfg)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	t.Cleanup(core.Close)
	return core
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPushFlowAndReconnect(t *testing.T) {
	s := backendtest.New(backendtest.Options{Seed: true, Token: "hush"})
	t.Cleanup(s.Close)
	cfg := testConfig(s)
	cfg.Server.Token = "hush"
	core := newCore(t, cfg)

	var mu sync.Mutex
	lost := 0
	core.Bus().Subscribe(wire.EventConnLost, func(any) {
		mu.Lock()
		lost++
		mu.Unlock()
	})

	core.Start(context.Background())
	waitUntil(t, 2*time.Second, "push channel", func() bool {
		return core.ConnectionState() == conn.StateConnected
	})
	waitUntil(t, 2*time.Second, "all four streams mirrored", func() bool {
		_, s1 := core.Store().Stats()
		_, s2 := core.Store().Tools()
		snap, s3 := core.Store().Sessions()
		_, s4 := core.Store().Tasks()
		return s1 && s2 && s3 && s4 && len(snap.Value.Sessions) == 4
	})

	snap, _ := core.Store().Sessions()
	if snap.Source != wire.SourcePush {
		t.Fatalf("sessions source = %q, want push", snap.Source)
	}

	// A dropped channel reconnects on its own and the mirror keeps moving.
	s.DropClients()
	waitUntil(t, 2*time.Second, "connection:lost", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return lost >= 1
	})
	waitUntil(t, 2*time.Second, "reconnect", func() bool {
		return s.ClientCount() == 1 && core.ConnectionState() == conn.StateConnected
	})

	s.PutSession(wire.SessionRecord{
		ID:             "sess-echo",
		State:          wire.StateActive,
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
	})
	s.BroadcastSessions(time.Now())
	waitUntil(t, 2*time.Second, "update after reconnect", func() bool {
		snap, ok := core.Store().Sessions()
		if !ok {
			return false
		}
		for _, rec := range snap.Value.Sessions {
			if rec.ID == "sess-echo" {
				return true
			}
		}
		return false
	})
}

func TestDegradedServesPollDataThenRecovers(t *testing.T) {
	s := backendtest.New(backendtest.Options{Seed: true})
	t.Cleanup(s.Close)
	s.SetRefuseUpgrades(true)
	core := newCore(t, testConfig(s))

	core.Start(context.Background())
	waitUntil(t, 2*time.Second, "degraded state", func() bool {
		return core.ConnectionState() == conn.StateDegraded
	})

	// Polling keeps the mirror fresh while push is down.
	waitUntil(t, 2*time.Second, "poll snapshot", func() bool {
		snap, ok := core.Store().Sessions()
		return ok && snap.Source == wire.SourcePoll
	})
	t0, _ := core.Store().LastUpdated(wire.StreamSessions)
	waitUntil(t, 2*time.Second, "ongoing poll cycles", func() bool {
		t1, ok := core.Store().LastUpdated(wire.StreamSessions)
		return ok && t1.After(t0)
	})

	// Push comes back; the slow probe finds it and push data takes over.
	s.SetRefuseUpgrades(false)
	waitUntil(t, 2*time.Second, "recovery", func() bool {
		return core.ConnectionState() == conn.StateConnected
	})
	waitUntil(t, 2*time.Second, "push snapshot", func() bool {
		snap, ok := core.Store().Sessions()
		if ok && snap.Source == wire.SourcePush {
			return true
		}
		// A poll cycle in flight during recovery can land after the
		// connect snapshot; a fresh broadcast always wins the race.
		s.BroadcastSessions(time.Now())
		return false
	})
}

func TestRefreshWithoutPushChannel(t *testing.T) {
	s := backendtest.New(backendtest.Options{Seed: true})
	t.Cleanup(s.Close)
	core := newCore(t, testConfig(s))

	// No Start: the push channel stays closed, Refresh pulls over REST.
	if err := core.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	snap, ok := core.Store().Sessions()
	if !ok || snap.Source != wire.SourcePoll {
		t.Fatalf("sessions snapshot = (%+v, %v), want poll source", snap, ok)
	}
	if len(snap.Value.Sessions) != 4 {
		t.Fatalf("mirrored sessions = %d, want 4", len(snap.Value.Sessions))
	}
}

func TestAutoRefillThroughCore(t *testing.T) {
	s := backendtest.New(backendtest.Options{Seed: true})
	t.Cleanup(s.Close)
	cfg := testConfig(s)
	cfg.Pool.TargetSize = 5
	cfg.Pool.MaxConcurrent = 10
	core := newCore(t, cfg)

	// Seed pool: 2 active + 1 idle = 3 pooled, deficit 2.
	core.Start(context.Background())
	waitUntil(t, 2*time.Second, "pool refilled", func() bool {
		return core.Sessions().Counts().Pooled() >= 5
	})
	waitUntil(t, 2*time.Second, "world grew by the deficit", func() bool {
		return s.SessionCount() == 6
	})

	// Deficit satisfied; no duplicate refill sneaks in.
	time.Sleep(100 * time.Millisecond)
	if got := s.SessionCount(); got != 6 {
		t.Fatalf("sessions after settle = %d, want 6", got)
	}
	refills := 0
	for _, cmd := range s.Commands() {
		if cmd.Action == "refill" {
			refills++
		}
	}
	if refills != 1 {
		t.Fatalf("refill commands received = %d, want 1", refills)
	}
}

func TestSessionCommandsThroughCore(t *testing.T) {
	s := backendtest.New(backendtest.Options{Seed: true})
	t.Cleanup(s.Close)
	core := newCore(t, testConfig(s))
	core.Start(context.Background())
	ctx := context.Background()

	waitUntil(t, 2*time.Second, "mirror ready", func() bool {
		_, ok := core.Sessions().Session("sess-delta")
		return ok
	})

	if err := core.Sessions().WakeUp(ctx, "sess-delta"); err != nil {
		t.Fatalf("wake: %v", err)
	}
	waitUntil(t, 2*time.Second, "mirror reconciled", func() bool {
		rec, ok := core.Sessions().Session("sess-delta")
		return ok && rec.State == wire.StateIdle
	})

	// Now awake, the same command is a local no-op rejection.
	err := core.Sessions().WakeUp(ctx, "sess-delta")
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("second wake err = %v, want ErrInvalidTransition", err)
	}
}

func TestJanitorThroughCore(t *testing.T) {
	s := backendtest.New(backendtest.Options{Seed: true})
	t.Cleanup(s.Close)
	cfg := testConfig(s)
	cfg.Maintenance.CleanupInterval = 20 * time.Millisecond
	core := newCore(t, cfg)

	core.Start(context.Background())
	// Seed tasks: 1 running + 2 finished; cleanup prunes the finished ones
	// and the broadcast brings the smaller list into the mirror.
	waitUntil(t, 2*time.Second, "pruned task mirror", func() bool {
		snap, ok := core.Store().Tasks()
		return ok && len(snap.Value.Tasks) == 1
	})
}

func TestCloseIsIdempotent(t *testing.T) {
	s := backendtest.New(backendtest.Options{Seed: true})
	t.Cleanup(s.Close)
	core := newCore(t, testConfig(s))

	core.Start(context.Background())
	waitUntil(t, 2*time.Second, "push channel", func() bool {
		return s.ClientCount() == 1
	})

	core.Close()
	core.Close()
	waitUntil(t, 2*time.Second, "client gone", func() bool {
		return s.ClientCount() == 0
	})
	if got := core.ConnectionState(); got != conn.StateDisconnected {
		t.Fatalf("state after close = %v, want disconnected", got)
	}

	// A closed core ignores later broadcasts without blowing up.
	s.BroadcastAll(time.Now())
	time.Sleep(50 * time.Millisecond)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Server.BaseURL = ""
	if _, err := New(cfg); err == nil {
		t.Fatal("empty base_url accepted")
	}

	cfg = config.Default()
	cfg.Maintenance.CleanupSchedule = "every now and then"
	if _, err := New(cfg); err == nil {
		t.Fatal("invalid cleanup schedule accepted")
	}
}
