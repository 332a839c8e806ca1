package poll

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bulomi/mcps-one-sub000/eventbus"
	"github.com/bulomi/mcps-one-sub000/restapi"
	"github.com/bulomi/mcps-one-sub000/wire"
)

// fakeBackend serves the four stream endpoints and counts hits.
type fakeBackend struct {
	statsHits    atomic.Int64
	toolsHits    atomic.Int64
	sessionsHits atomic.Int64
	tasksHits    atomic.Int64

	mu         sync.Mutex
	statsBlock chan struct{} // when set, stats requests wait on it
	statsFail  bool
	generated  time.Time
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats/summary", func(w http.ResponseWriter, r *http.Request) {
		f.statsHits.Add(1)
		f.mu.Lock()
		block := f.statsBlock
		fail := f.statsFail
		gen := f.generated
		f.mu.Unlock()
		if block != nil {
			<-block
		}
		if fail {
			http.Error(w, "backend down", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(wire.StatsSummary{ActiveSessions: 1, GeneratedAt: gen})
	})
	mux.HandleFunc("/api/tools", func(w http.ResponseWriter, r *http.Request) {
		f.toolsHits.Add(1)
		f.mu.Lock()
		gen := f.generated
		f.mu.Unlock()
		json.NewEncoder(w).Encode(wire.ToolList{GeneratedAt: gen})
	})
	mux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		f.sessionsHits.Add(1)
		f.mu.Lock()
		gen := f.generated
		f.mu.Unlock()
		json.NewEncoder(w).Encode(wire.SessionList{GeneratedAt: gen})
	})
	mux.HandleFunc("/api/tasks/recent", func(w http.ResponseWriter, r *http.Request) {
		f.tasksHits.Add(1)
		f.mu.Lock()
		gen := f.generated
		f.mu.Unlock()
		json.NewEncoder(w).Encode(wire.TaskList{GeneratedAt: gen})
	})
	return mux
}

// updateCounter tallies bus publishes per update event.
type updateCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newUpdateCounter(bus *eventbus.Bus) *updateCounter {
	c := &updateCounter{counts: make(map[string]int)}
	for _, s := range wire.Streams {
		event := wire.UpdateEvent(s)
		bus.Subscribe(event, func(any) {
			c.mu.Lock()
			c.counts[event]++
			c.mu.Unlock()
		})
	}
	return c
}

func (c *updateCounter) get(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[event]
}

func (c *updateCounter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.counts {
		n += v
	}
	return n
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

func newTestScheduler(t *testing.T, backend *fakeBackend) (*Scheduler, *eventbus.Bus, *updateCounter) {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	bus := eventbus.New()
	counter := newUpdateCounter(bus)
	s := New(restapi.NewClient(srv.URL, ""), bus, nil)
	t.Cleanup(s.Stop)
	return s, bus, counter
}

func TestFirstCycleRunsImmediately(t *testing.T) {
	backend := &fakeBackend{generated: time.Now().UTC()}
	s, _, counter := newTestScheduler(t, backend)

	s.Start(time.Hour, 0) // interval far away: only the immediate cycle can publish

	waitUntil(t, 2*time.Second, "first cycle", func() bool {
		return counter.total() >= 4
	})

	for _, stream := range wire.Streams {
		if counter.get(wire.UpdateEvent(stream)) != 1 {
			t.Errorf("%s updates = %d, want 1", stream, counter.get(wire.UpdateEvent(stream)))
		}
	}
}

func TestPollResultsCarryServerTime(t *testing.T) {
	gen := time.Date(2026, 8, 22, 7, 30, 0, 0, time.UTC)
	backend := &fakeBackend{generated: gen}
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	bus := eventbus.New()
	var got wire.StatsUpdate
	var mu sync.Mutex
	bus.Subscribe(wire.EventStatsUpdate, func(p any) {
		mu.Lock()
		defer mu.Unlock()
		got = p.(wire.StatsUpdate)
	})

	s := New(restapi.NewClient(srv.URL, ""), bus, nil)
	if err := s.RefreshOnce(context.Background()); err != nil {
		t.Fatalf("RefreshOnce error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Source != wire.SourcePoll {
		t.Errorf("Source = %q, want poll", got.Source)
	}
	if !got.ReceivedAt.Equal(gen) {
		t.Errorf("ReceivedAt = %v, want server GeneratedAt %v", got.ReceivedAt, gen)
	}
}

func TestInFlightStreamSkipped(t *testing.T) {
	backend := &fakeBackend{generated: time.Now().UTC()}
	block := make(chan struct{})
	backend.mu.Lock()
	backend.statsBlock = block
	backend.mu.Unlock()

	s, _, counter := newTestScheduler(t, backend)

	s.Start(30*time.Millisecond, 0)

	// Several ticks pass while the stats request hangs; the other streams
	// keep refreshing but stats must never issue a second request.
	waitUntil(t, 2*time.Second, "three tools refreshes", func() bool {
		return counter.get(wire.EventToolsUpdate) >= 3
	})

	if hits := backend.statsHits.Load(); hits != 1 {
		t.Errorf("stats requests while one was in flight = %d, want 1", hits)
	}

	close(block)
	waitUntil(t, 2*time.Second, "stats refresh after unblock", func() bool {
		return counter.get(wire.EventStatsUpdate) >= 1
	})
}

func TestStopDiscardsInFlightResults(t *testing.T) {
	backend := &fakeBackend{generated: time.Now().UTC()}
	block := make(chan struct{})
	backend.mu.Lock()
	backend.statsBlock = block
	backend.mu.Unlock()

	s, _, counter := newTestScheduler(t, backend)

	s.Start(time.Hour, 0)
	waitUntil(t, 2*time.Second, "stats request issued", func() bool {
		return backend.statsHits.Load() == 1
	})

	s.Stop()
	close(block) // the hung request now completes

	// Give the in-flight goroutine time to finish; its result must be
	// discarded, not published.
	time.Sleep(100 * time.Millisecond)
	if n := counter.get(wire.EventStatsUpdate); n != 0 {
		t.Errorf("stats updates after Stop = %d, want 0 (result discarded)", n)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	backend := &fakeBackend{generated: time.Now().UTC()}
	s, _, counter := newTestScheduler(t, backend)

	s.Start(20*time.Millisecond, 0)
	s.Start(20*time.Millisecond, 0) // no-op

	waitUntil(t, 2*time.Second, "cycles running", func() bool {
		return counter.total() >= 8
	})

	s.Stop()
	s.Stop() // no-op
	if s.Running() {
		t.Error("Running() = true after Stop")
	}

	// Let any cycle that raced the Stop drain, then expect quiet.
	time.Sleep(50 * time.Millisecond)
	settled := backend.toolsHits.Load()
	time.Sleep(80 * time.Millisecond)
	if now := backend.toolsHits.Load(); now != settled {
		t.Errorf("tools requests kept arriving after Stop: %d -> %d", settled, now)
	}

	// Restart produces exactly one active loop again.
	s.Start(20*time.Millisecond, 0)
	waitUntil(t, 2*time.Second, "cycles after restart", func() bool {
		return backend.toolsHits.Load() > settled
	})
}

func TestPartialFailureIndependence(t *testing.T) {
	backend := &fakeBackend{generated: time.Now().UTC()}
	backend.mu.Lock()
	backend.statsFail = true
	backend.mu.Unlock()

	s, _, counter := newTestScheduler(t, backend)

	err := s.RefreshOnce(context.Background())
	if err == nil {
		t.Fatal("RefreshOnce with failing stats endpoint returned nil error")
	}
	if !strings.Contains(err.Error(), "stats") {
		t.Errorf("error = %v, want the failing stream named", err)
	}

	// The failing fetch must not block the other streams.
	if counter.get(wire.EventStatsUpdate) != 0 {
		t.Error("failed stats fetch still published")
	}
	for _, event := range []string{wire.EventToolsUpdate, wire.EventSessionsUpdate, wire.EventTasksUpdate} {
		if counter.get(event) != 1 {
			t.Errorf("%s updates = %d, want 1", event, counter.get(event))
		}
	}
}
