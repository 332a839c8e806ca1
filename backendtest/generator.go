package backendtest

import (
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bulomi/mcps-one-sub000/wire"
)

const maxTaskHistory = 50

// generator mutates the world on a ticker and broadcasts the results, so a
// dashboard pointed at the fake sees sessions churning, tasks finishing and
// counters moving.
type generator struct {
	s *Server

	started atomic.Bool
	mu      sync.Mutex
	quit    chan struct{}
}

func newGenerator(s *Server) *generator {
	return &generator{s: s}
}

func (g *generator) start(interval time.Duration) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if !g.started.CompareAndSwap(false, true) {
		return
	}
	quit := make(chan struct{})
	g.mu.Lock()
	g.quit = quit
	g.mu.Unlock()
	go g.run(interval, quit)
}

func (g *generator) stop() {
	if !g.started.CompareAndSwap(true, false) {
		return
	}
	g.mu.Lock()
	close(g.quit)
	g.mu.Unlock()
}

func (g *generator) run(interval time.Duration, quit chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			tick++
			g.advance(tick)
			g.s.BroadcastAll(time.Now())
		}
	}
}

// advance plays one beat of orchestrator life.
func (g *generator) advance(tick int) {
	w := g.s.world
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]string, 0, len(w.sessions))
	for id := range w.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Idle sessions pick up work, active ones wind down.
	for i, id := range ids {
		s := w.sessions[id]
		if (tick+i)%4 != 0 {
			continue
		}
		switch s.State {
		case wire.StateIdle:
			s.State = wire.StateActive
		case wire.StateActive:
			s.State = wire.StateIdle
		default:
			continue
		}
		s.LastActivityAt = now
		w.sessions[id] = s
	}

	// Occasionally a hibernating session ages out.
	if tick%17 == 0 {
		for _, id := range ids {
			s := w.sessions[id]
			if s.State != wire.StateHibernating {
				continue
			}
			exp := now
			s.State = wire.StateExpired
			s.ExpiresAt = &exp
			w.sessions[id] = s
			break
		}
	}

	// Finish a running task now and then.
	for i := range w.tasks {
		t := &w.tasks[i]
		if t.Status != wire.TaskRunning {
			continue
		}
		if rand.IntN(3) == 0 {
			fin := now
			t.FinishedAt = &fin
			t.DurationMs = fin.Sub(t.StartedAt).Milliseconds()
			t.Status = wire.TaskCompleted
			if rand.IntN(10) == 0 {
				t.Status = wire.TaskFailed
			}
		}
		break
	}

	// Start a new task on an active session with an online tool.
	if tick%2 == 0 {
		sid := ""
		for _, id := range ids {
			if w.sessions[id].State == wire.StateActive {
				sid = id
				break
			}
		}
		toolID := ""
		toolIDs := make([]string, 0, len(w.tools))
		for id := range w.tools {
			toolIDs = append(toolIDs, id)
		}
		sort.Strings(toolIDs)
		for _, id := range toolIDs {
			if w.tools[id].Status == wire.ToolOnline {
				toolID = id
				break
			}
		}
		if sid != "" && toolID != "" {
			tl := w.tools[toolID]
			w.tasks = append(w.tasks, wire.TaskRecord{
				ID:        "task-" + uuid.NewString()[:8],
				SessionID: sid,
				Tool:      tl.Name,
				Status:    wire.TaskRunning,
				StartedAt: now,
			})
			sess := w.sessions[sid]
			sess.TaskCount++
			sess.LastActivityAt = now
			w.sessions[sid] = sess

			inv := now
			tl.CallCount++
			tl.LastInvokedAt = &inv
			w.tools[toolID] = tl
		}
	}

	// Keep task history bounded, oldest finished first.
	if len(w.tasks) > maxTaskHistory {
		kept := w.tasks[:0]
		drop := len(w.tasks) - maxTaskHistory
		for _, t := range w.tasks {
			if drop > 0 && t.Status != wire.TaskRunning {
				drop--
				continue
			}
			kept = append(kept, t)
		}
		w.tasks = kept
	}
}
