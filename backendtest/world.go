package backendtest

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/bulomi/mcps-one-sub000/wire"
)

// world is the orchestrator's mutable model: sessions, tools and recent
// tasks. All access goes through the mutex; summaries are derived on read.
type world struct {
	mu       sync.RWMutex
	sessions map[string]wire.SessionRecord
	tools    map[string]wire.ToolRecord
	tasks    []wire.TaskRecord
	started  time.Time
}

func newWorld() *world {
	return &world{
		sessions: make(map[string]wire.SessionRecord),
		tools:    make(map[string]wire.ToolRecord),
		started:  time.Now(),
	}
}

// seed fills the world with a small believable population.
func (w *world) seed() {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	add := func(id string, state wire.SessionState, tools []string, tasks int) {
		w.sessions[id] = wire.SessionRecord{
			ID:             id,
			State:          state,
			CreatedAt:      now.Add(-30 * time.Minute),
			LastActivityAt: now.Add(-time.Minute),
			ToolsInUse:     tools,
			TaskCount:      tasks,
		}
	}
	add("sess-alpha", wire.StateActive, []string{"web-fetch", "code-exec"}, 12)
	add("sess-bravo", wire.StateActive, []string{"vector-search"}, 7)
	add("sess-charlie", wire.StateIdle, nil, 3)
	add("sess-delta", wire.StateHibernating, nil, 21)

	for _, tl := range []wire.ToolRecord{
		{ID: "tool-echo", Name: "echo", Version: "1.0.2", Status: wire.ToolOnline, CallCount: 480},
		{ID: "tool-fetch", Name: "web-fetch", Version: "2.3.0", Status: wire.ToolOnline, CallCount: 1293},
		{ID: "tool-exec", Name: "code-exec", Version: "0.9.1", Status: wire.ToolOnline, CallCount: 77},
		{ID: "tool-search", Name: "vector-search", Version: "1.4.5", Status: wire.ToolOffline, CallCount: 2051},
	} {
		w.tools[tl.ID] = tl
	}

	finished := now.Add(-5 * time.Minute)
	w.tasks = []wire.TaskRecord{
		{ID: "task-001", SessionID: "sess-alpha", Tool: "web-fetch", Status: wire.TaskRunning,
			StartedAt: now.Add(-40 * time.Second)},
		{ID: "task-002", SessionID: "sess-bravo", Tool: "vector-search", Status: wire.TaskCompleted,
			StartedAt: finished.Add(-12 * time.Second), FinishedAt: &finished, DurationMs: 12000},
		{ID: "task-003", SessionID: "sess-charlie", Tool: "echo", Status: wire.TaskFailed,
			StartedAt: finished.Add(-3 * time.Second), FinishedAt: &finished, DurationMs: 3000},
	}
}

func (w *world) sessionList(at time.Time) wire.SessionList {
	w.mu.RLock()
	defer w.mu.RUnlock()
	list := wire.SessionList{GeneratedAt: at}
	for _, s := range w.sessions {
		list.Sessions = append(list.Sessions, s.Clone())
	}
	sort.Slice(list.Sessions, func(i, j int) bool {
		return list.Sessions[i].ID < list.Sessions[j].ID
	})
	return list
}

func (w *world) toolList(at time.Time) wire.ToolList {
	w.mu.RLock()
	defer w.mu.RUnlock()
	list := wire.ToolList{GeneratedAt: at}
	for _, tl := range w.tools {
		list.Tools = append(list.Tools, tl)
	}
	sort.Slice(list.Tools, func(i, j int) bool {
		return list.Tools[i].Name < list.Tools[j].Name
	})
	return list
}

func (w *world) taskList(at time.Time) wire.TaskList {
	w.mu.RLock()
	defer w.mu.RUnlock()
	list := wire.TaskList{GeneratedAt: at}
	list.Tasks = append(list.Tasks, w.tasks...)
	sort.Slice(list.Tasks, func(i, j int) bool {
		return list.Tasks[i].StartedAt.After(list.Tasks[j].StartedAt)
	})
	return list
}

func (w *world) statsSummary(at time.Time) wire.StatsSummary {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s := wire.StatsSummary{
		UptimeSec:   int64(time.Since(w.started).Seconds()),
		GeneratedAt: at,
	}
	for _, sess := range w.sessions {
		s.TotalSessions++
		switch sess.State {
		case wire.StateActive:
			s.ActiveSessions++
		case wire.StateIdle:
			s.IdleSessions++
		case wire.StateHibernating:
			s.HibernatingSessions++
		}
	}
	for _, tl := range w.tools {
		s.TotalTools++
		if tl.Status == wire.ToolOnline {
			s.OnlineTools++
		}
	}
	for _, task := range w.tasks {
		switch task.Status {
		case wire.TaskRunning:
			s.RunningTasks++
		case wire.TaskCompleted:
			s.CompletedTasks++
		case wire.TaskFailed:
			s.FailedTasks++
		}
	}
	s.CPUPercent, s.MemoryPercent = systemLoad()
	return s
}

// systemLoad samples host CPU and memory so the fake orchestrator reports
// numbers that move like the real one's.
func systemLoad() (cpuPct, memPct float64) {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPct = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	}
	return cpuPct, memPct
}

// applyAction performs a lifecycle command. The returned status code mirrors
// the production API: 404 for unknown sessions, 409 for transitions the
// session's state does not allow.
func (w *world) applyAction(id string, action wire.SessionAction) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.sessions[id]
	if !ok {
		return 404, fmt.Errorf("session %s not found", id)
	}

	now := time.Now()
	switch action {
	case wire.ActionWakeUp:
		if s.State != wire.StateHibernating {
			return 409, fmt.Errorf("cannot wake %s session %s", s.State, id)
		}
		s.State = wire.StateIdle
	case wire.ActionHibernate:
		if s.State != wire.StateActive && s.State != wire.StateIdle {
			return 409, fmt.Errorf("cannot hibernate %s session %s", s.State, id)
		}
		s.State = wire.StateHibernating
	case wire.ActionDestroy:
		delete(w.sessions, id)
		return 0, nil
	default:
		return 400, fmt.Errorf("unknown action %q", action)
	}
	s.LastActivityAt = now
	w.sessions[id] = s
	return 0, nil
}

// refill adds count fresh idle sessions and returns their ids.
func (w *world) refill(count int) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id := "sess-" + uuid.NewString()[:8]
		w.sessions[id] = wire.SessionRecord{
			ID:             id,
			State:          wire.StateIdle,
			CreatedAt:      now,
			LastActivityAt: now,
		}
		ids = append(ids, id)
	}
	return ids
}

// cleanup removes expired sessions and prunes finished task records.
func (w *world) cleanup() wire.CleanupResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	var res wire.CleanupResult
	for id, s := range w.sessions {
		if s.State == wire.StateExpired {
			delete(w.sessions, id)
			res.RemovedSessions++
		}
	}
	kept := w.tasks[:0]
	for _, task := range w.tasks {
		if task.Status == wire.TaskRunning {
			kept = append(kept, task)
			continue
		}
		res.PrunedTasks++
	}
	w.tasks = kept
	return res
}

// putSession inserts or replaces a session record.
func (w *world) putSession(s wire.SessionRecord) {
	w.mu.Lock()
	w.sessions[s.ID] = s.Clone()
	w.mu.Unlock()
}

func (w *world) getSession(id string) (wire.SessionRecord, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.sessions[id]
	return s, ok
}

func (w *world) sessionIDs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ids := make([]string, 0, len(w.sessions))
	for id := range w.sessions {
		ids = append(ids, id)
	}
	return ids
}
