// Package store holds the last known snapshot of every data stream the
// dashboard mirrors. Updates arrive over the bus from both the push
// channel and the polling fallback; the store is source-agnostic and
// keeps whichever update is newest by its server timestamp, breaking
// ties in favor of push. Committed changes are re-announced on the bus
// so views can watch a stream without polling the store.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/bulomi/mcps-one-sub000/eventbus"
	"github.com/bulomi/mcps-one-sub000/telemetry"
	"github.com/bulomi/mcps-one-sub000/wire"
)

// Snapshot is one immutable observation of a stream. Callers must treat
// Value as read-only; the store never mutates a committed value, it only
// replaces it.
type Snapshot[T any] struct {
	Value      T
	ReceivedAt time.Time
	Source     wire.Source
}

type cell[T any] struct {
	mu   sync.RWMutex
	snap Snapshot[T]
	set  bool
}

func (c *cell[T]) get() (Snapshot[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap, c.set
}

// apply commits the update if it is strictly newer than the held
// snapshot, or equally new but delivered over push while the held one
// came from polling.
func (c *cell[T]) apply(v T, at time.Time, src wire.Source) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.set {
		cur := c.snap
		newer := at.After(cur.ReceivedAt)
		tieWin := at.Equal(cur.ReceivedAt) && src == wire.SourcePush && cur.Source == wire.SourcePoll
		if !newer && !tieWin {
			return false
		}
	}
	c.snap = Snapshot[T]{Value: v, ReceivedAt: at, Source: src}
	c.set = true
	return true
}

func (c *cell[T]) lastUpdated() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.ReceivedAt, c.set
}

// Store is the process-wide snapshot holder. One instance is shared by
// every mounted view.
type Store struct {
	bus     *eventbus.Bus
	metrics *telemetry.Metrics

	stats    cell[wire.StatsSummary]
	tools    cell[wire.ToolList]
	sessions cell[wire.SessionList]
	tasks    cell[wire.TaskList]

	subIDs []int64
}

// New creates a store subscribed to the four stream-update events.
func New(bus *eventbus.Bus, metrics *telemetry.Metrics) *Store {
	if metrics == nil {
		metrics = telemetry.Nop()
	}
	s := &Store{bus: bus, metrics: metrics}
	s.subIDs = []int64{
		bus.Subscribe(wire.EventStatsUpdate, s.onStats),
		bus.Subscribe(wire.EventToolsUpdate, s.onTools),
		bus.Subscribe(wire.EventSessionsUpdate, s.onSessions),
		bus.Subscribe(wire.EventTasksUpdate, s.onTasks),
	}
	return s
}

// Close detaches the store from the bus. Held snapshots stay readable.
func (s *Store) Close() {
	for _, id := range s.subIDs {
		s.bus.Unsubscribe(id)
	}
	s.subIDs = nil
}

// Stats returns the current stats snapshot; false if none arrived yet.
func (s *Store) Stats() (Snapshot[wire.StatsSummary], bool) { return s.stats.get() }

// Tools returns the current tool-list snapshot.
func (s *Store) Tools() (Snapshot[wire.ToolList], bool) { return s.tools.get() }

// Sessions returns the current session-list snapshot.
func (s *Store) Sessions() (Snapshot[wire.SessionList], bool) { return s.sessions.get() }

// Tasks returns the current recent-task snapshot.
func (s *Store) Tasks() (Snapshot[wire.TaskList], bool) { return s.tasks.get() }

// LastUpdated returns when a stream last committed a snapshot, for
// staleness indicators. False if the stream has no snapshot.
func (s *Store) LastUpdated(stream wire.Stream) (time.Time, bool) {
	switch stream {
	case wire.StreamStats:
		return s.stats.lastUpdated()
	case wire.StreamTools:
		return s.tools.lastUpdated()
	case wire.StreamSessions:
		return s.sessions.lastUpdated()
	case wire.StreamTasks:
		return s.tasks.lastUpdated()
	}
	return time.Time{}, false
}

// OnChanged subscribes a handler to a stream's committed changes. The
// handler receives the new snapshot. Returns the subscription id; detach
// with Unwatch. Rejected stale updates never fire.
func (s *Store) OnChanged(stream wire.Stream, h eventbus.Handler) int64 {
	return s.bus.Subscribe(wire.ChangedEvent(stream), h)
}

// Unwatch removes a subscription created by OnChanged.
func (s *Store) Unwatch(id int64) {
	s.bus.Unsubscribe(id)
}

func (s *Store) onStats(p any) {
	u, ok := p.(wire.StatsUpdate)
	if !ok {
		return
	}
	if s.commit(s.stats.apply(u.Summary, u.ReceivedAt, u.Source)) {
		snap, _ := s.stats.get()
		s.bus.Publish(wire.ChangedEvent(wire.StreamStats), snap)
	}
}

func (s *Store) onTools(p any) {
	u, ok := p.(wire.ToolsUpdate)
	if !ok {
		return
	}
	if s.commit(s.tools.apply(u.List, u.ReceivedAt, u.Source)) {
		snap, _ := s.tools.get()
		s.bus.Publish(wire.ChangedEvent(wire.StreamTools), snap)
	}
}

func (s *Store) onSessions(p any) {
	u, ok := p.(wire.SessionsUpdate)
	if !ok {
		return
	}
	if s.commit(s.sessions.apply(u.List, u.ReceivedAt, u.Source)) {
		snap, _ := s.sessions.get()
		s.bus.Publish(wire.ChangedEvent(wire.StreamSessions), snap)
	}
}

func (s *Store) onTasks(p any) {
	u, ok := p.(wire.TasksUpdate)
	if !ok {
		return
	}
	if s.commit(s.tasks.apply(u.List, u.ReceivedAt, u.Source)) {
		snap, _ := s.tasks.get()
		s.bus.Publish(wire.ChangedEvent(wire.StreamTasks), snap)
	}
}

func (s *Store) commit(applied bool) bool {
	if applied {
		s.metrics.SnapshotsApplied.Add(context.Background(), 1)
	} else {
		s.metrics.StaleRejected.Add(context.Background(), 1)
	}
	return applied
}
