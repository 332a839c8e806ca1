// Package lifecycle mirrors the backend's session lifecycle and issues the
// commands the dashboard may send: wake, hibernate, destroy, pool refill and
// maintenance cleanup. The backend stays authoritative; nothing here mutates
// the mirror directly.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bulomi/mcps-one-sub000/config"
	"github.com/bulomi/mcps-one-sub000/eventbus"
	"github.com/bulomi/mcps-one-sub000/restapi"
	"github.com/bulomi/mcps-one-sub000/store"
	"github.com/bulomi/mcps-one-sub000/telemetry"
	"github.com/bulomi/mcps-one-sub000/wire"
)

const commandTimeout = 10 * time.Second

var (
	// ErrUnknownSession rejects a command whose target is not in the mirror.
	ErrUnknownSession = errors.New("unknown session")
	// ErrInvalidTransition rejects a command that would be a no-op or is
	// impossible from the session's current state.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrRefillInFlight rejects a manual refill while one is outstanding.
	ErrRefillInFlight = errors.New("pool refill already in flight")
)

// Counts is a per-state census of the mirrored session pool.
type Counts struct {
	Active      int
	Idle        int
	Hibernating int
	Expired     int
	Total       int
}

// Pooled is the number of sessions counted against the warm pool target.
func (c Counts) Pooled() int { return c.Active + c.Idle }

// Controller watches the mirrored session list and keeps the warm pool at
// its target size with at most one outstanding refill command.
type Controller struct {
	store   *store.Store
	bus     *eventbus.Bus
	api     *restapi.Client
	pool    config.PoolConfig
	metrics *telemetry.Metrics

	refillInFlight atomic.Bool
	subID          int64
}

// New wires a Controller to the session mirror. It re-evaluates the pool
// deficit on every committed session update.
func New(st *store.Store, bus *eventbus.Bus, api *restapi.Client, pool config.PoolConfig, metrics *telemetry.Metrics) *Controller {
	if metrics == nil {
		metrics = telemetry.Nop()
	}
	c := &Controller{
		store:   st,
		bus:     bus,
		api:     api,
		pool:    pool,
		metrics: metrics,
	}
	c.subID = bus.Subscribe(wire.ChangedEvent(wire.StreamSessions), c.onSessionsChanged)
	return c
}

// Close detaches the controller from the bus.
func (c *Controller) Close() {
	c.bus.Unsubscribe(c.subID)
}

// Session returns the mirrored record for id.
func (c *Controller) Session(id string) (wire.SessionRecord, bool) {
	snap, ok := c.store.Sessions()
	if !ok {
		return wire.SessionRecord{}, false
	}
	for _, s := range snap.Value.Sessions {
		if s.ID == id {
			return s, true
		}
	}
	return wire.SessionRecord{}, false
}

// Counts reports the current census of the mirror.
func (c *Controller) Counts() Counts {
	var n Counts
	snap, ok := c.store.Sessions()
	if !ok {
		return n
	}
	for _, s := range snap.Value.Sessions {
		switch s.State {
		case wire.StateActive:
			n.Active++
		case wire.StateIdle:
			n.Idle++
		case wire.StateHibernating:
			n.Hibernating++
		case wire.StateExpired:
			n.Expired++
		}
		n.Total++
	}
	return n
}

// RefillInFlight reports whether a refill command is outstanding.
func (c *Controller) RefillInFlight() bool {
	return c.refillInFlight.Load()
}

// WakeUp wakes a hibernating session.
func (c *Controller) WakeUp(ctx context.Context, sessionID string) error {
	return c.command(ctx, sessionID, wire.ActionWakeUp)
}

// Hibernate puts an active or idle session to sleep.
func (c *Controller) Hibernate(ctx context.Context, sessionID string) error {
	return c.command(ctx, sessionID, wire.ActionHibernate)
}

// Destroy tears a session down. Expired sessions are already gone and are
// rejected locally.
func (c *Controller) Destroy(ctx context.Context, sessionID string) error {
	return c.command(ctx, sessionID, wire.ActionDestroy)
}

func (c *Controller) command(ctx context.Context, sessionID string, action wire.SessionAction) error {
	rec, ok := c.Session(sessionID)
	if !ok {
		c.metrics.CommandRejects.Add(ctx, 1)
		return fmt.Errorf("session %s: %w", sessionID, ErrUnknownSession)
	}
	if err := checkTransition(rec.State, action); err != nil {
		c.metrics.CommandRejects.Add(ctx, 1)
		return fmt.Errorf("session %s: %w", sessionID, err)
	}
	c.metrics.Commands.Add(ctx, 1)
	return c.api.SessionAction(ctx, sessionID, action, uuid.NewString())
}

// checkTransition rejects commands that cannot change the session's state,
// saving the backend round-trip.
func checkTransition(state wire.SessionState, action wire.SessionAction) error {
	switch action {
	case wire.ActionWakeUp:
		if state == wire.StateHibernating {
			return nil
		}
	case wire.ActionHibernate:
		if state == wire.StateActive || state == wire.StateIdle {
			return nil
		}
	case wire.ActionDestroy:
		if state != wire.StateExpired {
			return nil
		}
	}
	return fmt.Errorf("%s on %s session: %w", action, state, ErrInvalidTransition)
}

// Refill issues a manual pool refill for the current deficit. It shares the
// single-flight guard with automatic refills.
func (c *Controller) Refill(ctx context.Context) error {
	want := c.deficit(c.sessions())
	if want <= 0 {
		return nil
	}
	if !c.refillInFlight.CompareAndSwap(false, true) {
		return ErrRefillInFlight
	}
	defer c.refillInFlight.Store(false)
	c.metrics.RefillCommands.Add(ctx, 1)
	return c.api.PoolRefill(ctx, want, uuid.NewString())
}

// Cleanup asks the backend to purge expired sessions and stale task records.
func (c *Controller) Cleanup(ctx context.Context) (wire.CleanupResult, error) {
	res, err := c.api.Cleanup(ctx)
	if err != nil {
		return wire.CleanupResult{}, err
	}
	log.Printf("lifecycle: cleanup removed %d sessions, pruned %d task records",
		res.RemovedSessions, res.PrunedTasks)
	return res, nil
}

func (c *Controller) sessions() []wire.SessionRecord {
	snap, ok := c.store.Sessions()
	if !ok {
		return nil
	}
	return snap.Value.Sessions
}

func (c *Controller) onSessionsChanged(payload any) {
	snap, ok := payload.(store.Snapshot[wire.SessionList])
	if !ok {
		return
	}
	want := c.deficit(snap.Value.Sessions)
	if want <= 0 {
		return
	}
	if !c.refillInFlight.CompareAndSwap(false, true) {
		// One refill at a time; the next committed update re-evaluates.
		return
	}
	go c.issueRefill(want)
}

// deficit returns how many sessions a refill should request, clamped to the
// concurrency headroom. Expired sessions occupy no slot.
func (c *Controller) deficit(sessions []wire.SessionRecord) int {
	if c.pool.TargetSize <= 0 {
		return 0
	}
	pooled, total := 0, 0
	for _, s := range sessions {
		if s.State.IsTerminal() {
			continue
		}
		total++
		if s.State.InPool() {
			pooled++
		}
	}
	want := c.pool.TargetSize - pooled
	if want <= 0 {
		return 0
	}
	if c.pool.MaxConcurrent > 0 {
		if headroom := c.pool.MaxConcurrent - total; want > headroom {
			want = headroom
		}
	}
	return want
}

func (c *Controller) issueRefill(count int) {
	defer c.refillInFlight.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	c.metrics.RefillCommands.Add(ctx, 1)
	reqID := uuid.NewString()
	if err := c.api.PoolRefill(ctx, count, reqID); err != nil {
		log.Printf("lifecycle: pool refill for %d sessions failed: %v", count, err)
		return
	}
	log.Printf("lifecycle: requested %d warm sessions (request %s)", count, reqID)
}
