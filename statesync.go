// Package statesync keeps the MCPS-One admin dashboard consistent with the
// orchestrator backend. One Core per process owns the push channel, the
// polling fallback, the snapshot store and the session lifecycle controller;
// views subscribe to the bus and read snapshots, they never sync on their
// own.
package statesync

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/bulomi/mcps-one-sub000/config"
	"github.com/bulomi/mcps-one-sub000/conn"
	"github.com/bulomi/mcps-one-sub000/eventbus"
	"github.com/bulomi/mcps-one-sub000/lifecycle"
	"github.com/bulomi/mcps-one-sub000/poll"
	"github.com/bulomi/mcps-one-sub000/restapi"
	"github.com/bulomi/mcps-one-sub000/store"
	"github.com/bulomi/mcps-one-sub000/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Core wires the sync components together and owns their lifetimes.
type Core struct {
	cfg *config.Config

	bus      *eventbus.Bus
	store    *store.Store
	api      *restapi.Client
	conn     *conn.Manager
	poller   *poll.Scheduler
	sessions *lifecycle.Controller
	janitor  *lifecycle.Janitor
	provider *telemetry.Provider

	closed atomic.Bool
}

// pollerFallback binds the scheduler to the connection manager's degraded
// transition with the configured cadence.
type pollerFallback struct {
	poller   *poll.Scheduler
	interval time.Duration
	jitter   time.Duration
}

func (p *pollerFallback) Start() { p.poller.Start(p.interval, p.jitter) }
func (p *pollerFallback) Stop()  { p.poller.Stop() }

// New validates cfg and builds a stopped Core. Call Start to begin syncing
// and Close to tear everything down.
func New(cfg *config.Config) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	pushURL := cfg.PushURL()

	provider, err := telemetry.Init(context.Background(), telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	metrics, err := telemetry.NewMetrics(provider.Meter)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	bus := eventbus.New()
	st := store.New(bus, metrics)
	api := restapi.NewClient(cfg.Server.BaseURL, cfg.Server.Token)
	poller := poll.New(api, bus, metrics)

	manager := conn.New(conn.Config{
		URL:         pushURL,
		Token:       cfg.Server.Token,
		BaseDelay:   cfg.Sync.ReconnectBaseDelay,
		MaxDelay:    cfg.Sync.ReconnectMaxDelay,
		MaxAttempts: cfg.Sync.ReconnectMaxAttempts,
		SlowRetry:   cfg.Sync.DegradedRetryInterval,
	}, bus, &pollerFallback{
		poller:   poller,
		interval: cfg.Sync.PollInterval,
		jitter:   cfg.Sync.PollJitter,
	}, metrics)

	sessions := lifecycle.New(st, bus, api, cfg.Pool, metrics)
	janitor, err := lifecycle.NewJanitor(sessions, cfg.Maintenance)
	if err != nil {
		sessions.Close()
		st.Close()
		return nil, fmt.Errorf("janitor: %w", err)
	}

	return &Core{
		cfg:      cfg,
		bus:      bus,
		store:    st,
		api:      api,
		conn:     manager,
		poller:   poller,
		sessions: sessions,
		janitor:  janitor,
		provider: provider,
	}, nil
}

// Start opens the push channel, starts scheduled maintenance and seeds the
// store with one best-effort REST refresh so views have data before the
// first push frame lands.
func (c *Core) Start(ctx context.Context) {
	log.Printf("statesync: starting against %s", c.cfg.Server.BaseURL)
	c.conn.Connect()
	c.janitor.Start()

	go func() {
		if err := c.poller.RefreshOnce(ctx); err != nil {
			log.Printf("statesync: initial refresh: %v", err)
		}
	}()
}

// Close tears the core down: push channel, poller, janitor, controller,
// store, bus, telemetry. Safe to call more than once.
func (c *Core) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.conn.Disconnect()
	c.poller.Stop()
	c.janitor.Stop()
	c.sessions.Close()
	c.store.Close()
	c.bus.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.provider.Shutdown(ctx); err != nil {
		log.Printf("statesync: telemetry shutdown: %v", err)
	}
}

// Bus is the shared event dispatcher views subscribe on.
func (c *Core) Bus() *eventbus.Bus { return c.bus }

// Store holds the current snapshot per stream.
func (c *Core) Store() *store.Store { return c.store }

// Sessions is the lifecycle controller for session commands and pool state.
func (c *Core) Sessions() *lifecycle.Controller { return c.sessions }

// ConnectionState reports the push channel state.
func (c *Core) ConnectionState() conn.State { return c.conn.State() }

// ConnectionCounters reports push channel health totals.
func (c *Core) ConnectionCounters() conn.Counters { return c.conn.Counters() }

// Refresh forces one polling cycle across all streams, respecting the
// per-stream in-flight guards. Used by pull-to-refresh surfaces.
func (c *Core) Refresh(ctx context.Context) error {
	return c.poller.RefreshOnce(ctx)
}
