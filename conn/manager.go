// Package conn maintains the single WebSocket push channel shared by every
// dashboard view. It owns the reconnect schedule, downgrades to polling when
// the backend stays unreachable, and republishes decoded frames on the event
// bus.
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bulomi/mcps-one-sub000/eventbus"
	"github.com/bulomi/mcps-one-sub000/telemetry"
	"github.com/bulomi/mcps-one-sub000/wire"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// State is the lifecycle of the push channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

var stateNames = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateDegraded:     "degraded",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Fallback is the polling scheduler the manager drives: started when the
// channel degrades, stopped when push resumes.
type Fallback interface {
	Start()
	Stop()
}

// Counters exposes channel health totals for status views.
type Counters struct {
	MalformedFrames int64
	Reconnects      int64
	LastConnectedAt time.Time
}

// Config carries the dial target and retry tuning for a Manager.
type Config struct {
	// URL is the push endpoint, ws:// or wss://.
	URL   string
	Token string

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// SlowRetry is the fixed probe interval used once the channel is degraded.
	SlowRetry time.Duration
}

// Manager owns the push channel. All views share one Manager; none dial on
// their own.
type Manager struct {
	cfg      Config
	bus      *eventbus.Bus
	fallback Fallback
	metrics  *telemetry.Metrics

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	writeMu      sync.Mutex
	attempts     int
	gen          int
	retryTimer   *time.Timer
	pollerActive bool
	lastConnect  time.Time

	malformed  atomic.Int64
	reconnects atomic.Int64
}

// New builds a Manager publishing to bus. fallback may be nil when no polling
// scheduler is wired (the degraded transition still happens, it just has
// nothing to start).
func New(cfg Config, bus *eventbus.Bus, fallback Fallback, metrics *telemetry.Metrics) *Manager {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 6
	}
	if cfg.SlowRetry <= 0 {
		cfg.SlowRetry = time.Minute
	}
	if metrics == nil {
		metrics = telemetry.Nop()
	}
	return &Manager{
		cfg:      cfg,
		bus:      bus,
		fallback: fallback,
		metrics:  metrics,
		state:    StateDisconnected,
	}
}

// State reports the current channel state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Counters reports malformed-frame and reconnect totals.
func (m *Manager) Counters() Counters {
	m.mu.Lock()
	last := m.lastConnect
	m.mu.Unlock()
	return Counters{
		MalformedFrames: m.malformed.Load(),
		Reconnects:      m.reconnects.Load(),
		LastConnectedAt: last,
	}
}

// Connect opens the push channel. Calling it while a connection is open or
// being established is a no-op, so any number of views may request it. In
// the degraded state it forces an immediate probe instead of waiting for the
// next slow retry.
func (m *Manager) Connect() {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateConnected:
		m.mu.Unlock()
		return
	case StateDegraded:
		if m.retryTimer != nil {
			m.retryTimer.Stop()
		}
	default:
		m.state = StateConnecting
	}
	g := m.gen
	m.mu.Unlock()

	go m.dial(g)
}

// Disconnect closes the channel deliberately. No reconnect is scheduled and
// the polling fallback is torn down with it.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	c := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.attempts = 0
	stopPoller := m.pollerActive
	m.pollerActive = false
	m.mu.Unlock()

	if c != nil {
		m.writeMu.Lock()
		c.SetWriteDeadline(time.Now().Add(writeTimeout))
		c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		c.Close()
	}
	if stopPoller && m.fallback != nil {
		m.fallback.Stop()
	}
}

func (m *Manager) dial(g int) {
	target := m.cfg.URL
	if m.cfg.Token != "" {
		v := url.Values{}
		v.Set("token", m.cfg.Token)
		target += "?" + v.Encode()
	}

	c, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		m.handleDisconnect(g, fmt.Errorf("dial %s: %w", m.cfg.URL, err))
		return
	}

	m.mu.Lock()
	if m.gen != g || m.conn != nil {
		m.mu.Unlock()
		c.Close()
		return
	}
	m.conn = c
	m.state = StateConnected
	m.attempts = 0
	m.lastConnect = time.Now()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	stopPoller := m.pollerActive
	m.pollerActive = false
	m.mu.Unlock()

	log.Printf("conn: channel established (%s)", m.cfg.URL)
	m.bus.Publish(wire.EventConnEstablished, nil)
	if stopPoller && m.fallback != nil {
		m.fallback.Stop()
	}

	go m.readLoop(g, c)
	go m.pingLoop(g, c)
}

func (m *Manager) readLoop(g int, c *websocket.Conn) {
	c.SetReadDeadline(time.Now().Add(pongTimeout))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			m.handleDisconnect(g, err)
			return
		}
		m.dispatch(data)
	}
}

func (m *Manager) pingLoop(g int, c *websocket.Conn) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()

	for range t.C {
		m.mu.Lock()
		stale := m.gen != g || m.conn != c
		m.mu.Unlock()
		if stale {
			return
		}

		m.writeMu.Lock()
		c.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := c.WriteMessage(websocket.PingMessage, nil)
		m.writeMu.Unlock()
		if err != nil {
			// Read side notices the dead conn and drives the reconnect.
			return
		}
	}
}

// dispatch decodes one push frame and republishes it on the bus. Malformed
// frames are dropped and counted, never fatal to the channel.
func (m *Manager) dispatch(data []byte) {
	m.metrics.FramesReceived.Add(context.Background(), 1)

	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.dropFrame("bad frame: %v", err)
		return
	}
	stream, ok := wire.StreamForEvent(env.Type)
	if !ok {
		m.dropFrame("unknown frame type %q", env.Type)
		return
	}
	ts, err := env.ServerTime()
	if err != nil {
		m.dropFrame("bad timestamp on %s frame: %v", env.Type, err)
		return
	}

	switch stream {
	case wire.StreamStats:
		var s wire.StatsSummary
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			m.dropFrame("bad stats payload: %v", err)
			return
		}
		m.bus.Publish(env.Type, wire.StatsUpdate{Summary: s, ReceivedAt: ts, Source: wire.SourcePush})
	case wire.StreamTools:
		var l wire.ToolList
		if err := json.Unmarshal(env.Payload, &l); err != nil {
			m.dropFrame("bad tools payload: %v", err)
			return
		}
		m.bus.Publish(env.Type, wire.ToolsUpdate{List: l, ReceivedAt: ts, Source: wire.SourcePush})
	case wire.StreamSessions:
		var l wire.SessionList
		if err := json.Unmarshal(env.Payload, &l); err != nil {
			m.dropFrame("bad sessions payload: %v", err)
			return
		}
		m.bus.Publish(env.Type, wire.SessionsUpdate{List: l, ReceivedAt: ts, Source: wire.SourcePush})
	case wire.StreamTasks:
		var l wire.TaskList
		if err := json.Unmarshal(env.Payload, &l); err != nil {
			m.dropFrame("bad tasks payload: %v", err)
			return
		}
		m.bus.Publish(env.Type, wire.TasksUpdate{List: l, ReceivedAt: ts, Source: wire.SourcePush})
	}
}

func (m *Manager) dropFrame(format string, args ...any) {
	m.malformed.Add(1)
	m.metrics.MalformedFrames.Add(context.Background(), 1)
	log.Printf("conn: dropping frame, "+format, args...)
}

// handleDisconnect runs once per lost connection or failed dial. It decides
// between another backoff retry and the degraded transition.
func (m *Manager) handleDisconnect(g int, err error) {
	m.mu.Lock()
	if m.gen != g {
		// Deliberate Disconnect already tore this generation down.
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	wasConnected := m.state == StateConnected
	degraded := m.state == StateDegraded
	if !degraded {
		m.state = StateConnecting
	}
	m.attempts++
	attempts := m.attempts
	m.mu.Unlock()

	if wasConnected {
		m.bus.Publish(wire.EventConnLost, err)
	}

	if degraded {
		m.scheduleRedial(g, m.cfg.SlowRetry)
		return
	}
	if attempts > m.cfg.MaxAttempts {
		m.degrade(g, err)
		return
	}

	delay := backoffDelay(attempts, m.cfg.BaseDelay, m.cfg.MaxDelay)
	m.reconnects.Add(1)
	m.metrics.Reconnects.Add(context.Background(), 1)
	log.Printf("conn: channel lost: %v (retry %d/%d in %v)", err, attempts, m.cfg.MaxAttempts, delay)
	m.scheduleRedial(g, delay)
}

// degrade gives up on fast reconnects: polling takes over while slow probes
// keep testing whether the backend came back.
func (m *Manager) degrade(g int, err error) {
	m.mu.Lock()
	if m.gen != g {
		m.mu.Unlock()
		return
	}
	m.state = StateDegraded
	startPoller := !m.pollerActive
	m.pollerActive = true
	m.mu.Unlock()

	log.Printf("conn: channel degraded after %d attempts: %v (polling takes over, probing every %v)",
		m.cfg.MaxAttempts, err, m.cfg.SlowRetry)
	m.metrics.DegradedEntries.Add(context.Background(), 1)
	m.bus.Publish(wire.EventConnDegraded, err)
	if startPoller && m.fallback != nil {
		m.fallback.Start()
	}
	m.scheduleRedial(g, m.cfg.SlowRetry)
}

func (m *Manager) scheduleRedial(g int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != g {
		return
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = time.AfterFunc(d, func() {
		m.mu.Lock()
		if m.gen != g || m.conn != nil {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.dial(g)
	})
}
