// Package backendtest runs an in-process MCPS-One orchestrator stand-in:
// the push channel, the four stream endpoints and the lifecycle command
// routes, backed by a seeded in-memory world. Integration tests point a sync
// core at it; the churn generator makes it lively enough for manual runs.
package backendtest

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bulomi/mcps-one-sub000/wire"
)

// Options configures a test orchestrator.
type Options struct {
	// Token, when set, is required on every request: token query parameter,
	// X-MCPS-Token header or Authorization bearer.
	Token string
	// Seed pre-populates sessions, tools and tasks.
	Seed bool
}

// Server is a fake orchestrator listening on a loopback port.
type Server struct {
	world *world
	bc    *broadcaster
	hs    *httptest.Server
	gen   *generator
	token string

	refuse atomic.Bool

	reqMu    sync.Mutex
	seen     map[string]bool
	commands []CommandLog
}

// CommandLog is one lifecycle command the orchestrator received, recorded
// before deduplication so retries are visible to assertions.
type CommandLog struct {
	Action    string
	SessionID string
	Count     int
	RequestID string
}

// New starts the orchestrator. Callers own its lifetime and must Close it.
func New(opts Options) *Server {
	s := &Server{
		world: newWorld(),
		bc:    newBroadcaster(),
		token: opts.Token,
		seen:  make(map[string]bool),
	}
	if opts.Seed {
		s.world.seed()
	}
	s.gen = newGenerator(s)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/stats/summary", s.handleStats)
	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("GET /api/tasks/recent", s.handleTasks)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("POST /api/sessions/{id}/action", s.handleSessionAction)
	mux.HandleFunc("POST /api/pool/refill", s.handlePoolRefill)
	mux.HandleFunc("POST /api/maintenance/cleanup", s.handleCleanup)
	s.hs = httptest.NewServer(mux)
	return s
}

// URL is the REST base URL.
func (s *Server) URL() string { return s.hs.URL }

// PushURL is the WebSocket endpoint.
func (s *Server) PushURL() string {
	return "ws" + strings.TrimPrefix(s.hs.URL, "http") + "/ws"
}

// Close stops churn, severs all clients and shuts the listener down.
func (s *Server) Close() {
	s.gen.stop()
	s.bc.dropAll()
	s.hs.Close()
}

// SetRefuseUpgrades makes /ws answer 503 instead of upgrading, simulating a
// backend whose push channel is down while REST still works.
func (s *Server) SetRefuseUpgrades(v bool) { s.refuse.Store(v) }

// DropClients severs every connected push client without a close frame.
func (s *Server) DropClients() { s.bc.dropAll() }

// ClientCount reports connected push clients.
func (s *Server) ClientCount() int { return s.bc.clientCount() }

// StartChurn begins background world mutation broadcast at the given cadence.
func (s *Server) StartChurn(interval time.Duration) { s.gen.start(interval) }

// StopChurn halts background mutation.
func (s *Server) StopChurn() { s.gen.stop() }

// PutSession inserts or replaces a session without broadcasting.
func (s *Server) PutSession(rec wire.SessionRecord) { s.world.putSession(rec) }

// Session reads a session from the world.
func (s *Server) Session(id string) (wire.SessionRecord, bool) { return s.world.getSession(id) }

// SessionCount reports live sessions in the world.
func (s *Server) SessionCount() int { return len(s.world.sessionIDs()) }

// BroadcastAll pushes all four stream updates stamped at.
func (s *Server) BroadcastAll(at time.Time) {
	s.BroadcastStats(at)
	s.BroadcastTools(at)
	s.BroadcastSessions(at)
	s.BroadcastTasks(at)
}

// BroadcastStats pushes the current stats summary stamped at.
func (s *Server) BroadcastStats(at time.Time) {
	s.push(wire.EventStatsUpdate, s.world.statsSummary(at), at)
}

// BroadcastTools pushes the current tool list stamped at.
func (s *Server) BroadcastTools(at time.Time) {
	s.push(wire.EventToolsUpdate, s.world.toolList(at), at)
}

// BroadcastSessions pushes the current session list stamped at.
func (s *Server) BroadcastSessions(at time.Time) {
	s.push(wire.EventSessionsUpdate, s.world.sessionList(at), at)
}

// BroadcastTasks pushes the current task list stamped at.
func (s *Server) BroadcastTasks(at time.Time) {
	s.push(wire.EventTasksUpdate, s.world.taskList(at), at)
}

// PushSessionList pushes an arbitrary session list with an arbitrary stamp,
// bypassing the world. Useful for stale-delivery scenarios.
func (s *Server) PushSessionList(list wire.SessionList, at time.Time) {
	s.push(wire.EventSessionsUpdate, list, at)
}

// PushStats pushes an arbitrary stats summary with an arbitrary stamp.
func (s *Server) PushStats(sum wire.StatsSummary, at time.Time) {
	s.push(wire.EventStatsUpdate, sum, at)
}

// PushRaw broadcasts raw bytes on the channel, valid envelope or not.
func (s *Server) PushRaw(data []byte) { s.bc.broadcast(data) }

// Commands returns every lifecycle command received so far, oldest first.
func (s *Server) Commands() []CommandLog {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	out := make([]CommandLog, len(s.commands))
	copy(out, s.commands)
	return out
}

func (s *Server) record(cmd CommandLog) {
	s.reqMu.Lock()
	s.commands = append(s.commands, cmd)
	s.reqMu.Unlock()
}

func (s *Server) push(typ string, payload any, at time.Time) {
	data, err := wire.EncodeEnvelope(typ, payload, at)
	if err != nil {
		log.Printf("backendtest: encode %s: %v", typ, err)
		return
	}
	s.bc.broadcast(data)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.refuse.Load() {
		http.Error(w, "push channel unavailable", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("backendtest: upgrade error: %v", err)
		return
	}

	c := s.bc.addClient(conn)
	for _, frame := range s.snapshotFrames(time.Now()) {
		select {
		case c.send <- frame:
		default:
		}
	}

	go func() {
		defer s.bc.removeClient(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// snapshotFrames encodes the current world as one envelope per stream, sent
// to a freshly connected client so it has data before the first broadcast.
func (s *Server) snapshotFrames(at time.Time) [][]byte {
	payloads := []struct {
		typ     string
		payload any
	}{
		{wire.EventStatsUpdate, s.world.statsSummary(at)},
		{wire.EventToolsUpdate, s.world.toolList(at)},
		{wire.EventSessionsUpdate, s.world.sessionList(at)},
		{wire.EventTasksUpdate, s.world.taskList(at)},
	}
	frames := make([][]byte, 0, len(payloads))
	for _, p := range payloads {
		data, err := wire.EncodeEnvelope(p.typ, p.payload, at)
		if err != nil {
			log.Printf("backendtest: encode %s: %v", p.typ, err)
			continue
		}
		frames = append(frames, data)
	}
	return frames
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.world.statsSummary(time.Now()))
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.world.toolList(time.Now()))
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.world.taskList(time.Now()))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.world.sessionList(time.Now()))
}

func (s *Server) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var body struct {
		Action    wire.SessionAction `json:"action"`
		RequestID string             `json:"requestId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s.record(CommandLog{
		Action:    string(body.Action),
		SessionID: r.PathValue("id"),
		RequestID: body.RequestID,
	})
	if s.duplicate(body.RequestID) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	status, err := s.world.applyAction(r.PathValue("id"), body.Action)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	now := time.Now()
	s.BroadcastSessions(now)
	s.BroadcastStats(now)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePoolRefill(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var body struct {
		Count     int    `json:"count"`
		RequestID string `json:"requestId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		http.Error(w, "invalid count", http.StatusBadRequest)
		return
	}
	s.record(CommandLog{Action: "refill", Count: body.Count, RequestID: body.RequestID})
	if s.duplicate(body.RequestID) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ids := s.world.refill(body.Count)
	now := time.Now()
	s.BroadcastSessions(now)
	s.BroadcastStats(now)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"created": ids})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.record(CommandLog{Action: "cleanup"})
	res := s.world.cleanup()
	now := time.Now()
	s.BroadcastSessions(now)
	s.BroadcastTasks(now)
	s.BroadcastStats(now)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// duplicate applies request-id deduplication: a retried command with the
// same id is acknowledged without re-running.
func (s *Server) duplicate(requestID string) bool {
	if requestID == "" {
		return false
	}
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if s.seen[requestID] {
		return true
	}
	s.seen[requestID] = true
	return false
}

func (s *Server) authorize(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.token {
		return true
	}
	if r.Header.Get("X-MCPS-Token") == s.token {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.token
}
