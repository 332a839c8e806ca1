// Package wire defines the push-channel envelope, the event names shared
// across the sync core, and the record types mirrored from the MCPS-One
// orchestrator. Types here mirror the backend wire protocol; the backend
// owns every record, the dashboard only reads them.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stream identifies one logical data stream kept in sync with the backend.
type Stream string

const (
	StreamStats    Stream = "stats"
	StreamTools    Stream = "tools"
	StreamSessions Stream = "sessions"
	StreamTasks    Stream = "tasks"
)

// Streams lists every stream in a stable order, used by the polling
// scheduler and the store.
var Streams = []Stream{StreamStats, StreamTools, StreamSessions, StreamTasks}

// Event names published on the bus. Update events use the same string as
// the push envelope's type tag, so push frames republish 1:1.
const (
	EventStatsUpdate    = "stats:update"
	EventToolsUpdate    = "tools:update"
	EventSessionsUpdate = "sessions:update"
	EventTasksUpdate    = "tasks:update"

	EventConnEstablished = "connection:established"
	EventConnLost        = "connection:lost"
	EventConnDegraded    = "connection:degraded"
)

var updateEventForStream = map[Stream]string{
	StreamStats:    EventStatsUpdate,
	StreamTools:    EventToolsUpdate,
	StreamSessions: EventSessionsUpdate,
	StreamTasks:    EventTasksUpdate,
}

var streamForUpdateEvent = map[string]Stream{
	EventStatsUpdate:    StreamStats,
	EventToolsUpdate:    StreamTools,
	EventSessionsUpdate: StreamSessions,
	EventTasksUpdate:    StreamTasks,
}

// UpdateEvent returns the bus event name carrying updates for a stream.
func UpdateEvent(s Stream) string { return updateEventForStream[s] }

// StreamForEvent maps an envelope type tag back to its stream. The second
// return is false for unrecognized tags.
func StreamForEvent(typ string) (Stream, bool) {
	s, ok := streamForUpdateEvent[typ]
	return s, ok
}

// ChangedEvent returns the bus event name the store publishes after it
// commits a new snapshot for a stream.
func ChangedEvent(s Stream) string { return string(s) + ":changed" }

// Source records which path delivered an update.
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// Envelope is the frame format on the push channel.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// ServerTime parses the envelope's ISO-8601 timestamp.
func (e *Envelope) ServerTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("envelope timestamp %q: %w", e.Timestamp, err)
	}
	return t, nil
}

// EncodeEnvelope builds a wire frame for the given type tag and payload.
// The timestamp is formatted as RFC3339 with sub-second precision dropped
// only if the time has none.
func EncodeEnvelope(typ string, payload any, ts time.Time) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(Envelope{
		Type:      typ,
		Payload:   raw,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	})
}

// Update events carried on the bus. One struct per stream so subscribers
// get typed payloads without re-decoding JSON.

// StatsUpdate carries a stats summary plus its delivery metadata.
type StatsUpdate struct {
	Summary    StatsSummary
	ReceivedAt time.Time
	Source     Source
}

// ToolsUpdate carries a tool list plus its delivery metadata.
type ToolsUpdate struct {
	List       ToolList
	ReceivedAt time.Time
	Source     Source
}

// SessionsUpdate carries a session list plus its delivery metadata.
type SessionsUpdate struct {
	List       SessionList
	ReceivedAt time.Time
	Source     Source
}

// TasksUpdate carries a recent-task list plus its delivery metadata.
type TasksUpdate struct {
	List       TaskList
	ReceivedAt time.Time
	Source     Source
}
