package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionState is the backend's lifecycle state for a pooled session.
type SessionState int

const (
	StateActive SessionState = iota
	StateIdle
	StateHibernating
	StateExpired
)

var stateNames = map[SessionState]string{
	StateActive:      "active",
	StateIdle:        "idle",
	StateHibernating: "hibernating",
	StateExpired:     "expired",
}

var stateFromName = map[string]SessionState{
	"active":      StateActive,
	"idle":        StateIdle,
	"hibernating": StateHibernating,
	"expired":     StateExpired,
}

func (s SessionState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s SessionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SessionState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, ok := stateFromName[name]
	if !ok {
		return fmt.Errorf("unknown session state %q", name)
	}
	*s = v
	return nil
}

// IsTerminal reports whether the state can never transition again.
func (s SessionState) IsTerminal() bool {
	return s == StateExpired
}

// InPool reports whether a session counts toward the warm pool.
func (s SessionState) InPool() bool {
	return s == StateActive || s == StateIdle
}

// SessionRecord mirrors one backend-managed session. The backend is
// authoritative; the dashboard never edits these fields.
type SessionRecord struct {
	ID             string       `json:"id"`
	State          SessionState `json:"state"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastActivityAt time.Time    `json:"lastActivityAt"`
	ExpiresAt      *time.Time   `json:"expiresAt,omitempty"`
	ToolsInUse     []string     `json:"toolsInUse,omitempty"`
	TaskCount      int          `json:"taskCount"`
}

// Clone returns a copy of the record, duplicating pointer and slice fields
// so the copy can be mutated independently of the original.
func (r SessionRecord) Clone() SessionRecord {
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		r.ExpiresAt = &t
	}
	if len(r.ToolsInUse) > 0 {
		tools := make([]string, len(r.ToolsInUse))
		copy(tools, r.ToolsInUse)
		r.ToolsInUse = tools
	}
	return r
}

// ToolStatus is the reported health of one registered tool server.
type ToolStatus string

const (
	ToolOnline  ToolStatus = "online"
	ToolOffline ToolStatus = "offline"
	ToolError   ToolStatus = "error"
)

// ToolRecord mirrors one registered tool server.
type ToolRecord struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Version       string     `json:"version,omitempty"`
	Status        ToolStatus `json:"status"`
	LastInvokedAt *time.Time `json:"lastInvokedAt,omitempty"`
	CallCount     int        `json:"callCount"`
}

// TaskStatus is the progress state of one orchestrated task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskRecord mirrors one recent task routed through the orchestrator.
type TaskRecord struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"sessionId"`
	Tool       string     `json:"tool"`
	Status     TaskStatus `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	DurationMs int64      `json:"durationMs,omitempty"`
}

// StatsSummary is the aggregate dashboard header: session pool makeup,
// tool availability, task throughput, and host load on the orchestrator.
type StatsSummary struct {
	ActiveSessions      int       `json:"activeSessions"`
	IdleSessions        int       `json:"idleSessions"`
	HibernatingSessions int       `json:"hibernatingSessions"`
	TotalSessions       int       `json:"totalSessions"`
	OnlineTools         int       `json:"onlineTools"`
	TotalTools          int       `json:"totalTools"`
	RunningTasks        int       `json:"runningTasks"`
	CompletedTasks      int       `json:"completedTasks"`
	FailedTasks         int       `json:"failedTasks"`
	CPUPercent          float64   `json:"cpuPercent"`
	MemoryPercent       float64   `json:"memoryPercent"`
	UptimeSec           int64     `json:"uptimeSec"`
	GeneratedAt         time.Time `json:"generatedAt"`
}

// SessionList is the sessions-stream payload.
type SessionList struct {
	Sessions    []SessionRecord `json:"sessions"`
	GeneratedAt time.Time       `json:"generatedAt"`
}

// ToolList is the tools-stream payload.
type ToolList struct {
	Tools       []ToolRecord `json:"tools"`
	GeneratedAt time.Time    `json:"generatedAt"`
}

// TaskList is the tasks-stream payload.
type TaskList struct {
	Tasks       []TaskRecord `json:"tasks"`
	GeneratedAt time.Time    `json:"generatedAt"`
}

// SessionAction is an operator command forwarded to the backend.
type SessionAction string

const (
	ActionWakeUp    SessionAction = "wake_up"
	ActionHibernate SessionAction = "hibernate"
	ActionDestroy   SessionAction = "destroy"
)

// CleanupResult is returned by the manual-cleanup endpoint.
type CleanupResult struct {
	RemovedSessions int `json:"removedSessions"`
	PrunedTasks     int `json:"prunedTasks"`
}

