// Package session persists agent sessions and their event streams.
package session

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusFinished, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusStopping, StatusStopped, StatusFinished, StatusFailed:
		return true
	}
	return false
}

// allowedTransitions enumerates the legal status moves. Terminal states
// absorb: no transitions out.
var allowedTransitions = map[Status][]Status{
	StatusPending:  {StatusRunning, StatusStopping, StatusStopped, StatusFailed},
	StatusRunning:  {StatusStopping, StatusStopped, StatusFinished, StatusFailed},
	StatusStopping: {StatusStopped, StatusFinished, StatusFailed},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	for _, allowed := range allowedTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// ExecutionMode describes how the caller consumes a session's outcome.
type ExecutionMode string

const (
	ModeSync          ExecutionMode = "sync"
	ModeAsyncPoll     ExecutionMode = "async_poll"
	ModeAsyncCallback ExecutionMode = "async_callback"
)

// Valid reports whether m is a known execution mode.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeSync, ModeAsyncPoll, ModeAsyncCallback:
		return true
	}
	return false
}

// EventType classifies session events.
type EventType string

const (
	EventSessionStart EventType = "session_start"
	EventMessage      EventType = "message"
	EventToolUse      EventType = "tool_use"
	EventToolResult   EventType = "tool_result"
	EventSessionStop  EventType = "session_stop"
	EventError        EventType = "error"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventSessionStart, EventMessage, EventToolUse, EventToolResult, EventSessionStop, EventError:
		return true
	}
	return false
}

// Session is the persisted record of one agent session.
type Session struct {
	ID                string        `json:"session_id" db:"id"`
	Status            Status        `json:"status" db:"status"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
	LastResumedAt     *time.Time    `json:"last_resumed_at,omitempty" db:"last_resumed_at"`
	ProjectDir        string        `json:"project_dir,omitempty" db:"project_dir"`
	AgentName         string        `json:"agent_name,omitempty" db:"agent_name"`
	ParentSessionID   string        `json:"parent_session_id,omitempty" db:"parent_session_id"`
	ExecutionMode     ExecutionMode `json:"execution_mode" db:"execution_mode"`
	Hostname          string        `json:"hostname,omitempty" db:"hostname"`
	ExecutorProfile   string        `json:"executor_profile,omitempty" db:"executor_profile"`
	ExecutorSessionID string        `json:"executor_session_id,omitempty" db:"executor_session_id"`
}

// Event is one append-only entry in a session's event stream.
type Event struct {
	ID        int64           `json:"id" db:"id"`
	SessionID string          `json:"session_id" db:"session_id"`
	EventType EventType       `json:"event_type" db:"event_type"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty" db:"payload"`
}

// Affinity is the routing information recorded when a worker binds a session.
// Resume runs are pinned back to the same host and executor profile.
type Affinity struct {
	Hostname          string `json:"hostname,omitempty"`
	ProjectDir        string `json:"project_dir,omitempty"`
	ExecutorProfile   string `json:"executor_profile,omitempty"`
	ExecutorSessionID string `json:"executor_session_id,omitempty"`
}
