// Package run holds the in-memory run queue, the demand matching rules, and
// the per-worker stop-command queue.
package run

import (
	"time"

	"github.com/droverhq/drover/internal/session"
)

// Type distinguishes fresh sessions from resumes.
type Type string

const (
	TypeStartSession  Type = "start_session"
	TypeResumeSession Type = "resume_session"
)

// Valid reports whether t is a known run type.
func (t Type) Valid() bool {
	return t == TypeStartSession || t == TypeResumeSession
}

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Well-known run failure reasons.
const (
	ErrNoEligibleWorker = "NoEligibleWorker"
	ErrWorkerLost       = "WorkerLost"
)

// Run is one unit of dispatchable work: start or resume a session.
type Run struct {
	ID              string                 `json:"run_id"`
	Type            Type                   `json:"type"`
	SessionID       string                 `json:"session_id"`
	AgentName       string                 `json:"agent_name,omitempty"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
	ProjectDir      string                 `json:"project_dir,omitempty"`
	ParentSessionID string                 `json:"parent_session_id,omitempty"`
	ExecutionMode   session.ExecutionMode  `json:"execution_mode"`
	Demands         Demands                `json:"demands"`
	Status          Status                 `json:"status"`
	WorkerID        string                 `json:"worker_id,omitempty"`
	Error           string                 `json:"error,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	ClaimedAt       *time.Time             `json:"claimed_at,omitempty"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	NoMatchDeadline *time.Time             `json:"no_match_deadline,omitempty"`
}

func (r *Run) clone() *Run {
	c := *r
	c.Demands = r.Demands.clone()
	c.ClaimedAt = cloneTime(r.ClaimedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.NoMatchDeadline = cloneTime(r.NoMatchDeadline)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
