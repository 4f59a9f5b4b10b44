// Package api serves the coordinator's client and worker HTTP surfaces.
package api

import (
	"encoding/json"
	"time"

	"github.com/droverhq/drover/internal/blueprint"
	"github.com/droverhq/drover/internal/run"
	"github.com/droverhq/drover/internal/session"
)

// SubmitRunRequest is the body of POST /runs. Prompt is shorthand for
// parameters {"prompt": ...}.
type SubmitRunRequest struct {
	Type              string                 `json:"type" binding:"required"`
	SessionID         string                 `json:"session_id,omitempty"`
	Prompt            string                 `json:"prompt,omitempty"`
	Parameters        map[string]interface{} `json:"parameters,omitempty"`
	AgentName         string                 `json:"agent_name,omitempty"`
	ProjectDir        string                 `json:"project_dir,omitempty"`
	ParentSessionID   string                 `json:"parent_session_id,omitempty"`
	ExecutionMode     string                 `json:"execution_mode,omitempty"`
	AdditionalDemands run.Demands            `json:"additional_demands,omitempty"`
}

// SubmitRunResponse acknowledges an accepted run.
type SubmitRunResponse struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// StopSessionResponse acknowledges a stop request.
type StopSessionResponse struct {
	OK     bool           `json:"ok"`
	Status session.Status `json:"status"`
}

// DeleteSessionResponse acknowledges a session delete.
type DeleteSessionResponse struct {
	OK      bool   `json:"ok"`
	Deleted string `json:"deleted"`
}

// UpdateMetadataRequest is the PATCH body for session metadata. Absent
// fields are left unchanged.
type UpdateMetadataRequest struct {
	ProjectDir    *string    `json:"project_dir,omitempty"`
	AgentName     *string    `json:"agent_name,omitempty"`
	LastResumedAt *time.Time `json:"last_resumed_at,omitempty"`
}

// ReparentRequest reassigns a session's parent edge. An empty parent id
// detaches the session from its parent.
type ReparentRequest struct {
	ParentSessionID string `json:"parent_session_id"`
}

// RegisterWorkerRequest is the body of POST /worker/register.
type RegisterWorkerRequest struct {
	Hostname            string                 `json:"hostname" binding:"required"`
	ProjectDir          string                 `json:"project_dir"`
	ExecutorProfile     string                 `json:"executor_profile"`
	Executor            string                 `json:"executor"`
	Tags                []string               `json:"tags,omitempty"`
	RequireMatchingTags bool                   `json:"require_matching_tags,omitempty"`
	Agents              []*blueprint.Blueprint `json:"agents,omitempty"`
}

// RegisterWorkerResponse tells the worker its identity and poll contract.
type RegisterWorkerResponse struct {
	WorkerID                 string `json:"worker_id"`
	PollEndpoint             string `json:"poll_endpoint"`
	PollTimeoutSeconds       int    `json:"poll_timeout_seconds"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`
}

// WorkerReportRequest is the shared body for the run report endpoints.
type WorkerReportRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
	Signal   string `json:"signal,omitempty"`
}

// HeartbeatRequest is the body of POST /worker/heartbeat.
type HeartbeatRequest struct {
	WorkerID string `json:"worker_id" binding:"required"`
}

// BindSessionRequest is the worker-initiated session bind.
type BindSessionRequest struct {
	ExecutorSessionID string `json:"executor_session_id" binding:"required"`
	Hostname          string `json:"hostname" binding:"required"`
	ExecutorProfile   string `json:"executor_profile"`
	ProjectDir        string `json:"project_dir,omitempty"`
}

// AppendEventRequest appends one event to a session's stream.
type AppendEventRequest struct {
	EventType string          `json:"event_type" binding:"required"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
