// Package events provides event types and utilities for the coordinator's
// internal notification system. Every state change the realtime stream cares
// about is published on one of these subjects.
package events

// Event types for sessions
const (
	SessionCreated = "session.created"
	SessionUpdated = "session.updated"
	SessionDeleted = "session.deleted"
	SessionEvent   = "session.event" // Base subject for appended session events
)

// Event types for runs
const (
	RunEnqueued     = "run.enqueued"
	RunStateChanged = "run.state_changed"
)

// Event types for workers
const (
	WorkerRegistered   = "worker.registered"
	WorkerStale        = "worker.stale"
	WorkerRemoved      = "worker.removed"
	WorkerDeregistered = "worker.deregistered"
)

// BuildSessionEventSubject creates a session event subject for a specific session.
func BuildSessionEventSubject(sessionID string) string {
	return SessionEvent + "." + sessionID
}

// BuildSessionEventWildcardSubject creates a wildcard subscription for all
// appended session events.
func BuildSessionEventWildcardSubject() string {
	return SessionEvent + ".*"
}

// BuildRunStateSubject creates a run state-change subject for a specific run.
func BuildRunStateSubject(runID string) string {
	return RunStateChanged + "." + runID
}

// BuildRunStateWildcardSubject creates a wildcard subscription for all run
// state changes.
func BuildRunStateWildcardSubject() string {
	return RunStateChanged + ".*"
}
