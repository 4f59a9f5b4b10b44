package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/common/errors"
	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                  TEXT PRIMARY KEY,
	status              TEXT NOT NULL,
	created_at          TIMESTAMP NOT NULL,
	last_resumed_at     TIMESTAMP,
	project_dir         TEXT NOT NULL DEFAULT '',
	agent_name          TEXT NOT NULL DEFAULT '',
	parent_session_id   TEXT NOT NULL DEFAULT '',
	execution_mode      TEXT NOT NULL DEFAULT 'sync',
	hostname            TEXT NOT NULL DEFAULT '',
	executor_profile    TEXT NOT NULL DEFAULT '',
	executor_session_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sessions_executor_session_id
	ON sessions(executor_session_id);

CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	event_type TEXT NOT NULL,
	timestamp  TIMESTAMP NOT NULL,
	payload    TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_events_session_timestamp
	ON events(session_id, timestamp);
`

// Store persists sessions and their event streams in SQLite. All writes go
// through the single-writer connection; reads use the reader pool.
type Store struct {
	db     *db.DB
	logger *logger.Logger
}

// NewStore creates a session store and applies the schema.
func NewStore(database *db.DB, log *logger.Logger) (*Store, error) {
	if _, err := database.Writer.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply session schema: %w", err)
	}
	return &Store{
		db:     database,
		logger: log.WithFields(zap.String("component", "session-store")),
	}, nil
}

// CreateParams carries the fields set at session creation time.
type CreateParams struct {
	SessionID       string
	CreatedAt       time.Time
	ParentSessionID string
	ProjectDir      string
	AgentName       string
	ExecutionMode   ExecutionMode
}

// Create inserts a new session in status pending. It fails with Conflict on
// a duplicate id and rejects a parent that is missing or would close a
// cycle in the parent forest.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Session, error) {
	if p.SessionID == "" {
		return nil, errors.ValidationError("session_id", "is required")
	}
	mode := p.ExecutionMode
	if mode == "" {
		mode = ModeSync
	}
	if !mode.Valid() {
		return nil, errors.ValidationError("execution_mode", fmt.Sprintf("unknown value %q", mode))
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	if p.ParentSessionID != "" {
		if err := s.checkAcyclic(ctx, p.SessionID, p.ParentSessionID); err != nil {
			return nil, err
		}
	}

	res, err := s.db.Writer.ExecContext(ctx, `
		INSERT INTO sessions (id, status, created_at, project_dir, agent_name, parent_session_id, execution_mode)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM sessions WHERE id = ?)
	`, p.SessionID, StatusPending, createdAt, p.ProjectDir, p.AgentName, p.ParentSessionID, mode, p.SessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errors.Conflict(fmt.Sprintf("session %s already exists", p.SessionID))
	}

	s.logger.Info("Session created",
		zap.String("session_id", p.SessionID),
		zap.String("parent_session_id", p.ParentSessionID))
	return s.Get(ctx, p.SessionID)
}

// checkAcyclic verifies the parent exists and that childID does not appear
// anywhere on the parent's ancestor chain.
func (s *Store) checkAcyclic(ctx context.Context, childID, parentID string) error {
	seen := make(map[string]struct{})
	current := parentID
	for current != "" {
		if current == childID {
			return errors.Conflict(fmt.Sprintf("parent %s would create a cycle with session %s", parentID, childID))
		}
		if _, ok := seen[current]; ok {
			// Existing data already cyclic; refuse to extend it.
			return errors.Conflict(fmt.Sprintf("parent chain of %s contains a cycle", parentID))
		}
		seen[current] = struct{}{}

		var next string
		err := s.db.Reader.GetContext(ctx, &next,
			`SELECT parent_session_id FROM sessions WHERE id = ?`, current)
		if err == sql.ErrNoRows {
			if current == parentID {
				return errors.BadRequest(fmt.Sprintf("parent session %s does not exist", parentID))
			}
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed to walk parent chain")
		}
		current = next
	}
	return nil
}

// BindExecutor records the worker-side identity of a session and moves it
// from pending to running. Rebinding with identical values is a no-op.
func (s *Store) BindExecutor(ctx context.Context, sessionID, executorSessionID, hostname, executorProfile, projectDir string) (*Session, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, errors.BadState(fmt.Sprintf("session %s is %s, cannot bind", sessionID, sess.Status))
	}

	status := sess.Status
	if status == StatusPending {
		status = StatusRunning
	}
	if projectDir == "" {
		projectDir = sess.ProjectDir
	}

	_, err = s.db.Writer.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, executor_session_id = ?, hostname = ?, executor_profile = ?, project_dir = ?
		WHERE id = ?
	`, status, executorSessionID, hostname, executorProfile, projectDir, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to bind executor")
	}

	s.logger.Info("Executor bound",
		zap.String("session_id", sessionID),
		zap.String("executor_session_id", executorSessionID),
		zap.String("hostname", hostname))
	return s.Get(ctx, sessionID)
}

// AppendEvent appends one event to the session's stream. Timestamps are
// clamped to be monotonically non-decreasing per session. A session_stop
// event atomically moves the session to finished.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, eventType EventType, timestamp time.Time, payload json.RawMessage) (*Event, error) {
	if !eventType.Valid() {
		return nil, errors.ValidationError("event_type", fmt.Sprintf("unknown value %q", eventType))
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	tx, err := s.db.Writer.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var status Status
	if err := tx.GetContext(ctx, &status, `SELECT status FROM sessions WHERE id = ?`, sessionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("session", sessionID)
		}
		return nil, errors.Wrap(err, "failed to load session")
	}

	// Select the raw column rather than MAX(): an aggregate loses the
	// TIMESTAMP decltype and the driver hands back a string.
	var last time.Time
	err = tx.GetContext(ctx, &last, `
		SELECT timestamp FROM events
		WHERE session_id = ? ORDER BY timestamp DESC, id DESC LIMIT 1
	`, sessionID)
	if err != nil && err != sql.ErrNoRows {
		return nil, errors.Wrap(err, "failed to load last event time")
	}
	if err == nil && timestamp.Before(last) {
		timestamp = last
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (session_id, event_type, timestamp, payload)
		VALUES (?, ?, ?, ?)
	`, sessionID, eventType, timestamp, string(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to append event")
	}
	eventID, _ := res.LastInsertId()

	if eventType == EventSessionStop && status.CanTransition(StatusFinished) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ? WHERE id = ?`, StatusFinished, sessionID); err != nil {
			return nil, errors.Wrap(err, "failed to finish session")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit event")
	}

	return &Event{
		ID:        eventID,
		SessionID: sessionID,
		EventType: eventType,
		Timestamp: timestamp,
		Payload:   payload,
	}, nil
}

// SetStatus applies a status transition, enforcing the legal transitions.
func (s *Store) SetStatus(ctx context.Context, sessionID string, next Status) (*Session, error) {
	if !next.Valid() {
		return nil, errors.ValidationError("status", fmt.Sprintf("unknown value %q", next))
	}
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == next {
		return sess, nil
	}
	if !sess.Status.CanTransition(next) {
		return nil, errors.BadState(fmt.Sprintf("session %s cannot go %s -> %s", sessionID, sess.Status, next))
	}

	if _, err := s.db.Writer.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`, next, sessionID); err != nil {
		return nil, errors.Wrap(err, "failed to update status")
	}
	sess.Status = next

	s.logger.Info("Session status changed",
		zap.String("session_id", sessionID),
		zap.String("status", string(next)))
	return sess, nil
}

// Reopen puts a session back into pending so a resume run can re-enter the
// bind path, stamping last_resumed_at. Resume acceptance is the one place a
// terminal session legally leaves its terminal state.
func (s *Store) Reopen(ctx context.Context, sessionID string, resumedAt time.Time) (*Session, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if resumedAt.IsZero() {
		resumedAt = time.Now().UTC()
	}

	if _, err := s.db.Writer.ExecContext(ctx, `
		UPDATE sessions SET status = ?, last_resumed_at = ? WHERE id = ?
	`, StatusPending, resumedAt, sessionID); err != nil {
		return nil, errors.Wrap(err, "failed to reopen session")
	}
	sess.Status = StatusPending
	sess.LastResumedAt = &resumedAt

	s.logger.Info("Session reopened for resume", zap.String("session_id", sessionID))
	return sess, nil
}

// resultPayload is the subset of a message event payload the result
// derivation cares about.
type resultPayload struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Result returns the text of the session's most recent assistant message,
// or ok=false when no assistant message exists yet.
func (s *Store) Result(ctx context.Context, sessionID string) (string, bool, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return "", false, err
	}

	var payloads []string
	err := s.db.Reader.SelectContext(ctx, &payloads, `
		SELECT payload FROM events
		WHERE session_id = ? AND event_type = ?
		ORDER BY timestamp DESC, id DESC
	`, sessionID, EventMessage)
	if err != nil {
		return "", false, errors.Wrap(err, "failed to load message events")
	}

	for _, raw := range payloads {
		var p resultPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		if p.Role == "assistant" {
			return p.Text, true, nil
		}
	}
	return "", false, nil
}

// Get returns a single session by id.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	err := s.db.Reader.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE id = ?`, sessionID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("session", sessionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load session")
	}
	return &sess, nil
}

// GetByExecutorSessionID looks a session up by the worker-side framework id.
func (s *Store) GetByExecutorSessionID(ctx context.Context, executorSessionID string) (*Session, error) {
	var sess Session
	err := s.db.Reader.GetContext(ctx, &sess,
		`SELECT * FROM sessions WHERE executor_session_id = ? ORDER BY created_at DESC LIMIT 1`,
		executorSessionID)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("session", executorSessionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load session")
	}
	return &sess, nil
}

// List returns all sessions, most recent first.
func (s *Store) List(ctx context.Context) ([]*Session, error) {
	sessions := []*Session{}
	err := s.db.Reader.SelectContext(ctx, &sessions,
		`SELECT * FROM sessions ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}
	return sessions, nil
}

// Events returns a session's events in append order.
func (s *Store) Events(ctx context.Context, sessionID string) ([]*Event, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	events := []*Event{}
	err := s.db.Reader.SelectContext(ctx, &events, `
		SELECT * FROM events WHERE session_id = ? ORDER BY timestamp ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load events")
	}
	return events, nil
}

// Delete removes a session and, via FK cascade, its events.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	res, err := s.db.Writer.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return errors.Wrap(err, "failed to delete session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("session", sessionID)
	}
	s.logger.Info("Session deleted", zap.String("session_id", sessionID))
	return nil
}

// DeleteAll removes every session and event.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.Writer.ExecContext(ctx, `DELETE FROM sessions`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete sessions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Affinity returns the routing information recorded at bind time.
func (s *Store) Affinity(ctx context.Context, sessionID string) (*Affinity, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Affinity{
		Hostname:          sess.Hostname,
		ProjectDir:        sess.ProjectDir,
		ExecutorProfile:   sess.ExecutorProfile,
		ExecutorSessionID: sess.ExecutorSessionID,
	}, nil
}

// MetadataUpdate carries the PATCH-able session fields. Nil means leave
// unchanged.
type MetadataUpdate struct {
	ProjectDir    *string
	AgentName     *string
	LastResumedAt *time.Time
}

// UpdateMetadata applies a partial metadata update.
func (s *Store) UpdateMetadata(ctx context.Context, sessionID string, upd MetadataUpdate) (*Session, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if upd.ProjectDir != nil {
		sess.ProjectDir = *upd.ProjectDir
	}
	if upd.AgentName != nil {
		sess.AgentName = *upd.AgentName
	}
	if upd.LastResumedAt != nil {
		t := *upd.LastResumedAt
		sess.LastResumedAt = &t
	}

	_, err = s.db.Writer.ExecContext(ctx, `
		UPDATE sessions SET project_dir = ?, agent_name = ?, last_resumed_at = ? WHERE id = ?
	`, sess.ProjectDir, sess.AgentName, sess.LastResumedAt, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update metadata")
	}
	return sess, nil
}

// Reparent reassigns a session's parent edge. The new parent must exist and
// the full ancestor walk must not reach the session itself.
func (s *Store) Reparent(ctx context.Context, sessionID, newParentID string) (*Session, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if newParentID != "" {
		if err := s.checkAcyclic(ctx, sessionID, newParentID); err != nil {
			return nil, err
		}
	}

	if _, err := s.db.Writer.ExecContext(ctx,
		`UPDATE sessions SET parent_session_id = ? WHERE id = ?`, newParentID, sessionID); err != nil {
		return nil, errors.Wrap(err, "failed to reparent session")
	}
	sess.ParentSessionID = newParentID

	s.logger.Info("Session reparented",
		zap.String("session_id", sessionID),
		zap.String("parent_session_id", newParentID))
	return sess, nil
}
