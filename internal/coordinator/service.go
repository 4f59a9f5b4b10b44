// Package coordinator is the service facade tying the session store, worker
// registry, run queue, stop queue, demand resolver, and callback processor
// together. The HTTP layer talks only to this package.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/blueprint"
	"github.com/droverhq/drover/internal/callback"
	"github.com/droverhq/drover/internal/common/config"
	"github.com/droverhq/drover/internal/common/errors"
	"github.com/droverhq/drover/internal/common/ids"
	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/demand"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/events/bus"
	"github.com/droverhq/drover/internal/run"
	"github.com/droverhq/drover/internal/session"
	"github.com/droverhq/drover/internal/worker"
)

// Service owns the coordinator's in-memory state and drives every state
// transition. Lock order across components is registry, run queue, stop
// queue, callback processor, session store; the service only ever calls
// down that chain.
type Service struct {
	cfg        *config.Config
	store      *session.Store
	blueprints *blueprint.Registry
	workers    *worker.Registry
	queue      *run.Queue
	stopq      *run.StopQueue
	callbacks  *callback.Processor
	resolver   *demand.Resolver
	bus        bus.EventBus
	logger     *logger.Logger
	startedAt  time.Time
}

// NewService wires up a coordinator around the given store, blueprint
// registry, and event bus.
func NewService(cfg *config.Config, store *session.Store, blueprints *blueprint.Registry, eventBus bus.EventBus, log *logger.Logger) *Service {
	workers := worker.NewRegistry(log)
	s := &Service{
		cfg:        cfg,
		store:      store,
		blueprints: blueprints,
		workers:    workers,
		queue:      run.NewQueue(cfg.Queue.NoMatchDeadline(), cfg.Queue.TerminalRetentionDuration(), log),
		stopq:      run.NewStopQueue(),
		resolver:   demand.NewResolver(blueprints, workers, store, log),
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "coordinator")),
		startedAt:  time.Now(),
	}
	s.callbacks = callback.NewProcessor(s, log)
	return s
}

// Store exposes the session store for read-only HTTP handlers.
func (s *Service) Store() *session.Store { return s.store }

// Workers exposes the worker registry snapshot surface.
func (s *Service) Workers() *worker.Registry { return s.workers }

// Blueprints exposes the blueprint registry.
func (s *Service) Blueprints() *blueprint.Registry { return s.blueprints }

// SubmitParams is the request to enqueue a run.
type SubmitParams struct {
	Type              run.Type
	SessionID         string
	AgentName         string
	Parameters        map[string]interface{}
	ProjectDir        string
	ParentSessionID   string
	ExecutionMode     session.ExecutionMode
	AdditionalDemands run.Demands
}

// SubmitRun accepts a run request: creates or reopens the target session,
// resolves demands, and enqueues. Returns the stored run.
func (s *Service) SubmitRun(ctx context.Context, p SubmitParams) (*run.Run, error) {
	if !p.Type.Valid() {
		return nil, errors.ValidationError("type", fmt.Sprintf("unknown run type %q", p.Type))
	}
	mode := p.ExecutionMode
	if mode == "" {
		mode = session.ModeSync
	}
	if !mode.Valid() {
		return nil, errors.ValidationError("execution_mode", fmt.Sprintf("unknown value %q", mode))
	}

	var sess *session.Session
	var err error
	switch p.Type {
	case run.TypeStartSession:
		sessionID := p.SessionID
		if sessionID == "" {
			sessionID = ids.NewSessionID()
		}
		sess, err = s.store.Create(ctx, session.CreateParams{
			SessionID:       sessionID,
			ParentSessionID: p.ParentSessionID,
			ProjectDir:      p.ProjectDir,
			AgentName:       p.AgentName,
			ExecutionMode:   mode,
		})
		if err != nil {
			return nil, err
		}
		s.publish(events.SessionCreated, map[string]interface{}{"session": sess})

	case run.TypeResumeSession:
		if p.SessionID == "" {
			return nil, errors.ValidationError("session_id", "is required for resume_session")
		}
		sess, err = s.store.Get(ctx, p.SessionID)
		if err != nil {
			return nil, err
		}
		if _, busy := s.queue.ActiveBySession(sess.ID); busy {
			return nil, errors.Conflict(fmt.Sprintf("session %s already has an active run", sess.ID))
		}
		sess, err = s.store.Reopen(ctx, sess.ID, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		s.publish(events.SessionUpdated, map[string]interface{}{"session": sess})
	}

	agentName := p.AgentName
	if agentName == "" {
		agentName = sess.AgentName
	}
	demands, err := s.resolver.Resolve(ctx, p.Type, sess.ID, agentName, p.AdditionalDemands)
	if err != nil {
		return nil, err
	}

	r := &run.Run{
		Type:            p.Type,
		SessionID:       sess.ID,
		AgentName:       agentName,
		Parameters:      p.Parameters,
		ProjectDir:      sess.ProjectDir,
		ParentSessionID: sess.ParentSessionID,
		ExecutionMode:   mode,
		Demands:         demands,
	}
	stored, err := s.queue.Enqueue(r)
	if err != nil {
		return nil, err
	}

	s.publish(events.RunEnqueued, map[string]interface{}{"run": stored})
	return stored, nil
}

// LaunchResume enqueues a resume run delivering a callback prompt to a
// parent session. Implements callback.ResumeLauncher.
func (s *Service) LaunchResume(ctx context.Context, parentSessionID, prompt string) error {
	_, err := s.SubmitRun(ctx, SubmitParams{
		Type:          run.TypeResumeSession,
		SessionID:     parentSessionID,
		Parameters:    map[string]interface{}{"prompt": prompt},
		ExecutionMode: session.ModeAsyncCallback,
	})
	return err
}

// GetRun returns a run still known to the queue.
func (s *Service) GetRun(runID string) (*run.Run, error) {
	return s.queue.Get(runID)
}

// StopSession stops whatever run is active for a session. Pending runs stop
// immediately; claimed or running runs get a stop command delivered to
// their worker. Stopping an already-terminal session succeeds without side
// effects.
func (s *Service) StopSession(ctx context.Context, sessionID string) (session.Status, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}

	active, ok := s.queue.ActiveBySession(sessionID)
	if !ok {
		if sess.Status.Terminal() {
			return sess.Status, nil
		}
		// Session live without a queued run: stop it directly.
		updated, err := s.store.SetStatus(ctx, sessionID, session.StatusStopped)
		if err != nil {
			return "", err
		}
		s.publish(events.SessionUpdated, map[string]interface{}{"session": updated})
		s.notifyTerminated(ctx, updated, true, "session was stopped")
		return updated.Status, nil
	}

	stopped, err := s.queue.RequestStop(active.ID)
	if err != nil {
		return "", err
	}
	s.publishRun(stopped)

	switch stopped.Status {
	case run.StatusStopped:
		// Never claimed; no worker to signal.
		s.finalizeRun(ctx, stopped, session.StatusStopped, true, "session was stopped")
		return session.StatusStopped, nil
	case run.StatusStopping:
		s.stopq.PushStop(stopped.WorkerID, stopped.ID)
		if sess.Status.CanTransition(session.StatusStopping) && sess.Status != session.StatusStopping {
			updated, err := s.store.SetStatus(ctx, sessionID, session.StatusStopping)
			if err == nil {
				s.publish(events.SessionUpdated, map[string]interface{}{"session": updated})
			}
		}
		return session.StatusStopping, nil
	}
	return sess.Status, nil
}

// RegisterWorker registers (or reconnects) a worker and its owned
// blueprints. A blueprint name owned by a different worker fails with a
// structured collision error before the slot is touched.
func (s *Service) RegisterWorker(p worker.RegisterParams, owned []*blueprint.Blueprint) (*worker.Info, error) {
	id := ids.WorkerID(p.Hostname, p.ProjectDir, p.ExecutorProfile)

	if err := s.blueprints.RegisterOwned(id, owned); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(owned))
	for _, bp := range owned {
		names = append(names, bp.Name)
	}
	p.OwnedAgents = names

	info, reconnected := s.workers.Register(p)
	s.publish(events.WorkerRegistered, map[string]interface{}{
		"worker":      info,
		"reconnected": reconnected,
	})
	return info, nil
}

// Heartbeat refreshes a worker's liveness.
func (s *Service) Heartbeat(workerID string) error {
	return s.workers.Heartbeat(workerID)
}

// DeregisterWorker flags a worker for graceful removal. The worker learns
// of it on its next poll, which finalizes the removal.
func (s *Service) DeregisterWorker(workerID string) error {
	if err := s.workers.MarkDeregistered(workerID); err != nil {
		return err
	}
	s.stopq.MarkDeregister(workerID)
	return nil
}

// PollResult is what a worker's long-poll returns: at most one of a run to
// execute, stop commands to honor, or a deregistration signal.
type PollResult struct {
	Run          *run.Run
	StopRuns     []string
	Deregistered bool
}

// Empty reports whether the poll timed out with nothing to deliver.
func (p *PollResult) Empty() bool {
	return p.Run == nil && len(p.StopRuns) == 0 && !p.Deregistered
}

// PollWork is the worker long-poll: drain stop signals first, then try to
// claim a matching run, then block until new work, a stop signal, the long
// poll window, or client disconnect.
func (s *Service) PollWork(ctx context.Context, workerID string) (*PollResult, error) {
	w, ok := s.workers.Get(workerID)
	if !ok {
		return nil, errors.NotFound("worker", workerID)
	}
	// A poll is proof of life.
	_ = s.workers.Heartbeat(workerID)

	timer := time.NewTimer(s.cfg.Queue.LongPoll())
	defer timer.Stop()

	for {
		// Snapshot the wake channels before draining and claiming so a
		// push or enqueue landing in between cannot be missed.
		changed := s.queue.Changed()
		stopSig := s.stopq.Signal(workerID)

		if sig := s.stopq.Drain(workerID); !sig.Empty() {
			if sig.Deregistered {
				s.finalizeDeregister(context.WithoutCancel(ctx), workerID)
				return &PollResult{Deregistered: true}, nil
			}
			return &PollResult{StopRuns: sig.StopRuns}, nil
		}

		if r := s.queue.Claim(w); r != nil {
			s.publishRun(r)
			return &PollResult{Run: r}, nil
		}

		select {
		case <-ctx.Done():
			return &PollResult{}, nil
		case <-timer.C:
			return &PollResult{}, nil
		case <-changed:
		case <-stopSig:
		}
	}
}

// finalizeDeregister removes a worker slot after its deregistration signal
// was delivered, failing any runs it still owned.
func (s *Service) finalizeDeregister(ctx context.Context, workerID string) {
	info, ok := s.workers.Remove(workerID)
	if !ok {
		return
	}
	s.blueprints.ReleaseOwned(workerID)
	s.stopq.Forget(workerID)

	for _, r := range s.queue.FailWorkerRuns(workerID) {
		s.publishRun(r)
		s.finalizeRun(ctx, r, session.StatusFailed, true, run.ErrWorkerLost)
	}

	s.publish(events.WorkerDeregistered, map[string]interface{}{"worker": info})
}

// ReportStarted records that a worker began executing its claimed run.
func (s *Service) ReportStarted(ctx context.Context, workerID, runID string) (*run.Run, error) {
	r, err := s.queue.ReportStarted(workerID, runID)
	if err != nil {
		return nil, err
	}
	s.publishRun(r)
	return r, nil
}

// ReportCompleted records a successful run and fires the terminal side
// effects: session finished, callback delivery to the parent.
func (s *Service) ReportCompleted(ctx context.Context, workerID, runID string) (*run.Run, error) {
	r, err := s.queue.ReportCompleted(workerID, runID)
	if err != nil {
		return nil, err
	}
	s.publishRun(r)
	s.finalizeRun(ctx, r, session.StatusFinished, false, "")
	return r, nil
}

// ReportFailed records a failed run.
func (s *Service) ReportFailed(ctx context.Context, workerID, runID, errMsg string) (*run.Run, error) {
	r, err := s.queue.ReportFailed(workerID, runID, errMsg)
	if err != nil {
		return nil, err
	}
	s.publishRun(r)
	s.finalizeRun(ctx, r, session.StatusFailed, true, errMsg)
	return r, nil
}

// ReportStopped records that a worker terminated a run on request.
func (s *Service) ReportStopped(ctx context.Context, workerID, runID string) (*run.Run, error) {
	r, err := s.queue.ReportStopped(workerID, runID)
	if err != nil {
		return nil, err
	}
	s.publishRun(r)
	s.finalizeRun(ctx, r, session.StatusStopped, true, "session was stopped")
	return r, nil
}

// BindSession records the worker-side executor identity on a session.
func (s *Service) BindSession(ctx context.Context, sessionID, executorSessionID, hostname, executorProfile, projectDir string) (*session.Session, error) {
	sess, err := s.store.BindExecutor(ctx, sessionID, executorSessionID, hostname, executorProfile, projectDir)
	if err != nil {
		return nil, err
	}
	s.publish(events.SessionUpdated, map[string]interface{}{"session": sess})
	return sess, nil
}

// AppendEvent appends one event to a session's stream. A session_stop event
// moves the session to finished inside the store; run-level terminal side
// effects wait for the worker's terminal report.
func (s *Service) AppendEvent(ctx context.Context, sessionID string, eventType session.EventType, timestamp time.Time, payload []byte) (*session.Event, error) {
	before, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ev, err := s.store.AppendEvent(ctx, sessionID, eventType, timestamp, payload)
	if err != nil {
		return nil, err
	}

	s.publishTo(events.BuildSessionEventSubject(sessionID), events.SessionEvent, map[string]interface{}{"event": ev})

	if eventType == session.EventSessionStop && !before.Status.Terminal() {
		if after, err := s.store.Get(ctx, sessionID); err == nil {
			s.publish(events.SessionUpdated, map[string]interface{}{"session": after})
		}
	}
	return ev, nil
}

// DeleteSession removes a session and its events, refusing while a run is
// active.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if _, busy := s.queue.ActiveBySession(sessionID); busy {
		return errors.BadState(fmt.Sprintf("session %s has an active run", sessionID))
	}
	if err := s.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	s.publish(events.SessionDeleted, map[string]interface{}{"session_id": sessionID})
	return nil
}

// Status summarizes the coordinator for the status endpoint.
type Status struct {
	UptimeSeconds  int64 `json:"uptime_seconds"`
	PendingRuns    int   `json:"pending_runs"`
	TrackedRuns    int   `json:"tracked_runs"`
	OnlineWorkers  int   `json:"online_workers"`
	StaleWorkers   int   `json:"stale_workers"`
	BusConnected   bool  `json:"bus_connected"`
	BlueprintCount int   `json:"blueprint_count"`
}

// GetStatus returns a point-in-time coordinator summary.
func (s *Service) GetStatus() *Status {
	pending, total := s.queue.Depth()
	online, stale := s.workers.Counts()
	return &Status{
		UptimeSeconds:  int64(time.Since(s.startedAt).Seconds()),
		PendingRuns:    pending,
		TrackedRuns:    total,
		OnlineWorkers:  online,
		StaleWorkers:   stale,
		BusConnected:   s.bus != nil && s.bus.IsConnected(),
		BlueprintCount: len(s.blueprints.List()),
	}
}

// finalizeRun applies the session-side consequences of a terminal run:
// session status, in-flight release, and parent callback. Runs exactly once
// per run termination.
func (s *Service) finalizeRun(ctx context.Context, r *run.Run, target session.Status, failed bool, errMsg string) {
	sess, err := s.store.Get(ctx, r.SessionID)
	if err != nil {
		s.logger.Error("Failed to load session for terminal run",
			zap.String("run_id", r.ID),
			zap.String("session_id", r.SessionID),
			zap.Error(err))
		return
	}

	if !sess.Status.Terminal() && sess.Status.CanTransition(target) {
		updated, err := s.store.SetStatus(ctx, sess.ID, target)
		if err != nil {
			s.logger.Error("Failed to finalize session status",
				zap.String("session_id", sess.ID),
				zap.Error(err))
		} else {
			sess = updated
			s.publish(events.SessionUpdated, map[string]interface{}{"session": sess})
		}
	}

	s.notifyTerminated(ctx, sess, failed, errMsg)
}

// notifyTerminated releases the session's in-flight resume (flushing queued
// child outcomes) and delivers the session's own outcome to its parent.
func (s *Service) notifyTerminated(ctx context.Context, sess *session.Session, failed bool, errMsg string) {
	s.callbacks.OnSessionStopped(ctx, sess.ID)

	if sess.ParentSessionID == "" {
		return
	}
	parent, err := s.store.Get(ctx, sess.ParentSessionID)
	if err != nil {
		s.logger.Warn("Parent session missing, dropping callback",
			zap.String("session_id", sess.ID),
			zap.String("parent_session_id", sess.ParentSessionID))
		return
	}

	outcome := callback.ChildOutcome{ChildID: sess.ID, Failed: failed, Error: errMsg}
	if !failed {
		result, _, err := s.store.Result(ctx, sess.ID)
		if err != nil {
			s.logger.Warn("Failed to derive child result",
				zap.String("session_id", sess.ID),
				zap.Error(err))
		}
		outcome.Result = result
	}
	s.callbacks.OnChildCompleted(ctx, parent.ID, parent.Status, outcome)
}

func (s *Service) publishRun(r *run.Run) {
	s.publishTo(events.BuildRunStateSubject(r.ID), events.RunStateChanged, map[string]interface{}{"run": r})
}

func (s *Service) publish(subject string, data map[string]interface{}) {
	s.publishTo(subject, subject, data)
}

func (s *Service) publishTo(subject, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "coordinator", data)
	if err := s.bus.Publish(context.Background(), subject, evt); err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
