package run

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/common/errors"
	"github.com/droverhq/drover/internal/common/ids"
	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/worker"
)

// Queue is the in-memory run queue and matching engine. It holds every
// non-terminal run plus terminal runs inside a short audit window, ordered
// by enqueue time. Matching is FIFO: the first pending run whose demands a
// polling worker satisfies is claimed.
type Queue struct {
	mu       sync.Mutex
	order    []string
	byID     map[string]*Run
	bySession map[string]string // session id -> active (non-terminal) run id

	// notify is closed and replaced whenever the set of pending runs may
	// have grown, waking blocked long-pollers.
	notify chan struct{}

	noMatchTimeout time.Duration
	retention      time.Duration
	logger         *logger.Logger
	now            func() time.Time
}

// NewQueue creates an empty run queue.
func NewQueue(noMatchTimeout, retention time.Duration, log *logger.Logger) *Queue {
	return &Queue{
		byID:           make(map[string]*Run),
		bySession:      make(map[string]string),
		notify:         make(chan struct{}),
		noMatchTimeout: noMatchTimeout,
		retention:      retention,
		logger:         log.WithFields(zap.String("component", "run-queue")),
		now:            time.Now,
	}
}

// Changed returns a channel closed on the next enqueue. Long-pollers select
// on it alongside their timeout.
func (q *Queue) Changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notify
}

func (q *Queue) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// Enqueue accepts a run, minting its id and stamping created_at if unset.
// Runs with demands get a no-match deadline so that demands referencing an
// offline worker eventually surface failure. Returns a copy of the stored
// run. Fails with Conflict if the target session already has an active run.
func (q *Queue) Enqueue(r *Run) (*Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.bySession[r.SessionID]; ok {
		return nil, errors.Conflict(fmt.Sprintf("session %s already has active run %s", r.SessionID, existing))
	}

	if r.ID == "" {
		r.ID = ids.NewRunID()
	}
	if _, ok := q.byID[r.ID]; ok {
		return nil, errors.Conflict(fmt.Sprintf("run %s already exists", r.ID))
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = q.now()
	}
	r.Status = StatusPending
	if !r.Demands.IsEmpty() {
		deadline := r.CreatedAt.Add(q.noMatchTimeout)
		r.NoMatchDeadline = &deadline
	}

	stored := r.clone()
	q.byID[stored.ID] = stored
	q.bySession[stored.SessionID] = stored.ID
	q.order = append(q.order, stored.ID)
	q.wakeLocked()

	q.logger.Info("Run enqueued",
		zap.String("run_id", stored.ID),
		zap.String("session_id", stored.SessionID),
		zap.String("type", string(stored.Type)))
	return stored.clone(), nil
}

// Get returns a copy of a run still known to the queue.
func (q *Queue) Get(runID string) (*Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.byID[runID]
	if !ok {
		return nil, errors.NotFound("run", runID)
	}
	return r.clone(), nil
}

// ActiveBySession returns the non-terminal run targeting the given session.
func (q *Queue) ActiveBySession(sessionID string) (*Run, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, ok := q.bySession[sessionID]
	if !ok {
		return nil, false
	}
	return q.byID[id].clone(), true
}

// Claim finds the first pending run the worker satisfies and atomically
// claims it. Returns nil when nothing matches.
func (q *Queue) Claim(w *worker.Info) *Run {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		r := q.byID[id]
		if r.Status != StatusPending {
			continue
		}
		if !r.Demands.MatchedBy(w) {
			continue
		}
		now := q.now()
		r.Status = StatusClaimed
		r.WorkerID = w.ID
		r.ClaimedAt = &now
		q.logger.Info("Run claimed",
			zap.String("run_id", r.ID),
			zap.String("worker_id", w.ID))
		return r.clone()
	}
	return nil
}

// ReportStarted records that the owning worker began executing the run.
func (q *Queue) ReportStarted(workerID, runID string) (*Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, err := q.ownedLocked(workerID, runID)
	if err != nil {
		return nil, err
	}
	switch r.Status {
	case StatusClaimed:
		r.Status = StatusRunning
	case StatusStopping:
		// A stop raced the start report; the run stays stopping.
	default:
		return nil, errors.BadState(fmt.Sprintf("run %s is %s, cannot start", runID, r.Status))
	}
	now := q.now()
	r.StartedAt = &now
	return r.clone(), nil
}

// ReportCompleted moves the run to completed.
func (q *Queue) ReportCompleted(workerID, runID string) (*Run, error) {
	return q.finishOwned(workerID, runID, StatusCompleted, "")
}

// ReportFailed moves the run to failed with the worker's error.
func (q *Queue) ReportFailed(workerID, runID, errMsg string) (*Run, error) {
	return q.finishOwned(workerID, runID, StatusFailed, errMsg)
}

// ReportStopped moves the run to stopped.
func (q *Queue) ReportStopped(workerID, runID string) (*Run, error) {
	return q.finishOwned(workerID, runID, StatusStopped, "")
}

func (q *Queue) finishOwned(workerID, runID string, terminal Status, errMsg string) (*Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, err := q.ownedLocked(workerID, runID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, errors.BadState(fmt.Sprintf("run %s already %s", runID, r.Status))
	}
	q.terminateLocked(r, terminal, errMsg)
	return r.clone(), nil
}

func (q *Queue) ownedLocked(workerID, runID string) (*Run, error) {
	r, ok := q.byID[runID]
	if !ok {
		return nil, errors.NotFound("run", runID)
	}
	if r.WorkerID != workerID {
		return nil, errors.Forbidden(fmt.Sprintf("run %s is not owned by worker %s", runID, workerID))
	}
	return r, nil
}

// terminateLocked applies a terminal transition and drops the session index
// entry. The run row stays in byID until the audit window expires.
func (q *Queue) terminateLocked(r *Run, terminal Status, errMsg string) {
	now := q.now()
	r.Status = terminal
	r.CompletedAt = &now
	if errMsg != "" {
		r.Error = errMsg
	}
	delete(q.bySession, r.SessionID)
	q.logger.Info("Run reached terminal state",
		zap.String("run_id", r.ID),
		zap.String("status", string(terminal)),
		zap.String("error", errMsg))
}

// RequestStop drives the stop path for a run:
// pending runs stop immediately (they were never claimed), claimed and
// running runs flip to stopping so the owning worker can be signalled, and
// a repeat stop on a stopping run is an idempotent no-op. Anything else is
// BadState. The returned copy tells the caller whether a stop command must
// be delivered (status stopping, worker id set).
func (q *Queue) RequestStop(runID string) (*Run, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.byID[runID]
	if !ok {
		return nil, errors.NotFound("run", runID)
	}
	switch r.Status {
	case StatusPending:
		q.terminateLocked(r, StatusStopped, "")
	case StatusClaimed, StatusRunning:
		r.Status = StatusStopping
	case StatusStopping:
		// Already stopping; repeat stops succeed without side effects.
	default:
		return nil, errors.BadState(fmt.Sprintf("run %s is %s, cannot stop", runID, r.Status))
	}
	return r.clone(), nil
}

// ExpireNoMatch fails pending runs whose no-match deadline has passed.
// Returns copies of the failed runs.
func (q *Queue) ExpireNoMatch(now time.Time) []*Run {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*Run
	for _, id := range q.order {
		r := q.byID[id]
		if r.Status != StatusPending || r.NoMatchDeadline == nil {
			continue
		}
		if now.Before(*r.NoMatchDeadline) {
			continue
		}
		q.terminateLocked(r, StatusFailed, ErrNoEligibleWorker)
		expired = append(expired, r.clone())
	}
	return expired
}

// FailWorkerRuns fails every claimed or running run owned by a removed
// worker. Returns copies of the failed runs.
func (q *Queue) FailWorkerRuns(workerID string) []*Run {
	q.mu.Lock()
	defer q.mu.Unlock()

	var failed []*Run
	for _, id := range q.order {
		r := q.byID[id]
		if r.WorkerID != workerID {
			continue
		}
		switch r.Status {
		case StatusClaimed, StatusRunning, StatusStopping:
			q.terminateLocked(r, StatusFailed, ErrWorkerLost)
			failed = append(failed, r.clone())
		}
	}
	return failed
}

// Sweep drops terminal runs whose audit window has expired.
func (q *Queue) Sweep(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.order[:0]
	for _, id := range q.order {
		r := q.byID[id]
		if r.Status.Terminal() && r.CompletedAt != nil && now.Sub(*r.CompletedAt) >= q.retention {
			delete(q.byID, id)
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
}

// Depth returns the number of pending runs and the total retained.
func (q *Queue) Depth() (pending, total int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, r := range q.byID {
		if r.Status == StatusPending {
			pending++
		}
	}
	return pending, len(q.byID)
}
