package run

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/common/errors"
	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/worker"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	return NewQueue(5*time.Minute, 5*time.Minute, logger.Default())
}

func testWorker(id string) *worker.Info {
	return &worker.Info{
		ID:              id,
		Hostname:        "h1",
		ProjectDir:      "/proj",
		ExecutorProfile: "p1",
		Executor:        "autonomous",
		Status:          worker.StatusOnline,
	}
}

func TestQueueEnqueueAndClaim(t *testing.T) {
	q := testQueue(t)

	r, err := q.Enqueue(&Run{Type: TypeStartSession, SessionID: "s-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, StatusPending, r.Status)
	assert.Nil(t, r.NoMatchDeadline, "run without demands should have no deadline")

	w := testWorker("w-1")
	claimed := q.Claim(w)
	require.NotNil(t, claimed)
	assert.Equal(t, r.ID, claimed.ID)
	assert.Equal(t, StatusClaimed, claimed.Status)
	assert.Equal(t, "w-1", claimed.WorkerID)
	assert.NotNil(t, claimed.ClaimedAt)

	assert.Nil(t, q.Claim(w), "claimed run must not be claimable again")
}

func TestQueueClaimFIFO(t *testing.T) {
	q := testQueue(t)

	first, err := q.Enqueue(&Run{Type: TypeStartSession, SessionID: "s-1"})
	require.NoError(t, err)
	_, err = q.Enqueue(&Run{Type: TypeStartSession, SessionID: "s-2"})
	require.NoError(t, err)

	claimed := q.Claim(testWorker("w-1"))
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID, "oldest matching run claims first")
}

func TestQueueDemandMatching(t *testing.T) {
	q := testQueue(t)

	r, err := q.Enqueue(&Run{
		Type:      TypeStartSession,
		SessionID: "s-1",
		Demands:   Demands{Hostname: "other-host"},
	})
	require.NoError(t, err)
	require.NotNil(t, r.NoMatchDeadline, "demanding run gets a no-match deadline")

	assert.Nil(t, q.Claim(testWorker("w-1")), "mismatched hostname must not claim")

	w := testWorker("w-2")
	w.Hostname = "other-host"
	claimed := q.Claim(w)
	require.NotNil(t, claimed)
	assert.Equal(t, r.ID, claimed.ID)
}

func TestQueueDuplicateSessionConflict(t *testing.T) {
	q := testQueue(t)

	_, err := q.Enqueue(&Run{Type: TypeStartSession, SessionID: "s-1"})
	require.NoError(t, err)

	_, err = q.Enqueue(&Run{Type: TypeResumeSession, SessionID: "s-1"})
	assert.True(t, errors.IsConflict(err), "second active run for a session must conflict")
}

func TestQueueReportLifecycle(t *testing.T) {
	q := testQueue(t)
	w := testWorker("w-1")

	r, err := q.Enqueue(&Run{Type: TypeStartSession, SessionID: "s-1"})
	require.NoError(t, err)
	require.NotNil(t, q.Claim(w))

	t.Run("started", func(t *testing.T) {
		updated, err := q.ReportStarted("w-1", r.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, updated.Status)
		assert.NotNil(t, updated.StartedAt)
	})

	t.Run("wrong worker is forbidden", func(t *testing.T) {
		_, err := q.ReportCompleted("w-2", r.ID)
		require.Error(t, err)
		appErr, ok := err.(*errors.AppError)
		require.True(t, ok)
		assert.Equal(t, errors.ErrCodeForbidden, appErr.Code)
	})

	t.Run("completed", func(t *testing.T) {
		updated, err := q.ReportCompleted("w-1", r.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, updated.Status)
		assert.NotNil(t, updated.CompletedAt)
	})

	t.Run("terminal is irrevocable", func(t *testing.T) {
		_, err := q.ReportFailed("w-1", r.ID, "boom")
		assert.True(t, errors.IsBadState(err))
	})

	t.Run("session index is released", func(t *testing.T) {
		_, err := q.Enqueue(&Run{Type: TypeResumeSession, SessionID: "s-1"})
		assert.NoError(t, err, "terminal run frees the session for a new run")
	})
}

func TestQueueRequestStop(t *testing.T) {
	t.Run("pending stops immediately", func(t *testing.T) {
		q := testQueue(t)
		r, err := q.Enqueue(&Run{Type: TypeStartSession, SessionID: "s-1"})
		require.NoError(t, err)

		stopped, err := q.RequestStop(r.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusStopped, stopped.Status)
		assert.Empty(t, stopped.WorkerID, "never-claimed run has no owner")
	})

	t.Run("running goes through stopping", func(t *testing.T) {
		q := testQueue(t)
		r, err := q.Enqueue(&Run{Type: TypeStartSession, SessionID: "s-1"})
		require.NoError(t, err)
		require.NotNil(t, q.Claim(testWorker("w-1")))
		_, err = q.ReportStarted("w-1", r.ID)
		require.NoError(t, err)

		stopping, err := q.RequestStop(r.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusStopping, stopping.Status)
		assert.Equal(t, "w-1", stopping.WorkerID)

		// Re-stop is idempotent.
		again, err := q.RequestStop(r.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusStopping, again.Status)

		final, err := q.ReportStopped("w-1", r.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusStopped, final.Status)

		_, err = q.RequestStop(r.ID)
		assert.True(t, errors.IsBadState(err), "stop after terminal is BadState")
	})
}

func TestQueueExpireNoMatch(t *testing.T) {
	q := testQueue(t)

	r, err := q.Enqueue(&Run{
		Type:      TypeStartSession,
		SessionID: "s-1",
		Demands:   Demands{Hostname: "nowhere"},
	})
	require.NoError(t, err)

	assert.Empty(t, q.ExpireNoMatch(time.Now()), "deadline not reached yet")

	expired := q.ExpireNoMatch(time.Now().Add(10 * time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, r.ID, expired[0].ID)
	assert.Equal(t, StatusFailed, expired[0].Status)
	assert.Equal(t, ErrNoEligibleWorker, expired[0].Error)
}

func TestQueueFailWorkerRuns(t *testing.T) {
	q := testQueue(t)
	w := testWorker("w-1")

	r1, err := q.Enqueue(&Run{Type: TypeStartSession, SessionID: "s-1"})
	require.NoError(t, err)
	require.NotNil(t, q.Claim(w))
	_, err = q.ReportStarted("w-1", r1.ID)
	require.NoError(t, err)

	_, err = q.Enqueue(&Run{Type: TypeStartSession, SessionID: "s-2"})
	require.NoError(t, err)

	failed := q.FailWorkerRuns("w-1")
	require.Len(t, failed, 1)
	assert.Equal(t, r1.ID, failed[0].ID)
	assert.Equal(t, ErrWorkerLost, failed[0].Error)

	pending, total := q.Depth()
	assert.Equal(t, 1, pending, "unclaimed run is untouched")
	assert.Equal(t, 2, total)
}

func TestQueueSweepDropsOldTerminalRuns(t *testing.T) {
	q := NewQueue(5*time.Minute, time.Minute, logger.Default())

	r, err := q.Enqueue(&Run{Type: TypeStartSession, SessionID: "s-1"})
	require.NoError(t, err)
	require.NotNil(t, q.Claim(testWorker("w-1")))
	_, err = q.ReportCompleted("w-1", r.ID)
	require.NoError(t, err)

	q.Sweep(time.Now())
	_, err = q.Get(r.ID)
	assert.NoError(t, err, "terminal run stays within the audit window")

	q.Sweep(time.Now().Add(2 * time.Minute))
	_, err = q.Get(r.ID)
	assert.True(t, errors.IsNotFound(err), "terminal run purged after the audit window")
}

func TestQueueChangedWakes(t *testing.T) {
	q := testQueue(t)

	ch := q.Changed()
	select {
	case <-ch:
		t.Fatal("change channel fired before any enqueue")
	default:
	}

	_, err := q.Enqueue(&Run{Type: TypeStartSession, SessionID: "s-1"})
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("enqueue did not wake the change channel")
	}
}
