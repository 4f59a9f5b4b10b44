package callback

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/session"
)

type fakeLauncher struct {
	mu      sync.Mutex
	err     error
	parents []string
	prompts []string
}

func (f *fakeLauncher) LaunchResume(_ context.Context, parentSessionID, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.parents = append(f.parents, parentSessionID)
	f.prompts = append(f.prompts, prompt)
	return nil
}

func (f *fakeLauncher) launched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func TestOnChildCompletedIdleParent(t *testing.T) {
	launcher := &fakeLauncher{}
	p := NewProcessor(launcher, logger.Default())

	p.OnChildCompleted(context.Background(), "s-parent", session.StatusFinished,
		ChildOutcome{ChildID: "s-child", Result: "done"})

	prompts := launcher.launched()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], `"s-child"`)
	assert.True(t, p.ResumeInFlight("s-parent"))
	assert.Zero(t, p.PendingCount("s-parent"))
}

func TestOnChildCompletedBusyParentQueues(t *testing.T) {
	launcher := &fakeLauncher{}
	p := NewProcessor(launcher, logger.Default())
	ctx := context.Background()

	t.Run("running parent queues", func(t *testing.T) {
		p.OnChildCompleted(ctx, "s-parent", session.StatusRunning,
			ChildOutcome{ChildID: "s-c1", Result: "one"})
		assert.Empty(t, launcher.launched())
		assert.Equal(t, 1, p.PendingCount("s-parent"))
	})

	t.Run("second outcome stacks", func(t *testing.T) {
		p.OnChildCompleted(ctx, "s-parent", session.StatusRunning,
			ChildOutcome{ChildID: "s-c2", Failed: true, Error: "boom"})
		assert.Equal(t, 2, p.PendingCount("s-parent"))
	})

	t.Run("parent termination flushes one aggregated resume", func(t *testing.T) {
		p.OnSessionStopped(ctx, "s-parent")

		prompts := launcher.launched()
		require.Len(t, prompts, 1)
		assert.Contains(t, prompts[0], "Multiple child agent sessions have completed.")
		assert.Contains(t, prompts[0], "### Child: s-c1 (completed)")
		assert.Contains(t, prompts[0], "### Child: s-c2 (FAILED)")
		assert.Zero(t, p.PendingCount("s-parent"))
		assert.True(t, p.ResumeInFlight("s-parent"))
	})
}

func TestOnChildCompletedSelfLoopDropped(t *testing.T) {
	launcher := &fakeLauncher{}
	p := NewProcessor(launcher, logger.Default())

	p.OnChildCompleted(context.Background(), "s-1", session.StatusFinished,
		ChildOutcome{ChildID: "s-1", Result: "echo"})

	assert.Empty(t, launcher.launched())
	assert.Zero(t, p.PendingCount("s-1"))
}

func TestDeliverFailureRequeues(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("queue full")}
	p := NewProcessor(launcher, logger.Default())
	ctx := context.Background()

	p.OnChildCompleted(ctx, "s-parent", session.StatusFinished,
		ChildOutcome{ChildID: "s-child", Result: "done"})

	assert.False(t, p.ResumeInFlight("s-parent"), "failed launch releases the in-flight slot")
	assert.Equal(t, 1, p.PendingCount("s-parent"), "outcome survives the failed launch")

	// Launcher recovers; the next terminal transition retries.
	launcher.mu.Lock()
	launcher.err = nil
	launcher.mu.Unlock()

	p.OnSessionStopped(ctx, "s-parent")
	require.Len(t, launcher.launched(), 1)
	assert.Zero(t, p.PendingCount("s-parent"))
}

func TestOnSessionStoppedNoPending(t *testing.T) {
	launcher := &fakeLauncher{}
	p := NewProcessor(launcher, logger.Default())

	p.OnSessionStopped(context.Background(), "s-quiet")
	assert.Empty(t, launcher.launched())
	assert.False(t, p.ResumeInFlight("s-quiet"))
}

func TestBuildResumePrompt(t *testing.T) {
	t.Run("single success", func(t *testing.T) {
		got := BuildResumePrompt([]ChildOutcome{{ChildID: "s-abc", Result: "the answer"}})
		want := "The child agent session \"s-abc\" has completed.\n\n" +
			"## Child Result\n\nthe answer\n\n" +
			"Please continue with the orchestration based on this result."
		assert.Equal(t, want, got)
	})

	t.Run("single failure", func(t *testing.T) {
		got := BuildResumePrompt([]ChildOutcome{{ChildID: "s-abc", Failed: true, Error: "exploded"}})
		want := "The child agent session \"s-abc\" has failed.\n\n" +
			"## Error\n\nexploded\n\n" +
			"Please handle this failure and continue with the orchestration."
		assert.Equal(t, want, got)
	})

	t.Run("aggregate", func(t *testing.T) {
		got := BuildResumePrompt([]ChildOutcome{
			{ChildID: "s-a", Result: "alpha"},
			{ChildID: "s-b", Failed: true, Error: "beta broke"},
		})
		want := "Multiple child agent sessions have completed.\n\n" +
			"### Child: s-a (completed)\n\nalpha\n\n" +
			"---\n\n" +
			"### Child: s-b (FAILED)\n\nbeta broke\n\n" +
			"Please continue with the orchestration based on these results."
		assert.Equal(t, want, got)
	})
}
