// Package callback turns child-session completion into parent-resume runs.
package callback

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/session"
)

// ChildOutcome is one terminated child's result, queued for its parent.
type ChildOutcome struct {
	ChildID string
	Result  string
	Failed  bool
	Error   string
}

// ResumeLauncher enqueues a resume run for a parent session. Implemented by
// the coordinator; an interface here keeps the processor free of queue
// dependencies.
type ResumeLauncher interface {
	LaunchResume(ctx context.Context, parentSessionID, prompt string) error
}

// Processor delivers child outcomes to parent sessions as resume runs,
// holding at most one resume in flight per parent. Outcomes arriving while
// a parent is busy queue up and flush as a single aggregated resume when
// the parent next terminates.
type Processor struct {
	mu       sync.Mutex
	pending  map[string][]ChildOutcome
	inFlight map[string]struct{}

	launcher ResumeLauncher
	logger   *logger.Logger
}

// NewProcessor creates a callback processor.
func NewProcessor(launcher ResumeLauncher, log *logger.Logger) *Processor {
	return &Processor{
		pending:  make(map[string][]ChildOutcome),
		inFlight: make(map[string]struct{}),
		launcher: launcher,
		logger:   log.WithFields(zap.String("component", "callback-processor")),
	}
}

// OnChildCompleted handles a child session reaching a terminal state. If
// the parent is finished and idle the resume launches immediately;
// otherwise the outcome queues until the parent becomes available.
func (p *Processor) OnChildCompleted(ctx context.Context, parentID string, parentStatus session.Status, outcome ChildOutcome) {
	if outcome.ChildID == parentID {
		p.logger.Warn("Dropping self-loop callback",
			zap.String("session_id", parentID))
		return
	}

	p.mu.Lock()
	if _, busy := p.inFlight[parentID]; busy || parentStatus != session.StatusFinished {
		p.pending[parentID] = append(p.pending[parentID], outcome)
		p.mu.Unlock()
		p.logger.Info("Child outcome queued for busy parent",
			zap.String("parent_session_id", parentID),
			zap.String("child_session_id", outcome.ChildID))
		return
	}
	p.inFlight[parentID] = struct{}{}
	p.mu.Unlock()

	p.deliver(ctx, parentID, []ChildOutcome{outcome})
}

// OnSessionStopped handles any session reaching a terminal state: clears
// the session's in-flight resume flag and flushes queued child outcomes as
// one aggregated resume run.
func (p *Processor) OnSessionStopped(ctx context.Context, sessionID string) {
	p.mu.Lock()
	delete(p.inFlight, sessionID)

	queued := p.pending[sessionID]
	if len(queued) == 0 {
		p.mu.Unlock()
		return
	}
	delete(p.pending, sessionID)
	p.inFlight[sessionID] = struct{}{}
	p.mu.Unlock()

	p.deliver(ctx, sessionID, queued)
}

// deliver launches a resume run outside the lock. On launch failure the
// outcomes re-queue so delivery is lossless; they flush again on the
// parent's next terminal transition.
func (p *Processor) deliver(ctx context.Context, parentID string, outcomes []ChildOutcome) {
	prompt := BuildResumePrompt(outcomes)

	if err := p.launcher.LaunchResume(ctx, parentID, prompt); err != nil {
		p.logger.Error("Failed to launch parent resume, re-queueing outcomes",
			zap.String("parent_session_id", parentID),
			zap.Int("outcomes", len(outcomes)),
			zap.Error(err))
		p.mu.Lock()
		delete(p.inFlight, parentID)
		p.pending[parentID] = append(outcomes, p.pending[parentID]...)
		p.mu.Unlock()
		return
	}

	p.logger.Info("Parent resume launched",
		zap.String("parent_session_id", parentID),
		zap.Int("outcomes", len(outcomes)))
}

// PendingCount returns the number of outcomes queued for a parent.
func (p *Processor) PendingCount(parentID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending[parentID])
}

// ResumeInFlight reports whether a resume run is outstanding for a parent.
func (p *Processor) ResumeInFlight(parentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[parentID]
	return ok
}

// BuildResumePrompt renders the resume prompt for one or more child
// outcomes. The literal template text is a contract with the agents that
// parse it; do not reword.
func BuildResumePrompt(outcomes []ChildOutcome) string {
	if len(outcomes) == 1 {
		o := outcomes[0]
		if o.Failed {
			return fmt.Sprintf("The child agent session \"%s\" has failed.\n\n## Error\n\n%s\n\nPlease handle this failure and continue with the orchestration.",
				o.ChildID, o.Error)
		}
		return fmt.Sprintf("The child agent session \"%s\" has completed.\n\n## Child Result\n\n%s\n\nPlease continue with the orchestration based on this result.",
			o.ChildID, o.Result)
	}

	sections := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		status := "completed"
		text := o.Result
		if o.Failed {
			status = "FAILED"
			text = o.Error
		}
		sections = append(sections, fmt.Sprintf("### Child: %s (%s)\n\n%s", o.ChildID, status, text))
	}
	return fmt.Sprintf("Multiple child agent sessions have completed.\n\n%s\n\nPlease continue with the orchestration based on these results.",
		strings.Join(sections, "\n\n---\n\n"))
}
