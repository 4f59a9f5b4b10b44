package run

import "sync"

// StopQueue is the per-worker mailbox of stop commands plus the
// pending-deregister flag. Its signal channel wakes a worker's blocked
// long-poll so stop commands are delivered without waiting for a new run.
type StopQueue struct {
	mu      sync.Mutex
	stops   map[string][]string // worker id -> run ids to stop, FIFO
	dereg   map[string]bool
	signals map[string]chan struct{}
}

// StopSignals is what a worker's poll drains before attempting a match.
type StopSignals struct {
	StopRuns     []string
	Deregistered bool
}

// Empty reports whether there is nothing to deliver.
func (s StopSignals) Empty() bool {
	return len(s.StopRuns) == 0 && !s.Deregistered
}

// NewStopQueue creates an empty stop-command queue.
func NewStopQueue() *StopQueue {
	return &StopQueue{
		stops:   make(map[string][]string),
		dereg:   make(map[string]bool),
		signals: make(map[string]chan struct{}),
	}
}

// PushStop appends a run id to the worker's mailbox and wakes its poll.
func (s *StopQueue) PushStop(workerID, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.stops[workerID] {
		if existing == runID {
			return
		}
	}
	s.stops[workerID] = append(s.stops[workerID], runID)
	s.wakeLocked(workerID)
}

// MarkDeregister flags the worker for deregistration and wakes its poll.
func (s *StopQueue) MarkDeregister(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dereg[workerID] = true
	s.wakeLocked(workerID)
}

// Drain returns and clears any pending signals for the worker.
func (s *StopQueue) Drain(workerID string) StopSignals {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := StopSignals{
		StopRuns:     s.stops[workerID],
		Deregistered: s.dereg[workerID],
	}
	delete(s.stops, workerID)
	delete(s.dereg, workerID)
	return out
}

// Signal returns the channel closed when a signal arrives for the worker.
// Pollers select on it alongside the run queue's change channel.
func (s *StopQueue) Signal(workerID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.signals[workerID]
	if !ok {
		ch = make(chan struct{})
		s.signals[workerID] = ch
	}
	return ch
}

// Forget drops all state for a removed worker.
func (s *StopQueue) Forget(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.stops, workerID)
	delete(s.dereg, workerID)
	delete(s.signals, workerID)
}

func (s *StopQueue) wakeLocked(workerID string) {
	if ch, ok := s.signals[workerID]; ok {
		close(ch)
	}
	s.signals[workerID] = make(chan struct{})
}
