// Package worker tracks the fleet of registered worker processes, their
// heartbeats, and their lifecycle.
package worker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/common/errors"
	"github.com/droverhq/drover/internal/common/ids"
	"github.com/droverhq/drover/internal/common/logger"
)

// Status describes the liveness of a worker slot.
type Status string

const (
	StatusOnline Status = "online"
	StatusStale  Status = "stale"
)

// Info is the registry's record of one worker.
type Info struct {
	ID                  string    `json:"worker_id"`
	Hostname            string    `json:"hostname"`
	ProjectDir          string    `json:"project_dir"`
	ExecutorProfile     string    `json:"executor_profile"`
	Executor            string    `json:"executor"`
	Tags                []string  `json:"tags,omitempty"`
	RequireMatchingTags bool      `json:"require_matching_tags"`
	OwnedAgents         []string  `json:"owned_agents,omitempty"`
	Status              Status    `json:"status"`
	RegisteredAt        time.Time `json:"registered_at"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
	PendingDeregister   bool      `json:"-"`
}

// HasTags reports whether the worker's tag set is a superset of want.
func (i *Info) HasTags(want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(i.Tags))
	for _, t := range i.Tags {
		have[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

// TagsIntersect reports whether the worker shares at least one tag with want.
func (i *Info) TagsIntersect(want []string) bool {
	have := make(map[string]struct{}, len(i.Tags))
	for _, t := range i.Tags {
		have[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := have[t]; ok {
			return true
		}
	}
	return false
}

func (i *Info) clone() *Info {
	c := *i
	c.Tags = append([]string(nil), i.Tags...)
	c.OwnedAgents = append([]string(nil), i.OwnedAgents...)
	return &c
}

// RegisterParams carries the identity and capabilities a worker announces.
type RegisterParams struct {
	Hostname            string
	ProjectDir          string
	ExecutorProfile     string
	Executor            string
	Tags                []string
	RequireMatchingTags bool
	OwnedAgents         []string
}

// Registry is the in-memory worker registry.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Info
	logger  *logger.Logger
	now     func() time.Time
}

// NewRegistry creates an empty worker registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		workers: make(map[string]*Info),
		logger:  log.WithFields(zap.String("component", "worker-registry")),
		now:     time.Now,
	}
}

// Register inserts a worker slot or refreshes an existing one. The worker id
// is derived from the identity triple, so a restarted worker reconnects to
// its previous slot. Returns the record and whether this was a reconnection.
func (r *Registry) Register(p RegisterParams) (*Info, bool) {
	id := ids.WorkerID(p.Hostname, p.ProjectDir, p.ExecutorProfile)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.workers[id]; ok {
		// Reconnection: same slot, refreshed liveness and capabilities.
		existing.Status = StatusOnline
		existing.LastHeartbeat = now
		existing.PendingDeregister = false
		existing.Executor = p.Executor
		existing.Tags = append([]string(nil), p.Tags...)
		existing.RequireMatchingTags = p.RequireMatchingTags
		existing.OwnedAgents = append([]string(nil), p.OwnedAgents...)
		r.logger.Info("Worker reconnected",
			zap.String("worker_id", id),
			zap.String("hostname", p.Hostname))
		return existing.clone(), true
	}

	info := &Info{
		ID:                  id,
		Hostname:            p.Hostname,
		ProjectDir:          p.ProjectDir,
		ExecutorProfile:     p.ExecutorProfile,
		Executor:            p.Executor,
		Tags:                append([]string(nil), p.Tags...),
		RequireMatchingTags: p.RequireMatchingTags,
		OwnedAgents:         append([]string(nil), p.OwnedAgents...),
		Status:              StatusOnline,
		RegisteredAt:        now,
		LastHeartbeat:       now,
	}
	r.workers[id] = info

	r.logger.Info("Worker registered",
		zap.String("worker_id", id),
		zap.String("hostname", p.Hostname),
		zap.String("executor_profile", p.ExecutorProfile))
	return info.clone(), false
}

// Heartbeat refreshes a worker's liveness timestamp.
func (r *Registry) Heartbeat(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.workers[workerID]
	if !ok {
		return errors.NotFound("worker", workerID)
	}
	info.LastHeartbeat = r.now()
	info.Status = StatusOnline
	return nil
}

// MarkDeregistered flags a worker for graceful removal. The flag is
// delivered through the worker's next poll; Remove finishes the job.
func (r *Registry) MarkDeregistered(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.workers[workerID]
	if !ok {
		return errors.NotFound("worker", workerID)
	}
	info.PendingDeregister = true
	r.logger.Info("Worker marked for deregistration", zap.String("worker_id", workerID))
	return nil
}

// Remove deletes a worker slot. Returns the removed record, if any.
func (r *Registry) Remove(workerID string) (*Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.workers[workerID]
	if !ok {
		return nil, false
	}
	delete(r.workers, workerID)
	r.logger.Info("Worker removed", zap.String("worker_id", workerID))
	return info.clone(), true
}

// Get returns a copy of the worker record.
func (r *Registry) Get(workerID string) (*Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.workers[workerID]
	if !ok {
		return nil, false
	}
	return info.clone(), true
}

// Snapshot returns copies of all worker records.
func (r *Registry) Snapshot() []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Info, 0, len(r.workers))
	for _, info := range r.workers {
		out = append(out, info.clone())
	}
	return out
}

// Counts returns the number of online and stale workers.
func (r *Registry) Counts() (online, stale int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, info := range r.workers {
		if info.Status == StatusOnline {
			online++
		} else {
			stale++
		}
	}
	return online, stale
}

// Sweep flips silent workers to stale and removes long-silent ones.
// Returns copies of the workers staled and removed this pass so the caller
// can notify subscribers and fail the removed workers' runs.
func (r *Registry) Sweep(staleAfter, removeAfter time.Duration) (staled, removed []*Info) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, info := range r.workers {
		silent := now.Sub(info.LastHeartbeat)
		switch {
		case silent >= removeAfter:
			delete(r.workers, id)
			removed = append(removed, info.clone())
			r.logger.Warn("Worker removed after prolonged silence",
				zap.String("worker_id", id),
				zap.Duration("silent", silent))
		case silent >= staleAfter && info.Status == StatusOnline:
			info.Status = StatusStale
			staled = append(staled, info.clone())
			r.logger.Warn("Worker marked stale",
				zap.String("worker_id", id),
				zap.Duration("silent", silent))
		}
	}
	return staled, removed
}
