package blueprint

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/internal/common/logger"
)

// Registry holds the known agent blueprints: file-backed blueprints loaded
// from a directory, and worker-owned blueprints announced at registration.
// Worker-owned names are globally unique across workers; file blueprints
// are shadowed by a worker-owned blueprint of the same name.
type Registry struct {
	mu    sync.RWMutex
	files map[string]*Blueprint
	owned map[string]*ownedEntry

	dir    string
	logger *logger.Logger
}

type ownedEntry struct {
	blueprint *Blueprint
	workerID  string
}

// NewRegistry creates a blueprint registry. dir may be empty, in which case
// only worker-owned blueprints exist.
func NewRegistry(dir string, log *logger.Logger) *Registry {
	return &Registry{
		files:  make(map[string]*Blueprint),
		owned:  make(map[string]*ownedEntry),
		dir:    dir,
		logger: log.WithFields(zap.String("component", "blueprint-registry")),
	}
}

// Get returns the blueprint for name along with the owning worker id, which
// is empty for file-backed blueprints.
func (r *Registry) Get(name string) (*Blueprint, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.owned[name]; ok {
		return entry.blueprint.clone(), entry.workerID, true
	}
	if bp, ok := r.files[name]; ok {
		return bp.clone(), "", true
	}
	return nil, "", false
}

// List returns all known blueprints.
func (r *Registry) List() []*Blueprint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Blueprint, 0, len(r.files)+len(r.owned))
	seen := make(map[string]struct{}, len(r.owned))
	for name, entry := range r.owned {
		seen[name] = struct{}{}
		out = append(out, entry.blueprint.clone())
	}
	for name, bp := range r.files {
		if _, ok := seen[name]; ok {
			continue
		}
		out = append(out, bp.clone())
	}
	return out
}

// RegisterOwned records blueprints owned by a worker. A name owned by a
// different worker fails with AgentNameCollisionError; re-registration by
// the same worker replaces its previous set.
func (r *Registry) RegisterOwned(workerID string, blueprints []*Blueprint) error {
	for _, bp := range blueprints {
		if err := bp.Validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, bp := range blueprints {
		if entry, ok := r.owned[bp.Name]; ok && entry.workerID != workerID {
			return &AgentNameCollisionError{Name: bp.Name, OwnerWorkerID: entry.workerID}
		}
	}

	// Drop the worker's previous set before installing the new one.
	for name, entry := range r.owned {
		if entry.workerID == workerID {
			delete(r.owned, name)
		}
	}
	for _, bp := range blueprints {
		r.owned[bp.Name] = &ownedEntry{blueprint: bp.clone(), workerID: workerID}
	}

	if len(blueprints) > 0 {
		r.logger.Info("Worker-owned blueprints registered",
			zap.String("worker_id", workerID),
			zap.Int("count", len(blueprints)))
	}
	return nil
}

// ReleaseOwned drops every blueprint owned by a removed worker.
func (r *Registry) ReleaseOwned(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, entry := range r.owned {
		if entry.workerID == workerID {
			delete(r.owned, name)
		}
	}
}

// LoadDir reads every yaml file in the registry directory, replacing the
// file-backed blueprint set. Files that fail to parse are logged and
// skipped so one bad file cannot take down the registry.
func (r *Registry) LoadDir() error {
	if r.dir == "" {
		return nil
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}

	loaded := make(map[string]*Blueprint)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("Failed to read blueprint file",
				zap.String("path", path), zap.Error(err))
			continue
		}

		var bp Blueprint
		if err := yaml.Unmarshal(data, &bp); err != nil {
			r.logger.Warn("Failed to parse blueprint file",
				zap.String("path", path), zap.Error(err))
			continue
		}
		if err := bp.Validate(); err != nil {
			r.logger.Warn("Invalid blueprint file",
				zap.String("path", path), zap.Error(err))
			continue
		}
		loaded[bp.Name] = &bp
	}

	r.mu.Lock()
	r.files = loaded
	r.mu.Unlock()

	r.logger.Info("Blueprint directory loaded",
		zap.String("dir", r.dir),
		zap.Int("count", len(loaded)))
	return nil
}

// Watch reloads the blueprint directory when its files change. Events are
// debounced so an editor save burst causes a single reload. Blocks until
// ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return err
	}

	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	var reload <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				reload = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("Blueprint watcher error", zap.Error(err))
		case <-reload:
			timer = nil
			reload = nil
			if err := r.LoadDir(); err != nil {
				r.logger.Warn("Blueprint reload failed", zap.Error(err))
			}
		}
	}
}
