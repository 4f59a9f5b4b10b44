// Package demand computes the worker-matching predicate for a run by
// stacking demand sources in precedence order.
package demand

import (
	"context"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/blueprint"
	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/run"
	"github.com/droverhq/drover/internal/session"
	"github.com/droverhq/drover/internal/worker"
)

// Resolver merges demands from the worker-owned blueprint pin, session
// affinity, blueprint demands, script tags, the blueprint's executor type,
// and caller-supplied extras. Earlier sources win on scalars; tags union.
type Resolver struct {
	blueprints *blueprint.Registry
	workers    *worker.Registry
	store      *session.Store
	logger     *logger.Logger
}

// NewResolver creates a demand resolver.
func NewResolver(blueprints *blueprint.Registry, workers *worker.Registry, store *session.Store, log *logger.Logger) *Resolver {
	return &Resolver{
		blueprints: blueprints,
		workers:    workers,
		store:      store,
		logger:     log.WithFields(zap.String("component", "demand-resolver")),
	}
}

// Resolve computes the demands for a run targeting sessionID. For resumes
// the session's bind-time affinity pins the run to the original host and
// executor profile.
func (r *Resolver) Resolve(ctx context.Context, runType run.Type, sessionID, agentName string, additional run.Demands) (run.Demands, error) {
	var d run.Demands

	var bp *blueprint.Blueprint
	if agentName != "" {
		found, ownerID, ok := r.blueprints.Get(agentName)
		if ok {
			bp = found
			if ownerID != "" {
				// Worker-owned blueprints run only on the owning worker.
				d.OwnerWorkerID = ownerID
				if w, ok := r.workers.Get(ownerID); ok {
					d.MergeFrom(run.Demands{
						Hostname:        w.Hostname,
						ProjectDir:      w.ProjectDir,
						ExecutorProfile: w.ExecutorProfile,
					})
				}
			}
		}
	}

	if runType == run.TypeResumeSession {
		aff, err := r.store.Affinity(ctx, sessionID)
		if err != nil {
			return run.Demands{}, err
		}
		d.MergeFrom(run.Demands{
			Hostname:        aff.Hostname,
			ExecutorProfile: aff.ExecutorProfile,
		})
	}

	if bp != nil {
		d.MergeFrom(bp.Demands)
		if bp.Script != nil {
			d.UnionTags(bp.Script.Tags)
		}
		d.MergeFrom(run.Demands{ExecutorType: bp.EffectiveExecutorType()})
	}
	d.MergeFrom(additional)

	// Every run carries an executor type so it always has at least one
	// demand, and with it a no-match deadline.
	if d.ExecutorType == "" {
		d.ExecutorType = blueprint.TypeAutonomous
	}

	r.logger.Debug("Demands resolved",
		zap.String("session_id", sessionID),
		zap.String("agent_name", agentName),
		zap.Any("demands", d))
	return d, nil
}
