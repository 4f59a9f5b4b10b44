package run

import (
	"github.com/droverhq/drover/internal/worker"
)

// Demands is the predicate a run attaches to itself to constrain which
// workers may claim it. Zero value means "any worker".
type Demands struct {
	Hostname        string   `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	ProjectDir      string   `json:"project_dir,omitempty" yaml:"project_dir,omitempty"`
	ExecutorProfile string   `json:"executor_profile,omitempty" yaml:"executor_profile,omitempty"`
	ExecutorType    string   `json:"executor_type,omitempty" yaml:"executor_type,omitempty"`
	OwnerWorkerID   string   `json:"owner_worker_id,omitempty" yaml:"-"`
	Tags            []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// IsEmpty reports whether no constraint is set.
func (d Demands) IsEmpty() bool {
	return d.Hostname == "" &&
		d.ProjectDir == "" &&
		d.ExecutorProfile == "" &&
		d.ExecutorType == "" &&
		d.OwnerWorkerID == "" &&
		len(d.Tags) == 0
}

func (d Demands) clone() Demands {
	c := d
	c.Tags = append([]string(nil), d.Tags...)
	return c
}

// MergeFrom layers other underneath d: scalar fields already set on d win,
// tags always union. This is the precedence rule the demand resolver relies
// on when stacking sources.
func (d *Demands) MergeFrom(other Demands) {
	if d.Hostname == "" {
		d.Hostname = other.Hostname
	}
	if d.ProjectDir == "" {
		d.ProjectDir = other.ProjectDir
	}
	if d.ExecutorProfile == "" {
		d.ExecutorProfile = other.ExecutorProfile
	}
	if d.ExecutorType == "" {
		d.ExecutorType = other.ExecutorType
	}
	if d.OwnerWorkerID == "" {
		d.OwnerWorkerID = other.OwnerWorkerID
	}
	d.UnionTags(other.Tags)
}

// UnionTags adds tags not already present, preserving order of first sight.
func (d *Demands) UnionTags(tags []string) {
	if len(tags) == 0 {
		return
	}
	seen := make(map[string]struct{}, len(d.Tags))
	for _, t := range d.Tags {
		seen[t] = struct{}{}
	}
	for _, t := range tags {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			d.Tags = append(d.Tags, t)
		}
	}
}

// MatchedBy reports whether worker w satisfies every constraint, including
// the worker's own require_matching_tags policy.
func (d Demands) MatchedBy(w *worker.Info) bool {
	if d.OwnerWorkerID != "" && d.OwnerWorkerID != w.ID {
		return false
	}
	if d.Hostname != "" && d.Hostname != w.Hostname {
		return false
	}
	if d.ProjectDir != "" && d.ProjectDir != w.ProjectDir {
		return false
	}
	if d.ExecutorProfile != "" && d.ExecutorProfile != w.ExecutorProfile {
		return false
	}
	if d.ExecutorType != "" && d.ExecutorType != w.Executor {
		return false
	}
	if !w.HasTags(d.Tags) {
		return false
	}
	// Selective workers only accept runs that ask for at least one of
	// their tags.
	if w.RequireMatchingTags && !w.TagsIntersect(d.Tags) {
		return false
	}
	return true
}
