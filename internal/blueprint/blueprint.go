// Package blueprint manages agent blueprints: reusable agent configurations
// loaded from a server-side directory or registered by the worker that owns
// them.
package blueprint

import (
	"fmt"

	"github.com/droverhq/drover/internal/run"
)

// Executor types a blueprint may declare.
const (
	TypeAutonomous = "autonomous"
	TypeProcedural = "procedural"
)

// ScriptRef names a script a blueprint runs, along with the capability tags
// the script adds to the blueprint's demands.
type ScriptRef struct {
	Name string   `json:"name" yaml:"name"`
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Blueprint is a reusable agent configuration. Demand matching consumes its
// demands, executor type, and script tags; everything else is passed through
// to the executing worker.
type Blueprint struct {
	Name         string      `json:"name" yaml:"name"`
	Description  string      `json:"description,omitempty" yaml:"description,omitempty"`
	ExecutorType string      `json:"executor_type,omitempty" yaml:"executor_type,omitempty"`
	SystemPrompt string      `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Demands      run.Demands `json:"demands,omitempty" yaml:"demands,omitempty"`
	Script       *ScriptRef  `json:"script,omitempty" yaml:"script,omitempty"`
}

// EffectiveExecutorType returns the declared executor type, defaulting to
// autonomous.
func (b *Blueprint) EffectiveExecutorType() string {
	if b.ExecutorType == "" {
		return TypeAutonomous
	}
	return b.ExecutorType
}

// Validate checks the shape of a blueprint. Content is not validated.
func (b *Blueprint) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("blueprint name is required")
	}
	if b.ExecutorType != "" && b.ExecutorType != TypeAutonomous && b.ExecutorType != TypeProcedural {
		return fmt.Errorf("blueprint %s: unknown executor_type %q", b.Name, b.ExecutorType)
	}
	if b.Script != nil && b.Script.Name == "" {
		return fmt.Errorf("blueprint %s: script name is required", b.Name)
	}
	return nil
}

func (b *Blueprint) clone() *Blueprint {
	c := *b
	c.Demands.Tags = append([]string(nil), b.Demands.Tags...)
	if b.Script != nil {
		sc := *b.Script
		sc.Tags = append([]string(nil), b.Script.Tags...)
		c.Script = &sc
	}
	return &c
}

// AgentNameCollisionError reports that a worker tried to register a
// blueprint name already owned by a different worker.
type AgentNameCollisionError struct {
	Name          string `json:"agent_name"`
	OwnerWorkerID string `json:"owner_worker_id"`
}

func (e *AgentNameCollisionError) Error() string {
	return fmt.Sprintf("agent blueprint %q is already owned by worker %s", e.Name, e.OwnerWorkerID)
}
