// Package workflows runs pipeline tasks as durable Temporal workflows.
package workflows

import (
	"fmt"
	"strings"
	"time"
)

const (
	// PipelineWorkflowName is the registered workflow type.
	PipelineWorkflowName = "PipelineWorkflow"

	defaultRunTimeout = 30 * time.Minute
)

// PipelineInput is the workflow argument.
type PipelineInput struct {
	Goal               string        // What the generated tool must do
	AcceptanceCriteria []string      // Conditions the delivered module must satisfy
	Timeout            time.Duration // Upper bound for the whole run (default 30m)
}

// Validate checks that all required fields are set.
func (in *PipelineInput) Validate() error {
	if strings.TrimSpace(in.Goal) == "" {
		return fmt.Errorf("Goal is required")
	}
	if in.Timeout < 0 {
		return fmt.Errorf("Timeout must not be negative")
	}
	return nil
}

func (in *PipelineInput) runTimeout() time.Duration {
	if in.Timeout <= 0 {
		return defaultRunTimeout
	}
	return in.Timeout
}

// PipelineResult is the terminal view of a run. Error is scrubbed.
type PipelineResult struct {
	RunID        string   // Orchestrator run id
	Mode         string   // SOLO or TEAM, empty if routing never finished
	State        string   // Terminal state
	Path         []string // States visited in order
	HealingUsed  int      // Self-healing cycles consumed
	Error        string   // Terminal error, empty when DELIVERED
	ArtifactPath string   // Workspace of the delivered module
	Revision     string   // Workspace snapshot revision
	ArchiveURL   string   // Object store location, if archived
}

// Delivered reports whether the run produced a verified module.
func (r *PipelineResult) Delivered() bool { return r.State == "DELIVERED" }
