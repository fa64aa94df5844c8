// Package pipeline holds the value types and error taxonomy shared by every
// stage of a forgeline run.
package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// Task is the immutable input of a run.
type Task struct {
	Goal               string   `json:"goal"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

// Validate reports whether the task can start a run.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Goal) == "" {
		return fmt.Errorf("task goal is required")
	}
	return nil
}

// Mode is the routing decision for a run.
type Mode string

const (
	ModeSolo Mode = "SOLO"
	ModeTeam Mode = "TEAM"
)

// Tier selects the capability strength used for a stage call.
type Tier int

const (
	TierStandard Tier = iota
	TierEscalated
)

func (t Tier) String() string {
	switch t {
	case TierStandard:
		return "standard"
	case TierEscalated:
		return "escalated"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Stage names a capability invoked through the gateway.
type Stage string

const (
	StageRoute    Stage = "route"
	StagePlan     Stage = "plan"
	StageGenerate Stage = "generate"
	StageReview   Stage = "review"
	StageCompose  Stage = "compose"
	StageQA       Stage = "qa"
)

// Status is a stage outcome code.
type Status string

const (
	StatusSolo            Status = "SOLO"
	StatusTeam            Status = "TEAM"
	StatusToolsSufficient Status = "TOOLS_SUFFICIENT"
	StatusPlanCreated     Status = "PLAN_CREATED"
	StatusTestsPassed     Status = "TESTS_PASSED"
	StatusTestsFailed     Status = "TESTS_FAILED"
	StatusApproved        Status = "APPROVED"
	StatusRejected        Status = "REJECTED"
	StatusSpecReady       Status = "SPEC_READY"
	StatusQAReady         Status = "QA_READY"
	StatusError           Status = "ERROR"
)

// documentedStatuses lists the codes each stage may legitimately return.
var documentedStatuses = map[Stage][]Status{
	StageRoute:    {StatusSolo, StatusTeam},
	StagePlan:     {StatusToolsSufficient, StatusPlanCreated, StatusError},
	StageGenerate: {StatusTestsPassed, StatusTestsFailed, StatusError},
	StageReview:   {StatusApproved, StatusRejected, StatusError},
	StageCompose:  {StatusSpecReady, StatusError},
	StageQA:       {StatusQAReady, StatusError},
}

// DocumentedStatuses returns the status codes stage may return.
func DocumentedStatuses(stage Stage) []Status {
	return append([]Status(nil), documentedStatuses[stage]...)
}

// NormalizeStatus maps raw onto the documented set for stage. Anything
// outside the set becomes StatusError.
func NormalizeStatus(stage Stage, raw string) Status {
	candidate := Status(strings.ToUpper(strings.TrimSpace(raw)))
	for _, s := range documentedStatuses[stage] {
		if s == candidate {
			return s
		}
	}
	return StatusError
}

// StageResult is one capability call outcome. Never mutated once appended
// to a run's history.
type StageResult struct {
	Stage       Stage     `json:"stage"`
	Attempt     int       `json:"attempt"`
	Tier        Tier      `json:"tier"`
	Status      Status    `json:"status"`
	Payload     string    `json:"payload,omitempty"`
	Diagnostic  string    `json:"diagnostic,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Duration returns how long the call took.
func (r StageResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}
