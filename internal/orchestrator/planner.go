package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/forgeline/internal/compiler"
	"github.com/fyrsmithlabs/forgeline/internal/gateway"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
	"github.com/fyrsmithlabs/forgeline/internal/retry"
	"github.com/fyrsmithlabs/forgeline/internal/verifier"
)

// QAPlanner asks the qa capability for a functional test plan.
type QAPlanner struct {
	cap    gateway.Capability
	policy retry.Policy
}

func NewQAPlanner(cap gateway.Capability, policy retry.Policy) *QAPlanner {
	return &QAPlanner{cap: cap, policy: policy}
}

// PlanQA implements verifier.QAPlanner. An undecodable plan is a parse
// failure, so the retry policy escalates with the decode error as feedback.
func (p *QAPlanner) PlanQA(ctx context.Context, task pipeline.Task, env compiler.EnvironmentDescriptor) (verifier.Plan, error) {
	var deps []string
	for _, d := range env.Dependencies {
		deps = append(deps, d.Distribution)
	}
	input := render(append(taskSections(task, nil),
		section{"Project files", bullets(env.Files)},
		section{"Entry point", strings.Join(env.Entry, " ")},
		section{"Dependencies", bullets(deps)},
	)...)

	var plan verifier.Plan
	_, err := p.policy.Run(ctx, pipeline.StageQA, nil, func(ctx context.Context, a retry.Attempt) (pipeline.StageResult, error) {
		res, err := invokeStage(ctx, p.cap, pipeline.StageQA, input, a, nil, pipeline.StatusQAReady)
		if err != nil {
			return res, err
		}
		decoded, err := verifier.ParsePlan(res.Payload)
		if err != nil {
			return res, &pipeline.ParseError{Reason: err.Error()}
		}
		plan = decoded
		return res, nil
	})
	if err != nil {
		return verifier.Plan{}, fmt.Errorf("qa plan: %w", err)
	}
	return plan, nil
}
