package orchestrator

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/forgeline/internal/gateway"
	"github.com/fyrsmithlabs/forgeline/internal/knowledge"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
	"github.com/fyrsmithlabs/forgeline/internal/retry"
)

// Router picks SOLO or TEAM for a task. It never assumes a default: an
// unusable classification is a *pipeline.RoutingError.
type Router struct {
	cap    gateway.Capability
	policy retry.Policy
}

func NewRouter(cap gateway.Capability, policy retry.Policy) *Router {
	return &Router{cap: cap, policy: policy}
}

// ClassifyOption adjusts one classification.
type ClassifyOption func(*classifyCall)

type classifyCall struct {
	lessons []knowledge.Lesson
	observe observer
}

// WithLessons adds recalled lessons to the routing input.
func WithLessons(lessons []knowledge.Lesson) ClassifyOption {
	return func(c *classifyCall) { c.lessons = lessons }
}

func withObserver(observe observer) ClassifyOption {
	return func(c *classifyCall) { c.observe = observe }
}

// Classify asks the route capability for a mode.
func (r *Router) Classify(ctx context.Context, task pipeline.Task, opts ...ClassifyOption) (pipeline.Mode, error) {
	var call classifyCall
	for _, opt := range opts {
		opt(&call)
	}
	input, observe := taskInput(task, call.lessons), call.observe

	res, err := r.policy.Run(ctx, pipeline.StageRoute, nil, func(ctx context.Context, a retry.Attempt) (pipeline.StageResult, error) {
		return invokeStage(ctx, r.cap, pipeline.StageRoute, input, a, observe,
			pipeline.StatusSolo, pipeline.StatusTeam)
	})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return "", err
		}
		return "", &pipeline.RoutingError{Raw: string(res.Status), Err: err}
	}
	switch res.Status {
	case pipeline.StatusSolo:
		return pipeline.ModeSolo, nil
	case pipeline.StatusTeam:
		return pipeline.ModeTeam, nil
	}
	return "", &pipeline.RoutingError{Raw: string(res.Status)}
}
