// Package retry bounds stage attempts and escalates the capability tier.
//
// For a single stage invocation the policy counts failed attempts. While the
// count is below EscalationThreshold the next attempt keeps the current tier;
// from the threshold on it uses pipeline.TierEscalated; once the count reaches
// MaxAttempts the stage fails with *pipeline.StageExhausted. Escalation never
// reverts within an invocation.
//
// Structural failures (see pipeline.IsStructural) add their diagnostic to the
// attempt feedback and move the next attempt to the escalated tier at once,
// since repeating the identical call would reproduce the identical output.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
)

// Attempt describes one call the policy is about to make.
type Attempt struct {
	Number   int
	Tier     pipeline.Tier
	Feedback []string
}

// Func performs one attempt. A nil error is success.
type Func func(ctx context.Context, a Attempt) (pipeline.StageResult, error)

// Policy is safe to share between runs; it keeps no state between calls.
type Policy struct {
	MaxAttempts         int
	EscalationThreshold int
	Delay               time.Duration

	// OnRetry, when set, is called after a failed attempt that will be retried.
	OnRetry func(ctx context.Context, stage pipeline.Stage, failed Attempt, next Attempt, err error)
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.EscalationThreshold < 1 {
		return fmt.Errorf("escalation threshold must be >= 1, got %d", p.EscalationThreshold)
	}
	if p.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	return nil
}

// Run calls fn until it succeeds, the context ends, or attempts run out.
// The seed feedback is passed to the first attempt unchanged.
func (p Policy) Run(ctx context.Context, stage pipeline.Stage, seed []string, fn Func) (pipeline.StageResult, error) {
	if err := p.Validate(); err != nil {
		return pipeline.StageResult{}, err
	}

	current := Attempt{Number: 1, Tier: pipeline.TierStandard, Feedback: append([]string(nil), seed...)}
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			return pipeline.StageResult{}, err
		}

		res, err := fn(ctx, current)
		if err == nil {
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return res, err
		}

		failures++
		if failures >= p.MaxAttempts {
			return res, &pipeline.StageExhausted{Stage: stage, Attempts: failures, Last: err}
		}

		next := Attempt{
			Number:   current.Number + 1,
			Tier:     current.Tier,
			Feedback: current.Feedback,
		}
		if diag := feedbackFor(err); diag != "" {
			next.Feedback = append(append([]string(nil), current.Feedback...), diag)
		}
		if failures >= p.EscalationThreshold || pipeline.IsStructural(err) {
			next.Tier = pipeline.TierEscalated
		}

		if p.OnRetry != nil {
			p.OnRetry(ctx, stage, current, next, err)
		}

		if err := sleep(ctx, p.Delay); err != nil {
			return res, err
		}
		current = next
	}
}

// feedbackFor returns the diagnostic to add to the next attempt. Transport
// failures and timeouts add nothing: the same input is simply retried.
func feedbackFor(err error) string {
	if pipeline.IsStructural(err) {
		return err.Error()
	}
	var se *pipeline.UnexpectedStatusError
	if errors.As(err, &se) {
		return se.Error()
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
