package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/forgeline/internal/gateway"
	"github.com/fyrsmithlabs/forgeline/internal/knowledge"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
	"github.com/fyrsmithlabs/forgeline/internal/retry"
)

// observer sees every attempt result, failed ones included.
type observer func(ctx context.Context, res pipeline.StageResult, err error)

// invokeStage performs one attempt. Statuses outside accept come back as a
// *pipeline.UnexpectedStatusError so the retry policy treats them as failures.
func invokeStage(ctx context.Context, cap gateway.Capability, stage pipeline.Stage, input string, a retry.Attempt, observe observer, accept ...pipeline.Status) (pipeline.StageResult, error) {
	res, err := cap.Invoke(ctx, gateway.Request{
		Stage:   stage,
		Input:   withFeedback(input, a.Feedback),
		Tier:    a.Tier,
		Attempt: a.Number,
	})
	res.Stage, res.Tier, res.Attempt = stage, a.Tier, a.Number
	if err == nil && !accepted(res.Status, accept) {
		err = &pipeline.UnexpectedStatusError{Stage: stage, Status: res.Status, Diagnostic: res.Diagnostic}
	}
	if err != nil {
		var se *pipeline.UnexpectedStatusError
		if !errors.As(err, &se) {
			res.Status = pipeline.StatusError
		}
		if res.Diagnostic == "" {
			res.Diagnostic = err.Error()
		}
	}
	if observe != nil {
		observe(ctx, res, err)
	}
	return res, err
}

func accepted(s pipeline.Status, accept []pipeline.Status) bool {
	for _, a := range accept {
		if s == a {
			return true
		}
	}
	return false
}

// section is one titled block of a capability input.
type section struct {
	title string
	body  string
}

func render(sections ...section) string {
	var b strings.Builder
	for _, s := range sections {
		body := strings.TrimSpace(s.body)
		if body == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n%s", s.title, body)
	}
	return b.String()
}

func bullets(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return "- " + strings.Join(items, "\n- ")
}

func taskInput(task pipeline.Task, lessons []knowledge.Lesson) string {
	return render(taskSections(task, lessons)...)
}

func taskSections(task pipeline.Task, lessons []knowledge.Lesson) []section {
	notes := make([]string, len(lessons))
	for i, l := range lessons {
		notes[i] = l.String()
	}
	return []section{
		{"Goal", task.Goal},
		{"Acceptance criteria", bullets(task.AcceptanceCriteria)},
		{"Lessons from earlier runs", bullets(notes)},
	}
}

func matchesSection(matches []knowledge.Match) section {
	var b strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&b, "### %s (score %.2f)\n%s\n```python\n%s\n```\n", m.Module.ImportPath, m.Score, m.Module.Summary, m.Module.Source)
	}
	return section{"Existing modules", b.String()}
}

func withFeedback(input string, feedback []string) string {
	if len(feedback) == 0 {
		return input
	}
	return input + "\n\n" + render(section{"Feedback from previous attempts", bullets(feedback)})
}
