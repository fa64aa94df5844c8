package gateway

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
)

var stageInstructions = map[pipeline.Stage]string{
	pipeline.StageRoute: `Decide how to handle the task below.
Reply SOLO when a single composed module is enough, TEAM when it needs a plan,
new generated code and review.`,

	pipeline.StagePlan: `Plan the work for the task below.
Reply TOOLS_SUFFICIENT when existing knowledge-base modules cover it, otherwise
PLAN_CREATED followed by the numbered plan. Reply ERROR if the task cannot be planned.`,

	pipeline.StageGenerate: `Write the Python module described below together with its tests and
run them mentally. Reply TESTS_PASSED followed by the module source when the tests
pass, TESTS_FAILED followed by the failing output otherwise.`,

	pipeline.StageReview: `Review the module below for correctness and safety.
Reply APPROVED or REJECTED followed by your reasons.`,

	pipeline.StageCompose: `Compose the final program for the task below. Reply SPEC_READY followed by
exactly this layout:
<<<LOGIC>>>
(python source defining execute(payload); optional "# filename: name.py" comment)
<<<TAGS>>>
(one tag per line from: safe_call, retry(attempts=N, delay=S), timed, observable,
atomic, log_io, timeout(seconds=S))`,

	pipeline.StageQA: `Write a functional test plan for the running program below as YAML:
checks:
  - name: ...
    kind: exec | http
    command: ["$PYTHON", "run.py", "{...json payload...}"]   # exec
    expect_exit: 0
    method: GET                                              # http
    path: /
    expect_status: 200
    expect_contains: ...
Reply QA_READY followed by the YAML.`,
}

var promptTemplate = template.Must(template.New("prompt").Parse(`{{.Instructions}}

The first line of your reply must be "STATUS: <code>" using one of: {{.Statuses}}.

{{.Input}}
`))

func renderPrompt(stage pipeline.Stage, input string) (string, error) {
	instr, ok := stageInstructions[stage]
	if !ok {
		return "", fmt.Errorf("unknown stage %q", stage)
	}
	var buf bytes.Buffer
	err := promptTemplate.Execute(&buf, struct {
		Instructions string
		Statuses     string
		Input        string
	}{instr, statusList(stage), input})
	if err != nil {
		return "", fmt.Errorf("render %s prompt: %w", stage, err)
	}
	return buf.String(), nil
}

func statusList(stage pipeline.Stage) string {
	var buf bytes.Buffer
	for i, s := range pipeline.DocumentedStatuses(stage) {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(string(s))
	}
	return buf.String()
}
