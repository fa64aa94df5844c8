package verifier

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Check kinds.
const (
	KindExec = "exec"
	KindHTTP = "http"
)

// InterpreterToken in an exec command is replaced by the configured
// interpreter.
const InterpreterToken = "$PYTHON"

// Check is one functional assertion against a running artifact.
type Check struct {
	Name string `yaml:"name" json:"name"`
	Kind string `yaml:"kind" json:"kind"`

	// exec
	Command    []string `yaml:"command,omitempty" json:"command,omitempty"`
	ExpectExit *int     `yaml:"expect_exit,omitempty" json:"expect_exit,omitempty"`

	// http
	Method       string `yaml:"method,omitempty" json:"method,omitempty"`
	Path         string `yaml:"path,omitempty" json:"path,omitempty"`
	Body         string `yaml:"body,omitempty" json:"body,omitempty"`
	ExpectStatus int    `yaml:"expect_status,omitempty" json:"expect_status,omitempty"`

	// both: substring of stdout (exec) or response body (http)
	ExpectContains string `yaml:"expect_contains,omitempty" json:"expect_contains,omitempty"`
}

// Plan is an ordered list of checks. The first failing check ends QA.
type Plan struct {
	Checks []Check `yaml:"checks" json:"checks"`
}

// ParsePlan decodes a YAML plan, tolerating a surrounding markdown fence.
func ParsePlan(raw string) (Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal([]byte(stripFence(raw)), &plan); err != nil {
		return Plan{}, fmt.Errorf("decode qa plan: %w", err)
	}
	for i := range plan.Checks {
		c := &plan.Checks[i]
		if c.Name == "" {
			c.Name = fmt.Sprintf("check-%d", i+1)
		}
		c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
		switch c.Kind {
		case KindExec:
			if len(c.Command) == 0 {
				return Plan{}, fmt.Errorf("check %q: exec check needs a command", c.Name)
			}
		case KindHTTP:
			if c.Method == "" {
				c.Method = "GET"
			}
			c.Method = strings.ToUpper(c.Method)
			if c.Path == "" {
				c.Path = "/"
			}
			if !strings.HasPrefix(c.Path, "/") {
				c.Path = "/" + c.Path
			}
			if c.ExpectStatus == 0 {
				c.ExpectStatus = 200
			}
		default:
			return Plan{}, fmt.Errorf("check %q: unknown kind %q", c.Name, c.Kind)
		}
	}
	return plan, nil
}

func stripFence(raw string) string {
	lines := strings.Split(raw, "\n")
	out := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "```") {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}
