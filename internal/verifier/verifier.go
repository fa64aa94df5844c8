// Package verifier runs a built artifact and decides whether it works.
//
// Verification has two phases. Smoke starts the process and waits for the
// ready signal; functional QA then runs the checks of a plan against the
// live process. The process is always stopped before Verify returns.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeline/internal/compiler"
	"github.com/fyrsmithlabs/forgeline/internal/logging"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
	"github.com/fyrsmithlabs/forgeline/internal/process"
)

// Smoke outcomes.
const (
	SmokeReady  = "ready"
	SmokeAlive  = "alive"
	SmokeExited = "exited"
	SmokeFailed = "failed"
)

const maxLogTail = 4096

// SmokeResult is the outcome of the start phase.
type SmokeResult struct {
	Passed   bool          `json:"passed"`
	Outcome  string        `json:"outcome"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// CheckResult is the outcome of one QA check.
type CheckResult struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Passed   bool   `json:"passed"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// FunctionalResult is the outcome of the QA phase.
type FunctionalResult struct {
	Passed bool          `json:"passed"`
	Checks []CheckResult `json:"checks"`
}

// VerificationReport is produced by every Verify call. Functional is nil
// when smoke failed.
type VerificationReport struct {
	Smoke      SmokeResult       `json:"smoke"`
	Functional *FunctionalResult `json:"functional,omitempty"`
	FailureLog []string          `json:"failure_log,omitempty"`
	Passed     bool              `json:"passed"`
}

// Runner starts and executes processes.
type Runner interface {
	Start(ctx context.Context, c process.Command) (*process.Handle, error)
	Exec(ctx context.Context, c process.Command, timeout time.Duration) (process.ExecResult, error)
}

// QAPlanner derives a functional plan from the task.
type QAPlanner interface {
	PlanQA(ctx context.Context, task pipeline.Task, env compiler.EnvironmentDescriptor) (Plan, error)
}

// Config for a Verifier.
type Config struct {
	Interpreter    string
	ReadySignal    string
	StartupTimeout time.Duration
	ExecTimeout    time.Duration
	StopTimeout    time.Duration
}

// Verifier is stateless and may verify several runs concurrently.
type Verifier struct {
	cfg     Config
	runner  Runner
	planner QAPlanner
	client  *http.Client
	logger  *logging.Logger
}

// New creates a verifier. planner may be nil, in which case functional QA
// passes with no checks.
func New(cfg Config, runner Runner, planner QAPlanner, logger *logging.Logger) *Verifier {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Verifier{
		cfg:     cfg,
		runner:  runner,
		planner: planner,
		client:  &http.Client{Timeout: cfg.ExecTimeout},
		logger:  logger,
	}
}

// Verify runs both phases. On failure the returned error is a
// *pipeline.RuntimeStartError or *pipeline.FunctionalFailure and the report
// carries the failure log; context errors are returned as they are.
func (v *Verifier) Verify(ctx context.Context, task pipeline.Task, env compiler.EnvironmentDescriptor) (VerificationReport, error) {
	var report VerificationReport

	cmd := process.Command{
		Dir:  env.Root,
		Path: v.cfg.Interpreter,
		Args: env.Entry,
	}
	started := time.Now()
	h, err := v.runner.Start(ctx, cmd)
	if err != nil {
		rse := &pipeline.RuntimeStartError{ExitCode: -1, Stderr: err.Error()}
		report.Smoke = SmokeResult{Outcome: SmokeFailed, ExitCode: -1, Stderr: err.Error()}
		report.FailureLog = append(report.FailureLog, "smoke: "+err.Error())
		return report, rse
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.cfg.StopTimeout)
		defer cancel()
		if err := h.Stop(stopCtx); err != nil {
			v.logger.Warn(ctx, "stopping artifact failed", zap.Int("pid", h.PID()), zap.Error(err))
		}
	}()

	smoke, err := v.smoke(ctx, h)
	smoke.Duration = time.Since(started)
	report.Smoke = smoke
	if err != nil {
		var rse *pipeline.RuntimeStartError
		if errors.As(err, &rse) {
			report.FailureLog = append(report.FailureLog, smokeLog(rse))
		}
		return report, err
	}
	v.logger.Info(ctx, "smoke passed", zap.String("outcome", smoke.Outcome), zap.Duration("duration", smoke.Duration))

	functional, err := v.functional(ctx, task, env, h)
	report.Functional = functional
	if err != nil {
		var ff *pipeline.FunctionalFailure
		if errors.As(err, &ff) {
			report.FailureLog = append(report.FailureLog, functionalLog(ff))
		}
		return report, err
	}

	report.Passed = true
	return report, nil
}

func (v *Verifier) smoke(ctx context.Context, h *process.Handle) (SmokeResult, error) {
	wctx, cancel := context.WithTimeout(ctx, v.cfg.StartupTimeout)
	defer cancel()

	var err error
	if v.cfg.ReadySignal == "" {
		select {
		case <-h.Done():
			err = process.ErrExited
		case <-wctx.Done():
			err = wctx.Err()
		}
	} else {
		err = h.WaitForOutput(wctx, v.cfg.ReadySignal)
	}

	switch {
	case err == nil:
		return SmokeResult{Passed: true, Outcome: SmokeReady}, nil
	case errors.Is(err, process.ErrExited):
		_, code := h.Exited()
		if code == 0 {
			return SmokeResult{Passed: true, Outcome: SmokeExited, Stdout: h.Stdout(), Stderr: h.Stderr()}, nil
		}
		return SmokeResult{Outcome: SmokeFailed, ExitCode: code, Stdout: h.Stdout(), Stderr: h.Stderr()},
			&pipeline.RuntimeStartError{ExitCode: code, Stdout: h.Stdout(), Stderr: h.Stderr()}
	case ctx.Err() != nil:
		return SmokeResult{Outcome: SmokeFailed}, ctx.Err()
	default:
		// startup timeout elapsed with the process still alive
		return SmokeResult{Passed: true, Outcome: SmokeAlive}, nil
	}
}

func (v *Verifier) functional(ctx context.Context, task pipeline.Task, env compiler.EnvironmentDescriptor, h *process.Handle) (*FunctionalResult, error) {
	result := &FunctionalResult{}
	if v.planner == nil {
		result.Passed = true
		return result, nil
	}

	plan, err := v.planner.PlanQA(ctx, task, env)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, &pipeline.FunctionalFailure{Check: "qa-plan", Expected: "a valid functional plan", Actual: err.Error()}
	}

	for _, c := range plan.Checks {
		var cr CheckResult
		var raw string
		switch c.Kind {
		case KindExec:
			cr, raw, err = v.runExec(ctx, env, c)
		case KindHTTP:
			cr, raw, err = v.runHTTP(ctx, h, c)
		default:
			cr = CheckResult{Name: c.Name, Kind: c.Kind, Expected: "known check kind", Actual: c.Kind}
		}
		if err != nil && ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Checks = append(result.Checks, cr)
		if !cr.Passed {
			return result, &pipeline.FunctionalFailure{Check: c.Name, Expected: cr.Expected, Actual: cr.Actual, Raw: tail(raw)}
		}
	}

	result.Passed = true
	return result, nil
}

func (v *Verifier) runExec(ctx context.Context, env compiler.EnvironmentDescriptor, c Check) (CheckResult, string, error) {
	argv := make([]string, len(c.Command))
	for i, a := range c.Command {
		argv[i] = strings.ReplaceAll(a, InterpreterToken, v.cfg.Interpreter)
	}
	wantExit := 0
	if c.ExpectExit != nil {
		wantExit = *c.ExpectExit
	}
	cr := CheckResult{Name: c.Name, Kind: KindExec, Expected: fmt.Sprintf("exit %d", wantExit)}
	if c.ExpectContains != "" {
		cr.Expected += fmt.Sprintf(" and stdout containing %q", c.ExpectContains)
	}

	res, err := v.runner.Exec(ctx, process.Command{Dir: env.Root, Path: argv[0], Args: argv[1:]}, v.cfg.ExecTimeout)
	raw := res.Stdout + res.Stderr
	if err != nil {
		cr.Actual = err.Error()
		return cr, raw, err
	}
	cr.Actual = fmt.Sprintf("exit %d", res.ExitCode)
	if res.ExitCode != wantExit {
		return cr, raw, nil
	}
	if c.ExpectContains != "" && !strings.Contains(res.Stdout, c.ExpectContains) {
		cr.Actual += fmt.Sprintf(" and stdout %q", tail(res.Stdout))
		return cr, raw, nil
	}
	cr.Passed = true
	return cr, raw, nil
}

func (v *Verifier) runHTTP(ctx context.Context, h *process.Handle, c Check) (CheckResult, string, error) {
	cr := CheckResult{Name: c.Name, Kind: KindHTTP, Expected: "status " + strconv.Itoa(c.ExpectStatus)}
	if c.ExpectContains != "" {
		cr.Expected += fmt.Sprintf(" and body containing %q", c.ExpectContains)
	}
	if h.Port() == 0 {
		cr.Actual = "process has no assigned port"
		return cr, "", nil
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", h.Port(), c.Path)
	var body io.Reader
	if c.Body != "" {
		body = strings.NewReader(c.Body)
	}
	req, err := http.NewRequestWithContext(ctx, c.Method, url, body)
	if err != nil {
		cr.Actual = err.Error()
		return cr, "", nil
	}
	if c.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := v.client.Do(req)
	if err != nil {
		cr.Actual = err.Error()
		return cr, "", err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	cr.Actual = "status " + strconv.Itoa(resp.StatusCode)
	if resp.StatusCode != c.ExpectStatus {
		return cr, string(data), nil
	}
	if c.ExpectContains != "" && !strings.Contains(string(data), c.ExpectContains) {
		cr.Actual += fmt.Sprintf(" and body %q", tail(string(data)))
		return cr, string(data), nil
	}
	cr.Passed = true
	return cr, string(data), nil
}

func smokeLog(e *pipeline.RuntimeStartError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "smoke: process exited with status %d before becoming ready", e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		b.WriteString("\nstderr:\n" + tail(s))
	}
	if s := strings.TrimSpace(e.Stdout); s != "" {
		b.WriteString("\nstdout:\n" + tail(s))
	}
	return b.String()
}

func functionalLog(e *pipeline.FunctionalFailure) string {
	s := fmt.Sprintf("qa: check %q failed: expected %s, got %s", e.Check, e.Expected, e.Actual)
	if raw := strings.TrimSpace(e.Raw); raw != "" {
		s += "\noutput:\n" + raw
	}
	return s
}

func tail(s string) string {
	if len(s) <= maxLogTail {
		return s
	}
	start := len(s) - maxLogTail
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return "..." + s[start:]
}
