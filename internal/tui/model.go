package tui

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/fyrsmithlabs/forgeline/internal/events"
	"github.com/fyrsmithlabs/forgeline/internal/runstore"
)

// Outcome ends the live view.
type Outcome struct {
	Run runstore.Run
	Err error
}

// Options configures the live view.
type Options struct {
	RunID         string
	Goal          string
	HealingBudget int
}

// Model is the bubbletea model of a running pipeline. Events for other runs
// on the source channel are ignored.
type Model struct {
	opts    Options
	source  <-chan events.TraceEvent
	done    <-chan Outcome
	trace   Trace
	spinner spinner.Model
	now     func() time.Time

	outcome     *Outcome
	interrupted bool
}

type eventMsg events.TraceEvent
type sourceClosedMsg struct{}
type outcomeMsg Outcome

// NewModel creates the live view. source may be nil, in which case only the
// outcome is shown.
func NewModel(opts Options, source <-chan events.TraceEvent, done <-chan Outcome) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = labelStyle
	return Model{
		opts:    opts,
		source:  source,
		done:    done,
		spinner: sp,
		now:     time.Now,
	}
}

// Interrupted reports whether the user quit before the run finished.
func (m Model) Interrupted() bool { return m.interrupted }

// Outcome returns the run outcome, nil if the view ended early.
func (m Model) Outcome() *Outcome { return m.outcome }

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.source), waitForOutcome(m.done))
}

func waitForEvent(source <-chan events.TraceEvent) tea.Cmd {
	if source == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-source
		if !ok {
			return sourceClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func waitForOutcome(done <-chan Outcome) tea.Cmd {
	if done == nil {
		return nil
	}
	return func() tea.Msg {
		return outcomeMsg(<-done)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.outcome == nil {
				m.interrupted = true
			}
			return m, tea.Quit
		}

	case spinner.TickMsg:
		if m.outcome != nil {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.apply(events.TraceEvent(msg))
		return m, waitForEvent(m.source)

	case sourceClosedMsg:
		m.source = nil
		return m, nil

	case outcomeMsg:
		o := Outcome(msg)
		m.drain()
		m.outcome = &o
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) apply(ev events.TraceEvent) {
	if m.opts.RunID != "" && ev.RunID != m.opts.RunID {
		return
	}
	m.trace.Apply(ev)
}

// drain applies events already queued when the outcome arrives.
func (m *Model) drain() {
	if m.source == nil {
		return
	}
	for {
		select {
		case ev, ok := <-m.source:
			if !ok {
				m.source = nil
				return
			}
			m.apply(ev)
		default:
			return
		}
	}
}

func (m Model) View() string {
	final := m.trace.Final
	mode := ""
	healingUsed := m.trace.Healing
	if m.outcome != nil {
		final = m.outcome.Run.State
		mode = m.outcome.Run.Mode
		if m.outcome.Run.HealingUsed > healingUsed {
			healingUsed = m.outcome.Run.HealingUsed
		}
	}

	var b strings.Builder
	writeHeader(&b, m.opts.RunID, mode, final)
	if m.opts.Goal != "" {
		b.WriteString(labelStyle.Render("  Goal: ") + valueStyle.Render(truncate(m.opts.Goal, summaryWidth)) + "\n")
	}
	b.WriteString("\n")
	writeVisits(&b, m.trace.Visits, m.now(), func(Visit) string { return m.spinner.View() })
	writeFooterStats(&b, &m.trace, healingUsed, m.opts.HealingBudget)

	switch {
	case m.outcome != nil:
		if m.outcome.Err != nil {
			b.WriteString("\n" + errorStyle.Render("  error: ") + truncate(m.outcome.Err.Error(), 200) + "\n")
		}
		if p := m.outcome.Run.ArtifactPath; p != "" && final == "DELIVERED" {
			b.WriteString(labelStyle.Render("  artifact: ") + p + "\n")
		}
	case m.interrupted:
		b.WriteString("\n" + warnStyle.Render("  interrupted, cancelling run") + "\n")
	default:
		b.WriteString("\n" + footerHelp([2]string{"q", "cancel run"}) + "\n")
	}
	return containerStyle.Render(strings.TrimRight(b.String(), "\n")) + "\n"
}
