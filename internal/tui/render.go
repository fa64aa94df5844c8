package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"

	"github.com/fyrsmithlabs/forgeline/internal/events"
	"github.com/fyrsmithlabs/forgeline/internal/runstore"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	summaryWidth    = 72
)

// RenderTrace renders a stored run and its trace without a terminal program.
// healingBudget <= 0 hides the healing bar.
func RenderTrace(run runstore.Run, evs []events.TraceEvent, healingBudget int) string {
	var t Trace
	for _, ev := range evs {
		t.Apply(ev)
	}
	final := t.Final
	if final == "" && run.Terminal() {
		final = run.State
	}
	now := run.UpdatedAt
	if now.IsZero() {
		now = time.Now()
	}

	var b strings.Builder
	writeHeader(&b, run.ID, run.Mode, final)
	b.WriteString(labelStyle.Render("  Goal: ") + valueStyle.Render(truncate(run.Goal, summaryWidth)) + "\n\n")
	writeVisits(&b, t.Visits, now, func(Visit) string { return "…" })
	writeFooterStats(&b, &t, run.HealingUsed, healingBudget)
	if run.Error != "" {
		b.WriteString("\n" + errorStyle.Render("  error: ") + run.Error + "\n")
	}
	if run.ArtifactPath != "" {
		b.WriteString(labelStyle.Render("  artifact: ") + run.ArtifactPath + "\n")
	}
	if run.ArchiveURL != "" {
		b.WriteString(labelStyle.Render("  archive: ") + run.ArchiveURL + "\n")
	}
	return containerStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func writeHeader(b *strings.Builder, runID, mode, final string) {
	b.WriteString(headerStyle.Render(" forgeline run ") + " " + valueStyle.Render(runID))
	if mode != "" {
		b.WriteString(" " + dimStyle.Render("["+mode+"]"))
	}
	b.WriteString("   " + stateBadge(final) + "\n")
}

// writeVisits writes one line per visit. active renders the icon of the
// open visit.
func writeVisits(b *strings.Builder, visits []Visit, now time.Time, active func(Visit) string) {
	if len(visits) == 0 {
		b.WriteString(dimStyle.Render("  waiting for events") + "\n")
		return
	}
	for _, v := range visits {
		icon := visitIcon(v)
		if v.Ended.IsZero() {
			icon = active(v)
		}
		line := fmt.Sprintf("  %s %-13s %s", icon, v.State, dimStyle.Render(fmt.Sprintf("%7s", formatDuration(v.Elapsed(now)))))
		if v.Attempts > 0 {
			line += dimStyle.Render(fmt.Sprintf("  %d attempt(s)", v.Attempts))
		}
		if v.Summary != "" {
			line += "  " + truncate(v.Summary, summaryWidth)
		}
		b.WriteString(line + "\n")
	}
}

func visitIcon(v Visit) string {
	switch {
	case v.Last == events.PhaseError:
		return errorStyle.Render("✗")
	case v.Failed > 0:
		return warnStyle.Render("✓")
	default:
		return okStyle.Render("✓")
	}
}

func writeFooterStats(b *strings.Builder, t *Trace, healingUsed, healingBudget int) {
	if healingUsed < t.Healing {
		healingUsed = t.Healing
	}
	if healingBudget > 0 {
		bar := progress.New(progress.WithGradient("#00ff00", "#ff0000"), progress.WithWidth(30), progress.WithoutPercentage())
		ratio := float64(healingUsed) / float64(healingBudget)
		if ratio > 1 {
			ratio = 1
		}
		b.WriteString("\n" + labelStyle.Render("  Healing: ") + bar.ViewAs(ratio) +
			" " + dimStyle.Render(fmt.Sprintf("%d/%d", healingUsed, healingBudget)) + "\n")
	}
	if d := t.Durations(); len(d) > 1 {
		b.WriteString(labelStyle.Render("  Stage time: ") + renderSparkline(d) + "\n")
	}
}

func renderSparkline(data []float64) string {
	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}

func footerHelp(keys ...[2]string) string {
	var parts []string
	for _, k := range keys {
		parts = append(parts, footerKeyStyle.Render("["+k[0]+"]")+footerStyle.Render(" "+k[1]))
	}
	return strings.Join(parts, "  ")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
