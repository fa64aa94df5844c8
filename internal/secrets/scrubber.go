// Package secrets redacts credentials from text before it is persisted or
// published. Stage diagnostics often echo environment variables, tracebacks
// and HTTP bodies of the generated program, so everything the orchestrator
// stores passes through a Scrubber first.
package secrets

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Scrubber replaces secrets in text.
type Scrubber interface {
	Scrub(text string) string
}

// Nop leaves text unchanged.
type Nop struct{}

func (Nop) Scrub(text string) string { return text }

// Finding is one detected secret.
type Finding struct {
	RuleID string
	Line   int
	Secret string
}

// GitleaksScrubber detects secrets with the default gitleaks rule set.
type GitleaksScrubber struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewGitleaks loads the default rule set. Loading compiles several hundred
// patterns, so create one scrubber and share it.
func NewGitleaks() (*GitleaksScrubber, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load gitleaks rules: %w", err)
	}
	return &GitleaksScrubber{detector: d}, nil
}

// Findings returns every secret in text.
func (g *GitleaksScrubber) Findings(text string) []Finding {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	g.mu.Lock()
	found := g.detector.DetectString(text)
	g.mu.Unlock()

	out := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		out = append(out, Finding{RuleID: f.RuleID, Line: f.StartLine, Secret: f.Secret})
	}
	return out
}

// Scrub replaces each detected secret with [REDACTED:<rule>].
func (g *GitleaksScrubber) Scrub(text string) string {
	findings := g.Findings(text)
	if len(findings) == 0 {
		return text
	}
	// longest first so a secret containing another is replaced whole
	sort.SliceStable(findings, func(i, j int) bool {
		return len(findings[i].Secret) > len(findings[j].Secret)
	})
	for _, f := range findings {
		text = strings.ReplaceAll(text, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}
	return text
}
