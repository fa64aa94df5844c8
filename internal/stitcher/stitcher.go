// Package stitcher turns a composed specification into executable source.
//
// A specification is the raw compose output: a logic body followed by a list
// of reliability tags, separated by two marker lines.
//
//	<<<LOGIC>>>
//	def execute(payload):
//	    ...
//	<<<TAGS>>>
//	safe_call
//	retry(attempts=3, delay=1.5)
//
// Stitch is a pure transformation: the same specification always yields the
// same source, and decorators wrap the entry point in declared order with the
// first tag outermost.
package stitcher

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
)

const (
	LogicMarker = "<<<LOGIC>>>"
	TagsMarker  = "<<<TAGS>>>"

	// DefaultFilename is used when the logic body does not name its file.
	DefaultFilename = "main.py"

	// RuntimePackage is the module every decorator is imported from.
	RuntimePackage = "reliability"
)

// Specification is a parsed compose output.
type Specification struct {
	Logic string
	Tags  []Tag
}

// StitchedArtifact is the source produced from a specification.
type StitchedArtifact struct {
	Source   string
	Imports  []string
	Filename string
}

var (
	entryPoint   = regexp.MustCompile(`^(\s*)(?:async\s+)?def\s+execute\s*\(`)
	filenameHint = regexp.MustCompile(`^#\s*filename:\s*([A-Za-z0-9_./-]+)\s*$`)
)

// Parse splits raw compose output into logic and tags. Markdown fences that
// wrap the reply or a marker section are dropped so a fenced reply parses the
// same as a bare one. Fence lines inside the logic body are kept.
func Parse(raw string) (Specification, error) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")

	logicAt, tagsAt := -1, -1
	for i, line := range lines {
		switch strings.TrimSpace(line) {
		case LogicMarker:
			if logicAt >= 0 {
				return Specification{}, &pipeline.ParseError{Line: i + 1, Reason: "duplicate " + LogicMarker + " marker"}
			}
			logicAt = i
		case TagsMarker:
			if tagsAt >= 0 {
				return Specification{}, &pipeline.ParseError{Line: i + 1, Reason: "duplicate " + TagsMarker + " marker"}
			}
			tagsAt = i
		}
	}
	switch {
	case logicAt < 0:
		return Specification{}, &pipeline.ParseError{Reason: "missing " + LogicMarker + " marker"}
	case tagsAt < 0:
		return Specification{}, &pipeline.ParseError{Reason: "missing " + TagsMarker + " marker"}
	case tagsAt < logicAt:
		return Specification{}, &pipeline.ParseError{Line: tagsAt + 1, Reason: TagsMarker + " appears before " + LogicMarker}
	}

	logic := normalizeLogic(unwrapFence(lines[logicAt+1 : tagsAt]))
	if strings.TrimSpace(logic) == "" {
		return Specification{}, &pipeline.ParseError{Line: logicAt + 1, Reason: "empty logic body"}
	}

	var tags []Tag
	for i, line := range lines[tagsAt+1:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || isFence(trimmed) {
			continue
		}
		tag, err := ParseTag(trimmed)
		if err != nil {
			return Specification{}, fmt.Errorf("line %d: %w", tagsAt+i+2, err)
		}
		tags = append(tags, tag)
	}

	return Specification{Logic: logic, Tags: tags}, nil
}

// Render writes spec back in marker form. Parse(Render(s)) equals s for any
// specification Parse produced.
func Render(spec Specification) string {
	var b strings.Builder
	b.WriteString(LogicMarker)
	b.WriteByte('\n')
	b.WriteString(normalizeLogic(strings.Split(spec.Logic, "\n")))
	b.WriteByte('\n')
	b.WriteString(TagsMarker)
	b.WriteByte('\n')
	for _, t := range spec.Tags {
		b.WriteString(t.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// Stitch applies every tag to the entry point of the logic body.
func Stitch(spec Specification) (StitchedArtifact, error) {
	logic := normalizeLogic(strings.Split(strings.ReplaceAll(spec.Logic, "\r\n", "\n"), "\n"))
	if strings.TrimSpace(logic) == "" {
		return StitchedArtifact{}, &pipeline.ParseError{Reason: "empty logic body"}
	}

	lines := strings.Split(logic, "\n")
	for i, line := range lines {
		if t := strings.TrimSpace(line); t == LogicMarker || t == TagsMarker {
			return StitchedArtifact{}, &pipeline.ParseError{Line: i + 1, Reason: "marker inside logic body"}
		}
	}

	art := StitchedArtifact{Filename: filenameOf(lines)}
	if len(spec.Tags) == 0 {
		art.Source = logic + "\n"
		return art, nil
	}

	for _, t := range spec.Tags {
		if err := t.validate(); err != nil {
			return StitchedArtifact{}, err
		}
	}

	entry, indent := -1, ""
	for i, line := range lines {
		if m := entryPoint.FindStringSubmatch(line); m != nil {
			entry, indent = i, m[1]
			break
		}
	}
	if entry < 0 {
		return StitchedArtifact{}, &pipeline.ParseError{Reason: "no execute() entry point to decorate"}
	}

	decorators := make([]string, 0, len(spec.Tags))
	seen := make(map[string]bool, len(spec.Tags))
	for _, t := range spec.Tags {
		decorators = append(decorators, indent+"@"+t.String())
		imp := fmt.Sprintf("from %s import %s", RuntimePackage, t.Kind)
		if !seen[imp] {
			seen[imp] = true
			art.Imports = append(art.Imports, imp)
		}
	}
	sort.Strings(art.Imports)

	body := make([]string, 0, len(lines)+len(decorators))
	body = append(body, lines[:entry]...)
	body = append(body, decorators...)
	body = append(body, lines[entry:]...)

	art.Source = strings.Join(art.Imports, "\n") + "\n\n" + strings.Join(body, "\n") + "\n"
	return art, nil
}

// ParseAndStitch is Parse followed by Stitch.
func ParseAndStitch(raw string) (StitchedArtifact, error) {
	spec, err := Parse(raw)
	if err != nil {
		return StitchedArtifact{}, err
	}
	return Stitch(spec)
}

func isFence(trimmed string) bool {
	return strings.HasPrefix(trimmed, "```")
}

// unwrapFence drops an opening fence on the first non-blank line and a bare
// closing fence on the last one. Neither line can start or end valid Python,
// so the body between them is untouched.
func unwrapFence(lines []string) []string {
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	if start < end && isFence(strings.TrimSpace(lines[start])) {
		start++
	}
	if end > start && strings.TrimSpace(lines[end-1]) == "```" {
		end--
	}
	return lines[start:end]
}

// normalizeLogic drops leading and trailing blank lines and trailing
// whitespace on each line. Indentation is preserved.
func normalizeLogic(lines []string) string {
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	out := make([]string, 0, end-start)
	for _, l := range lines[start:end] {
		out = append(out, strings.TrimRight(l, " \t"))
	}
	return strings.Join(out, "\n")
}

func filenameOf(lines []string) string {
	for _, l := range lines {
		if m := filenameHint.FindStringSubmatch(strings.TrimSpace(l)); m != nil {
			return m[1]
		}
	}
	return DefaultFilename
}
