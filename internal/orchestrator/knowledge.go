package orchestrator

import (
	"context"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeline/internal/knowledge"
)

const lessonSnippetLen = 600

// knowledgeMatches queries the module store once per run. Matches are kept
// only when the store calls them sufficient.
func (o *Orchestrator) knowledgeMatches(ctx context.Context, run *PipelineRun) []knowledge.Match {
	if o.deps.Knowledge == nil {
		return nil
	}
	if run.matched {
		return run.matches
	}
	run.set(func(r *PipelineRun) { r.matched = true })

	found, err := o.deps.Knowledge.Query(ctx, run.Task.Goal, o.cfg.KnowledgeTopK)
	if err != nil {
		o.logger.Warn(ctx, "knowledge query failed", zap.Error(err))
		return nil
	}
	if !o.deps.Knowledge.Sufficient(found) {
		o.logger.Debug(ctx, "knowledge matches insufficient", zap.Int("candidates", len(found)))
		return nil
	}
	run.set(func(r *PipelineRun) { r.matches = found })
	o.logger.Info(ctx, "reusing known modules", zap.Int("matches", len(found)))
	return found
}

// index stores an approved module. A failed write is logged; the run goes on.
func (o *Orchestrator) index(ctx context.Context, run *PipelineRun) {
	if o.deps.Knowledge == nil || strings.TrimSpace(run.source) == "" {
		return
	}
	importPath := moduleImportPath(run.source, run.Task.Goal)
	id, err := o.deps.Knowledge.Upsert(ctx, knowledge.ModuleDescriptor{
		ImportPath: importPath,
		Summary:    run.Task.Goal,
		Source:     run.source,
		Task:       run.Task.Goal,
		RunID:      run.ID,
	})
	if err != nil {
		o.logger.Warn(ctx, "indexing approved module failed", zap.String("module", importPath), zap.Error(err))
		return
	}
	modulesIndexed.Inc()
	o.logger.Info(ctx, "module indexed", zap.String("module", importPath), zap.String("id", id))
}

func (o *Orchestrator) recallLessons(ctx context.Context, run *PipelineRun) {
	if o.deps.Knowledge == nil || o.cfg.LessonRecall <= 0 {
		return
	}
	lessons, err := o.deps.Knowledge.RecallLessons(ctx, run.Task.Goal, o.cfg.LessonRecall)
	if err != nil {
		o.logger.Warn(ctx, "recalling lessons failed", zap.Error(err))
		return
	}
	run.set(func(r *PipelineRun) { r.lessons = lessons })
}

func (o *Orchestrator) recordLesson(ctx context.Context, run *PipelineRun) {
	if o.deps.Knowledge == nil {
		return
	}
	run.mu.RLock()
	l := knowledge.Lesson{
		RunID:   run.ID,
		Goal:    run.Task.Goal,
		Mode:    string(run.Mode),
		Outcome: string(run.State),
	}
	if run.err != nil {
		l.LastError = o.scrub(run.err.Error())
	}
	if run.State == StateDelivered {
		snippet := run.stitched
		if snippet == "" {
			snippet = run.source
		}
		l.Snippet = clip(o.scrub(snippet), lessonSnippetLen)
	}
	run.mu.RUnlock()
	l.Escalated = run.escalated()

	if err := o.deps.Knowledge.RecordLesson(ctx, l); err != nil {
		o.logger.Warn(ctx, "recording lesson failed", zap.Error(err))
	}
}

// clip cuts s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

var (
	filenameComment = regexp.MustCompile(`(?m)^#\s*filename:\s*([A-Za-z0-9_./-]+)\s*$`)
	nonIdent        = regexp.MustCompile(`[^a-z0-9]+`)
)

// moduleImportPath names an approved module: its declared filename as a
// dotted path, or a slug of the goal under "generated".
func moduleImportPath(source, goal string) string {
	if m := filenameComment.FindStringSubmatch(source); m != nil {
		p := strings.TrimSuffix(path.Clean(m[1]), ".py")
		p = strings.Trim(strings.ReplaceAll(p, "/", "."), ".")
		if p != "" && !strings.Contains(p, "..") {
			return p
		}
	}
	slug := strings.Trim(nonIdent.ReplaceAllString(strings.ToLower(goal), "_"), "_")
	if len(slug) > 48 {
		slug = strings.TrimRight(slug[:48], "_")
	}
	if slug == "" {
		slug = "module"
	}
	return "generated." + slug
}
