// Package knowledge stores approved modules and run lessons for later
// recall.
//
// Modules are keyed by a UUIDv5 of their import path, so approving the same
// module twice replaces the earlier record; concurrent approvals resolve by
// last-writer-wins. Each upsert writes one whole document.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeline/internal/logging"
)

var tracer = otel.Tracer("forgeline/knowledge")

// moduleNamespace seeds module identities.
var moduleNamespace = uuid.MustParse("6f1c2a7e-3b0d-5c4e-9a8f-2d7b1e0c4a91")

var (
	ErrInvalidModule = errors.New("invalid module descriptor")
	ErrEmptyQuery    = errors.New("empty query")
)

// Document is the unit a Backend stores.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// Hit is a scored Document.
type Hit struct {
	Document
	Score float32
}

// Backend is a vector collection store. Upsert replaces documents with the
// same ID.
type Backend interface {
	Upsert(ctx context.Context, collection string, docs []Document) error
	Query(ctx context.Context, collection, text string, k int) ([]Hit, error)
	Close() error
}

// ModuleDescriptor describes an approved, indexed module.
type ModuleDescriptor struct {
	ImportPath string    `json:"import_path"`
	Name       string    `json:"name"`
	Summary    string    `json:"summary"`
	Source     string    `json:"source"`
	Task       string    `json:"task,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Match is a module returned by Query.
type Match struct {
	ID     string           `json:"id"`
	Module ModuleDescriptor `json:"module"`
	Score  float32          `json:"score"`
}

// Lesson is what a finished run teaches later runs.
type Lesson struct {
	RunID     string    `json:"run_id"`
	Goal      string    `json:"goal"`
	Mode      string    `json:"mode"`
	Outcome   string    `json:"outcome"`
	LastError string    `json:"last_error,omitempty"`
	Escalated bool      `json:"escalated"`
	Snippet   string    `json:"snippet,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// String renders the lesson as context for a new task.
func (l Lesson) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "A past %s run for %q ended %s", l.Mode, l.Goal, l.Outcome)
	if l.Escalated {
		b.WriteString(" after escalating to the stronger tier")
	}
	b.WriteString(".")
	if l.LastError != "" {
		fmt.Fprintf(&b, " Last error: %s.", l.LastError)
	}
	return b.String()
}

type Config struct {
	Collection       string
	LessonCollection string
	SufficientScore  float32
}

// Store is the knowledge base used by the orchestrator.
type Store struct {
	backend Backend
	cfg     Config
	logger  *logging.Logger
	now     func() time.Time

	mu sync.Mutex
}

// New creates a Store over backend.
func New(backend Backend, cfg Config, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Collection == "" {
		cfg.Collection = "forgeline_modules"
	}
	if cfg.LessonCollection == "" {
		cfg.LessonCollection = "forgeline_lessons"
	}
	return &Store{backend: backend, cfg: cfg, logger: logger, now: time.Now}
}

// ModuleID returns the identity of the module at importPath.
func ModuleID(importPath string) string {
	return uuid.NewSHA1(moduleNamespace, []byte(strings.TrimSpace(importPath))).String()
}

// Query returns up to k modules similar to text, best first.
func (s *Store) Query(ctx context.Context, text string, k int) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "knowledge.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		return nil, nil
	}
	hits, err := s.backend.Query(ctx, s.cfg.Collection, text, k)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query modules: %w", err)
	}

	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		out = append(out, Match{ID: h.ID, Module: moduleFromMetadata(h.Metadata), Score: h.Score})
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	return out, nil
}

// Sufficient reports whether any match scores at or above the configured
// threshold.
func (s *Store) Sufficient(results []Match) bool {
	for _, r := range results {
		if r.Score >= s.cfg.SufficientScore {
			return true
		}
	}
	return false
}

// Upsert writes m under its import-path identity and returns that id.
func (s *Store) Upsert(ctx context.Context, m ModuleDescriptor) (string, error) {
	ctx, span := tracer.Start(ctx, "knowledge.Upsert")
	defer span.End()

	m.ImportPath = strings.TrimSpace(m.ImportPath)
	if m.ImportPath == "" {
		return "", fmt.Errorf("%w: import path required", ErrInvalidModule)
	}
	if strings.TrimSpace(m.Source) == "" {
		return "", fmt.Errorf("%w: source required", ErrInvalidModule)
	}
	if m.Name == "" {
		m.Name = m.ImportPath[strings.LastIndex(m.ImportPath, ".")+1:]
	}

	id := ModuleID(m.ImportPath)
	span.SetAttributes(attribute.String("module.id", id), attribute.String("module.import_path", m.ImportPath))

	s.mu.Lock()
	defer s.mu.Unlock()

	m.UpdatedAt = s.now().UTC()
	doc := Document{ID: id, Content: moduleText(m), Metadata: moduleMetadata(m)}
	if err := s.backend.Upsert(ctx, s.cfg.Collection, []Document{doc}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("upsert module %s: %w", m.ImportPath, err)
	}

	s.logger.Info(ctx, "module indexed",
		zap.String("module.id", id),
		zap.String("module.import_path", m.ImportPath),
	)
	return id, nil
}

// RecordLesson stores l. A run records at most one lesson; recording again
// replaces it.
func (s *Store) RecordLesson(ctx context.Context, l Lesson) error {
	if l.RunID == "" || strings.TrimSpace(l.Goal) == "" {
		return errors.New("lesson needs a run id and goal")
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = s.now().UTC()
	}
	doc := Document{
		ID:      uuid.NewSHA1(moduleNamespace, []byte("lesson:"+l.RunID)).String(),
		Content: l.Goal,
		Metadata: map[string]string{
			"run_id":     l.RunID,
			"goal":       l.Goal,
			"mode":       l.Mode,
			"outcome":    l.Outcome,
			"last_error": strings.ToValidUTF8(l.LastError, "\uFFFD"),
			"escalated":  strconv.FormatBool(l.Escalated),
			"snippet":    strings.ToValidUTF8(l.Snippet, "\uFFFD"),
			"created_at": l.CreatedAt.Format(time.RFC3339Nano),
		},
	}
	if err := s.backend.Upsert(ctx, s.cfg.LessonCollection, []Document{doc}); err != nil {
		return fmt.Errorf("record lesson: %w", err)
	}
	return nil
}

// RecallLessons returns up to k lessons from runs with goals similar to
// goal. Candidates are reranked by shared goal terms.
func (s *Store) RecallLessons(ctx context.Context, goal string, k int) ([]Lesson, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		return nil, nil
	}
	hits, err := s.backend.Query(ctx, s.cfg.LessonCollection, goal, k*recallOverfetch)
	if err != nil {
		return nil, fmt.Errorf("recall lessons: %w", err)
	}
	hits = rerank(goal, hits, k, func(h Hit) string { return h.Metadata["goal"] })
	out := make([]Lesson, 0, len(hits))
	for _, h := range hits {
		md := h.Metadata
		created, _ := time.Parse(time.RFC3339Nano, md["created_at"])
		escalated, _ := strconv.ParseBool(md["escalated"])
		out = append(out, Lesson{
			RunID:     md["run_id"],
			Goal:      md["goal"],
			Mode:      md["mode"],
			Outcome:   md["outcome"],
			LastError: md["last_error"],
			Escalated: escalated,
			Snippet:   md["snippet"],
			CreatedAt: created,
		})
	}
	return out, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// moduleText is what gets embedded for a module.
func moduleText(m ModuleDescriptor) string {
	parts := []string{m.Name, m.ImportPath, m.Summary}
	if m.Task != "" {
		parts = append(parts, m.Task)
	}
	return strings.Join(parts, "\n")
}

func moduleMetadata(m ModuleDescriptor) map[string]string {
	return map[string]string{
		"import_path": m.ImportPath,
		"name":        m.Name,
		"summary":     m.Summary,
		"source":      m.Source,
		"task":        m.Task,
		"run_id":      m.RunID,
		"updated_at":  m.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func moduleFromMetadata(md map[string]string) ModuleDescriptor {
	updated, _ := time.Parse(time.RFC3339Nano, md["updated_at"])
	return ModuleDescriptor{
		ImportPath: md["import_path"],
		Name:       md["name"],
		Summary:    md["summary"],
		Source:     md["source"],
		Task:       md["task"],
		RunID:      md["run_id"],
		UpdatedAt:  updated,
	}
}
