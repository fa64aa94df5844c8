package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/forgeline/internal/config"
	"github.com/fyrsmithlabs/forgeline/internal/events"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id            TEXT PRIMARY KEY,
    goal          TEXT NOT NULL,
    criteria      TEXT NOT NULL DEFAULT '[]',
    mode          TEXT NOT NULL DEFAULT '',
    state         TEXT NOT NULL,
    outcome       TEXT NOT NULL DEFAULT '',
    error         TEXT NOT NULL DEFAULT '',
    healing_used  INTEGER NOT NULL DEFAULT 0,
    path          TEXT NOT NULL DEFAULT '[]',
    artifact_path TEXT NOT NULL DEFAULT '',
    revision      TEXT NOT NULL DEFAULT '',
    archive_url   TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);

CREATE TABLE IF NOT EXISTS stage_results (
    run_id       TEXT NOT NULL,
    ordinal      INTEGER NOT NULL,
    stage        TEXT NOT NULL,
    attempt      INTEGER NOT NULL,
    tier         INTEGER NOT NULL,
    status       TEXT NOT NULL,
    payload      TEXT NOT NULL DEFAULT '',
    diagnostic   TEXT NOT NULL DEFAULT '',
    started_at   TEXT NOT NULL,
    completed_at TEXT NOT NULL,
    PRIMARY KEY (run_id, ordinal)
);

CREATE TABLE IF NOT EXISTS trace_events (
    run_id    TEXT NOT NULL,
    seq       INTEGER NOT NULL,
    stage     TEXT NOT NULL,
    phase     TEXT NOT NULL,
    ts        TEXT NOT NULL,
    summary   TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (run_id, seq)
);
`

// SQLiteStore is a Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens the database at path, creating the schema if needed.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		path = config.ExpandPath(path)
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		dsn = "file:" + path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// pragmas are per connection and :memory: is per connection too
	db.SetMaxOpenConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate run store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Name() string { return "runstore" }

// Publish records a trace event. Redelivery of the same (run, seq) is
// ignored, which makes at-least-once publishers safe.
func (s *SQLiteStore) Publish(ctx context.Context, ev events.TraceEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO trace_events (run_id, seq, stage, phase, ts, summary) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Seq, ev.Stage, string(ev.Phase), formatTime(ev.Timestamp), ev.Summary,
	)
	if err != nil {
		return fmt.Errorf("insert trace event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, r Run) error {
	criteria, err := json.Marshal(nonNil(r.AcceptanceCriteria))
	if err != nil {
		return err
	}
	path, err := json.Marshal(nonNil(r.Path))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO runs (id, goal, criteria, mode, state, outcome, error, healing_used, path, artifact_path, revision, archive_url, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    mode = excluded.mode,
    state = excluded.state,
    outcome = excluded.outcome,
    error = excluded.error,
    healing_used = excluded.healing_used,
    path = excluded.path,
    artifact_path = excluded.artifact_path,
    revision = excluded.revision,
    archive_url = excluded.archive_url,
    updated_at = excluded.updated_at`,
		r.ID, r.Goal, string(criteria), r.Mode, r.State, r.Outcome, r.Error, r.HealingUsed,
		string(path), r.ArtifactPath, r.Revision, r.ArchiveURL, formatTime(r.CreatedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.ID, err)
	}
	return nil
}

// AppendResult adds res after the run's existing results.
func (s *SQLiteStore) AppendResult(ctx context.Context, runID string, res pipeline.StageResult) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO stage_results (run_id, ordinal, stage, attempt, tier, status, payload, diagnostic, started_at, completed_at)
VALUES (?, (SELECT COALESCE(MAX(ordinal), 0) + 1 FROM stage_results WHERE run_id = ?), ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, runID, string(res.Stage), res.Attempt, int(res.Tier), string(res.Status),
		res.Payload, res.Diagnostic, formatTime(res.StartedAt), formatTime(res.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("append result for %s: %w", runID, err)
	}
	return nil
}

const runColumns = `id, goal, criteria, mode, state, outcome, error, healing_used, path, artifact_path, revision, archive_url, created_at, updated_at`

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Results(ctx context.Context, runID string) ([]pipeline.StageResult, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT stage, attempt, tier, status, payload, diagnostic, started_at, completed_at
FROM stage_results WHERE run_id = ? ORDER BY ordinal`, runID)
	if err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}
	defer rows.Close()

	var out []pipeline.StageResult
	for rows.Next() {
		var (
			res                pipeline.StageResult
			stage, status      string
			tier               int
			started, completed string
		)
		if err := rows.Scan(&stage, &res.Attempt, &tier, &status, &res.Payload, &res.Diagnostic, &started, &completed); err != nil {
			return nil, err
		}
		res.Stage = pipeline.Stage(stage)
		res.Status = pipeline.Status(status)
		res.Tier = pipeline.Tier(tier)
		res.StartedAt = parseTime(started)
		res.CompletedAt = parseTime(completed)
		out = append(out, res)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Events(ctx context.Context, runID string) ([]events.TraceEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, seq, stage, phase, ts, summary FROM trace_events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var out []events.TraceEvent
	for rows.Next() {
		var (
			ev        events.TraceEvent
			phase, ts string
		)
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.Stage, &phase, &ts, &ev.Summary); err != nil {
			return nil, err
		}
		ev.Phase = events.Phase(phase)
		ev.Timestamp = parseTime(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r                Run
		criteria, path   string
		created, updated string
	)
	err := sc.Scan(&r.ID, &r.Goal, &criteria, &r.Mode, &r.State, &r.Outcome, &r.Error, &r.HealingUsed,
		&path, &r.ArtifactPath, &r.Revision, &r.ArchiveURL, &created, &updated)
	if err != nil {
		return Run{}, err
	}
	if err := json.Unmarshal([]byte(criteria), &r.AcceptanceCriteria); err != nil {
		return Run{}, fmt.Errorf("decode criteria: %w", err)
	}
	if err := json.Unmarshal([]byte(path), &r.Path); err != nil {
		return Run{}, fmt.Errorf("decode path: %w", err)
	}
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return r, nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
