// Package compiler materializes a stitched artifact into a runnable project.
//
// Every run gets its own directory below the workspace root:
//
//	<workspace>/<runID>/
//	    app/<filename>            stitched source
//	    reliability/__init__.py   decorator runtime
//	    pyproject.toml            resolved dependencies
//	    run.py                    entry point
//
// All paths are validated relative to the project root before anything is
// written, and a failed build removes whatever it had created.
package compiler

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forgeline/internal/logging"
	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
	"github.com/fyrsmithlabs/forgeline/internal/stitcher"
)

//go:embed runtime/reliability.py
var reliabilityRuntime []byte

//go:embed runtime/run.py.tmpl
var runnerTemplate string

var runner = template.Must(template.New("run.py").Parse(runnerTemplate))

// RunnerFile is the entry script every environment starts from.
const RunnerFile = "run.py"

// EnvironmentDescriptor describes a materialized project.
type EnvironmentDescriptor struct {
	Root         string       `json:"root"`
	Files        []string     `json:"files"`
	Dependencies []Dependency `json:"dependencies"`
	Entry        []string     `json:"entry"`
	Revision     string       `json:"revision,omitempty"`
}

// Config for a Builder.
type Config struct {
	WorkspaceRoot string
	PythonVersion string
}

// Builder is safe for concurrent use by different runs.
type Builder struct {
	cfg      Config
	snapshot Snapshotter
	logger   *logging.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithSnapshotter records a revision for every successful build.
func WithSnapshotter(s Snapshotter) Option {
	return func(b *Builder) { b.snapshot = s }
}

// NewBuilder creates a builder rooted at cfg.WorkspaceRoot.
func NewBuilder(cfg Config, logger *logging.Logger, opts ...Option) (*Builder, error) {
	if cfg.WorkspaceRoot == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	if cfg.PythonVersion == "" {
		cfg.PythonVersion = "^3.12"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	b := &Builder{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Dir returns the project directory for runID.
func (b *Builder) Dir(runID string) string {
	return filepath.Join(b.cfg.WorkspaceRoot, runID)
}

// Build writes the project for one artifact. Any existing project for the
// same run is replaced.
func (b *Builder) Build(ctx context.Context, runID string, art stitcher.StitchedArtifact, declared []string) (desc EnvironmentDescriptor, err error) {
	if err := validateRunID(runID); err != nil {
		return EnvironmentDescriptor{}, err
	}
	filename := art.Filename
	if filename == "" {
		filename = stitcher.DefaultFilename
	}
	rel, err := cleanRelative(filename)
	if err != nil {
		return EnvironmentDescriptor{}, err
	}
	appPath := "app/" + rel
	if !strings.HasPrefix(appPath, "app/") || filepath.Ext(appPath) != ".py" {
		return EnvironmentDescriptor{}, &pipeline.LayoutError{Path: filename, Reason: "artifact must be a .py file inside app/"}
	}

	imports, err := scanImports(ctx, []byte(art.Source))
	if err != nil {
		return EnvironmentDescriptor{}, err
	}
	deps, err := resolveAll(declared, imports, requirementsFrom(art.Source))
	if err != nil {
		return EnvironmentDescriptor{}, err
	}

	root := b.Dir(runID)
	if err := os.RemoveAll(root); err != nil {
		return EnvironmentDescriptor{}, fmt.Errorf("clear workspace: %w", err)
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(root); rmErr != nil {
				b.logger.Warn(ctx, "workspace rollback failed", zap.String("root", root), zap.Error(rmErr))
			}
		}
	}()

	pyproj, err := renderPyproject(runID, b.cfg.PythonVersion, deps)
	if err != nil {
		return EnvironmentDescriptor{}, err
	}
	var script bytes.Buffer
	if err := runner.Execute(&script, struct{ Filename string }{filename}); err != nil {
		return EnvironmentDescriptor{}, fmt.Errorf("render %s: %w", RunnerFile, err)
	}

	t := &tree{root: root}
	files := []struct {
		rel  string
		data []byte
	}{
		{appPath, []byte(art.Source)},
		{"reliability/__init__.py", reliabilityRuntime},
		{"pyproject.toml", pyproj},
		{RunnerFile, script.Bytes()},
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return EnvironmentDescriptor{}, err
		}
		if err := t.write(f.rel, f.data); err != nil {
			return EnvironmentDescriptor{}, err
		}
	}
	sort.Strings(t.files)

	desc = EnvironmentDescriptor{
		Root:         root,
		Files:        t.files,
		Dependencies: deps,
		Entry:        []string{RunnerFile},
	}
	if b.snapshot != nil {
		rev, err := b.snapshot.Snapshot(ctx, root)
		if err != nil {
			return EnvironmentDescriptor{}, fmt.Errorf("snapshot workspace: %w", err)
		}
		desc.Revision = rev
	}

	b.logger.Info(ctx, "environment built",
		zap.String("root", root),
		zap.Int("files", len(desc.Files)),
		zap.Int("dependencies", len(deps)),
		zap.String("revision", desc.Revision),
	)
	return desc, nil
}

// Remove deletes the project directory for runID.
func (b *Builder) Remove(runID string) error {
	if err := validateRunID(runID); err != nil {
		return err
	}
	return os.RemoveAll(b.Dir(runID))
}
