package compiler

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
)

// cleanRelative validates a slash-separated path that must stay inside the
// project root and returns its cleaned form.
func cleanRelative(p string) (string, error) {
	if p == "" {
		return "", &pipeline.LayoutError{Path: p, Reason: "empty path"}
	}
	if strings.ContainsRune(p, 0) {
		return "", &pipeline.LayoutError{Path: p, Reason: "contains NUL byte"}
	}
	p = filepath.ToSlash(p)
	if path.IsAbs(p) || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return "", &pipeline.LayoutError{Path: p, Reason: "absolute path"}
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", &pipeline.LayoutError{Path: p, Reason: "escapes project root"}
	}
	return clean, nil
}

// validateRunID rejects ids that are not a single path segment.
func validateRunID(runID string) error {
	if runID == "" || runID == "." || runID == ".." || strings.ContainsAny(runID, `/\`) || strings.ContainsRune(runID, 0) {
		return &pipeline.LayoutError{Path: runID, Reason: "run id is not a single path segment"}
	}
	return nil
}

// tree writes files below a fixed root and remembers what it wrote.
type tree struct {
	root  string
	files []string
}

func (t *tree) write(rel string, data []byte) error {
	clean, err := cleanRelative(rel)
	if err != nil {
		return err
	}
	full := filepath.Join(t.root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", clean, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", clean, err)
	}
	t.files = append(t.files, clean)
	return nil
}
