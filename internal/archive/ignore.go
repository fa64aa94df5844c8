package archive

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// DefaultIgnoreFiles are read from the workspace root.
var DefaultIgnoreFiles = []string{".gitignore", ".forgelineignore"}

// DefaultExcludes are applied to every archive, ignore files or not.
var DefaultExcludes = []string{
	".git/",
	"__pycache__/",
	"*.pyc",
	".venv/",
	".pytest_cache/",
}

// Filter decides which workspace paths are left out of an archive.
type Filter struct {
	matcher gitignore.Matcher
}

// LoadFilter builds a filter from DefaultExcludes, extra and the ignore
// files found at root. Missing ignore files are skipped.
func LoadFilter(root string, ignoreFiles []string, extra ...string) (*Filter, error) {
	lines := append(append([]string(nil), DefaultExcludes...), extra...)
	for _, name := range ignoreFiles {
		found, err := readIgnoreFile(filepath.Join(root, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		lines = append(lines, found...)
	}

	patterns := make([]gitignore.Pattern, 0, len(lines))
	for _, l := range dedupe(lines) {
		patterns = append(patterns, gitignore.ParsePattern(l, nil))
	}
	return &Filter{matcher: gitignore.NewMatcher(patterns)}, nil
}

// Excluded reports whether rel, a slash-separated path under the root, is
// left out.
func (f *Filter) Excluded(rel string, isDir bool) bool {
	if f == nil || rel == "" || rel == "." {
		return false
	}
	return f.matcher.Match(strings.Split(filepath.ToSlash(rel), "/"), isDir)
}

func readIgnoreFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

func dedupe(lines []string) []string {
	seen := make(map[string]bool, len(lines))
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}
