package compiler

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

type pyproject struct {
	Tool        pyprojectTool `toml:"tool"`
	BuildSystem buildSystem   `toml:"build-system"`
}

type pyprojectTool struct {
	Poetry poetry `toml:"poetry"`
}

type poetry struct {
	Name         string            `toml:"name"`
	Version      string            `toml:"version"`
	Description  string            `toml:"description"`
	Authors      []string          `toml:"authors"`
	PackageMode  bool              `toml:"package-mode"`
	Dependencies map[string]string `toml:"dependencies"`
}

type buildSystem struct {
	Requires     []string `toml:"requires"`
	BuildBackend string   `toml:"build-backend"`
}

// renderPyproject encodes the project manifest. Dependency keys are sorted
// by the encoder, so equal inputs produce identical bytes.
func renderPyproject(runID, pythonVersion string, deps []Dependency) ([]byte, error) {
	depMap := make(map[string]string, len(deps)+1)
	depMap["python"] = pythonVersion
	for _, d := range deps {
		depMap[d.Distribution] = d.Constraint
	}

	doc := pyproject{
		Tool: pyprojectTool{Poetry: poetry{
			Name:         projectName(runID),
			Version:      "0.1.0",
			Description:  "Artifact assembled by forgeline.",
			Authors:      []string{"forgeline"},
			PackageMode:  false,
			Dependencies: depMap,
		}},
		BuildSystem: buildSystem{
			Requires:     []string{"poetry-core"},
			BuildBackend: "poetry.core.masonry.api",
		},
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, fmt.Errorf("encode pyproject.toml: %w", err)
	}
	return buf.Bytes(), nil
}

func projectName(runID string) string {
	id := strings.ToLower(runID)
	if len(id) > 8 {
		id = id[:8]
	}
	return "forgeline-" + id
}
