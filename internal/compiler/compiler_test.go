package compiler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/forgeline/internal/pipeline"
	"github.com/fyrsmithlabs/forgeline/internal/stitcher"
)

const artifactSource = `from reliability import safe_call

"""Convert images.

Requirements: httpx, rich>=13
"""
import os, json
import numpy as np
from PIL import Image
from yaml import safe_load
from . import helpers

@safe_call
def execute(payload):
    import cv2
    return {"ok": True}
`

func newBuilder(t *testing.T, opts ...Option) *Builder {
	t.Helper()
	b, err := NewBuilder(Config{WorkspaceRoot: t.TempDir()}, nil, opts...)
	require.NoError(t, err)
	return b
}

func distributions(deps []Dependency) []string {
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		out = append(out, d.Distribution)
	}
	return out
}

func TestBuild_MaterializesLayout(t *testing.T) {
	b := newBuilder(t)
	art := stitcher.StitchedArtifact{Source: artifactSource, Filename: "main.py"}

	desc, err := b.Build(context.Background(), "run-1", art, []string{"requests"})
	require.NoError(t, err)

	assert.Equal(t, b.Dir("run-1"), desc.Root)
	assert.Equal(t, []string{"app/main.py", "pyproject.toml", "reliability/__init__.py", "run.py"}, desc.Files)
	assert.Equal(t, []string{"run.py"}, desc.Entry)

	src, err := os.ReadFile(filepath.Join(desc.Root, "app", "main.py"))
	require.NoError(t, err)
	assert.Equal(t, artifactSource, string(src))

	rt, err := os.ReadFile(filepath.Join(desc.Root, "reliability", "__init__.py"))
	require.NoError(t, err)
	for _, name := range []string{"def safe_call", "def retry", "def timed", "def observable", "def atomic", "def log_io", "def timeout"} {
		assert.Contains(t, string(rt), name)
	}
}

func TestBuild_ResolvesDependencies(t *testing.T) {
	b := newBuilder(t)
	art := stitcher.StitchedArtifact{Source: artifactSource, Filename: "main.py"}

	desc, err := b.Build(context.Background(), "run-2", art, []string{"requests==2.32.0"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"requests", "numpy", "Pillow", "pyyaml", "opencv-python", "httpx", "rich",
	}, distributions(desc.Dependencies))

	var manifest struct {
		Tool struct {
			Poetry struct {
				Dependencies map[string]string `toml:"dependencies"`
			} `toml:"poetry"`
		} `toml:"tool"`
	}
	_, err = toml.DecodeFile(filepath.Join(desc.Root, "pyproject.toml"), &manifest)
	require.NoError(t, err)

	deps := manifest.Tool.Poetry.Dependencies
	assert.Equal(t, "^3.12", deps["python"])
	assert.Equal(t, "==2.32.0", deps["requests"])
	assert.Equal(t, ">=13", deps["rich"])
	assert.Equal(t, "*", deps["Pillow"])
	assert.NotContains(t, deps, "os")
	assert.NotContains(t, deps, "reliability")
}

func TestBuild_NoAbsolutePathsInGeneratedFiles(t *testing.T) {
	b := newBuilder(t)
	desc, err := b.Build(context.Background(), "run-3", stitcher.StitchedArtifact{Source: "def execute():\n    return 1\n"}, nil)
	require.NoError(t, err)

	for _, f := range desc.Files {
		data, err := os.ReadFile(filepath.Join(desc.Root, filepath.FromSlash(f)))
		require.NoError(t, err)
		assert.NotContains(t, string(data), desc.Root, f)
	}
}

func TestBuild_LayoutErrors(t *testing.T) {
	b := newBuilder(t)
	ctx := context.Background()

	for _, name := range []string{"../escape.py", "../../etc/passwd.py", "/abs/main.py", "../run.py", "notes.txt"} {
		t.Run(name, func(t *testing.T) {
			_, err := b.Build(ctx, "run-4", stitcher.StitchedArtifact{Source: "x = 1\n", Filename: name}, nil)
			var le *pipeline.LayoutError
			require.ErrorAs(t, err, &le)
		})
	}

	_, err := b.Build(ctx, "../up", stitcher.StitchedArtifact{Source: "x = 1\n"}, nil)
	var le *pipeline.LayoutError
	require.ErrorAs(t, err, &le)

	entries, err := os.ReadDir(b.cfg.WorkspaceRoot)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBuild_UnresolvableDependency(t *testing.T) {
	b := newBuilder(t)
	_, err := b.Build(context.Background(), "run-5", stitcher.StitchedArtifact{Source: "x = 1\n"}, []string{"-bad-"})

	var de *pipeline.DependencyResolutionError
	require.ErrorAs(t, err, &de)
	assert.NoDirExists(t, b.Dir("run-5"))
}

type failingSnapshotter struct{}

func (failingSnapshotter) Snapshot(context.Context, string) (string, error) {
	return "", errors.New("disk full")
}

func TestBuild_RollsBackOnFailure(t *testing.T) {
	b := newBuilder(t, WithSnapshotter(failingSnapshotter{}))

	_, err := b.Build(context.Background(), "run-6", stitcher.StitchedArtifact{Source: "x = 1\n"}, nil)
	require.Error(t, err)
	assert.NoDirExists(t, b.Dir("run-6"))
}

func TestBuild_ReplacesPreviousBuild(t *testing.T) {
	b := newBuilder(t)
	ctx := context.Background()

	_, err := b.Build(ctx, "run-7", stitcher.StitchedArtifact{Source: "x = 1\n", Filename: "old.py"}, nil)
	require.NoError(t, err)
	desc, err := b.Build(ctx, "run-7", stitcher.StitchedArtifact{Source: "x = 2\n", Filename: "new.py"}, nil)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(desc.Root, "app", "old.py"))
	assert.FileExists(t, filepath.Join(desc.Root, "app", "new.py"))
}

func TestBuild_GitSnapshotRecordsRevision(t *testing.T) {
	b := newBuilder(t, WithSnapshotter(NewGitSnapshotter()))

	desc, err := b.Build(context.Background(), "run-8", stitcher.StitchedArtifact{Source: "x = 1\n"}, nil)
	require.NoError(t, err)
	require.Len(t, desc.Revision, 40)

	repo, err := git.PlainOpen(desc.Root)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, desc.Revision, head.Hash().String())
}

func TestBuild_NestedFilename(t *testing.T) {
	b := newBuilder(t)
	desc, err := b.Build(context.Background(), "run-9", stitcher.StitchedArtifact{Source: "x = 1\n", Filename: "tools/convert.py"}, nil)
	require.NoError(t, err)
	assert.Contains(t, desc.Files, "app/tools/convert.py")

	script, err := os.ReadFile(filepath.Join(desc.Root, "run.py"))
	require.NoError(t, err)
	assert.Contains(t, string(script), `"tools/convert.py"`)
}

func TestResolve(t *testing.T) {
	cases := []struct {
		in   string
		want string
		skip bool
	}{
		{"PIL", "Pillow", false},
		{"sklearn", "scikit-learn", false},
		{"jwt", "PyJWT", false},
		{"fitz", "pymupdf", false},
		{"requests", "requests", false},
		{"zope.interface", "zope.interface", false},
		{"json", "", true},
		{"os.path", "", true},
		{"reliability", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			dep, skip, err := Resolve(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.skip, skip)
			assert.Equal(t, tc.want, dep.Distribution)
		})
	}

	_, _, err := Resolve("-bad-")
	var de *pipeline.DependencyResolutionError
	assert.ErrorAs(t, err, &de)
}

func TestScanImports(t *testing.T) {
	names, err := scanImports(context.Background(), []byte(artifactSource))
	require.NoError(t, err)

	assert.Equal(t, []string{"reliability", "os", "json", "numpy", "PIL", "yaml", "cv2"}, names)
}

func TestRequirementsFrom(t *testing.T) {
	got := requirementsFrom("\"\"\"\nRequirements: a, b , 'c'\n\"\"\"\n# Requirements: d\nx = 'no Requirements: here'\n")
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestCleanRelative(t *testing.T) {
	ok, err := cleanRelative("app/./x/../main.py")
	require.NoError(t, err)
	assert.Equal(t, "app/main.py", ok)

	for _, bad := range []string{"", "..", "../x", "/x", "a/../../x"} {
		_, err := cleanRelative(bad)
		assert.Error(t, err, bad)
		assert.True(t, strings.Contains(err.Error(), "invalid layout path"), bad)
	}
}
