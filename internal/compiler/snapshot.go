package compiler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Snapshotter records the materialized tree and returns a revision id.
type Snapshotter interface {
	Snapshot(ctx context.Context, root string) (string, error)
}

// GitSnapshotter commits the workspace into a fresh git repository at its
// root. The commit hash is the environment revision.
type GitSnapshotter struct {
	AuthorName  string
	AuthorEmail string
	Now         func() time.Time
}

// NewGitSnapshotter returns a snapshotter with forgeline's author identity.
func NewGitSnapshotter() *GitSnapshotter {
	return &GitSnapshotter{
		AuthorName:  "forgeline",
		AuthorEmail: "forgeline@localhost",
		Now:         time.Now,
	}
}

func (g *GitSnapshotter) Snapshot(ctx context.Context, root string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	repo, err := git.PlainInit(root, false)
	if err != nil {
		return "", fmt.Errorf("init snapshot repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage workspace: %w", err)
	}

	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	hash, err := wt.Commit("forgeline build", &git.CommitOptions{
		Author: &object.Signature{Name: g.AuthorName, Email: g.AuthorEmail, When: now()},
	})
	if err != nil {
		return "", fmt.Errorf("commit snapshot: %w", err)
	}
	return hash.String(), nil
}
