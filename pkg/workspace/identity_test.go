package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectUsesGitRootAndBranch(t *testing.T) {
	root := t.TempDir()
	repo, err := git.PlainInit(root, false)
	require.NoError(t, err)
	require.NoError(t, repo.Storer.SetReference(
		plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("feature/setup")),
	))

	sub := filepath.Join(root, "src", "app")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	id := Detect(sub)

	assert.True(t, id.IsGit)
	assert.Equal(t, filepath.Base(root), id.RepoName)
	assert.Equal(t, "feature/setup", id.Branch)
	assert.NotContains(t, id.Key, "/")
	assert.True(t, strings.HasPrefix(id.Key, filepath.Base(root)+"-feature-setup-"), id.Key)

	// Any directory inside the repo maps to the same key.
	assert.Equal(t, id.Key, Detect(root).Key)
}

func TestDetectFallsBackOutsideGit(t *testing.T) {
	dir := t.TempDir()

	id := Detect(dir)

	assert.False(t, id.IsGit)
	assert.Equal(t, dir, id.Root)
	assert.True(t, strings.HasPrefix(id.Key, filepath.Base(dir)+"-"), id.Key)
	assert.Equal(t, id.Key, Detect(dir).Key, "stable across calls")
}

func TestDetectCachesPerDirectory(t *testing.T) {
	calls := 0
	det := &gitDetector{open: func(dir string) (*git.Repository, error) {
		calls++
		return nil, git.ErrRepositoryNotExists
	}}

	det.metadata("/somewhere")
	det.metadata("/somewhere")
	det.metadata("/elsewhere")

	assert.Equal(t, 2, calls)
}

func TestNewRunID(t *testing.T) {
	tests := []struct {
		base   string
		prefix string
	}{
		{"", "run-"},
		{"My Project", "my-project-"},
		{"a/b:c", "a-b-c-"},
	}
	for _, tt := range tests {
		id := NewRunID(tt.base)
		if !strings.HasPrefix(id, tt.prefix) {
			t.Errorf("NewRunID(%q) = %q, want prefix %q", tt.base, id, tt.prefix)
		}
	}

	assert.NotEqual(t, NewRunID("x"), NewRunID("x"))
	assert.Less(t, NewRunID("x"), NewRunID("x"), "ids sort by creation")
}
