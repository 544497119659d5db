// Package workspace identifies the project conductor runs in, so a stored
// session token can be found again by the next run in the same place.
package workspace

import (
	cryptorand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/oklog/ulid/v2"
)

// Identity describes a workspace.
type Identity struct {
	// Key is stable for the same directory (and branch, inside git).
	Key string
	// Root is the repository root, or the directory itself outside git.
	Root     string
	RepoName string
	Branch   string
	IsGit    bool
}

var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9\-_.]`)

// Detect identifies the workspace containing dir.
func Detect(dir string) Identity {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	if info := defaultDetector.metadata(abs); info.valid {
		branch := info.branch
		if branch == "" {
			branch = "unknown"
		}
		return Identity{
			Key:      sanitize(fmt.Sprintf("%s-%s-%s", info.repoName, branch, shortHash(info.rootPath))),
			Root:     info.rootPath,
			RepoName: info.repoName,
			Branch:   branch,
			IsGit:    true,
		}
	}

	return Identity{
		Key:  sanitize(fmt.Sprintf("%s-%s", filepath.Base(abs), shortHash(abs))),
		Root: abs,
	}
}

// Current identifies the workspace of the working directory.
func Current() Identity {
	cwd, err := os.Getwd()
	if err != nil {
		return Identity{Key: fmt.Sprintf("default-%s", shortHash(fmt.Sprintf("%d", os.Getpid())))}
	}
	return Detect(cwd)
}

func sanitize(s string) string {
	return keySanitizer.ReplaceAllString(s, "-")
}

func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:4])
}

var runNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9\-]`)
var ulidEntropy = ulid.Monotonic(cryptorand.Reader, 0)
var entropyMu sync.Mutex

// NewRunID returns a unique, sortable id for one conductor process, used to
// name its log file.
func NewRunID(base string) string {
	base = strings.TrimSpace(base)
	base = strings.ToLower(strings.ReplaceAll(base, " ", "-"))
	base = runNameSanitizer.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "run"
	}

	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
	entropyMu.Unlock()
	return fmt.Sprintf("%s-%s", base, strings.ToLower(id))
}

type gitMetadata struct {
	repoName string
	branch   string
	rootPath string
	valid    bool
}

// repoOpener finds the repository enclosing a directory.
type repoOpener func(dir string) (*git.Repository, error)

func openEnclosing(dir string) (*git.Repository, error) {
	return git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
}

type gitDetector struct {
	open  repoOpener
	cache sync.Map
}

var defaultDetector = &gitDetector{open: openEnclosing}

func (d *gitDetector) metadata(dir string) gitMetadata {
	if dir == "" {
		return gitMetadata{}
	}
	if cached, ok := d.cache.Load(dir); ok {
		return cached.(gitMetadata)
	}

	info := gitMetadata{}
	repo, err := d.open(dir)
	if err == nil {
		if wt, werr := repo.Worktree(); werr == nil {
			info.rootPath = wt.Filesystem.Root()
			info.repoName = filepath.Base(info.rootPath)
			info.branch = currentBranch(repo)
			info.valid = info.rootPath != ""
		}
	}
	d.cache.Store(dir, info)
	return info
}

// currentBranch reads HEAD without requiring a commit, so a freshly
// initialised repository still reports its branch.
func currentBranch(repo *git.Repository) string {
	ref, err := repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return ""
	}
	if ref.Type() == plumbing.SymbolicReference {
		return ref.Target().Short()
	}
	// Detached HEAD
	hash := ref.Hash().String()
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return hash
}
