// Package vcs wraps the version-control storage engine behind the three
// primitives the lock protocol needs: fetch a file from a branch, commit
// and push a new version of it, and make sure the branch exists. Push
// rejection on a non-fast-forward update is the protocol's compare-and-swap
// primitive; nothing here bypasses it.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/bundlelock/bundlelock/internal/resilience"
)

// Backend defines the interface for branch-level VCS operations.
//
//go:generate mockgen -destination=mocks/mock_backend.go -package=mocks -source=client.go Backend
type Backend interface {
	// EnsureBranch makes sure the branch exists on the remote, creating it
	// with an initial empty commit if necessary.
	EnsureBranch(ctx context.Context, branch string) error

	// FetchFile fetches the branch and returns the content of path at its
	// tip. Returns ErrBranchNotFound or ErrFileNotFound as appropriate.
	FetchFile(ctx context.Context, branch, path string) ([]byte, error)

	// CommitAndPush writes data to path on top of the last fetched tip of
	// branch, commits, and pushes without force. A concurrent writer
	// surfaces as ErrPushConflict.
	CommitAndPush(ctx context.Context, branch, path string, data []byte, message string) error
}

// gitBackend implements Backend using go-git with in-memory storage. The
// repository state is only a cache of the remote; every mutation starts
// from a fresh fetch.
type gitBackend struct {
	mu sync.Mutex

	cfg      *Config
	repo     *git.Repository
	worktree billy.Filesystem
}

// NewGitBackend creates a Backend for the configured remote.
func NewGitBackend(cfg *Config) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vcs config: %w", err)
	}
	return &gitBackend{cfg: cfg}, nil
}

// EnsureBranch makes sure the branch exists on the remote.
func (b *gitBackend) EnsureBranch(ctx context.Context, branch string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.fetch(ctx, branch)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrBranchNotFound) {
		return err
	}

	slog.Info("Creating branch on remote", "branch", branch)
	return b.commitAndPush(ctx, branch, ".gitkeep", []byte{}, "Initialize branch")
}

// FetchFile fetches the branch and reads path from its tip.
func (b *gitBackend) FetchFile(ctx context.Context, branch, path string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fetch(ctx, branch); err != nil {
		return nil, err
	}

	commit, err := b.remoteTipCommit(branch)
	if err != nil {
		return nil, err
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to get tree for branch %s: %w", branch, err)
	}

	file, err := tree.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, fmt.Errorf("%w: %s@%s", ErrFileNotFound, path, branch)
		}
		return nil, fmt.Errorf("failed to get file %s: %w", path, err)
	}

	content, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("failed to read file contents: %w", err)
	}
	return []byte(content), nil
}

// CommitAndPush writes data to path on the branch and pushes.
func (b *gitBackend) CommitAndPush(ctx context.Context, branch, path string, data []byte, message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commitAndPush(ctx, branch, path, data, message)
}

// commitAndPush builds a commit on top of the last fetched remote tip and
// pushes it fast-forward-only. Callers must hold b.mu.
func (b *gitBackend) commitAndPush(ctx context.Context, branch, path string, data []byte, message string) error {
	repo, err := b.repository()
	if err != nil {
		return err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	localRef := plumbing.NewBranchReferenceName(branch)
	if tip, tipErr := b.remoteTip(branch); tipErr == nil {
		// Base the new commit on the fetched remote tip.
		if err := repo.Storer.SetReference(plumbing.NewHashReference(localRef, tip)); err != nil {
			return fmt.Errorf("failed to update local branch ref: %w", err)
		}
		if err := worktree.Checkout(&git.CheckoutOptions{Branch: localRef, Force: true}); err != nil {
			return fmt.Errorf("failed to checkout branch %s: %w", branch, err)
		}
	} else {
		// Remote branch does not exist yet; start an orphan history.
		if err := worktree.Checkout(&git.CheckoutOptions{Branch: localRef, Create: true, Force: true}); err != nil &&
			!errors.Is(err, git.ErrBranchExists) {
			return fmt.Errorf("failed to create branch %s: %w", branch, err)
		}
	}

	if err := util.WriteFile(b.worktree, path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if _, err := worktree.Add(path); err != nil {
		return fmt.Errorf("failed to stage %s: %w", path, err)
	}

	_, err = worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  b.cfg.CommitterName,
			Email: b.cfg.CommitterEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	refspec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{refspec},
		Auth:       b.auth(),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return classifyRemoteError(err)
	}

	slog.Debug("Pushed branch", "branch", branch, "path", path)
	return nil
}

// fetch updates the remote-tracking ref for branch. Callers must hold b.mu.
func (b *gitBackend) fetch(ctx context.Context, branch string) error {
	repo, err := b.repository()
	if err != nil {
		return err
	}

	refspec := gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch))
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{refspec},
		Auth:       b.auth(),
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		if isMissingBranch(err) {
			return fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
		}
		return classifyRemoteError(err)
	}
	return nil
}

// repository lazily initializes the in-memory repository with the remote
// configured. Callers must hold b.mu.
func (b *gitBackend) repository() (*git.Repository, error) {
	if b.repo != nil {
		return b.repo, nil
	}

	worktree := memfs.New()
	repo, err := git.Init(memory.NewStorage(), worktree)
	if err != nil {
		return nil, fmt.Errorf("failed to init repository: %w", err)
	}

	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{b.cfg.RemoteURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure remote: %w", err)
	}

	b.repo = repo
	b.worktree = worktree
	return repo, nil
}

// remoteTip returns the hash of the remote-tracking ref for branch.
func (b *gitBackend) remoteTip(branch string) (plumbing.Hash, error) {
	ref, err := b.repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	return ref.Hash(), nil
}

// remoteTipCommit returns the commit at the remote-tracking ref for branch.
func (b *gitBackend) remoteTipCommit(branch string) (*object.Commit, error) {
	hash, err := b.remoteTip(branch)
	if err != nil {
		return nil, err
	}
	commit, err := b.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get commit %s: %w", hash, err)
	}
	return commit, nil
}

// auth builds the transport auth method, or nil when unauthenticated.
func (b *gitBackend) auth() transport.AuthMethod {
	if b.cfg.Auth == nil || b.cfg.Auth.Username == "" {
		return nil
	}
	return &githttp.BasicAuth{
		Username: b.cfg.Auth.Username,
		Password: b.cfg.Auth.Password,
	}
}

// classifyRemoteError maps go-git transport failures onto the protocol's
// error taxonomy and marks them for the retry classifier.
func classifyRemoteError(err error) error {
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return resilience.MarkPermanent(fmt.Errorf("%w: %v", ErrAuth, err))
	case isNonFastForward(err):
		// The CAS loop, not the retry executor, handles this one.
		return resilience.MarkPermanent(fmt.Errorf("%w: %v", ErrPushConflict, err))
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return resilience.MarkPermanent(fmt.Errorf("remote repository not found: %w", err))
	default:
		return err
	}
}

// isNonFastForward detects a push rejected for being behind the branch tip.
// go-git reports this per-ref without a matchable sentinel.
func isNonFastForward(err error) bool {
	return err != nil && strings.Contains(err.Error(), "non-fast-forward")
}

// isMissingBranch detects a fetch of a branch the remote does not have.
func isMissingBranch(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, plumbing.ErrReferenceNotFound) || errors.Is(err, git.NoMatchingRefSpecError{}) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "couldn't find remote ref") ||
		strings.Contains(msg, "no matching ref")
}
