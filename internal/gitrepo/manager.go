// Package gitrepo keeps the on-disk challenge repository synchronized with
// its remote and lets the controller commit and push descriptor edits.
//
// All operations take a process-wide lock: the working tree is shared state
// and only one git operation may be in flight at a time. Authentication is
// SSH-key only; any remote that would require another credential type is
// refused outright.
package gitrepo

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/arcs-ctf/deployd/internal/domain"
	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// CommitAuthor is the author name on every commit the controller creates.
const CommitAuthor = "ARCS Admin Panel"

// descriptorFile is the per-challenge file whose presence marks a directory
// as a challenge.
const descriptorFile = "chall.yaml"

// ErrMergeConflict is wrapped when a fetch brings diverged history. The merge
// policy never prioritizes the remote, so divergence is refused and rolled
// back rather than resolved.
var ErrMergeConflict = errors.New("merge conflict: local and remote history diverged")

// Manager serializes git operations against the challenge repository.
type Manager struct {
	mu         sync.Mutex
	branch     string
	email      string
	sshKeyPath string

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Manager for the configured branch, author email, and SSH key.
func New(branch, email, sshKeyPath string) *Manager {
	return &Manager{branch: branch, email: email, sshKeyPath: sshKeyPath, now: time.Now}
}

// auth returns the transport credentials for the given remote endpoint.
// SSH remotes get public-key auth from the configured key file; local
// filesystem remotes need none; anything else is refused; the controller
// never supplies passwords or tokens to git.
func (m *Manager) auth(remoteURL string) (transport.AuthMethod, error) {
	ep, err := transport.NewEndpoint(remoteURL)
	if err != nil {
		return nil, domain.NewGitError("open", err)
	}
	switch ep.Protocol {
	case "ssh":
		keys, err := gitssh.NewPublicKeysFromFile("git", m.sshKeyPath, "")
		if err != nil {
			return nil, domain.NewGitError("open", fmt.Errorf("load ssh key %s: %w", m.sshKeyPath, err))
		}
		return keys, nil
	case "file":
		return nil, nil
	default:
		return nil, domain.NewGitError("open", fmt.Errorf("remote %q: only ssh-key authentication is supported", remoteURL))
	}
}

// EnsureUpToDate synchronizes the local repository with origin.
//
// Unstaged and untracked changes are first folded into a synthetic local
// auto-commit so nothing in the working tree can be lost. HEAD is then
// snapshotted; if the subsequent fetch produces a merge failure the branch is
// hard-reset to that snapshot and the error propagated.
//
// The returned bool reports remote connectivity: false means origin was
// unreachable and the repository is being used in local-only mode.
func (m *Manager) EnsureUpToDate(path string, meta domain.RequestMeta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	repo, err := git.PlainOpen(path)
	if err != nil {
		return false, domain.NewGitError("open", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, domain.NewGitError("open", err)
	}

	if err := m.autoCommitLocal(wt, meta); err != nil {
		return false, err
	}

	headRef, err := repo.Head()
	if err != nil {
		return false, domain.NewGitError("open", err)
	}
	snapshot := headRef.Hash()

	remote, err := repo.Remote(git.DefaultRemoteName)
	if err != nil {
		return false, domain.NewGitError("open", err)
	}
	authMethod, err := m.auth(remote.Config().URLs[0])
	if err != nil {
		return false, err
	}

	// Connectivity probe. An unreachable remote is not an error: the caller
	// keeps working locally and skips the push later.
	if _, err := remote.List(&git.ListOptions{Auth: authMethod}); err != nil {
		slog.Warn("git remote unreachable, continuing offline",
			"remote", remote.Config().URLs[0], "chall", meta.ChallName, "error", err)
		return false, nil
	}

	refspec := gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", m.branch, m.branch))
	err = repo.Fetch(&git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   []gitconfig.RefSpec{refspec},
		Auth:       authMethod,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return true, domain.NewGitError("fetch", err)
	}

	if err := m.mergeFetched(repo, wt, snapshot); err != nil {
		// Roll back to the pre-fetch snapshot before surfacing the failure.
		if resetErr := wt.Reset(&git.ResetOptions{Commit: snapshot, Mode: git.HardReset}); resetErr != nil {
			slog.Error("git rollback failed", "snapshot", snapshot, "error", resetErr)
		}
		return true, err
	}

	return true, nil
}

// autoCommitLocal folds any working-tree changes into a local commit whose
// message lists the changed paths.
func (m *Manager) autoCommitLocal(wt *git.Worktree, meta domain.RequestMeta) error {
	status, err := wt.Status()
	if err != nil {
		return domain.NewGitError("open", err)
	}
	if status.IsClean() {
		return nil
	}

	paths := make([]string, 0, len(status))
	for p := range status {
		paths = append(paths, p)
		if _, err := wt.Add(p); err != nil {
			return domain.NewGitError("commit", fmt.Errorf("stage %s: %w", p, err))
		}
	}

	msg := "local auto-commit: " + strings.Join(paths, ", ")
	if _, err := wt.Commit(msg, &git.CommitOptions{Author: m.signature()}); err != nil {
		return domain.NewGitError("commit", err)
	}
	slog.Info("folded working-tree changes into local auto-commit",
		"paths", len(paths), "chall", meta.ChallName)
	return nil
}

// mergeFetched reconciles the local branch with the fetched remote ref.
// Up to date is a noop; remote-ahead fast-forwards; anything else is a
// conflict under the refuse-on-conflict policy.
func (m *Manager) mergeFetched(repo *git.Repository, wt *git.Worktree, local plumbing.Hash) error {
	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName(git.DefaultRemoteName, m.branch), true)
	if err != nil {
		// Remote branch does not exist yet; nothing to merge.
		return nil
	}
	remoteHash := remoteRef.Hash()
	if remoteHash == local {
		return nil
	}

	localCommit, err := repo.CommitObject(local)
	if err != nil {
		return domain.NewGitError("merge", err)
	}
	remoteCommit, err := repo.CommitObject(remoteHash)
	if err != nil {
		return domain.NewGitError("merge", err)
	}

	if ancestor, err := localCommit.IsAncestor(remoteCommit); err != nil {
		return domain.NewGitError("merge", err)
	} else if ancestor {
		// Fast-forward: move the branch and check out the new tree.
		if err := wt.Reset(&git.ResetOptions{Commit: remoteHash, Mode: git.HardReset}); err != nil {
			return domain.NewGitError("merge", fmt.Errorf("fast-forward: %w", err))
		}
		return nil
	}

	if ancestor, err := remoteCommit.IsAncestor(localCommit); err != nil {
		return domain.NewGitError("merge", err)
	} else if ancestor {
		// Local is ahead; push will reconcile.
		return nil
	}

	return domain.NewGitError("merge", ErrMergeConflict)
}

// MakeCommit stages the given repository-relative paths and commits them.
func (m *Manager) MakeCommit(path string, files []string, message string, meta domain.RequestMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	repo, err := git.PlainOpen(path)
	if err != nil {
		return domain.NewGitError("open", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return domain.NewGitError("open", err)
	}

	for _, f := range files {
		if _, err := wt.Add(f); err != nil {
			return domain.NewGitError("commit", fmt.Errorf("stage %s: %w", f, err))
		}
	}

	hash, err := wt.Commit(message, &git.CommitOptions{Author: m.signature()})
	if err != nil {
		return domain.NewGitError("commit", err)
	}
	slog.Info("created commit", "hash", hash.String()[:8], "chall", meta.ChallName, "message", message)
	return nil
}

// PushAll pushes the active branch to origin.
func (m *Manager) PushAll(path string, meta domain.RequestMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	repo, err := git.PlainOpen(path)
	if err != nil {
		return domain.NewGitError("open", err)
	}
	remote, err := repo.Remote(git.DefaultRemoteName)
	if err != nil {
		return domain.NewGitError("push", err)
	}
	authMethod, err := m.auth(remote.Config().URLs[0])
	if err != nil {
		return err
	}

	err = repo.Push(&git.PushOptions{
		RemoteName: git.DefaultRemoteName,
		Auth:       authMethod,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return domain.NewGitError("push", err)
	}
	slog.Info("pushed branch to origin", "branch", m.branch, "chall", meta.ChallName)
	return nil
}

// ListChallNames walks HEAD's tree and returns the directories (one level
// deep, root excluded) that contain a chall.yaml.
func (m *Manager) ListChallNames(path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, domain.NewGitError("open", err)
	}
	headRef, err := repo.Head()
	if err != nil {
		return nil, domain.NewGitError("open", err)
	}
	commit, err := repo.CommitObject(headRef.Hash())
	if err != nil {
		return nil, domain.NewGitError("open", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, domain.NewGitError("open", err)
	}

	var names []string
	for _, entry := range tree.Entries {
		if !entry.Mode.IsFile() {
			sub, err := tree.Tree(entry.Name)
			if err != nil {
				continue
			}
			if _, err := sub.File(descriptorFile); err == nil {
				names = append(names, entry.Name)
			}
		}
	}
	return names, nil
}

func (m *Manager) signature() *object.Signature {
	return &object.Signature{
		Name:  CommitAuthor,
		Email: m.email,
		When:  m.now(),
	}
}
