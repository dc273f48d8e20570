package selfimprove

import (
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// GitOps is the git capability SelfImprovementDriver depends on: a
// pre-change checkpoint and a post-rollback hard reset. It is narrowed
// to an interface so tests can substitute a fake rather than touching a
// real repository.
type GitOps interface {
	// Checkpoint returns the current commit hash and branch name for
	// repoPath. ok is false if repoPath isn't a git working tree.
	Checkpoint(repoPath string) (commit, branch string, ok bool)
	// ResetHard resets repoPath to commit. Returns false if the reset
	// could not be performed (no repo, detached ref, etc).
	ResetHard(repoPath, commit string) bool
}

// goGit implements GitOps against a real working tree using go-git, so
// no `git` binary needs to be on PATH.
type goGit struct{}

// NewGitOps creates the production GitOps implementation.
func NewGitOps() GitOps { return goGit{} }

func (goGit) Checkpoint(repoPath string) (string, string, bool) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", "", false
	}
	head, err := repo.Head()
	if err != nil {
		return "", "", false
	}
	branch := ""
	if head.Name().IsBranch() {
		branch = head.Name().Short()
	}
	return head.Hash().String(), branch, true
}

func (goGit) ResetHard(repoPath, commit string) bool {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return false
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false
	}
	if commit == "" {
		return false
	}
	err = wt.Reset(&git.ResetOptions{
		Commit: plumbing.NewHash(commit),
		Mode:   git.HardReset,
	})
	return err == nil
}
