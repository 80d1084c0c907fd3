package repo

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"litterbox/internal/errs"
)

// CLIAdapter shells out to the host's git binary, in the same idiom
// as a minimal git-info reader: exec.Command with cmd.Dir set to the
// target directory, stdout/stderr captured into buffers, non-zero
// exit wrapped with %w. It satisfies Adapter without binding to any
// native git library.
//
// commit_working_delta needs a working tree to stage against, but
// invariant 5 forbids writing container mutations into repoRoot
// itself. CLIAdapter instead maintains one git worktree per branch
// under worktreeRoot (created lazily via `git worktree add`); callers
// (the Snapshot Coordinator) sync container contents into that
// worktree directory before calling CommitWorkingDelta.
type CLIAdapter struct {
	repoRoot     string
	worktreeRoot string

	mu        sync.Mutex
	worktrees map[string]string // branch -> worktree path
}

// NewCLIAdapter returns an Adapter rooted at repoRoot, maintaining
// per-branch worktrees under worktreeRoot.
func NewCLIAdapter(repoRoot, worktreeRoot string) *CLIAdapter {
	return &CLIAdapter{
		repoRoot:     repoRoot,
		worktreeRoot: worktreeRoot,
		worktrees:    make(map[string]string),
	}
}

func (a *CLIAdapter) run(dir string, args ...string) (string, string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func (a *CLIAdapter) HeadRef() (string, error) {
	out, stderr, err := a.run(a.repoRoot, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("head_ref: %s: %w", strings.TrimSpace(stderr), err)
	}
	return strings.TrimSpace(out), nil
}

func (a *CLIAdapter) CreateBranch(name, base string) error {
	_, stderr, err := a.run(a.repoRoot, "branch", name, base)
	if err != nil {
		msg := strings.ToLower(stderr)
		if strings.Contains(msg, "already exists") {
			return fmt.Errorf("create_branch %s: %w", name, errs.ErrBranchExists)
		}
		if strings.Contains(msg, "not a valid object name") || strings.Contains(msg, "unknown revision") {
			return fmt.Errorf("create_branch %s from %s: %w", name, base, errs.ErrBaseMissing)
		}
		return fmt.Errorf("create_branch %s: %s: %w", name, strings.TrimSpace(stderr), errs.ErrRepositoryFailure)
	}
	return nil
}

func (a *CLIAdapter) DeleteBranch(name string) error {
	a.mu.Lock()
	wt, hadWorktree := a.worktrees[name]
	delete(a.worktrees, name)
	a.mu.Unlock()

	if hadWorktree {
		_, _, _ = a.run(a.repoRoot, "worktree", "remove", "--force", wt)
	}

	_, stderr, err := a.run(a.repoRoot, "branch", "-D", name)
	if err != nil {
		msg := strings.ToLower(stderr)
		if strings.Contains(msg, "not found") || strings.Contains(msg, "no such branch") {
			return fmt.Errorf("delete_branch %s: %w", name, errs.ErrBranchMissing)
		}
		return fmt.Errorf("delete_branch %s: %s: %w", name, strings.TrimSpace(stderr), errs.ErrRepositoryFailure)
	}
	return nil
}

func (a *CLIAdapter) ExportTreeTar(ref string) (io.ReadCloser, error) {
	cmd := exec.Command("git", "archive", "--format=tar", ref)
	cmd.Dir = a.repoRoot
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("export_tree_tar %s: %w: %w", ref, errs.ErrRepositoryFailure, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("export_tree_tar %s: %w: %w", ref, errs.ErrRepositoryFailure, err)
	}

	return &waitReadCloser{rc: stdout, cmd: cmd, stderr: &stderr, ref: ref}, nil
}

type waitReadCloser struct {
	rc     io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	ref    string
}

func (w *waitReadCloser) Read(p []byte) (int, error) { return w.rc.Read(p) }

func (w *waitReadCloser) Close() error {
	_ = w.rc.Close()
	if err := w.cmd.Wait(); err != nil {
		msg := strings.ToLower(w.stderr.String())
		if strings.Contains(msg, "not a valid object") || strings.Contains(msg, "unknown revision") {
			return fmt.Errorf("export_tree_tar %s: %w", w.ref, errs.ErrRefMissing)
		}
		return fmt.Errorf("export_tree_tar %s: %s: %w", w.ref, strings.TrimSpace(w.stderr.String()), errs.ErrRepositoryFailure)
	}
	return nil
}

// worktreeFor returns the directory for branch, creating the git
// worktree on first use if it doesn't exist yet.
func (a *CLIAdapter) worktreeFor(branch string) (string, error) {
	a.mu.Lock()
	if wt, ok := a.worktrees[branch]; ok {
		a.mu.Unlock()
		return wt, nil
	}
	a.mu.Unlock()

	safe := strings.NewReplacer("/", "-").Replace(branch)
	wt := filepath.Join(a.worktreeRoot, safe)

	if _, err := os.Stat(wt); os.IsNotExist(err) {
		if err := os.MkdirAll(a.worktreeRoot, 0755); err != nil {
			return "", fmt.Errorf("worktree for %s: %w: %w", branch, errs.ErrRepositoryFailure, err)
		}
		if _, stderr, err := a.run(a.repoRoot, "worktree", "add", wt, branch); err != nil {
			return "", fmt.Errorf("worktree add for %s: %s: %w", branch, strings.TrimSpace(stderr), errs.ErrRepositoryFailure)
		}
	}

	a.mu.Lock()
	a.worktrees[branch] = wt
	a.mu.Unlock()
	return wt, nil
}

func (a *CLIAdapter) CommitWorkingDelta(branch, message string) (string, error) {
	wt, err := a.worktreeFor(branch)
	if err != nil {
		return "", err
	}

	if _, stderr, err := a.run(wt, "add", "-A"); err != nil {
		return "", fmt.Errorf("stage delta on %s: %s: %w", branch, strings.TrimSpace(stderr), errs.ErrRepositoryFailure)
	}

	// "git diff --cached --quiet" exits 1 when there IS a staged
	// delta, 0 when the index matches HEAD — i.e. nothing to commit.
	cmd := exec.Command("git", "diff", "--cached", "--quiet")
	cmd.Dir = wt
	if err := cmd.Run(); err == nil {
		return "", nil // no delta: no empty commit
	}

	if _, stderr, err := a.run(wt, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("commit delta on %s: %s: %w", branch, strings.TrimSpace(stderr), errs.ErrRepositoryFailure)
	}

	out, stderr, err := a.run(wt, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("commit delta on %s: %s: %w", branch, strings.TrimSpace(stderr), errs.ErrRepositoryFailure)
	}
	return strings.TrimSpace(out), nil
}

// WorktreePath exposes the sandbox's worktree directory so the
// Snapshot Coordinator can sync container contents into it before
// calling CommitWorkingDelta.
func (a *CLIAdapter) WorktreePath(branch string) (string, error) {
	return a.worktreeFor(branch)
}
