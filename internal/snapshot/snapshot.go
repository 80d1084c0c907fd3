// Package snapshot implements the Snapshot Coordinator (C7): after
// every mutating tool call, it syncs the sandbox container's working
// tree into the repository adapter's per-branch worktree, derives a
// commit message from the trigger, and calls CommitWorkingDelta,
// skipping silently when there is no delta (no empty commits).
package snapshot

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"litterbox/internal/compute"
	"litterbox/internal/repo"
)

// TriggerKind identifies which mutating tool produced the delta.
type TriggerKind string

const (
	TriggerWrite TriggerKind = "write"
	TriggerPatch TriggerKind = "patch"
	TriggerShell TriggerKind = "shell"
)

const maxMessageBytes = 72

// WorktreeSyncer exposes the one CLIAdapter-specific operation the
// coordinator needs beyond the narrow repo.Adapter contract: the path
// to sync container files into before staging. Tests pass nil for
// sync when exercising a Fake repo.Adapter that stages files
// directly, so the coordinator never imports a concrete adapter type.
type WorktreeSyncer interface {
	WorktreePath(branch string) (string, error)
}

// Coordinator is C7.
type Coordinator struct {
	log     *zap.Logger
	compute compute.Adapter
	repo    repo.Adapter
	sync    WorktreeSyncer
}

// New builds a Coordinator. sync may be nil if repoAdapter does not
// support worktree syncing (e.g. a pure in-memory Fake in tests that
// stages files directly).
func New(log *zap.Logger, c compute.Adapter, r repo.Adapter, sync WorktreeSyncer) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{log: log, compute: c, repo: r, sync: sync}
}

// Snapshot derives a commit message from (trigger, payload), syncs
// the container's /src tree into the branch's worktree if a syncer is
// configured, and commits the delta. It returns ("", nil) when there
// was no delta — not an error, per invariant 4.
func (co *Coordinator) Snapshot(ctx context.Context, containerID, branch string, trigger TriggerKind, payload string) (string, error) {
	message := deriveMessage(trigger, payload)

	if co.sync != nil {
		if err := co.syncWorktree(ctx, containerID, branch); err != nil {
			return "", fmt.Errorf("snapshot %s: sync worktree: %w", branch, err)
		}
	}

	commitID, err := co.repo.CommitWorkingDelta(branch, message)
	if err != nil {
		// Per §4.7 step 3: surfaced as a warning, not a rollback of
		// the already-observed container mutation. Callers (the Tool
		// Dispatcher) decide whether to attach this as a response
		// warning or mark the record Error on branch inconsistency.
		return "", fmt.Errorf("snapshot %s: %w", branch, err)
	}
	return commitID, nil
}

func (co *Coordinator) syncWorktree(ctx context.Context, containerID, branch string) error {
	wt, err := co.sync.WorktreePath(branch)
	if err != nil {
		return err
	}

	rc, err := co.compute.DownloadTar(ctx, containerID, "/src")
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := clearWorktree(wt); err != nil {
		return err
	}
	return extractTar(rc, wt)
}

// clearWorktree removes every worktree entry except .git so a file
// deleted inside the container (by a /dev/null patch or by shell) is absent after
// extraction too, instead of surviving as a stale leftover that
// git add -A would never stage as a deletion.
func clearWorktree(destRoot string) error {
	entries, err := os.ReadDir(destRoot)
	if err != nil {
		return fmt.Errorf("clear worktree %s: %w", destRoot, err)
	}
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(destRoot, e.Name())); err != nil {
			return fmt.Errorf("clear worktree %s: remove %s: %w", destRoot, e.Name(), err)
		}
	}
	return nil
}

func extractTar(r io.Reader, destRoot string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("extract tar: %w", err)
		}

		name := strings.TrimPrefix(hdr.Name, "src/")
		name = strings.TrimPrefix(name, "/src/")
		if name == "" || name == "." {
			continue
		}
		target := filepath.Join(destRoot, filepath.Clean("/"+name)[1:])

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("extract tar: mkdir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("extract tar: mkdir %s: %w", filepath.Dir(target), err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("extract tar: open %s: %w", target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("extract tar: write %s: %w", target, err)
			}
			f.Close()
		}
	}
	return nil
}

func deriveMessage(trigger TriggerKind, payload string) string {
	msg := string(trigger) + ": " + payload
	msg = strings.TrimRight(msg, "\n")
	if len(msg) > maxMessageBytes {
		msg = msg[:maxMessageBytes]
	}
	return msg
}
