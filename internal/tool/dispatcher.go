// Package tool implements the Tool Dispatcher (C6): it exposes
// read/write/patch/shell/ls/glob/grep to agents, resolves the target
// sandbox slug through the Sandbox Lifecycle, and — for mutating
// tools — invokes the Snapshot Coordinator synchronously before
// returning, holding the sandbox's per-slug lock across both the
// mutation and its snapshot so the agent never observes two
// mutations out of snapshot order.
package tool

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"litterbox/internal/errs"
	"litterbox/internal/sandbox"
	"litterbox/internal/snapshot"
)

// PathPolicy controls how relative paths passed by the agent are
// handled. Scenario 5 in the testable properties calls for testing
// both.
type PathPolicy int

const (
	// PathPolicyReject returns ErrPathMustBeAbs for any non-absolute
	// path argument.
	PathPolicyReject PathPolicy = iota
	// PathPolicyResolve resolves relative paths against /src.
	PathPolicyResolve
)

// Dispatcher is C6.
type Dispatcher struct {
	log        *zap.Logger
	lifecycle  *sandbox.Lifecycle
	snapshots  *snapshot.Coordinator
	pathPolicy PathPolicy
}

// New builds a Dispatcher.
func New(log *zap.Logger, lc *sandbox.Lifecycle, co *snapshot.Coordinator, policy PathPolicy) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{log: log, lifecycle: lc, snapshots: co, pathPolicy: policy}
}

// Warning is attached to an otherwise-successful mutating-tool result
// when the post-mutation snapshot itself failed (§4.7 step 3: never a
// tool failure).
type Warning struct {
	Message string
}

func (d *Dispatcher) resolvePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path: %w", errs.ErrPathMustBeAbs)
	}
	if strings.HasPrefix(p, "/") {
		return p, nil
	}
	if d.pathPolicy == PathPolicyReject {
		return "", fmt.Errorf("path %q must be absolute: %w", p, errs.ErrPathMustBeAbs)
	}
	return "/src/" + p, nil
}

// Read returns lines [offset, offset+limit) of path, or the whole
// file when offset/limit are both nil.
func (d *Dispatcher) Read(ctx context.Context, sandboxSlug, reqPath string, offset, limit *int) (string, error) {
	p, err := d.resolvePath(reqPath)
	if err != nil {
		return "", err
	}

	var argv []string
	if offset == nil && limit == nil {
		argv = []string{"sh", "-c", "cat " + shellQuote(p)}
	} else {
		o := 0
		if offset != nil {
			o = *offset
		}
		l := 1 << 30
		if limit != nil {
			l = *limit
		}
		if l <= 0 {
			return "", nil
		}
		sedRange := fmt.Sprintf("%d,%dp", o+1, o+l)
		argv = []string{"sh", "-c", "sed -n " + shellQuote(sedRange) + " " + shellQuote(p)}
	}

	res, err := d.lifecycle.Shell(ctx, sandboxSlug, argv, "/src", 0)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("read %s: exit %d: %w", p, res.ExitCode, errs.ErrPathMissing)
	}
	return string(res.Stdout), nil
}

// Ls lists entries under path.
func (d *Dispatcher) Ls(ctx context.Context, sandboxSlug, reqPath string, recursive bool) ([]string, error) {
	p, err := d.resolvePath(reqPath)
	if err != nil {
		return nil, err
	}

	var argv []string
	if recursive {
		argv = []string{"sh", "-c", "find " + shellQuote(p) + " -mindepth 1"}
	} else {
		argv = []string{"sh", "-c", "ls -1 " + shellQuote(p)}
	}

	res, err := d.lifecycle.Shell(ctx, sandboxSlug, argv, "/src", 0)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return []string{}, nil // "not found" shielded from the agent as empty, per §4.6
	}
	return splitNonEmptyLines(string(res.Stdout)), nil
}

// Glob returns paths under optional dir matching pattern.
func (d *Dispatcher) Glob(ctx context.Context, sandboxSlug, pattern, dir string) ([]string, error) {
	base := "/src"
	if dir != "" {
		var err error
		base, err = d.resolvePath(dir)
		if err != nil {
			return nil, err
		}
	}

	argv := []string{"sh", "-c", "find " + shellQuote(base) + " -path " + shellQuote(path.Join(base, pattern))}
	res, err := d.lifecycle.Shell(ctx, sandboxSlug, argv, "/src", 0)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return []string{}, nil
	}
	return splitNonEmptyLines(string(res.Stdout)), nil
}

// Grep returns matching lines for pattern within path, optionally
// restricted to files matching include.
func (d *Dispatcher) Grep(ctx context.Context, sandboxSlug, pattern, reqPath, include string) ([]string, error) {
	p, err := d.resolvePath(reqPath)
	if err != nil {
		return nil, err
	}

	cmd := "grep -rnI -- " + shellQuote(pattern) + " " + shellQuote(p)
	if include != "" {
		cmd = "grep -rnI --include=" + shellQuote(include) + " -- " + shellQuote(pattern) + " " + shellQuote(p)
	}

	res, err := d.lifecycle.Shell(ctx, sandboxSlug, []string{"sh", "-c", cmd}, "/src", 0)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		// grep exits 1 for "no matches" — not an error to shield from
		// the agent, per §4.6.
		return []string{}, nil
	}
	return splitNonEmptyLines(string(res.Stdout)), nil
}

// Write creates/overwrites path with content, creating parent dirs,
// then triggers a snapshot.
func (d *Dispatcher) Write(ctx context.Context, sandboxSlug, reqPath, content string) (Warning, error) {
	p, err := d.resolvePath(reqPath)
	if err != nil {
		return Warning{}, err
	}

	lock, err := d.lifecycle.Lock(sandboxSlug)
	if err != nil {
		return Warning{}, err
	}
	lock.Lock()
	defer lock.Unlock()

	res, err := d.execWithStdin(ctx, sandboxSlug, p, content)
	if err != nil {
		return Warning{}, err
	}
	if res.ExitCode != 0 {
		return Warning{}, fmt.Errorf("write %s: exit %d: %s", p, res.ExitCode, string(res.Stderr))
	}

	return d.snapshotAfter(ctx, sandboxSlug, snapshot.TriggerWrite, p)
}

// Patch applies a unified diff to path. A diff whose new side is
// /dev/null removes the file once its hunks have been verified.
func (d *Dispatcher) Patch(ctx context.Context, sandboxSlug, reqPath, diff string) (Warning, error) {
	p, err := d.resolvePath(reqPath)
	if err != nil {
		return Warning{}, err
	}

	lock, err := d.lifecycle.Lock(sandboxSlug)
	if err != nil {
		return Warning{}, err
	}
	lock.Lock()
	defer lock.Unlock()

	if err := validateSingleFileDiff(diff); err != nil {
		return Warning{}, err
	}

	current, err := d.Read(ctx, sandboxSlug, reqPath, nil, nil)
	if err != nil {
		current = ""
	}

	patched, err := ApplyUnifiedDiff(current, diff)
	if err != nil {
		return Warning{}, fmt.Errorf("patch %s: %w: %w", p, errs.ErrDiffNotApplicable, err)
	}

	var res sandboxResultInternal
	if strings.Contains(diff, "\n+++ /dev/null") {
		rm, rmErr := d.lifecycle.Shell(ctx, sandboxSlug, []string{"sh", "-c", "rm -f " + shellQuote(p)}, "/src", 0)
		res, err = sandboxResultInternal{ExitCode: rm.ExitCode, Stdout: rm.Stdout, Stderr: rm.Stderr}, rmErr
	} else {
		res, err = d.execWithStdin(ctx, sandboxSlug, p, patched)
	}
	if err != nil {
		return Warning{}, err
	}
	if res.ExitCode != 0 {
		return Warning{}, fmt.Errorf("patch %s: exit %d: %s", p, res.ExitCode, string(res.Stderr))
	}

	return d.snapshotAfter(ctx, sandboxSlug, snapshot.TriggerPatch, p)
}

// Shell runs command inside the sandbox then triggers a snapshot —
// cancellation on deadline expiry still triggers the snapshot, per
// §5: partial state is a legitimate delta.
func (d *Dispatcher) Shell(ctx context.Context, sandboxSlug, command, workdir string, timeout time.Duration) (sandboxResult, Warning, error) {
	reqID := uuid.New().String()
	log := d.log.With(zap.String("request_id", reqID), zap.String("sandbox", sandboxSlug))

	lock, err := d.lifecycle.Lock(sandboxSlug)
	if err != nil {
		return sandboxResult{}, Warning{}, err
	}
	lock.Lock()
	defer lock.Unlock()

	wd := workdir
	if wd == "" {
		wd = "/src"
	} else if !strings.HasPrefix(wd, "/") {
		wd = "/src/" + wd
	}

	log.Debug("shell exec", zap.String("workdir", wd))
	res, execErr := d.lifecycle.Shell(ctx, sandboxSlug, []string{"sh", "-c", command}, wd, timeout)
	out := sandboxResult{ExitCode: res.ExitCode, Stdout: string(res.Stdout), Stderr: string(res.Stderr)}
	if execErr != nil {
		log.Warn("shell exec failed", zap.Error(execErr))
	}

	warn, snapErr := d.snapshotAfter(ctx, sandboxSlug, snapshot.TriggerShell, command)
	if execErr != nil && snapErr == nil {
		// Timeout or similar: surface the original exec error but the
		// snapshot (if any) has already run.
		return out, warn, execErr
	}
	return out, warn, nil
}

type sandboxResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (d *Dispatcher) snapshotAfter(ctx context.Context, sandboxSlug string, trigger snapshot.TriggerKind, payload string) (Warning, error) {
	containerID, err := d.lifecycle.ContainerIDFor(sandboxSlug)
	if err != nil {
		return Warning{}, err
	}
	branch, err := d.lifecycle.BranchFor(sandboxSlug)
	if err != nil {
		return Warning{}, err
	}

	if _, err := d.snapshots.Snapshot(ctx, containerID, branch, trigger, payload); err != nil {
		return Warning{Message: err.Error()}, nil
	}
	return Warning{}, nil
}

// execWithStdin writes content to destPath inside the sandbox,
// delivering the exact bytes of content rather than a line-oriented
// rendering of them. The Lifecycle's Shell contract in §4.5 doesn't
// carry stdin, so content travels as a base64-encoded shell argument
// and is decoded inside the container with base64 -d — unlike a
// heredoc fed to cat, this adds no trailing newline and is immune to
// any byte sequence content happens to contain, including one that
// isn't itself newline-terminated.
func (d *Dispatcher) execWithStdin(ctx context.Context, sandboxSlug, destPath, content string) (sandboxResultInternal, error) {
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	script := "mkdir -p " + shellQuote(path.Dir(destPath)) + " && printf '%s' " + shellQuote(encoded) +
		" | base64 -d > " + shellQuote(destPath)
	res, err := d.lifecycle.Shell(ctx, sandboxSlug, []string{"sh", "-c", script}, "/src", 0)
	if err != nil {
		return sandboxResultInternal{}, err
	}
	return sandboxResultInternal{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
}

type sandboxResultInternal struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

func splitNonEmptyLines(s string) []string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func validateSingleFileDiff(diff string) error {
	minusCount := 0
	for _, line := range strings.Split(diff, "\n") {
		if strings.HasPrefix(line, "--- ") {
			minusCount++
		}
	}
	if minusCount > 1 {
		return fmt.Errorf("patch spans multiple files: %w", errs.ErrDiffNotApplicable)
	}
	return nil
}
