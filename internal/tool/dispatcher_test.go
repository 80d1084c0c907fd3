package tool

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"litterbox/internal/compute"
	"litterbox/internal/ports"
	"litterbox/internal/repo"
	"litterbox/internal/sandbox"
	"litterbox/internal/snapshot"
)

// miniShell interprets exactly the small set of shell commands the
// Dispatcher issues (cat, sed -n, ls -1, find, grep, mkdir+base64
// write) against an in-memory file map, so dispatcher behaviour can
// be exercised without a real container.
type miniShell struct {
	files map[string]string
}

var (
	reSed  = regexp.MustCompile(`^sed -n '(\d+),(\d+)p' '(.+)'$`)
	reCat  = regexp.MustCompile(`^cat '(.+)'$`)
	reLs   = regexp.MustCompile(`^ls -1 '(.+)'$`)
	reB64  = regexp.MustCompile(`^mkdir -p '(.+?)' && printf '%s' '(.*)' \| base64 -d > '(.+?)'$`)
	reGrep = regexp.MustCompile(`^grep -rnI -- '(.+)' '(.+)'$`)
)

func (m *miniShell) exec(argv []string, workdir string) compute.MutationResult {
	script := argv[2]

	if sub := reB64.FindStringSubmatch(script); sub != nil {
		path, encoded := sub[3], sub[2]
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return compute.MutationResult{ExitCode: 1, Stderr: []byte(err.Error())}
		}
		m.files[path] = string(decoded)
		return compute.MutationResult{ExitCode: 0}
	}
	if sub := reSed.FindStringSubmatch(script); sub != nil {
		lo, _ := strconv.Atoi(sub[1])
		hi, _ := strconv.Atoi(sub[2])
		content, ok := m.files[sub[3]]
		if !ok {
			return compute.MutationResult{ExitCode: 1}
		}
		lines := strings.Split(content, "\n")
		var out []string
		for i, l := range lines {
			if i+1 >= lo && i+1 <= hi {
				out = append(out, l)
			}
		}
		return compute.MutationResult{ExitCode: 0, Stdout: []byte(strings.Join(out, "\n"))}
	}
	if sub := reCat.FindStringSubmatch(script); sub != nil {
		content, ok := m.files[sub[1]]
		if !ok {
			return compute.MutationResult{ExitCode: 1}
		}
		return compute.MutationResult{ExitCode: 0, Stdout: []byte(content)}
	}
	if sub := reLs.FindStringSubmatch(script); sub != nil {
		prefix := sub[1]
		var names []string
		for p := range m.files {
			if strings.HasPrefix(p, prefix+"/") {
				rest := strings.TrimPrefix(p, prefix+"/")
				if !strings.Contains(rest, "/") {
					names = append(names, rest)
				}
			}
		}
		sort.Strings(names)
		return compute.MutationResult{ExitCode: 0, Stdout: []byte(strings.Join(names, "\n"))}
	}
	if sub := reGrep.FindStringSubmatch(script); sub != nil {
		pattern, target := sub[1], sub[2]
		var out []string
		for path, content := range m.files {
			if !strings.HasPrefix(path, target) {
				continue
			}
			for i, l := range strings.Split(content, "\n") {
				if strings.Contains(l, pattern) {
					out = append(out, fmt.Sprintf("%s:%d:%s", path, i+1, l))
				}
			}
		}
		sort.Strings(out)
		if len(out) == 0 {
			return compute.MutationResult{ExitCode: 1}
		}
		return compute.MutationResult{ExitCode: 0, Stdout: []byte(strings.Join(out, "\n"))}
	}

	return compute.MutationResult{ExitCode: 127, Stderr: []byte("miniShell: unrecognized: " + script)}
}

func newTestDispatcher(t *testing.T, policy PathPolicy) (*Dispatcher, *sandbox.Lifecycle, string) {
	t.Helper()
	ms := &miniShell{files: map[string]string{}}
	c := compute.NewFake("busybox")
	c.ExecFunc = ms.exec

	r := repo.NewFake("c0", map[string][]byte{"README.md": []byte("hi")})
	pa := ports.New()
	lc := sandbox.New(nil, c, r, pa, sandbox.RepoContext{RepoRoot: "/repo", RepoSlug: "myrepo", HeadRef: "c0"}, ports.Range{Lo: 31000, Hi: 31100})

	rec, err := lc.Create(context.Background(), "demo", sandbox.CreateConfig{Image: "busybox"})
	require.NoError(t, err)

	co := snapshot.New(nil, c, r, nil)
	d := New(nil, lc, co, policy)
	return d, lc, rec.Slug
}

func TestDispatcherWriteThenRead(t *testing.T) {
	d, _, slug := newTestDispatcher(t, PathPolicyResolve)
	ctx := context.Background()

	_, err := d.Write(ctx, slug, "a.txt", "alpha")
	require.NoError(t, err)

	got, err := d.Read(ctx, slug, "a.txt", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha", got)
}

func TestDispatcherLsAndGrep(t *testing.T) {
	d, _, slug := newTestDispatcher(t, PathPolicyResolve)
	ctx := context.Background()

	_, err := d.Write(ctx, slug, "a.txt", "hello\nworld")
	require.NoError(t, err)
	_, err = d.Write(ctx, slug, "b.txt", "other")
	require.NoError(t, err)

	entries, err := d.Ls(ctx, slug, "/src", false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, entries)

	matches, err := d.Grep(ctx, slug, "hello", "/src", "")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Contains(t, matches[0], "a.txt:1:hello")
}

func TestDispatcherRejectsRelativePathUnderRejectPolicy(t *testing.T) {
	d, _, slug := newTestDispatcher(t, PathPolicyReject)
	ctx := context.Background()

	_, err := d.Write(ctx, slug, "relative.txt", "x")
	assert.Error(t, err)
}

func TestDispatcherShellTriggersSnapshot(t *testing.T) {
	c := compute.NewFake("busybox")
	r := repo.NewFake("c0", map[string][]byte{"README.md": []byte("hi")})
	lc := sandbox.New(nil, c, r, ports.New(), sandbox.RepoContext{RepoRoot: "/repo", RepoSlug: "myrepo", HeadRef: "c0"}, ports.Range{Lo: 31100, Hi: 31200})
	ctx := context.Background()
	rec, err := lc.Create(ctx, "demo", sandbox.CreateConfig{Image: "busybox"})
	require.NoError(t, err)
	d := New(nil, lc, snapshot.New(nil, c, r, nil), PathPolicyResolve)

	branch, err := lc.BranchFor(rec.Slug)
	require.NoError(t, err)
	assert.Equal(t, "litterbox/demo", branch)

	// The fake repo has no worktree to sync into: stage the state the
	// shell command leaves behind directly.
	r.StageFiles(branch, map[string][]byte{"README.md": []byte("hi"), "a.txt": []byte("beta\n")})
	before, ok := r.BranchTip(branch)
	require.True(t, ok)

	_, warn, err := d.Shell(ctx, rec.Slug, "echo beta >/src/a.txt", "", 0)
	require.NoError(t, err)
	assert.Empty(t, warn.Message)

	after, ok := r.BranchTip(branch)
	require.True(t, ok)
	assert.NotEqual(t, before, after, "shell must be followed by a snapshot commit")
}

func TestDispatcherPatchRoundTrip(t *testing.T) {
	d, _, slug := newTestDispatcher(t, PathPolicyResolve)
	ctx := context.Background()

	_, err := d.Write(ctx, slug, "a.txt", "alpha\nbeta\ngamma")
	require.NoError(t, err)

	_, err = d.Patch(ctx, slug, "a.txt", sampleDiff)
	require.NoError(t, err)

	got, err := d.Read(ctx, slug, "a.txt", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha\nBETA\ngamma", got)
}
