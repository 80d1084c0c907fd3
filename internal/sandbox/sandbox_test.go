package sandbox

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"litterbox/internal/compute"
	"litterbox/internal/errs"
	"litterbox/internal/ports"
	"litterbox/internal/repo"
)

func newTestLifecycle(t *testing.T) (*Lifecycle, *compute.Fake, *repo.Fake) {
	t.Helper()
	c := compute.NewFake("busybox")
	r := repo.NewFake("c0", map[string][]byte{"README.md": []byte("hi")})
	pa := ports.New()
	rc := RepoContext{RepoRoot: "/repo", RepoSlug: "myrepo", HeadRef: "c0"}
	return New(nil, c, r, pa, rc, ports.Range{Lo: 30000, Hi: 30100}), c, r
}

func TestCreateSlugifiesAndRejectsConflict(t *testing.T) {
	lc, _, r := newTestLifecycle(t)
	ctx := context.Background()

	rec, err := lc.Create(ctx, "My Feature!@#", CreateConfig{Image: "busybox"})
	require.NoError(t, err)
	assert.Equal(t, "my-feature", rec.Slug)
	assert.Equal(t, "litterbox/my-feature", rec.BranchName)
	assert.Equal(t, "litterbox-myrepo-my-feature", rec.ContainerName)

	_, ok := r.BranchTip("litterbox/my-feature")
	assert.True(t, ok)

	_, err = lc.Create(ctx, "My Feature!@#", CreateConfig{Image: "busybox"})
	assert.ErrorIs(t, err, errs.ErrNameConflict)
}

func TestCreateSetupFailureRetainsResources(t *testing.T) {
	lc, c, r := newTestLifecycle(t)
	ctx := context.Background()

	c.ExecFunc = func(argv []string, workdir string) compute.MutationResult {
		return compute.MutationResult{ExitCode: 1, Stderr: []byte("boom")}
	}

	_, err := lc.Create(ctx, "demo", CreateConfig{Image: "busybox", SetupCommand: []string{"false"}})
	assert.ErrorIs(t, err, errs.ErrSetupFailed)

	rec, getErr := lc.Get("demo")
	require.NoError(t, getErr, "record must be retained, not rolled back")
	assert.Equal(t, StatusError, rec.Status)

	_, ok := r.BranchTip("litterbox/demo")
	assert.True(t, ok, "branch must be retained on setup failure")
}

func TestCreateRollsBackOnBranchConflict(t *testing.T) {
	lc, _, r := newTestLifecycle(t)
	ctx := context.Background()

	// Pre-create the branch to force CreateBranch to fail with
	// BranchExists, exercising the port-release rollback step.
	require.NoError(t, r.CreateBranch("litterbox/demo", "c0"))

	_, err := lc.Create(ctx, "demo", CreateConfig{Image: "busybox"})
	assert.Error(t, err)
	_, exists := lc.Get("demo")
	assert.Error(t, exists)
}

func TestPauseResumeIdempotent(t *testing.T) {
	lc, _, _ := newTestLifecycle(t)
	ctx := context.Background()

	rec, err := lc.Create(ctx, "demo", CreateConfig{Image: "busybox"})
	require.NoError(t, err)

	require.NoError(t, lc.Pause(ctx, rec.Slug))
	require.NoError(t, lc.Pause(ctx, rec.Slug)) // idempotent no-op

	got, err := lc.Get(rec.Slug)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)

	require.NoError(t, lc.Resume(ctx, rec.Slug))
	require.NoError(t, lc.Resume(ctx, rec.Slug)) // idempotent no-op

	got, err = lc.Get(rec.Slug)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}

func TestDeleteIsIdempotentAndReleasesPorts(t *testing.T) {
	lc, c, r := newTestLifecycle(t)
	ctx := context.Background()

	rec, err := lc.Create(ctx, "demo", CreateConfig{
		Image:    "busybox",
		Services: []Service{{Name: "web", ContainerPort: 8080}},
	})
	require.NoError(t, err)
	require.Len(t, rec.ForwardedPorts, 1)

	require.NoError(t, lc.Delete(ctx, rec.Slug))

	_, exists := lc.Get(rec.Slug)
	assert.Error(t, exists)
	_, branchExists := r.BranchTip("litterbox/demo")
	assert.False(t, branchExists)

	// The released host port is reservable again.
	host := rec.ForwardedPorts[0].HostPort
	again, err := lc.ports.Reserve(1, ports.Range{Lo: host, Hi: host + 1})
	require.NoError(t, err)
	assert.Equal(t, []int{host}, again)
	lc.ports.Release(again)

	// Delete still succeeds when the container has already vanished:
	// NotFound from the compute adapter is benign.
	rec2, err := lc.Create(ctx, "demo", CreateConfig{Image: "busybox"})
	require.NoError(t, err)
	require.NoError(t, c.Remove(ctx, rec2.ContainerID, true))
	require.NoError(t, lc.Delete(ctx, rec2.Slug))
}

func TestConcurrentPortAllocationYieldsDistinctPorts(t *testing.T) {
	lc, _, _ := newTestLifecycle(t)
	ctx := context.Background()

	names := []string{"one", "two"}
	recs := make([]*Record, len(names))
	createErrs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			recs[i], createErrs[i] = lc.Create(ctx, name, CreateConfig{Image: "busybox", Services: []Service{{Name: "web", ContainerPort: 8080}}})
		}(i, name)
	}
	wg.Wait()
	require.NoError(t, createErrs[0])
	require.NoError(t, createErrs[1])
	rec1, rec2 := recs[0], recs[1]

	assert.NotEqual(t, rec1.ForwardedPorts[0].HostPort, rec2.ForwardedPorts[0].HostPort)
	assert.Equal(t, "LITTERBOX_FWD_PORT_WEB", rec1.ForwardedPorts[0].EnvVar)
}
