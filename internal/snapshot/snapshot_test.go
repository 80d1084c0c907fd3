package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"litterbox/internal/compute"
	"litterbox/internal/repo"
)

func TestSnapshotSkipsEmptyDelta(t *testing.T) {
	r := repo.NewFake("c0", map[string][]byte{"a.txt": []byte("alpha")})
	require.NoError(t, r.CreateBranch("litterbox/demo", "c0"))
	c := compute.NewFake("busybox")

	co := New(nil, c, r, nil)
	id, err := co.Snapshot(context.Background(), "container-1", "litterbox/demo", TriggerShell, "true")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestSnapshotCommitsDeltaWithDerivedMessage(t *testing.T) {
	r := repo.NewFake("c0", map[string][]byte{"a.txt": []byte("alpha")})
	require.NoError(t, r.CreateBranch("litterbox/demo", "c0"))
	c := compute.NewFake("busybox")

	r.StageFiles("litterbox/demo", map[string][]byte{"a.txt": []byte("beta")})

	co := New(nil, c, r, nil)
	id, err := co.Snapshot(context.Background(), "container-1", "litterbox/demo", TriggerWrite, "/src/a.txt")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestDeriveMessageTruncatesAndTrimsNewlines(t *testing.T) {
	long := ""
	for i := 0; i < 20; i++ {
		long += "0123456789"
	}
	msg := deriveMessage(TriggerShell, long+"\n")
	assert.LessOrEqual(t, len(msg), maxMessageBytes)
	assert.NotContains(t, msg, "\n")

	msg2 := deriveMessage(TriggerWrite, "/src/a.txt")
	assert.Equal(t, "write: /src/a.txt", msg2)
}
