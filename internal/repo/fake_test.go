package repo

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeCreateAndDeleteBranch(t *testing.T) {
	f := NewFake("c0", map[string][]byte{"README.md": []byte("hi")})

	head, err := f.HeadRef()
	require.NoError(t, err)
	assert.Equal(t, "c0", head)

	require.NoError(t, f.CreateBranch("litterbox/demo", "c0"))
	assert.Error(t, f.CreateBranch("litterbox/demo", "c0")) // BranchExists

	require.NoError(t, f.DeleteBranch("litterbox/demo"))
	assert.Error(t, f.DeleteBranch("litterbox/demo")) // BranchMissing
}

func TestFakeCommitWorkingDeltaSkipsEmpty(t *testing.T) {
	f := NewFake("c0", map[string][]byte{"a.txt": []byte("alpha")})
	require.NoError(t, f.CreateBranch("litterbox/demo", "c0"))

	id, err := f.CommitWorkingDelta("litterbox/demo", "shell: true")
	require.NoError(t, err)
	assert.Empty(t, id, "no delta should produce no commit")
}

func TestFakeCommitWorkingDeltaCommitsDelta(t *testing.T) {
	f := NewFake("c0", map[string][]byte{"a.txt": []byte("alpha")})
	require.NoError(t, f.CreateBranch("litterbox/demo", "c0"))

	f.StageFiles("litterbox/demo", map[string][]byte{"a.txt": []byte("beta")})
	id, err := f.CommitWorkingDelta("litterbox/demo", "write: a.txt")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	tip, ok := f.BranchTip("litterbox/demo")
	require.True(t, ok)
	assert.Equal(t, id, tip)

	// Re-committing the same state is a no-op: no empty commit.
	id2, err := f.CommitWorkingDelta("litterbox/demo", "write: a.txt")
	require.NoError(t, err)
	assert.Empty(t, id2)
}

func TestFakeExportTreeTar(t *testing.T) {
	f := NewFake("c0", map[string][]byte{"a.txt": []byte("alpha")})
	rc, err := f.ExportTreeTar("c0")
	require.NoError(t, err)
	defer rc.Close()
	_, err = io.ReadAll(rc)
	require.NoError(t, err)

	_, err = f.ExportTreeTar("missing-ref")
	assert.Error(t, err)
}
