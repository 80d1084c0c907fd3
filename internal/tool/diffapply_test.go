package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDiff = `--- a/a.txt
+++ b/a.txt
@@ -1,3 +1,3 @@
 alpha
-beta
+BETA
 gamma`

func TestApplyUnifiedDiff(t *testing.T) {
	original := "alpha\nbeta\ngamma"
	got, err := ApplyUnifiedDiff(original, sampleDiff)
	require.NoError(t, err)
	assert.Equal(t, "alpha\nBETA\ngamma", got)
}

func TestApplyUnifiedDiffRejectsMismatch(t *testing.T) {
	original := "alpha\nwrong\ngamma"
	_, err := ApplyUnifiedDiff(original, sampleDiff)
	assert.Error(t, err)
}

func TestValidateSingleFileDiffRejectsMultiFile(t *testing.T) {
	multi := sampleDiff + "\n--- a/b.txt\n+++ b/b.txt\n@@ -1 +1 @@\n-x\n+y\n"
	err := validateSingleFileDiff(multi)
	assert.Error(t, err)
}
