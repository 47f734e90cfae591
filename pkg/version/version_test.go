package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildMetadataIsSet(t *testing.T) {
	assert.NotEmpty(t, Version, "Version should not be empty")
	assert.NotEmpty(t, BuildTime, "BuildTime should not be empty")

	if assert.NotEmpty(t, GitCommit) && GitCommit != "unknown" {
		assert.GreaterOrEqual(t, len(GitCommit), 7, "GitCommit %q should be 'unknown' or a git hash", GitCommit)
	}
}
