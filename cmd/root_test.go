package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPlatformSeedsClaimersAndTasks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatchkit.yml")
	contents := `
dispatchkit:
  platform:
    default_priority: 60
  seed:
    claimers:
      - id: worker-1
        max_concurrency: 2
        categories: [image]
    tasks:
      - title: resize
        category: image
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	orig := configFile
	configFile = path
	defer func() { configFile = orig }()

	p, cfg, err := loadPlatform()
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Platform.DefaultPriority)

	ids := p.ListClaimerIDs()
	require.Len(t, ids, 1)
	assert.Equal(t, "worker-1", ids[0])

	stats := p.Statistics()
	assert.Equal(t, 1, stats.TotalTasks)
}

func TestLoadPlatformRejectsDuplicateSeedClaimerIDs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatchkit.yml")
	contents := `
dispatchkit:
  seed:
    claimers:
      - id: dup
      - id: dup
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	orig := configFile
	configFile = path
	defer func() { configFile = orig }()

	_, _, err := loadPlatform()
	assert.Error(t, err)
}
