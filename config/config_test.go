package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1024, cfg.Sim.MaxEntities)
	assert.Equal(t, 256, cfg.Sim.MaxProperties)
	assert.Equal(t, 10000, cfg.Sim.MaxInstructionsPerTick)
	assert.Equal(t, 256, cfg.Sim.MaxRuntimes)
	assert.Equal(t, int32(5000), cfg.Relevancy.CellSizeCm)
	assert.Equal(t, int32(1), cfg.Relevancy.InterestRadius)
	assert.Equal(t, int32(100), cfg.Relevancy.MovementThresholdCm)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hktd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: ":8888"
sim:
  max_entities: 2048
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8888", cfg.Server.Listen)
	assert.Equal(t, 2048, cfg.Sim.MaxEntities)
	// Untouched fields keep their defaults.
	assert.Equal(t, 256, cfg.Sim.MaxProperties)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("HKT_LISTEN", ":9999")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Listen)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Sim.MaxEntities = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Server.TickRate = -1
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/no/such/file.yaml")
	assert.Error(t, err)
}
