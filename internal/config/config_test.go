package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flatmapit/dicomsend/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Timeouts.ConnectSeconds)
	assert.Equal(t, 30, cfg.Timeouts.AssociationSeconds)
	assert.Equal(t, uint32(16384), cfg.ProposedPDULength)
	assert.Equal(t, 4, cfg.QueueMultiplier)
}

func TestLoadConfigPartialFileFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dicomsend.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeouts:\n  connect_seconds: 5\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Timeouts.ConnectSeconds)
	assert.Equal(t, 30, cfg.Timeouts.AssociationSeconds)
	assert.Equal(t, uint32(16384), cfg.ProposedPDULength)
}

func TestLoadConfigMissingFileIsError(t *testing.T) {
	_, err := LoadConfig("/nonexistent/dicomsend.yaml")
	assert.Error(t, err)
}

func TestTimeoutAccessorsConvertSecondsToDuration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeouts = TimeoutConfig{ConnectSeconds: 5, AssociationSeconds: 15, DIMSEResponseSeconds: 45}
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout())
	assert.Equal(t, 15*time.Second, cfg.AssociationTimeout())
	assert.Equal(t, 45*time.Second, cfg.DIMSEResponseTimeout())
}

func TestApplyRegistryExtensionsRegistersRows(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RegistryExtensions.SOPClasses = []SOPClassEntry{
		{UID: "1.2.3.4.5", DisplayName: "Site Local Storage", Category: "XRay"},
	}
	cfg.ApplyRegistryExtensions()

	row := registry.LookupSOPClass("1.2.3.4.5")
	assert.Equal(t, "Site Local Storage", row.DisplayName)
	assert.Equal(t, registry.CategoryXRay, row.Category)
}
