package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phroun/skein"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skein.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, Size(skein.DefaultCacheBudget), cfg.Cache.Budget)
	assert.Equal(t, "lru", cfg.Cache.Policy)
	assert.Equal(t, Size(4096), cfg.Cursor.Window)
	assert.Equal(t, Size(8<<20), cfg.Files.LargeThreshold)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
cache:
  budget: 16MiB
  policy: tinylfu
cursor:
  window: 8192
files:
  large_threshold: "1 MB"
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, Size(16<<20), cfg.Cache.Budget)
	assert.Equal(t, "tinylfu", cfg.Cache.Policy)
	assert.Equal(t, Size(8192), cfg.Cursor.Window)
	assert.Equal(t, Size(1000*1000), cfg.Files.LargeThreshold)
	assert.Equal(t, "debug", cfg.Log.Level)

	opts := cfg.Options()
	assert.Equal(t, int64(16<<20), opts.CacheBudget)
	assert.Equal(t, skein.EvictTinyLFU, opts.EvictionPolicy)
	assert.Equal(t, 8192, opts.WindowSize)
	assert.NotNil(t, opts.Logger)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "cache:\n  policy: lru\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Size(skein.DefaultCacheBudget), cfg.Cache.Budget)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_InvalidSize(t *testing.T) {
	path := writeConfig(t, "cache:\n  budget: lots\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid size")
}

func TestLoad_InvalidValues(t *testing.T) {
	path := writeConfig(t, `
cache:
  policy: random
cursor:
  window: 0
log:
  level: loud
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, skein.ErrInvalidOptions)
	assert.Contains(t, err.Error(), "cursor.window")
	assert.Contains(t, err.Error(), "log.level")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SKEIN_CACHE_BUDGET", "2MiB")
	t.Setenv("SKEIN_CACHE_POLICY", "tinylfu")
	t.Setenv("SKEIN_CURSOR_WINDOW", "1KiB")
	t.Setenv("SKEIN_LOG_LEVEL", "warn")

	path := writeConfig(t, "cache:\n  budget: 32MiB\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, Size(2<<20), cfg.Cache.Budget, "environment overrides file")
	assert.Equal(t, "tinylfu", cfg.Cache.Policy)
	assert.Equal(t, Size(1024), cfg.Cursor.Window)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadFromEnv_InvalidSize(t *testing.T) {
	t.Setenv("SKEIN_CURSOR_WINDOW", "wide")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SKEIN_CURSOR_WINDOW")
}

func TestSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want Size
	}{
		{"4096", 4096},
		{"4KiB", 4096},
		{"64MiB", 64 << 20},
		{"1 KB", 1000},
	}
	for _, tc := range tests {
		t.Run(tc.text, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSize(tc.text)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	assert.Equal(t, "64MiB", Size(64<<20).String())
}

func TestSize_TooLarge(t *testing.T) {
	t.Parallel()

	_, err := ParseSize("9EiB")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")

	_, err = Load(writeConfig(t, "files:\n  large_threshold: 15EiB\n"))
	require.Error(t, err)

	cfg := Default()
	cfg.Files.LargeThreshold = -1
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "files.large_threshold")
}

func TestMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Cache.Budget = 3 << 20
	data, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "budget: 3.0MiB")

	path := writeConfig(t, string(data))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Cache.Budget, loaded.Cache.Budget)
}

func TestListEnvVars(t *testing.T) {
	t.Parallel()

	vars := ListEnvVars()
	require.Len(t, vars, len(envMappings))
	for i := 1; i < len(vars); i++ {
		assert.Less(t, vars[i-1].Name, vars[i].Name)
	}
	assert.Equal(t, "SKEIN_CACHE_BUDGET", vars[0].Name)
}
