package configfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "", f.Namespace)
	assert.Equal(t, "", f.DataDir)
}

func TestLoadParsesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kgents.yaml")
	writeFile(t, path, `
namespace: agents
data-dir: /var/lib/kgents
force-backend: embedded-db
preferred-backend: remote-db
fallback-chain: [embedded-db, append-log, memory]
promoter:
  memory-to-log-accesses: 5
  memory-to-log-seconds: 30
remote:
  host: db.internal
  port: 3306
  user: kgents
`)

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "agents", f.Namespace)
	assert.Equal(t, "/var/lib/kgents", f.DataDir)
	assert.Equal(t, "embedded-db", f.ForcedBackend)
	assert.Equal(t, "remote-db", f.Preferred)
	assert.Equal(t, []string{"embedded-db", "append-log", "memory"}, f.FallbackChain)
	assert.Equal(t, 5, f.Promoter.MemoryToLogAccesses)
	assert.Equal(t, 30.0, f.Promoter.MemoryToLogSeconds)
	assert.Equal(t, "db.internal", f.Remote.Host)
	assert.Equal(t, 3306, f.Remote.Port)
}

func TestRouterConfigCarriesPreferredAndFallbackChain(t *testing.T) {
	f := &File{Preferred: "remote-db", FallbackChain: []string{"embedded-db", "memory"}}
	cfg := f.RouterConfig("ns", "/data")
	assert.Equal(t, "remote-db", cfg.Preferred)
	assert.Equal(t, []string{"embedded-db", "memory"}, cfg.FallbackChain)
}

func TestLoadMalformedFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kgents.yaml")
	writeFile(t, path, "not: [valid: yaml")

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, &File{}, f)
}

func TestRouterConfigPrefersFileOverDefaults(t *testing.T) {
	f := &File{Namespace: "from-file"}
	cfg := f.RouterConfig("from-caller", "/data")
	assert.Equal(t, "from-file", cfg.Namespace)
	assert.Equal(t, "/data", cfg.DataDir)
}

func TestRouterConfigFallsBackWhenFileIsBlank(t *testing.T) {
	f := &File{}
	cfg := f.RouterConfig("from-caller", "/data")
	assert.Equal(t, "from-caller", cfg.Namespace)
	assert.Equal(t, "/data", cfg.DataDir)
}

func TestPromoterPolicyOverlaysOnlySetFields(t *testing.T) {
	f := &File{Promoter: PromoterConfig{MemoryToLogAccesses: 1}}
	p := f.PromoterPolicy()

	assert.Equal(t, 1, p.MemoryToLogAccesses)
	assert.Equal(t, 3600.0, p.LogToEmbeddedSeconds, "unset fields keep the default policy's values")
	assert.True(t, p.EmbeddedToRemoteExplicitOnly)
}

func TestPromoterPolicyCanDisableExplicitOnlyFlag(t *testing.T) {
	off := false
	f := &File{Promoter: PromoterConfig{EmbeddedToRemoteExplicitOnly: &off}}
	p := f.PromoterPolicy()
	assert.False(t, p.EmbeddedToRemoteExplicitOnly)
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}
