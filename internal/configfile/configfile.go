// Package configfile loads the optional kgents.yaml file that pins a
// router's namespace, data directory, forced backend, and promoter
// thresholds, so deployments can configure the storage core without
// touching environment variables or code.
package configfile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kgents/kgents/internal/logging"
	"github.com/kgents/kgents/internal/promoter"
	"github.com/kgents/kgents/internal/router"
)

// File is the on-disk shape of kgents.yaml.
type File struct {
	Namespace     string         `yaml:"namespace"`
	DataDir       string         `yaml:"data-dir"`
	ForcedBackend string         `yaml:"force-backend"`
	Preferred     string         `yaml:"preferred-backend"`
	FallbackChain []string       `yaml:"fallback-chain"`
	Promoter      PromoterConfig `yaml:"promoter"`
	Remote        RemoteConfig   `yaml:"remote"`
}

// PromoterConfig mirrors promoter.Policy in YAML-friendly field names.
type PromoterConfig struct {
	MemoryToLogAccesses          int     `yaml:"memory-to-log-accesses"`
	MemoryToLogSeconds           float64 `yaml:"memory-to-log-seconds"`
	LogToEmbeddedAccesses        int     `yaml:"log-to-embedded-accesses"`
	LogToEmbeddedSeconds         float64 `yaml:"log-to-embedded-seconds"`
	EmbeddedToRemoteExplicitOnly *bool   `yaml:"embedded-to-remote-explicit-only"`
}

// RemoteConfig holds the shared MySQL-protocol server's connection
// parameters, omitting credentials (those stay in the environment).
type RemoteConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`
}

// Load reads and parses path. A missing file is not an error; it returns a
// zero-value File so callers can layer defaults on top.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator-supplied config, not user input
	if os.IsNotExist(err) {
		return &File{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("configfile: read %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		logging.Warn().Str("path", path).Err(err).Msg("configfile: failed to parse, using defaults")
		return &File{}, nil
	}
	return &f, nil
}

// RouterConfig builds a router.Config from the file, falling back to
// namespace/dataDir when the file leaves either blank. Preferred and
// FallbackChain carry straight through; a router.Router consumer still
// calls ForceBackend separately for ForcedBackend, since forcing and
// preferring are distinct selection steps.
func (f *File) RouterConfig(namespace, dataDir string) router.Config {
	cfg := router.Config{Namespace: namespace, DataDir: dataDir}
	if f.Namespace != "" {
		cfg.Namespace = f.Namespace
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	cfg.Preferred = f.Preferred
	cfg.FallbackChain = f.FallbackChain
	return cfg
}

// PromoterPolicy overlays the file's thresholds onto promoter.DefaultPolicy,
// leaving any zero-valued field at its default.
func (f *File) PromoterPolicy() promoter.Policy {
	p := promoter.DefaultPolicy()
	pc := f.Promoter

	if pc.MemoryToLogAccesses != 0 {
		p.MemoryToLogAccesses = pc.MemoryToLogAccesses
	}
	if pc.MemoryToLogSeconds != 0 {
		p.MemoryToLogSeconds = pc.MemoryToLogSeconds
	}
	if pc.LogToEmbeddedAccesses != 0 {
		p.LogToEmbeddedAccesses = pc.LogToEmbeddedAccesses
	}
	if pc.LogToEmbeddedSeconds != 0 {
		p.LogToEmbeddedSeconds = pc.LogToEmbeddedSeconds
	}
	if pc.EmbeddedToRemoteExplicitOnly != nil {
		p.EmbeddedToRemoteExplicitOnly = *pc.EmbeddedToRemoteExplicitOnly
	}
	return p
}
