// Package config parses the cache's YAML configuration document, in the
// same spirit as the teacher's configuration package: a plain struct with
// yaml tags, unmarshaled directly, with environment variables able to
// override individual fields for deployment-time tuning.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v2"

	"github.com/buildstream-dev/artifactcache/artifact"
)

// Config is the root configuration document for bstcache.
type Config struct {
	// Root is the filesystem directory the cache owns exclusively.
	Root string `yaml:"root"`

	// Algorithm is the digest algorithm new blobs are hashed with.
	// Defaults to sha256 if empty.
	Algorithm string `yaml:"algorithm,omitempty"`

	// QuotaBytes is the target total size EvictTo enforces. Zero means
	// no quota is enforced.
	QuotaBytes int64 `yaml:"quota_bytes,omitempty"`

	Materialization MaterializationConfig `yaml:"materialization,omitempty"`
}

// MaterializationConfig mirrors artifact.MaterializationPolicy on the
// wire.
type MaterializationConfig struct {
	RequireDirectories bool `yaml:"require_directories"`
	RequireFiles       bool `yaml:"require_files"`
}

// Policy converts the wire config into the type the artifact package
// expects.
func (m MaterializationConfig) Policy() artifact.MaterializationPolicy {
	return artifact.MaterializationPolicy{
		RequireDirectories: m.RequireDirectories,
		RequireFiles:       m.RequireFiles,
	}
}

// DigestAlgorithm returns the configured hash algorithm, defaulting to
// sha256, and validates it's compiled in.
func (c Config) DigestAlgorithm() (digest.Algorithm, error) {
	alg := digest.Algorithm(c.Algorithm)
	if alg == "" {
		alg = digest.SHA256
	}
	if !alg.Available() {
		return "", fmt.Errorf("config: digest algorithm %q is not available", alg)
	}
	return alg, nil
}

// envOverrides lists the environment variables that may override a field
// parsed from the YAML document, keyed by variable name.
var envOverrides = map[string]func(*Config, string) error{
	"BSTCACHE_ROOT": func(c *Config, v string) error {
		c.Root = v
		return nil
	},
	"BSTCACHE_ALGORITHM": func(c *Config, v string) error {
		c.Algorithm = v
		return nil
	},
	"BSTCACHE_QUOTA_BYTES": func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: BSTCACHE_QUOTA_BYTES: %w", err)
		}
		c.QuotaBytes = n
		return nil
	},
}

// Parse decodes a YAML configuration document, then lets a handful of
// BSTCACHE_* environment variables override individual fields, the way
// the teacher's parser layers environment overrides on top of the parsed
// struct.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	for name, apply := range envOverrides {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := apply(&c, v); err != nil {
			return Config{}, err
		}
	}

	if c.Root == "" {
		return Config{}, fmt.Errorf("config: root is required")
	}

	return c, nil
}

// Load reads and parses the configuration document at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}
