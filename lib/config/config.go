// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// ArtifactDirEnv names the environment variable holding the artifact
// directory.
const ArtifactDirEnv = "CMGR_ARTIFACT_DIR"

// BackendKind selects the distribution target.
type BackendKind string

const (
	// SelfHosted serves the extraction cache over HTTP.
	SelfHosted BackendKind = "selfhosted"

	// S3 mirrors files into an S3 bucket behind an optional CloudFront
	// distribution.
	S3 BackendKind = "s3"
)

// Config is the complete server configuration.
type Config struct {
	// ArtifactDir is the root cmgr writes build directories into.
	// Default: "."
	ArtifactDir string `yaml:"artifact_dir"`

	// TarballName is the bundle file name inside each build directory.
	// Default: artifacts.tar.gz
	TarballName string `yaml:"tarball_name"`

	// Exclude holds gitignore-style patterns for extracted files that
	// are never published.
	Exclude []string `yaml:"exclude"`

	// Salt enables build id obfuscation when non-empty.
	Salt string `yaml:"salt"`

	// Backend selects the distribution target.
	// Default: selfhosted
	Backend BackendKind `yaml:"backend"`

	Log        LogConfig        `yaml:"log"`
	Watch      WatchConfig      `yaml:"watch"`
	Sync       SyncConfig       `yaml:"sync"`
	SelfHosted SelfHostedConfig `yaml:"selfhosted"`
	S3         S3Config         `yaml:"s3"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of error, warn, info, debug.
	// Default: info
	Level string `yaml:"level"`

	// Format is one of json, text, auto.
	// Default: auto
	Format string `yaml:"format"`
}

// WatchConfig configures change detection.
type WatchConfig struct {
	// Quiet is how long a build must see no activity before its
	// change is processed.
	// Default: 2s
	Quiet time.Duration `yaml:"quiet"`
}

// SyncConfig configures the sync coordinator.
type SyncConfig struct {
	// Concurrency bounds builds processed at once.
	// Default: 4
	Concurrency int `yaml:"concurrency"`

	// MaxAttempts bounds tries per backend operation.
	// Default: 5
	MaxAttempts int `yaml:"max_attempts"`

	// GracePeriod bounds in-flight work after shutdown begins.
	// Default: 10s
	GracePeriod time.Duration `yaml:"grace_period"`
}

// SelfHostedConfig configures the HTTP backend.
type SelfHostedConfig struct {
	// Address is the listen address.
	// Default: 0.0.0.0:4201
	Address string `yaml:"address"`
}

// S3Config configures the S3 backend. Credentials come from the
// standard AWS environment, never from this file.
type S3Config struct {
	Bucket string `yaml:"bucket"`

	// PathPrefix is prepended to every object key.
	PathPrefix string `yaml:"path_prefix"`

	// CloudFrontDistribution enables invalidation when set.
	CloudFrontDistribution string `yaml:"cloudfront_distribution"`

	// Region overrides the region from the AWS environment.
	Region string `yaml:"region"`

	// RateLimit caps backend requests per second. Zero is unlimited.
	RateLimit float64 `yaml:"rate_limit"`
}

// Default returns the configuration used before any file, environment
// variable, or flag is applied.
func Default() *Config {
	return &Config{
		ArtifactDir: ".",
		TarballName: "artifacts.tar.gz",
		Backend:     SelfHosted,
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Watch: WatchConfig{
			Quiet: 2 * time.Second,
		},
		Sync: SyncConfig{
			Concurrency: 4,
			MaxAttempts: 5,
			GracePeriod: 10 * time.Second,
		},
		SelfHosted: SelfHostedConfig{
			Address: "0.0.0.0:4201",
		},
	}
}

// LoadFile loads configuration from path on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// loadFile decodes one file into the current config. JSON with
// comments is reduced to plain JSON, which the YAML decoder accepts.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnvironment overrides the artifact directory from
// CMGR_ARTIFACT_DIR when it is set.
func (c *Config) ApplyEnvironment() {
	if dir := os.Getenv(ArtifactDirEnv); dir != "" {
		c.ArtifactDir = dir
	}
}

// ApplyBackendOptions applies repeated key=value backend options.
// Unknown keys and malformed options are errors.
func (c *Config) ApplyBackendOptions(options []string) error {
	for _, option := range options {
		key, value, found := strings.Cut(option, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return fmt.Errorf("backend option %q: expected key=value", option)
		}

		switch key {
		case "bucket":
			c.S3.Bucket = value
		case "path-prefix":
			c.S3.PathPrefix = value
		case "cloudfront-distribution":
			c.S3.CloudFrontDistribution = value
		case "region":
			c.S3.Region = value
		case "rate-limit":
			rate, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("backend option %q: %w", option, err)
			}
			c.S3.RateLimit = rate
		case "address":
			c.SelfHosted.Address = value
		case "concurrency":
			concurrency, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("backend option %q: %w", option, err)
			}
			c.Sync.Concurrency = concurrency
		default:
			return fmt.Errorf("backend option %q: unknown key %q", option, key)
		}
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in the
// artifact directory.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.ArtifactDir = expandVars(c.ArtifactDir, vars)
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. Every problem is
// reported, not just the first.
func (c *Config) Validate() error {
	var errs []error

	if c.ArtifactDir == "" {
		errs = append(errs, errors.New("artifact_dir is required"))
	}

	if c.TarballName == "" || c.TarballName != filepath.Base(c.TarballName) || c.TarballName == "." || c.TarballName == ".." {
		errs = append(errs, fmt.Errorf("tarball_name %q must be a plain file name", c.TarballName))
	}

	levels := []string{"error", "warn", "info", "debug"}
	if !slices.Contains(levels, strings.ToLower(c.Log.Level)) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", levels))
	}
	formats := []string{"json", "text", "auto"}
	if !slices.Contains(formats, strings.ToLower(c.Log.Format)) {
		errs = append(errs, fmt.Errorf("log.format must be one of: %v", formats))
	}

	if c.Watch.Quiet < 0 {
		errs = append(errs, errors.New("watch.quiet must not be negative"))
	}
	if c.Sync.Concurrency <= 0 {
		errs = append(errs, errors.New("sync.concurrency must be positive"))
	}
	if c.Sync.MaxAttempts <= 0 {
		errs = append(errs, errors.New("sync.max_attempts must be positive"))
	}
	if c.Sync.GracePeriod < 0 {
		errs = append(errs, errors.New("sync.grace_period must not be negative"))
	}

	switch c.Backend {
	case SelfHosted:
		if c.SelfHosted.Address == "" {
			errs = append(errs, errors.New("selfhosted.address is required"))
		}
	case S3:
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3.bucket is required (backend option bucket=NAME)"))
		}
		if c.S3.RateLimit < 0 {
			errs = append(errs, errors.New("s3.rate_limit must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend must be one of: %s, %s (got %q)", SelfHosted, S3, c.Backend))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
