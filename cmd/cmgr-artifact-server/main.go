// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/cmgr-artifact-server/lib/config"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/service"
	"github.com/bureau-foundation/cmgr-artifact-server/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options holds the parsed command line. Empty strings mean the flag
// was not given.
type options struct {
	backend        string
	backendOptions []string
	salt           string
	logLevel       string
	logFormat      string
	configPath     string
	artifactDir    string
	showVersion    bool
	showHelp       bool
}

func parseOptions(args []string) (*options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("cmgr-artifact-server", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.backend, "backend", "b", "", "distribution target: selfhosted or s3 (default selfhosted)")
	flagSet.StringArrayVarP(&opts.backendOptions, "backend-option", "o", nil, "backend option as key=value (repeatable)")
	flagSet.StringVarP(&opts.salt, "salt", "s", "", "salt for build id obfuscation (disabled when empty)")
	flagSet.StringVarP(&opts.logLevel, "log-level", "l", "", "log level: error, warn, info, debug (default info)")
	flagSet.StringVar(&opts.logFormat, "log-format", "", "log format: json, text, auto (default auto)")
	flagSet.StringVar(&opts.configPath, "config", "", "path to a YAML or JSONC configuration file")
	flagSet.StringVar(&opts.artifactDir, "artifact-dir", "", "artifact directory (default $"+config.ArtifactDirEnv+", then .)")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			opts.showHelp = true
			return &opts, nil
		}
		return nil, err
	}
	if flagSet.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}
	return &opts, nil
}

// resolveConfig layers defaults, the config file, the environment, and
// flags, in that order, and validates the result.
func resolveConfig(opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.LoadFile(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnvironment()

	if opts.artifactDir != "" {
		cfg.ArtifactDir = opts.artifactDir
	}
	if opts.backend != "" {
		cfg.Backend = config.BackendKind(opts.backend)
	}
	if opts.salt != "" {
		cfg.Salt = opts.salt
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
	if err := cfg.ApplyBackendOptions(opts.backendOptions); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run() error {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		return err
	}
	if opts.showHelp {
		return nil
	}
	if opts.showVersion {
		fmt.Printf("cmgr-artifact-server %s\n", version.Info())
		return nil
	}

	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}

	logger, err := service.NewLogger(service.LoggerConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("cmgr-artifact-server starting",
		"version", version.Info(),
		"artifact_dir", cfg.ArtifactDir,
		"backend", string(cfg.Backend),
		"obfuscation", cfg.Salt != "",
	)

	if err := serve(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("cmgr-artifact-server stopped")
	return nil
}
