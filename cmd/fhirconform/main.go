// Command fhirconform loads FHIR conformance packages and validates resources
// and codes against them.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/gofhir/conformance/pkg/config"
	"github.com/gofhir/conformance/pkg/loader"
	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/registry"
)

const version = "0.2.0"

var rootCmd = &cobra.Command{
	Use:           "fhirconform",
	Short:         "FHIR conformance validation",
	Long:          `fhirconform loads FHIR packages into a registry and validates resources, slices, extensions and codes against them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.Version = version

	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(validateCodeCmd)
	rootCmd.AddCommand(profilesCmd)

	rootCmd.PersistentFlags().String("config", "", "config file (default ./fhirconform.yaml if present)")
	rootCmd.PersistentFlags().String("log-level", "", "override log level (debug|info|warn|error|none)")
	rootCmd.PersistentFlags().StringSlice("package", nil, "extra package to load: name#version, .tgz path, URL or directory")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// errInvalid marks a run that completed but found blocking issues.
var errInvalid = errors.New("validation failed")

func exitCode(err error) int {
	if errors.Is(err, errInvalid) {
		return 1
	}
	return 2
}

// env is what every subcommand needs: settings, a logger, a loader and an
// empty registry.
type env struct {
	cfg    *config.Config
	log    zerolog.Logger
	loader *loader.Loader
	reg    *registry.Registry
}

func setup(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if extra, _ := cmd.Flags().GetStringSlice("package"); len(extra) > 0 {
		cfg.Packages = append(cfg.Packages, extra...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log := newLogger(cfg, cmd.ErrOrStderr())
	logger.SetDefault(log)

	l := loader.New(
		loader.WithCacheDir(cfg.CacheDir),
		loader.WithRegistryURL(cfg.RegistryURL),
		loader.WithTimeout(cfg.HTTPTimeout),
		loader.WithConcurrency(cfg.Concurrency),
		loader.WithLogger(log),
	)
	reg := registry.New(
		registry.WithMemoSize(cfg.MemoSize),
		registry.WithLogger(log),
		registry.WithSpecPaths(cfg.SpecPaths...),
		registry.WithFHIRVersion(cfg.Version()),
		registry.WithPackageCache(cfg.CacheDir),
	)
	return &env{cfg: cfg, log: log, loader: l, reg: reg}, nil
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	if cfg.LogFormat == "json" {
		return logger.New(w, cfg.Level())
	}
	return logger.NewConsole(w, cfg.Level())
}

// populate loads the base definitions and every configured package. Missing
// base definitions are tolerated when packages supply content.
func (e *env) populate(ctx context.Context) error {
	err := e.reg.Initialize(ctx)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrSpecsNotFound) && len(e.cfg.Packages) > 0:
		e.log.Warn().Err(err).Msg("continuing with package content only")
	default:
		return err
	}

	if len(e.cfg.Packages) == 0 {
		return nil
	}
	_, err = e.reg.LoadPackages(ctx, e.loader, e.cfg.Packages)
	return err
}
