// Package config loads engine settings from an optional config file and
// FHIRCONF_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gofhir/conformance/pkg/loader"
	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/registry"
	"github.com/gofhir/conformance/pkg/specs"
	"github.com/gofhir/conformance/pkg/terminology"
)

// EnvPrefix prefixes every environment variable, e.g. FHIRCONF_CACHE_DIR.
const EnvPrefix = "FHIRCONF"

// Config holds every tunable of the engine and the CLI.
type Config struct {
	CacheDir             string        `mapstructure:"cache_dir"`
	RegistryURL          string        `mapstructure:"registry_url"`
	HTTPTimeout          time.Duration `mapstructure:"http_timeout"`
	FHIRVersion          string        `mapstructure:"fhir_version"`
	SpecPaths            []string      `mapstructure:"spec_paths"`
	Packages             []string      `mapstructure:"packages"`
	TerminologyURL       string        `mapstructure:"terminology_url"`
	TerminologyTimeout   time.Duration `mapstructure:"terminology_timeout"`
	TerminologyCacheSize int           `mapstructure:"terminology_cache_size"`
	MemoSize             int           `mapstructure:"memo_size"`
	LogLevel             string        `mapstructure:"log_level"`
	LogFormat            string        `mapstructure:"log_format"`
	Concurrency          int           `mapstructure:"concurrency"`
}

var keys = []string{
	"cache_dir", "registry_url", "http_timeout", "fhir_version", "spec_paths", "packages",
	"terminology_url", "terminology_timeout", "terminology_cache_size", "memo_size",
	"log_level", "log_format", "concurrency",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache_dir", loader.DefaultPackagePath())
	v.SetDefault("registry_url", loader.DefaultRegistryURL)
	v.SetDefault("http_timeout", loader.DefaultTimeout)
	v.SetDefault("fhir_version", string(specs.R4))
	v.SetDefault("terminology_timeout", terminology.DefaultServiceTimeout)
	v.SetDefault("terminology_cache_size", terminology.DefaultCacheSize)
	v.SetDefault("memo_size", registry.DefaultMemoSize)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("concurrency", loader.DefaultConcurrency)
}

// Load reads configuration. When path is empty a fhirconform.{yaml,json,toml}
// in the working directory is used if present; an explicit path must exist.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("fhirconform")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.SpecPaths = splitList(cfg.SpecPaths)
	cfg.Packages = splitList(cfg.Packages)
	return cfg, nil
}

// splitList accepts both real lists and a single comma-separated entry, as
// produced by environment variables.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return errors.New("cache_dir must not be empty")
	}
	if !strings.HasPrefix(c.RegistryURL, "http://") && !strings.HasPrefix(c.RegistryURL, "https://") {
		return fmt.Errorf("registry_url must be an http(s) URL, got %q", c.RegistryURL)
	}
	if c.TerminologyURL != "" && !strings.HasPrefix(c.TerminologyURL, "http://") && !strings.HasPrefix(c.TerminologyURL, "https://") {
		return fmt.Errorf("terminology_url must be an http(s) URL, got %q", c.TerminologyURL)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http_timeout must be positive, got %s", c.HTTPTimeout)
	}
	if c.TerminologyTimeout <= 0 {
		return fmt.Errorf("terminology_timeout must be positive, got %s", c.TerminologyTimeout)
	}
	if c.MemoSize < 1 {
		return fmt.Errorf("memo_size must be at least 1, got %d", c.MemoSize)
	}
	if c.TerminologyCacheSize < 1 {
		return fmt.Errorf("terminology_cache_size must be at least 1, got %d", c.TerminologyCacheSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if _, err := specs.Parse(c.FHIRVersion); err != nil {
		return err
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be \"console\" or \"json\", got %q", c.LogFormat)
	}
	return nil
}

// Version returns the parsed FHIR version. Call Validate first.
func (c *Config) Version() specs.Version {
	v, err := specs.Parse(c.FHIRVersion)
	if err != nil {
		return specs.R4
	}
	return v
}

// Level returns the parsed log level. Call Validate first.
func (c *Config) Level() logger.Level {
	l, _ := logger.ParseLevel(c.LogLevel)
	return l
}
