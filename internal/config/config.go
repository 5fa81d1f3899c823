// ============================================================================
// compile-asm Config - YAML configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Loads the YAML configuration file (default: configs/default.yaml)
//
// Sections:
//   settings - how compiles are built and streamed (encoding, chunk size,
//              directive stripping, compiler paths and flags)
//   server   - gRPC editor service
//   metrics  - Prometheus / HTTP side-channel
//   log      - log level and color
//
// Settings are re-read for every compile through a Loader, the same way an
// editor command reloads its settings on each run. A settings file that
// cannot be read or parsed makes the compile a no-op (ErrUnavailable).
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnavailable marks configuration that could not be loaded.
var ErrUnavailable = errors.New("configuration unavailable")

// DefaultPath is the config file used when --config is not given.
const DefaultPath = "configs/default.yaml"

// Config represents the complete configuration file.
type Config struct {
	Settings Settings `yaml:"settings"`

	Server struct {
		GRPCPort int `yaml:"grpc_port"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level   string `yaml:"level"`
		NoColor bool   `yaml:"no_color"`
	} `yaml:"log"`
}

// Settings controls how one compile is built and streamed.
type Settings struct {
	Encoding          string   `yaml:"encoding"`
	ChunkSize         int      `yaml:"chunk_size"`
	StripDirectives   *bool    `yaml:"strip_directives"`
	DirectivePrefixes []string `yaml:"directive_prefixes"`
	DrainPrevious     bool     `yaml:"drain_previous"`

	// Toolchain
	Launcher            string              `yaml:"launcher"`
	ClangPath           string              `yaml:"clang_path"`
	ClangSysroot        string              `yaml:"clang_sysroot"`
	OptimizationLevel   *string             `yaml:"optimization_level"`
	CompileWarningFlags []string            `yaml:"compile_warning_flags"`
	CompileOptions      map[string][]string `yaml:"compile_options"`
}

// Defaults used for unset fields.
const (
	DefaultEncoding          = "utf-8"
	DefaultChunkSize         = 1 << 13
	DefaultLauncher          = "xcrun"
	DefaultOptimizationLevel = "-Os"
	DefaultGRPCPort          = 50051
	DefaultMetricsPort       = 9090
	DefaultLogLevel          = "info"
)

// DefaultDirectivePrefixes are stripped when strip_directives is on and no
// prefixes are listed.
var DefaultDirectivePrefixes = []string{"cfi_", "loh"}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	c.Settings.ApplyDefaults()

	if c.Server.GRPCPort == 0 {
		c.Server.GRPCPort = DefaultGRPCPort
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// ApplyDefaults fills unset settings.
func (s *Settings) ApplyDefaults() {
	if s.Encoding == "" {
		s.Encoding = DefaultEncoding
	}
	if s.ChunkSize <= 0 {
		s.ChunkSize = DefaultChunkSize
	}
	if s.StripDirectives == nil {
		on := true
		s.StripDirectives = &on
	}
	if len(s.DirectivePrefixes) == 0 {
		s.DirectivePrefixes = append([]string(nil), DefaultDirectivePrefixes...)
	}
	if s.Launcher == "" {
		s.Launcher = DefaultLauncher
	}
	if s.OptimizationLevel == nil {
		level := DefaultOptimizationLevel
		s.OptimizationLevel = &level
	}
}

// Strip reports whether directive stripping is enabled.
func (s *Settings) Strip() bool {
	return s.StripDirectives == nil || *s.StripDirectives
}

// Optimization returns the optimization flag, "" for none.
func (s *Settings) Optimization() string {
	if s.OptimizationLevel == nil {
		return DefaultOptimizationLevel
	}
	return *s.OptimizationLevel
}

// OptionsFor returns compile_options for a file extension such as ".m".
// Keys may be written with or without the leading dot.
func (s *Settings) OptionsFor(ext string) ([]string, bool) {
	if s.CompileOptions == nil || ext == "" {
		return nil, false
	}
	if opts, ok := s.CompileOptions[ext]; ok {
		return opts, true
	}
	opts, ok := s.CompileOptions[strings.TrimPrefix(ext, ".")]
	return opts, ok
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %v", ErrUnavailable, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config YAML: %v", ErrUnavailable, err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// Loader produces the current configuration.
type Loader func() (*Config, error)

// FileLoader re-reads path on every call.
func FileLoader(path string) Loader {
	return func() (*Config, error) {
		return Load(path)
	}
}

// Static always returns cfg.
func Static(cfg *Config) Loader {
	return func() (*Config, error) {
		if cfg == nil {
			return nil, ErrUnavailable
		}
		return cfg, nil
	}
}
