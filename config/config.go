// Package config provides YAML and environment based configuration for pipes clients and workers.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings configures a client and the worker processes it launches.
type Settings struct {
	// Timeout bounds a single call, measured from just before the task is written.
	Timeout time.Duration `mapstructure:"timeout"`
	// StartupTimeout bounds the wait for the worker's ready byte.
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	// MaxFilesProcessed recycles the worker after this many calls. <= 0 disables recycling.
	MaxFilesProcessed int `mapstructure:"max_files_processed"`

	// RuntimePath is the binary that is launched.
	RuntimePath string `mapstructure:"runtime_path"`
	// SearchPath is passed as --search-path unless ExtraArgs already carries one.
	SearchPath string `mapstructure:"search_path"`
	// ExtraArgs are appended verbatim after the injected flags.
	ExtraArgs []string `mapstructure:"extra_args"`
	// Env is added to the inherited environment of the worker.
	Env []string `mapstructure:"env"`
	// EntryPoint names what the runtime should run, e.g. a subcommand.
	EntryPoint string `mapstructure:"entry_point"`
	// ConfigPath is the worker's own configuration file. It is made absolute before launch.
	ConfigPath string `mapstructure:"config_path"`
	// ShutdownClientAfter is a hint telling the worker to exit after this long without traffic.
	ShutdownClientAfter time.Duration `mapstructure:"shutdown_client_after"`
	// MaxForEmitBatchBytes is only passed to workers by batching clients.
	MaxForEmitBatchBytes int64 `mapstructure:"max_for_emit_batch_bytes"`

	// Codec names the task/payload serialization, see task.ByName.
	Codec string `mapstructure:"codec"`
	// NumClients is the size of a client pool.
	NumClients int `mapstructure:"num_clients"`

	Log LogConfig `mapstructure:"log"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs  []string       `mapstructure:"outputs"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig controls rotation of file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Default returns Settings populated with the stock values.
func Default() *Settings {
	return &Settings{
		Timeout:             60 * time.Second,
		StartupTimeout:      240 * time.Second,
		MaxFilesProcessed:   10000,
		EntryPoint:          "serve",
		ShutdownClientAfter: 300 * time.Second,
		Codec:               "cbor",
		NumClients:          4,
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
		},
	}
}

var ErrInvalid = errors.New("invalid settings")

// Validate reports the first setting that would make a client unusable.
func (s *Settings) Validate() error {
	switch {
	case s.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalid, s.Timeout)
	case s.StartupTimeout <= 0:
		return fmt.Errorf("%w: startup_timeout must be positive, got %s", ErrInvalid, s.StartupTimeout)
	case s.RuntimePath == "":
		return fmt.Errorf("%w: runtime_path is required", ErrInvalid)
	case s.ConfigPath == "":
		return fmt.Errorf("%w: config_path is required", ErrInvalid)
	case s.EntryPoint == "":
		return fmt.Errorf("%w: entry_point is required", ErrInvalid)
	case s.ShutdownClientAfter < 0:
		return fmt.Errorf("%w: shutdown_client_after must not be negative", ErrInvalid)
	}
	return nil
}

func newViper(prefix string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func seedLogDefaults(v *viper.Viper, l LogConfig) {
	v.SetDefault("log.level", l.Level)
	v.SetDefault("log.format", l.Format)
	v.SetDefault("log.outputs", l.Outputs)
	v.SetDefault("log.rotation.enable", l.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", l.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", l.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", l.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", l.Rotation.Compress)
}

// Load reads client settings from path (if non-empty) with PIPES_* environment overrides,
// e.g. PIPES_MAX_FILES_PROCESSED=100. The result is validated.
func Load(path string) (*Settings, error) {
	s, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Read is Load without validation, for callers that fill in settings afterwards.
func Read(path string) (*Settings, error) {
	s := Default()
	v := newViper("PIPES")

	v.SetDefault("timeout", s.Timeout)
	v.SetDefault("startup_timeout", s.StartupTimeout)
	v.SetDefault("max_files_processed", s.MaxFilesProcessed)
	v.SetDefault("runtime_path", s.RuntimePath)
	v.SetDefault("search_path", s.SearchPath)
	v.SetDefault("extra_args", s.ExtraArgs)
	v.SetDefault("env", s.Env)
	v.SetDefault("entry_point", s.EntryPoint)
	v.SetDefault("config_path", s.ConfigPath)
	v.SetDefault("shutdown_client_after", s.ShutdownClientAfter)
	v.SetDefault("max_for_emit_batch_bytes", s.MaxForEmitBatchBytes)
	v.SetDefault("codec", s.Codec)
	v.SetDefault("num_clients", s.NumClients)
	seedLogDefaults(v, s.Log)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %q: %w", path, err)
		}
	}

	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return s, nil
}
