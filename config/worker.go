package config

import (
	"fmt"
)

// WorkerConfig is the worker's own configuration file, the one named by Settings.ConfigPath.
type WorkerConfig struct {
	// FetchBaseDir is the root that fs fetch keys are resolved against.
	FetchBaseDir string `mapstructure:"fetch_base_dir"`
	// EmitDir is where the fs emitter writes results.
	EmitDir string    `mapstructure:"emit_dir"`
	Codec   string    `mapstructure:"codec"`
	Log     LogConfig `mapstructure:"log"`
}

// DefaultWorker returns worker defaults. Logs go to stderr: stdout belongs to the protocol.
func DefaultWorker() *WorkerConfig {
	return &WorkerConfig{
		FetchBaseDir: ".",
		Codec:        "cbor",
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
		},
	}
}

// LoadWorker reads a worker config file with PIPES_WORKER_* environment overrides.
func LoadWorker(path string) (*WorkerConfig, error) {
	c := DefaultWorker()
	v := newViper("PIPES_WORKER")

	v.SetDefault("fetch_base_dir", c.FetchBaseDir)
	v.SetDefault("emit_dir", c.EmitDir)
	v.SetDefault("codec", c.Codec)
	seedLogDefaults(v, c.Log)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading worker config %q: %w", path, err)
		}
	}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decoding worker config: %w", err)
	}
	for _, out := range c.Log.Outputs {
		if out == "stdout" {
			return nil, fmt.Errorf("%w: worker log output cannot be stdout, it carries the protocol", ErrInvalid)
		}
	}
	return c, nil
}
