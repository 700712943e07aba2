package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, contents string) string {
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
	return p
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "pipes.yaml", `
timeout: 500ms
startup_timeout: 10s
max_files_processed: 2
runtime_path: /usr/local/bin/pipesworker
extra_args: ["--exit-on-oom"]
config_path: worker.yaml
log:
  level: debug
`)
	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, s.Timeout)
	assert.Equal(t, 10*time.Second, s.StartupTimeout)
	assert.Equal(t, 2, s.MaxFilesProcessed)
	assert.Equal(t, "/usr/local/bin/pipesworker", s.RuntimePath)
	assert.Equal(t, []string{"--exit-on-oom"}, s.ExtraArgs)
	assert.Equal(t, "worker.yaml", s.ConfigPath)
	assert.Equal(t, "debug", s.Log.Level)

	// untouched defaults survive
	assert.Equal(t, "serve", s.EntryPoint)
	assert.Equal(t, 300*time.Second, s.ShutdownClientAfter)
	assert.Equal(t, "cbor", s.Codec)
	assert.Equal(t, []string{"stderr"}, s.Log.Outputs)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeFile(t, "pipes.yaml", `
runtime_path: /bin/worker
config_path: /etc/worker.yaml
`)
	t.Setenv("PIPES_MAX_FILES_PROCESSED", "7")
	t.Setenv("PIPES_TIMEOUT", "2s")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, s.MaxFilesProcessed)
	assert.Equal(t, 2*time.Second, s.Timeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Settings {
		s := Default()
		s.RuntimePath = "/bin/worker"
		s.ConfigPath = "/etc/worker.yaml"
		return s
	}
	cases := []struct {
		name    string
		mutate  func(s *Settings)
		errText string
	}{
		{name: "valid", mutate: func(s *Settings) {}},
		{name: "recycling disabled is fine", mutate: func(s *Settings) { s.MaxFilesProcessed = 0 }},
		{name: "zero timeout", mutate: func(s *Settings) { s.Timeout = 0 }, errText: "timeout must be positive"},
		{name: "zero startup timeout", mutate: func(s *Settings) { s.StartupTimeout = 0 }, errText: "startup_timeout must be positive"},
		{name: "no runtime", mutate: func(s *Settings) { s.RuntimePath = "" }, errText: "runtime_path is required"},
		{name: "no config path", mutate: func(s *Settings) { s.ConfigPath = "" }, errText: "config_path is required"},
		{name: "no entry point", mutate: func(s *Settings) { s.EntryPoint = "" }, errText: "entry_point is required"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := valid()
			c.mutate(s)
			err := s.Validate()
			if c.errText == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalid)
			require.ErrorContains(t, err, c.errText)
		})
	}
}

func TestLoadWorker(t *testing.T) {
	path := writeFile(t, "worker.yaml", `
fetch_base_dir: /data/in
emit_dir: /data/out
`)
	c, err := LoadWorker(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/in", c.FetchBaseDir)
	assert.Equal(t, "/data/out", c.EmitDir)
	assert.Equal(t, []string{"stderr"}, c.Log.Outputs)
}

func TestLoadWorkerRejectsStdoutLogging(t *testing.T) {
	path := writeFile(t, "worker.yaml", `
log:
  outputs: ["stdout"]
`)
	_, err := LoadWorker(path)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestReadDoesNotValidate(t *testing.T) {
	path := writeFile(t, "pipes.yaml", "config_path: worker.yaml\n")

	s, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "", s.RuntimePath)
	assert.ErrorIs(t, s.Validate(), ErrInvalid)

	_, err = Load(path)
	assert.ErrorIs(t, err, ErrInvalid)
}
