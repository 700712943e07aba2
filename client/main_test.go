package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/pipes/config"
	"github.com/guseggert/pipes/protocol"
	"github.com/guseggert/pipes/task"
	"github.com/guseggert/pipes/worker"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scenarioEnv makes the test binary act as a worker with a scripted behaviour.
const scenarioEnv = "PIPES_TEST_WORKER_SCENARIO"

func TestMain(m *testing.M) {
	if scenario := os.Getenv(scenarioEnv); scenario != "" {
		os.Exit(runWorker(scenario))
	}
	os.Exit(m.Run())
}

func runWorker(scenario string) int {
	switch scenario {
	case "garbage-ready":
		os.Stdout.Write([]byte{byte(protocol.StatusEmitException)})
		time.Sleep(time.Minute)
		return 0
	case "no-ready":
		time.Sleep(time.Minute)
		return 0
	case "exit-at-start":
		return 2
	case "ping-mismatch":
		return pingMismatchWorker()
	}

	opts := []worker.AppOption{
		worker.WithHandlerFactory(func(c *config.WorkerConfig) worker.Handler {
			return newScriptedHandler(scenario, c)
		}),
	}
	if scenario == "hang" {
		// only the client's deadline applies
		opts = append(opts, worker.WithServerOptions(worker.WithTimeout(0)))
	}
	if err := worker.App(opts...).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// scriptedHandler misbehaves as scenario says and otherwise acts as a FileHandler, including its Emit.
type scriptedHandler struct {
	*worker.FileHandler
	scenario string
}

func newScriptedHandler(scenario string, c *config.WorkerConfig) *scriptedHandler {
	return &scriptedHandler{
		FileHandler: &worker.FileHandler{FetchBaseDir: c.FetchBaseDir, EmitDir: c.EmitDir},
		scenario:    scenario,
	}
}

func (h *scriptedHandler) Handle(ctx context.Context, t *task.Task) (worker.Result, error) {
	switch h.scenario {
	case "hang":
		select {}
	case "exit-timeout":
		os.Exit(protocol.TimeoutExitCode)
	case "crash":
		os.Exit(3)
	case "emit-exception":
		return worker.Result{Kind: worker.EmitException, Message: "bad document!"}, nil
	case "oom":
		return worker.Result{}, worker.ErrOutOfMemory
	case "unknown-status":
		writeRawAndHang([]byte{99})
	case "negative-length":
		writeRawAndHang([]byte{byte(protocol.StatusParseSuccess), 0xff, 0xff, 0xff, 0xff})
	case "bad-payload":
		writeRawAndHang([]byte{byte(protocol.StatusParseSuccess), 0, 0, 0, 2, 0xff, 0xff})
	}
	return h.FileHandler.Handle(ctx, t)
}

// pingMismatchWorker starts normally, reports NoEmitterFound for every call and answers PING with READY.
func pingMismatchWorker() int {
	rd := protocol.NewReader(os.Stdin)
	wr := protocol.NewWriter(os.Stdout)
	if err := wr.WriteReady(); err != nil {
		return 1
	}
	for {
		cmd, _, err := rd.ReadCommand()
		if err != nil {
			return 0
		}
		switch cmd {
		case protocol.Ping:
			err = wr.WriteReady()
		case protocol.Call:
			err = wr.WriteResponse(protocol.Response{Status: protocol.StatusNoEmitterFound})
		}
		if err != nil {
			return 1
		}
	}
}

func writeRawAndHang(b []byte) {
	os.Stdout.Write(b)
	select {}
}

type testEnv struct {
	settings *config.Settings
	fetchDir string
}

// newTestEnv prepares settings that launch this test binary as a worker running scenario.
func newTestEnv(t *testing.T, scenario string) *testEnv {
	dir := t.TempDir()
	fetchDir := filepath.Join(dir, "docs")
	require.NoError(t, os.MkdirAll(fetchDir, 0o755))
	configPath := filepath.Join(dir, "worker.yaml")
	workerConfig := fmt.Sprintf("fetch_base_dir: %q\nemit_dir: %q\nlog:\n  level: warn\n", fetchDir, filepath.Join(dir, "out"))
	require.NoError(t, os.WriteFile(configPath, []byte(workerConfig), 0o644))

	s := config.Default()
	s.RuntimePath = os.Args[0]
	s.ConfigPath = configPath
	s.Timeout = 10 * time.Second
	s.StartupTimeout = 20 * time.Second
	s.Env = []string{scenarioEnv + "=" + scenario}
	return &testEnv{settings: s, fetchDir: fetchDir}
}

func (e *testEnv) writeDoc(t *testing.T, name, content string) {
	require.NoError(t, os.WriteFile(filepath.Join(e.fetchDir, name), []byte(content), 0o644))
}

func (e *testEnv) client(t *testing.T) *Client {
	c, err := New(e.settings, WithLogger(testLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testLogger(t *testing.T) *zap.Logger {
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	return l
}

func docTask(name string) *task.Task {
	return task.New(task.FetchKey{FetcherName: worker.FSFetcher, Key: name}, task.EmitKey{})
}
