package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/pipes/protocol"
	"github.com/guseggert/pipes/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	in   *io.PipeWriter
	r    *protocol.Reader
	w    *protocol.Writer
	errc chan error
}

// start runs s against in-memory pipes and consumes the READY byte.
func start(t *testing.T, s *Server) *harness {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := &harness{
		in:   inW,
		r:    protocol.NewReader(outR),
		w:    protocol.NewWriter(inW),
		errc: make(chan error, 1),
	}
	go func() {
		h.errc <- s.Serve(context.Background(), inR, outW)
		outW.Close()
	}()
	t.Cleanup(func() {
		inW.Close()
		outR.Close()
	})

	b, err := h.r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, protocol.Ready, b)
	return h
}

func (h *harness) call(t *testing.T, tk *task.Task) protocol.Response {
	payload, err := task.CBOR().Marshal(tk)
	require.NoError(t, err)
	require.NoError(t, h.w.WriteCall(payload))
	resp, err := h.r.ReadResponse()
	require.NoError(t, err)
	return resp
}

func (h *harness) wait(t *testing.T) error {
	select {
	case err := <-h.errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestServePingAndEOF(t *testing.T) {
	h := start(t, New(&FileHandler{}))

	for i := 0; i < 3; i++ {
		require.NoError(t, h.w.WritePing())
		b, err := h.r.ReadByte()
		require.NoError(t, err)
		assert.Equal(t, protocol.Ping, b)
	}

	require.NoError(t, h.in.Close())
	assert.NoError(t, h.wait(t))
}

func TestServeFileHandler(t *testing.T) {
	fetchDir := t.TempDir()
	emitDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(fetchDir, "doc.txt"), []byte("one\ntwo\nthree"), 0o644))

	h := start(t, New(&FileHandler{FetchBaseDir: fetchDir, EmitDir: emitDir}))

	cases := []struct {
		name   string
		task   *task.Task
		status protocol.Status
		check  func(t *testing.T, resp protocol.Response)
	}{
		{
			name:   "returned to client",
			task:   task.New(task.FetchKey{FetcherName: FSFetcher, Key: "doc.txt"}, task.EmitKey{}),
			status: protocol.StatusParseSuccess,
			check: func(t *testing.T, resp protocol.Response) {
				var data task.EmitData
				require.NoError(t, task.CBOR().Unmarshal(resp.Body, &data))
				require.Len(t, data.Metadata, 1)
				md := data.Metadata[0]
				assert.Equal(t, []string{"doc.txt"}, md[KeyResourceName])
				assert.Equal(t, []string{"13"}, md[KeyLength])
				assert.Equal(t, []string{"3"}, md[KeyLineCount])
				assert.Equal(t, []string{"text/plain; charset=utf-8"}, md[KeyContentType])
				assert.Len(t, md[KeyBLAKE3][0], 64)
			},
		},
		{
			name:   "emitted to fs",
			task:   task.New(task.FetchKey{FetcherName: FSFetcher, Key: "doc.txt"}, task.EmitKey{EmitterName: FSEmitter, Key: "out/doc"}),
			status: protocol.StatusEmitSuccess,
			check: func(t *testing.T, resp protocol.Response) {
				b, err := os.ReadFile(filepath.Join(emitDir, "out", "doc.json"))
				require.NoError(t, err)
				var data task.EmitData
				require.NoError(t, json.Unmarshal(b, &data))
				assert.Equal(t, "out/doc", data.EmitKey.Key)
			},
		},
		{
			name:   "unknown emitter",
			task:   task.New(task.FetchKey{FetcherName: FSFetcher, Key: "doc.txt"}, task.EmitKey{EmitterName: "s3", Key: "x"}),
			status: protocol.StatusNoEmitterFound,
		},
		{
			name:   "missing file emits partial result",
			task:   task.New(task.FetchKey{FetcherName: FSFetcher, Key: "nope.txt"}, task.EmitKey{}),
			status: protocol.StatusParseExceptionEmit,
			check: func(t *testing.T, resp protocol.Response) {
				var data task.EmitData
				require.NoError(t, task.CBOR().Unmarshal(resp.Body, &data))
				require.Len(t, data.Metadata, 1)
				assert.Contains(t, data.Metadata[0][ParseExceptionKey][0], "nope.txt")
			},
		},
		{
			name: "missing file skipped",
			task: func() *task.Task {
				tk := task.New(task.FetchKey{FetcherName: FSFetcher, Key: "nope.txt"}, task.EmitKey{})
				tk.OnParseException = task.Skip
				return tk
			}(),
			status: protocol.StatusParseExceptionNoEmit,
			check: func(t *testing.T, resp protocol.Response) {
				assert.Contains(t, string(resp.Body), "nope.txt")
			},
		},
		{
			name:   "missing file emits partial result to fs",
			task:   task.New(task.FetchKey{FetcherName: FSFetcher, Key: "nope.txt"}, task.EmitKey{EmitterName: FSEmitter, Key: "partial/nope"}),
			status: protocol.StatusEmitSuccessParseException,
			check: func(t *testing.T, resp protocol.Response) {
				assert.Contains(t, string(resp.Body), "nope.txt")
				b, err := os.ReadFile(filepath.Join(emitDir, "partial", "nope.json"))
				require.NoError(t, err)
				var data task.EmitData
				require.NoError(t, json.Unmarshal(b, &data))
				require.Len(t, data.Metadata, 1)
				assert.Contains(t, data.Metadata[0][ParseExceptionKey][0], "nope.txt")
			},
		},
		{
			name:   "missing file with unknown emitter",
			task:   task.New(task.FetchKey{FetcherName: FSFetcher, Key: "nope.txt"}, task.EmitKey{EmitterName: "s3", Key: "x"}),
			status: protocol.StatusNoEmitterFound,
		},
		{
			name:   "path cannot escape base dir",
			task:   task.New(task.FetchKey{FetcherName: FSFetcher, Key: "../../../../etc/passwd"}, task.EmitKey{}),
			status: protocol.StatusParseExceptionEmit,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp := h.call(t, c.task)
			require.Equal(t, c.status, resp.Status)
			if c.check != nil {
				c.check(t, resp)
			}
		})
	}
}

func TestServeEmitException(t *testing.T) {
	fetchDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(fetchDir, "doc.txt"), []byte("x"), 0o644))
	h := start(t, New(&FileHandler{FetchBaseDir: fetchDir}))

	resp := h.call(t, task.New(task.FetchKey{FetcherName: FSFetcher, Key: "doc.txt"}, task.EmitKey{EmitterName: FSEmitter, Key: "doc"}))
	assert.Equal(t, protocol.StatusEmitException, resp.Status)
	assert.Contains(t, string(resp.Body), "no emit dir")
}

func TestServePartialResultEmitFails(t *testing.T) {
	h := start(t, New(&FileHandler{FetchBaseDir: t.TempDir()}))

	resp := h.call(t, task.New(task.FetchKey{FetcherName: FSFetcher, Key: "nope.txt"}, task.EmitKey{EmitterName: FSEmitter, Key: "doc"}))
	assert.Equal(t, protocol.StatusEmitException, resp.Status)
	assert.Contains(t, string(resp.Body), "no emit dir")
}

func TestServeTimeoutExits(t *testing.T) {
	exited := make(chan int, 1)
	block := HandlerFunc(func(ctx context.Context, t *task.Task) (Result, error) {
		select {}
	})
	h := start(t, New(block, WithTimeout(50*time.Millisecond), WithExitFunc(func(code int) { exited <- code })))

	payload, err := task.CBOR().Marshal(task.New(task.FetchKey{}, task.EmitKey{}))
	require.NoError(t, err)
	require.NoError(t, h.w.WriteCall(payload))

	assert.Equal(t, protocol.TimeoutExitCode, <-exited)
	assert.ErrorIs(t, h.wait(t), ErrTimedOut)
}

func TestServeOutOfMemory(t *testing.T) {
	oom := HandlerFunc(func(ctx context.Context, t *task.Task) (Result, error) {
		return Result{}, fmt.Errorf("allocating buffer: %w", ErrOutOfMemory)
	})

	t.Run("keeps serving", func(t *testing.T) {
		h := start(t, New(oom, WithExitFunc(func(code int) { t.Errorf("unexpected exit %d", code) })))
		for i := 0; i < 2; i++ {
			resp := h.call(t, task.New(task.FetchKey{}, task.EmitKey{}))
			assert.Equal(t, protocol.StatusOOM, resp.Status)
		}
	})

	t.Run("exits", func(t *testing.T) {
		exited := make(chan int, 1)
		h := start(t, New(oom, WithExitOnOOM(true), WithExitFunc(func(code int) { exited <- code })))
		resp := h.call(t, task.New(task.FetchKey{}, task.EmitKey{}))
		assert.Equal(t, protocol.StatusOOM, resp.Status)
		assert.Equal(t, protocol.OOMExitCode, <-exited)
		assert.ErrorIs(t, h.wait(t), ErrOutOfMemory)
	})
}

func TestServeRecoversPanic(t *testing.T) {
	boom := HandlerFunc(func(ctx context.Context, t *task.Task) (Result, error) {
		panic("boom")
	})
	h := start(t, New(boom))

	tk := task.New(task.FetchKey{}, task.EmitKey{})
	tk.OnParseException = task.Skip
	resp := h.call(t, tk)
	assert.Equal(t, protocol.StatusParseExceptionNoEmit, resp.Status)
	assert.Equal(t, "panic: boom", string(resp.Body))

	require.NoError(t, h.w.WritePing())
	b, err := h.r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, protocol.Ping, b)
}

func TestServeUndecodableTask(t *testing.T) {
	h := start(t, New(&FileHandler{}))
	require.NoError(t, h.w.WriteCall([]byte{0xff, 0xff}))
	resp, err := h.r.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusParseExceptionNoEmit, resp.Status)
	assert.Contains(t, string(resp.Body), "decoding task")
}

func TestServeIdleShutdown(t *testing.T) {
	h := start(t, New(&FileHandler{}, WithShutdownAfter(100*time.Millisecond)))
	err := h.wait(t)
	assert.True(t, errors.Is(err, ErrIdle), "got %v", err)
}

func TestServeCancel(t *testing.T) {
	inR, _ := io.Pipe()
	outR, outW := io.Pipe()
	defer outR.Close()
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- New(&FileHandler{}).Serve(ctx, inR, outW) }()
	_, err := protocol.NewReader(outR).ReadByte()
	require.NoError(t, err)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}
