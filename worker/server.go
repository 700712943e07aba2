package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/guseggert/pipes/protocol"
	"github.com/guseggert/pipes/task"
	"go.uber.org/zap"
)

var (
	// ErrIdle is returned by Serve after ShutdownAfter passes with no traffic.
	ErrIdle = errors.New("idle timeout")
	// ErrTimedOut is returned by Serve if the exit hook returns after a call timed out.
	ErrTimedOut = errors.New("call timed out")
)

// ParseExceptionKey is the metadata key holding the failure message on partial results.
const ParseExceptionKey = "X-Pipes-Parse-Exception"

// Server answers protocol commands read from r with frames written to w.
type Server struct {
	log     *zap.SugaredLogger
	codec   task.Codec
	handler Handler

	timeout       time.Duration
	shutdownAfter time.Duration
	exitOnOOM     bool
	exit          func(code int)
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Sugar().Named("worker")
	}
}

func WithCodec(c task.Codec) Option {
	return func(s *Server) {
		s.codec = c
	}
}

// WithTimeout bounds each call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.timeout = d
	}
}

// WithShutdownAfter makes Serve return ErrIdle after d without commands. Zero disables it.
func WithShutdownAfter(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownAfter = d
	}
}

// WithExitOnOOM exits with protocol.OOMExitCode after reporting OOM.
func WithExitOnOOM(b bool) Option {
	return func(s *Server) {
		s.exitOnOOM = b
	}
}

// WithExitFunc replaces os.Exit for the timeout and OOM exits.
func WithExitFunc(f func(code int)) Option {
	return func(s *Server) {
		s.exit = f
	}
}

func New(h Handler, opts ...Option) *Server {
	s := &Server{
		log:     defaultLogger,
		codec:   task.CBOR(),
		handler: h,
		exit:    os.Exit,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type command struct {
	cmd     byte
	payload []byte
	err     error
}

// Serve writes READY and answers commands until r reaches EOF (nil), the worker goes idle (ErrIdle),
// ctx is done, or a frame cannot be read or written.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	rd := protocol.NewReader(r)
	wr := protocol.NewWriter(w)

	if err := wr.WriteReady(); err != nil {
		return fmt.Errorf("writing ready byte: %w", err)
	}
	s.log.Debug("ready")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmds := make(chan command)
	go s.readCommands(ctx, rd, cmds)

	var idle <-chan time.Time
	if s.shutdownAfter > 0 {
		ticker := time.NewTicker(watchInterval(s.shutdownAfter))
		defer ticker.Stop()
		idle = ticker.C
	}
	lastActivity := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
			if time.Since(lastActivity) > s.shutdownAfter {
				s.log.Infof("no commands for %s, shutting down", s.shutdownAfter)
				return ErrIdle
			}
		case c := <-cmds:
			if c.err != nil {
				if errors.Is(c.err, io.EOF) {
					s.log.Debug("input closed, shutting down")
					return nil
				}
				return fmt.Errorf("reading command: %w", c.err)
			}
			switch c.cmd {
			case protocol.Ping:
				if err := wr.WritePing(); err != nil {
					return fmt.Errorf("echoing ping: %w", err)
				}
			case protocol.Call:
				if err := s.call(ctx, wr, c.payload); err != nil {
					return err
				}
			}
			lastActivity = time.Now()
		}
	}
}

func (s *Server) readCommands(ctx context.Context, rd *protocol.Reader, out chan<- command) {
	for {
		cmd, payload, err := rd.ReadCommand()
		select {
		case out <- command{cmd: cmd, payload: payload, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// watchInterval is how often the idle check runs.
func watchInterval(d time.Duration) time.Duration {
	if i := d / 4; i < time.Second {
		return i
	}
	return time.Second
}

type handled struct {
	result Result
	err    error
}

func (s *Server) call(ctx context.Context, wr *protocol.Writer, payload []byte) error {
	start := time.Now()

	var t task.Task
	if err := s.codec.Unmarshal(payload, &t); err != nil {
		s.log.Warnf("couldn't decode %d byte task: %s", len(payload), err)
		return s.respond(wr, "", Result{Kind: ParseExceptionNoEmit, Message: fmt.Sprintf("decoding task: %s", err)})
	}
	log := s.log.With("task_id", t.ID)

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan handled, 1)
	go func() {
		res, err := s.handle(callCtx, &t)
		if err != nil && !errors.Is(err, ErrOutOfMemory) {
			res, err = s.parseFailure(callCtx, &t, err.Error()), nil
		}
		done <- handled{result: res, err: err}
	}()

	var deadline <-chan time.Time
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case h := <-done:
		elapsed := time.Since(start).Milliseconds()
		if errors.Is(h.err, ErrOutOfMemory) {
			log.Warnf("oom after %d ms", elapsed)
			if err := wr.WriteResponse(protocol.Response{Status: protocol.StatusOOM}); err != nil {
				return fmt.Errorf("writing oom status: %w", err)
			}
			if s.exitOnOOM {
				s.exit(protocol.OOMExitCode)
				return ErrOutOfMemory
			}
			return nil
		}
		res := h.result
		log.Debugf("handled in %d ms: %s", elapsed, res.status())
		return s.respond(wr, t.ID, res)
	case <-deadline:
		log.Warnf("timeout after %s, exiting with code %d", s.timeout, protocol.TimeoutExitCode)
		s.exit(protocol.TimeoutExitCode)
		return ErrTimedOut
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handle runs the handler, turning a panic into an error.
func (s *Server) handle(ctx context.Context, t *task.Task) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("handler panicked on %s: %v", t.ID, r)
			res, err = Result{}, fmt.Errorf("panic: %v", r)
		}
	}()
	return s.handler.Handle(ctx, t)
}

// parseFailure handles a task whose handler failed, according to its OnParseException.
// Partial results go to the task's emitter when it names one and the handler is an Emitter,
// otherwise back to the client.
func (s *Server) parseFailure(ctx context.Context, t *task.Task, msg string) Result {
	if t.OnParseException == task.Skip {
		return Result{Kind: ParseExceptionNoEmit, Message: msg}
	}
	data := &task.EmitData{
		EmitKey:  t.EmitKey,
		Metadata: []map[string][]string{{ParseExceptionKey: {msg}}},
	}
	em, ok := s.handler.(Emitter)
	if t.EmitKey.EmitterName == "" || !ok {
		return Result{Kind: ParsedWithException, Data: data, Message: msg}
	}
	if err := em.Emit(ctx, t, data); err != nil {
		if errors.Is(err, ErrNoEmitter) {
			return Result{Kind: NoEmitterFound}
		}
		s.log.Warnf("couldn't emit partial result for %s: %s", t.ID, err)
		return Result{Kind: EmitException, Message: err.Error()}
	}
	return Result{Kind: EmittedWithParseException, Message: msg}
}

func (s *Server) respond(wr *protocol.Writer, taskID string, res Result) error {
	status := res.status()
	resp := protocol.Response{Status: status}
	switch status.Body() {
	case protocol.BodyMessage:
		resp.Body = []byte(res.Message)
	case protocol.BodyPayload:
		data := res.Data
		if data == nil {
			data = &task.EmitData{}
		}
		b, err := s.codec.Marshal(data)
		if err != nil {
			s.log.Errorf("couldn't encode emit data for %s: %s", taskID, err)
			resp = protocol.Response{Status: protocol.StatusParseExceptionNoEmit, Body: []byte(fmt.Sprintf("encoding emit data: %s", err))}
		} else {
			resp.Body = b
		}
	}
	if err := wr.WriteResponse(resp); err != nil {
		return fmt.Errorf("writing %s response: %w", status, err)
	}
	return nil
}
