// Package client supervises an out-of-process worker and runs tasks through it.
//
// A Client owns exactly one worker process. Before every call it pings the worker and restarts it if needed,
// recycles it after a configured number of calls, and bounds each call with a wall-clock deadline.
// Crashes, hangs and worker-reported failures all come back as an Outcome rather than an error;
// errors are reserved for startup failures and a desynchronized byte stream.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/pipes/config"
	"github.com/guseggert/pipes/protocol"
	"github.com/guseggert/pipes/task"
	"go.uber.org/zap"
)

// crashExitWait bounds how long a crash waits for an exit code to put in the log.
const crashExitWait = 500 * time.Millisecond

// Client runs one call at a time. Concurrent Process calls are serialized.
type Client struct {
	settings *config.Settings
	log      *zap.SugaredLogger
	codec    task.Codec

	mu     sync.Mutex
	closed bool
	sup    *supervisor
	exec   *executor
}

type Option func(c *Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.log = l.Sugar().Named(loggerName)
	}
}

// WithCodec overrides the codec named in the settings.
func WithCodec(codec task.Codec) Option {
	return func(c *Client) {
		c.codec = codec
	}
}

// New builds a client. No worker is started until the first Process call.
func New(settings *config.Settings, opts ...Option) (*Client, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		settings: settings,
		log:      defaultLogger,
		exec:     &executor{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.codec == nil {
		codec, err := task.ByName(settings.Codec)
		if err != nil {
			return nil, fmt.Errorf("building client: %w", err)
		}
		c.codec = codec
	}
	c.sup = newSupervisor(settings, c.log)
	return c, nil
}

// Process runs t on the worker, starting or recycling the worker first if needed.
//
// Cancelling ctx kills the worker and yields an Interrupted outcome. The returned error is non-nil only for
// a *StartupError, ErrProtocol, ErrUnrecoverable, ErrClosed, or a task that could not be serialized.
func (c *Client) Process(ctx context.Context, t *task.Task) (Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Outcome{}, ErrClosed
	}

	payload, err := c.codec.Marshal(t)
	if err != nil {
		return Outcome{}, fmt.Errorf("serializing task %s: %w", t.ID, err)
	}

	if !c.sup.ping() {
		if err := c.sup.restart(ctx); err != nil {
			return c.restartFailed(t, err)
		}
	}
	if limit := c.settings.MaxFilesProcessed; limit > 0 && c.sup.filesProcessed >= limit {
		c.log.Infof("restarting worker after hitting max files: %d", c.sup.filesProcessed)
		if err := c.sup.restart(ctx); err != nil {
			return c.restartFailed(t, err)
		}
	}

	outcome, err := c.call(ctx, t, payload)
	c.sup.filesProcessed++
	return outcome, err
}

func (c *Client) restartFailed(t *task.Task, err error) (Outcome, error) {
	if errors.Is(err, errInterrupted) {
		c.log.Warnf("interrupted while starting worker for %s", t.ID)
		return Interrupted(), nil
	}
	return Outcome{}, err
}

// call writes the task and waits for the reply, the caller's ctx, or the deadline, whichever comes first.
func (c *Client) call(ctx context.Context, t *task.Task, payload []byte) (Outcome, error) {
	start := time.Now()
	sess := c.sup.sess
	log := sess.log

	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	resultCh := c.exec.submit(workCtx, func(ctx context.Context) (Outcome, error) {
		if err := sess.w.WriteCall(payload); err != nil {
			return Outcome{}, fmt.Errorf("writing call: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		resp, err := sess.r.ReadResponse()
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownStatus) ||
				errors.Is(err, protocol.ErrNegativeLength) ||
				errors.Is(err, protocol.ErrBlockTooLarge) {
				return Outcome{}, fmt.Errorf("%w: %w", ErrProtocol, err)
			}
			return Outcome{}, fmt.Errorf("reading response: %w", err)
		}
		return classify(resp, c.codec, log, t.ID, time.Since(start).Milliseconds())
	})

	timer := time.NewTimer(c.settings.Timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.sup.destroy()
		log.Warnf("interrupted: %s in %d ms", t.ID, time.Since(start).Milliseconds())
		return Interrupted(), nil

	case res := <-resultCh:
		if res.err == nil {
			return res.outcome, nil
		}
		elapsed := time.Since(start).Milliseconds()
		if errors.Is(res.err, ErrProtocol) || errors.Is(res.err, ErrUnrecoverable) {
			c.sup.destroy()
			log.Errorf("desynchronized: %s in %d ms: %s", t.ID, elapsed, res.err)
			return Outcome{}, res.err
		}
		c.sup.destroyWithGracePause()
		if exited, code := sess.exitStatus(); exited && code == protocol.TimeoutExitCode {
			log.Warnf("server timeout: %s in %d ms", t.ID, elapsed)
			return Timeout(), nil
		}
		if sess.waitExit(crashExitWait) {
			_, code := sess.exitStatus()
			log.Warnf("crash: %s in %d ms with exit code %d: %s", t.ID, elapsed, code, res.err)
		} else {
			log.Warnf("crash: %s in %d ms with no exit code available: %s", t.ID, elapsed, res.err)
		}
		return UnspecifiedCrash(), nil

	case <-timer.C:
		c.sup.destroy()
		log.Warnf("client timeout: %s in %d ms", t.ID, time.Since(start).Milliseconds())
		return Timeout(), nil
	}
}

// FilesProcessedSinceRestart is the number of calls attempted on the current worker.
func (c *Client) FilesProcessedSinceRestart() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sup.filesProcessed
}

// PID is the current worker's process id, or -1 if none is running.
func (c *Client) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup.sess == nil || !c.sup.sess.alive() {
		return -1
	}
	return c.sup.sess.pid()
}

// SessionID identifies the current worker process across restarts, or "" if none is running.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup.sess == nil {
		return ""
	}
	return c.sup.sess.id
}

// Close kills the worker and waits for in-flight I/O to unwind. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.sup.destroy()
	c.exec.shutdown()
	return nil
}
