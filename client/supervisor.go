package client

import (
	"context"
	"fmt"
	"time"

	"github.com/guseggert/pipes/config"
	"github.com/guseggert/pipes/protocol"
	"go.uber.org/zap"
)

// gracePause is how long a failed call waits for the worker to exit on its own
// before killing it, so a self-reported timeout exit code can still be observed.
const gracePause = 200 * time.Millisecond

// supervisor owns the current worker session. It is not goroutine-safe; Client serializes access.
type supervisor struct {
	settings *config.Settings
	log      *zap.SugaredLogger

	sess           *session
	filesProcessed int
}

func newSupervisor(settings *config.Settings, log *zap.SugaredLogger) *supervisor {
	return &supervisor{settings: settings, log: log.Named("supervisor")}
}

// ping reports whether the worker is alive and echoing. It never returns an error:
// any I/O failure just means "not alive".
func (s *supervisor) ping() bool {
	if s.sess == nil || !s.sess.alive() {
		return false
	}
	if err := s.sess.w.WritePing(); err != nil {
		s.sess.log.Debugf("ping write failed: %s", err)
		return false
	}
	b, err := s.sess.r.ReadByte()
	if err != nil {
		s.sess.log.Debugf("ping read failed: %s", err)
		return false
	}
	if b != protocol.Ping {
		s.sess.log.Debugf("ping echoed %d instead of %d", b, protocol.Ping)
		return false
	}
	return true
}

// restart kills any current worker, launches a new one, and waits for its ready byte.
// A cancelled ctx kills the new worker and returns an error wrapping errInterrupted;
// no session is left behind in that case.
func (s *supervisor) restart(ctx context.Context) error {
	if s.sess != nil {
		s.sess.kill()
		s.sess = nil
		s.log.Info("restarting process")
	} else {
		s.log.Info("starting process")
	}

	argv, err := CommandLine(s.settings, false)
	if err != nil {
		return &StartupError{Reason: "building command line", Err: err}
	}
	if !HasExitOnOOM(s.settings) {
		s.log.Warnf("worker args do not include %s; out of memory will look like an unspecified crash", FlagExitOnOOM)
	}
	s.log.Debugw("launching worker", "Argv", argv)

	sess, err := startSession(argv, s.settings.Env, s.log)
	if err != nil {
		return &StartupError{Reason: "launch failed", Err: err}
	}
	if err := s.awaitReady(ctx, sess); err != nil {
		sess.kill()
		return err
	}

	s.sess = sess
	s.filesProcessed = 0
	sess.log.Infof("worker ready in %d ms", time.Since(sess.started).Milliseconds())
	return nil
}

func (s *supervisor) awaitReady(ctx context.Context, sess *session) error {
	type readResult struct {
		b   byte
		err error
	}
	ch := make(chan readResult, 1)
	go func() {
		b, err := sess.r.ReadByte()
		ch <- readResult{b: b, err: err}
	}()

	timer := time.NewTimer(s.settings.StartupTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		sess.log.Warn("interrupted while waiting for worker to start")
		return fmt.Errorf("%w: %w", errInterrupted, ctx.Err())
	case <-timer.C:
		sess.log.Errorf("couldn't start worker within %s", s.settings.StartupTimeout)
		return &StartupError{Reason: fmt.Sprintf("no ready byte within %s", s.settings.StartupTimeout)}
	case res := <-ch:
		if res.err != nil {
			sess.log.Errorf("couldn't start worker: %s", res.err)
			return &StartupError{Reason: "reading ready byte", Err: res.err}
		}
		if res.b != protocol.Ready {
			sess.log.Errorf("couldn't start worker, got %d instead of ready byte", res.b)
			return &StartupError{Reason: fmt.Sprintf(
				"got %d instead of ready byte %d; make absolutely certain the worker is not logging to stdout",
				res.b, protocol.Ready)}
		}
		return nil
	}
}

// destroy kills the worker unconditionally.
func (s *supervisor) destroy() {
	if s.sess != nil {
		s.sess.kill()
	}
}

// destroyWithGracePause gives the worker a moment to finish exiting by itself, then kills it regardless.
func (s *supervisor) destroyWithGracePause() {
	if s.sess == nil {
		return
	}
	s.sess.waitExit(gracePause)
	s.sess.kill()
}
