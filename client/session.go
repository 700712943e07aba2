package client

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/pipes/protocol"
	"go.uber.org/zap"
)

// session is one running worker and the two pipe ends the client owns.
// It is replaced wholesale on restart and never reused after kill.
type session struct {
	id      string
	log     *zap.SugaredLogger
	cmd     *exec.Cmd
	started time.Time

	stdin  *os.File
	stdout *os.File
	r      *protocol.Reader
	w      *protocol.Writer

	// done is closed once the process has been reaped and exitCode is final.
	done     chan struct{}
	mu       sync.Mutex
	exitCode int

	killOnce sync.Once
	killed   chan struct{}
}

func startSession(argv []string, env []string, log *zap.SugaredLogger) (*session, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Stderr = os.Stderr

	// Hand the child plain pipe ends instead of using StdinPipe/StdoutPipe:
	// those are closed by Wait, which would race with reading a reply the worker wrote right before exiting.
	childIn, parentIn, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	parentOut, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		parentIn.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stdin = childIn
	cmd.Stdout = childOut

	start := time.Now()
	err = cmd.Start()
	childIn.Close()
	childOut.Close()
	if err != nil {
		parentIn.Close()
		parentOut.Close()
		return nil, fmt.Errorf("running command: %w", err)
	}

	s := &session{
		id:       uuid.NewString(),
		cmd:      cmd,
		started:  start,
		stdin:    parentIn,
		stdout:   parentOut,
		r:        protocol.NewReader(parentOut),
		w:        protocol.NewWriter(parentIn),
		done:     make(chan struct{}),
		killed:   make(chan struct{}),
		exitCode: -1,
	}
	s.log = log.With("pid", s.pid(), "session", s.id)
	go s.reap()
	return s, nil
}

func (s *session) reap() {
	err := s.cmd.Wait()
	timeMS := time.Since(s.started).Milliseconds()
	code := -1
	if s.cmd.ProcessState != nil {
		code = s.cmd.ProcessState.ExitCode()
	}
	if _, ok := err.(*exec.ExitError); err != nil && !ok {
		s.log.Debugf("unexpected wait error: %s", err)
	}
	s.mu.Lock()
	s.exitCode = code
	s.mu.Unlock()
	close(s.done)
	s.log.Debugf("process exited with code %d after %d ms", code, timeMS)
}

func (s *session) pid() int {
	if s.cmd.Process == nil {
		return -1
	}
	return s.cmd.Process.Pid
}

// alive is false once the process has exited or kill was called.
func (s *session) alive() bool {
	select {
	case <-s.done:
		return false
	case <-s.killed:
		return false
	default:
		return true
	}
}

// waitExit waits up to d for the process to exit on its own.
func (s *session) waitExit(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.done:
		return true
	case <-t.C:
		return false
	}
}

// exitStatus returns the exit code if the process has been reaped.
func (s *session) exitStatus() (exited bool, code int) {
	select {
	case <-s.done:
	default:
		return false, -1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return true, s.exitCode
}

// kill forcibly terminates the process and closes the client's pipe ends,
// which unblocks any goroutine still reading or writing them. Safe to call repeatedly.
func (s *session) kill() {
	s.killOnce.Do(func() {
		close(s.killed)
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.log.Debugf("error killing process: %s", err)
		}
		s.stdin.Close()
		s.stdout.Close()
	})
}
