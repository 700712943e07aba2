package client

import (
	"context"
	"sync"
)

type callResult struct {
	outcome Outcome
	err     error
}

// executor runs a call's blocking pipe I/O off the caller's goroutine so the caller can give up on a deadline.
// Client allows one submission at a time. A unit that is abandoned keeps running until the session it
// uses is killed, which closes its pipes; its result is dropped into a buffered channel nobody reads.
type executor struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (e *executor) submit(ctx context.Context, fn func(ctx context.Context) (Outcome, error)) <-chan callResult {
	ch := make(chan callResult, 1)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		ch <- callResult{err: ErrClosed}
		return ch
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		outcome, err := fn(ctx)
		ch <- callResult{outcome: outcome, err: err}
	}()
	return ch
}

// shutdown refuses new work and waits for running units. Callers kill the session first so none stay blocked.
func (e *executor) shutdown() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
}
