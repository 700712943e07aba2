package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/guseggert/pipes/config"
	"github.com/guseggert/pipes/task"
	"golang.org/x/sync/errgroup"
)

// Pool shares tasks across a fixed set of clients, each with its own worker.
type Pool struct {
	clients []*Client
	free    chan *Client
}

// NewPool builds settings.NumClients clients. Workers start lazily on first use.
func NewPool(settings *config.Settings, opts ...Option) (*Pool, error) {
	if settings.NumClients <= 0 {
		return nil, fmt.Errorf("%w: num_clients must be positive, got %d", config.ErrInvalid, settings.NumClients)
	}
	p := &Pool{free: make(chan *Client, settings.NumClients)}
	for i := 0; i < settings.NumClients; i++ {
		c, err := New(settings, opts...)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("building client %d: %w", i, err)
		}
		p.clients = append(p.clients, c)
		p.free <- c
	}
	return p, nil
}

// Size is the number of clients in the pool.
func (p *Pool) Size() int { return len(p.clients) }

// Process borrows a client, blocking until one is free or ctx is done.
func (p *Pool) Process(ctx context.Context, t *task.Task) (Outcome, error) {
	var c *Client
	select {
	case c = <-p.free:
	case <-ctx.Done():
		return Interrupted(), nil
	}
	defer func() { p.free <- c }()
	return c.Process(ctx, t)
}

// With borrows a client for the duration of fn. It returns ctx.Err() if no client frees up in time.
func (p *Pool) With(ctx context.Context, fn func(c *Client) error) error {
	select {
	case c := <-p.free:
		defer func() { p.free <- c }()
		return fn(c)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessAll runs every task and returns outcomes in task order.
// The first error cancels the tasks that have not started yet, which then come back Interrupted.
// The slot of a task that failed with an error holds an Outcome of KindUnknown.
func (p *Pool) ProcessAll(ctx context.Context, tasks []*task.Task) ([]Outcome, error) {
	outcomes := make([]Outcome, len(tasks))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(len(p.clients))
	for i, t := range tasks {
		i, t := i, t
		group.Go(func() error {
			o, err := p.Process(groupCtx, t)
			if err != nil {
				return fmt.Errorf("processing %s: %w", t.ID, err)
			}
			outcomes[i] = o
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

// ClientStatus is a snapshot of one pooled client.
type ClientStatus struct {
	SessionID                  string `json:"session_id"`
	PID                        int    `json:"pid"`
	FilesProcessedSinceRestart int    `json:"files_processed_since_restart"`
}

// Status snapshots every client. It waits for clients that are mid-call.
func (p *Pool) Status() []ClientStatus {
	statuses := make([]ClientStatus, 0, len(p.clients))
	for _, c := range p.clients {
		statuses = append(statuses, ClientStatus{
			SessionID:                  c.SessionID(),
			PID:                        c.PID(),
			FilesProcessedSinceRestart: c.FilesProcessedSinceRestart(),
		})
	}
	return statuses
}

// Close closes every client.
func (p *Pool) Close() error {
	var errs []error
	for _, c := range p.clients {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
