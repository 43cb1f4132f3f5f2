// Package client implements the Client Facade (C6): the entry point
// callers submit commands through. It wires the Drain Queue, Batch
// Executor, Connection Pool, and response-callback table together,
// and optionally pairs the coalescing facade with a conventional
// blocking client for commands that should never be batched.
package client

import (
	"context"
	"time"

	"rpipe/internal/callback"
	"rpipe/internal/config"
	"rpipe/internal/executor"
	"rpipe/internal/future"
	"rpipe/internal/pool"
	"rpipe/internal/queue"
)

// Client is the batched, coalescing facade: ExecuteCommand routes a
// command into the Drain Queue and returns a Future that resolves
// once its batch executes.
type Client struct {
	q    *queue.Queue
	pool pool.Pool
	exec *executor.Executor
}

// Options constructs a Client's dependencies directly, for callers
// that build one without a config.Config (tests, embedders).
type Options struct {
	Pool       pool.Pool // required
	Callbacks  callback.Table
	CmdMaxSize int
	CmdTimeout time.Duration
	Executor   []executor.Option
}

// New constructs a Client and starts its Queue's drain loop on ctx.
// The caller is responsible for keeping ctx alive for the Client's
// lifetime and for calling Close when done.
func New(ctx context.Context, opts Options) *Client {
	cb := opts.Callbacks
	if cb == nil {
		cb = callback.Default()
	}
	maxSize := opts.CmdMaxSize
	if maxSize <= 0 {
		maxSize = 500
	}

	exec := executor.New(opts.Pool, cb, opts.Executor...)

	c := &Client{pool: opts.Pool, exec: exec}
	c.q = queue.New(queue.Options{
		MaxSize: maxSize,
		Timeout: opts.CmdTimeout,
		Sink: func(ctx context.Context, batch []queue.Entry) {
			entries := make([]executor.Entry, len(batch))
			for i, e := range batch {
				entries[i] = e.(executor.Entry)
			}
			exec.ExecuteBatch(ctx, entries)
		},
	})
	go c.q.Run(ctx)
	return c
}

// FromConfig builds a Client (and its default single-address or
// rendezvous-sharded Pool) from a loaded config.Config.
func FromConfig(ctx context.Context, cfg *config.Config, execOpts ...executor.Option) (*Client, error) {
	socketTimeout, err := cfg.SocketTimeoutDuration()
	if err != nil {
		return nil, err
	}
	cmdTimeout, err := cfg.CmdTimeoutDuration()
	if err != nil {
		return nil, err
	}

	addrs := cfg.Shards
	if len(addrs) == 0 {
		addrs = []string{cfg.Addr()}
	}
	p := pool.New(pool.Options{
		Addrs:         addrs,
		Password:      cfg.Password,
		DB:            cfg.DB,
		SocketTimeout: socketTimeout,
	})

	if cfg.RateLimitEnabled() {
		execOpts = append(execOpts, executor.WithRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst))
	}

	return New(ctx, Options{
		Pool:       p,
		CmdMaxSize: cfg.CmdMaxSize,
		CmdTimeout: cmdTimeout,
		Executor:   execOpts,
	}), nil
}

// ExecuteCommand submits one command into the Drain Queue and returns
// its Future immediately; submission itself never blocks on queue
// back-pressure — that wait happens on a background goroutine, so a
// full queue slows down the rate of new submissions being accepted
// without blocking the caller's own goroutine indefinitely on this
// call.
//
// Cancelling ctx does not retract the entry from the queue (per
// spec: a cancelled submitter's result is simply discarded once the
// batch completes): the future here is resolved exactly once, by
// whichever batch eventually drains it, never by this call's own Put
// failing. A caller that wants to stop waiting uses its own context
// on future.Future.Wait, which detects cancellation independently of
// the entry's fate; Put's error return here only stops a background
// goroutine from lingering once the queue is known to be permanently
// closed.
func (c *Client) ExecuteCommand(ctx context.Context, name string, args [][]byte, options map[string]any) (*future.Future, error) {
	f := future.New()
	entry := executor.Entry{
		Name:    name,
		Args:    args,
		Options: options,
		Future:  f,
		Ctx:     ctx,
	}
	go func() {
		_ = c.q.Put(ctx, entry)
	}()
	return f, nil
}

// Close stops the Client's Queue; entries already accepted but not
// yet drained are abandoned, matching queue.Queue.Close's contract.
func (c *Client) Close() {
	c.q.Close()
	c.pool.Close()
}

// QueueDepth reports the number of commands currently queued awaiting
// a drain.
func (c *Client) QueueDepth() int { return c.q.Depth() }

// TimeSinceLastDrain reports how long it has been since a batch last
// drained.
func (c *Client) TimeSinceLastDrain() time.Duration { return c.q.TimeSinceLastDrain() }

// BatchesTotal reports the cumulative count of batches executed.
func (c *Client) BatchesTotal() int64 { return c.exec.BatchesTotal() }

// EntriesTotal reports the cumulative count of entries resolved across
// all executed batches.
func (c *Client) EntriesTotal() int64 { return c.exec.EntriesTotal() }

// RetriesTotal reports the cumulative count of single-retry attempts.
func (c *Client) RetriesTotal() int64 { return c.exec.RetriesTotal() }

// PoolStats reports pool occupancy and the cumulative dial count, when
// the Client's Pool is the default rendezvous-sharded implementation.
// A custom Pool implementation that does not expose these reports
// zeros rather than panicking.
func (c *Client) PoolStats() (occupancy float64, connectionCount int) {
	dp, ok := c.pool.(*pool.Default)
	if !ok {
		return 0, 0
	}
	return dp.Occupancy(), dp.ConnectionCount()
}
