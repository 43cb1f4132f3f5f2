// Package executor implements the batch executor: it wraps one drained
// batch in a MULTI/EXEC transaction envelope, writes it as a single
// buffer, reads the ordered replies back, and fans the results out to
// each command's completion handle.
package executor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"rpipe/internal/callback"
	"rpipe/internal/conn"
	"rpipe/internal/errs"
	"rpipe/internal/future"
	"rpipe/internal/pool"
	"rpipe/internal/resp"
	"rpipe/internal/trace"
)

// Entry is one submitted, not-yet-executed command: its wire identity
// (name + args), the caller's options for the response callback, and
// its completion handle.
type Entry struct {
	Name    string
	Args    [][]byte
	Options map[string]any
	Future  *future.Future
	// Ctx is the caller's own context; a response callback is skipped
	// (the reply is still delivered, untransformed) once Ctx is done,
	// so a cancelled caller never pays for a callback's side effects.
	Ctx context.Context
}

// Executor is the batch executor (C5). It is safe for concurrent use;
// concurrently executing batches each lease their own connection from
// the pool.
type Executor struct {
	pool      pool.Pool
	callbacks callback.Table
	limiter   *rate.Limiter
	trace     *trace.Writer

	// Counters below are read by the state/dashboard layer; they are
	// cumulative and never reset, so rate-style metrics (batches/sec)
	// are derived by the reader sampling the delta over an interval.
	batchesTotal atomic.Int64
	entriesTotal atomic.Int64
	retriesTotal atomic.Int64
}

// BatchesTotal returns the cumulative count of batches executed
// (including ones that ultimately failed).
func (e *Executor) BatchesTotal() int64 { return e.batchesTotal.Load() }

// EntriesTotal returns the cumulative count of entries resolved across
// all executed batches, for computing an average batch size.
func (e *Executor) EntriesTotal() int64 { return e.entriesTotal.Load() }

// RetriesTotal returns the cumulative count of single-retry attempts
// taken after a connection-level failure.
func (e *Executor) RetriesTotal() int64 { return e.retriesTotal.Load() }

// Option configures an Executor at construction.
type Option func(*Executor)

// WithRateLimit throttles batch dispatch to perSecond commands/sec with
// the given burst: each batch waits for one token per entry before it
// leases a connection, guarding a downstream Redis node against a burst
// of coalesced batches. Disabled (unlimited) by default.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(e *Executor) {
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithTrace attaches a diagnostic trace writer; every executed batch
// appends one record regardless of outcome.
func WithTrace(w *trace.Writer) Option {
	return func(e *Executor) { e.trace = w }
}

// New constructs an Executor over pool p using callback table cb.
func New(p pool.Pool, cb callback.Table, opts ...Option) *Executor {
	e := &Executor{
		pool:      p,
		callbacks: cb,
		limiter:   rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteBatch runs batch through a leased Connection under a
// MULTI/EXEC envelope and resolves every entry's completion handle
// exactly once.
func (e *Executor) ExecuteBatch(ctx context.Context, batch []Entry) {
	if len(batch) == 0 {
		return
	}

	start := time.Now()
	e.batchesTotal.Add(1)
	e.entriesTotal.Add(int64(len(batch)))

	outcome := "ok"
	defer func() {
		if e.trace != nil {
			e.trace.Record(trace.Record{
				Time:     start,
				Commands: commandNames(batch),
				Size:     len(batch),
				ElapsedMS: float64(time.Since(start).Microseconds()) / 1000.0,
				Outcome:  outcome,
			})
		}
	}()

	if e.limiter != nil {
		if err := e.limiter.WaitN(ctx, len(batch)); err != nil {
			outcome = "rate-limit-failed"
			failAll(batch, err)
			return
		}
	}

	c, err := e.pool.Get(ctx, "MULTI", shardHint(batch))
	if err != nil {
		outcome = "lease-failed"
		failAll(batch, err)
		return
	}

	replies, execErr := e.runOnce(ctx, c, batch)
	if execErr != nil {
		if _, isConnErr := execErr.(*errs.ConnectionError); isConnErr {
			// Retry exactly once on a freshly leased connection.
			e.retriesTotal.Add(1)
			e.pool.Release(c)
			c2, leaseErr := e.pool.Get(ctx, "MULTI", shardHint(batch))
			if leaseErr != nil {
				outcome = "retry-lease-failed"
				failAll(batch, leaseErr)
				return
			}
			replies, execErr = e.runOnce(ctx, c2, batch)
			if execErr != nil {
				outcome = "retry-failed"
				failAll(batch, execErr)
				e.releaseAfterFailure(c2, execErr)
				return
			}
			if replies == nil {
				// runOnce already resolved every future itself (a
				// WatchError or ExecAbortError); the connection is
				// still perfectly usable.
				outcome = "aborted"
				e.pool.Release(c2)
				return
			}
			e.dispatch(batch, replies)
			e.pool.Release(c2)
			return
		}
		outcome = "failed"
		failAll(batch, execErr)
		e.releaseAfterFailure(c, execErr)
		return
	}

	if replies == nil {
		outcome = "aborted"
		e.pool.Release(c)
		return
	}
	e.dispatch(batch, replies)
	e.pool.Release(c)
}

// releaseAfterFailure releases c back to the pool, first disconnecting
// it whenever err is not a *errs.ConnectionError. A ConnectionError
// already left the connection disconnected (conn.go does that itself
// on any transport-level failure). Anything else, chiefly an
// InvariantError from a response-count mismatch, means every RESP
// read still succeeded, so the stream looks healthy to Release's own
// Connected() check even though it is desynchronized; recycling it
// would misalign the next lessee's replies against its own commands.
func (e *Executor) releaseAfterFailure(c *conn.Conn, err error) {
	if _, isConnErr := err.(*errs.ConnectionError); !isConnErr {
		c.Disconnect()
	}
	e.pool.Release(c)
}

// runOnce performs one full MULTI/EXEC round trip over c. Returns the
// N result replies (already checked for count/abort/watch faults and,
// on a recorded fault, every entry already failed) or a propagating
// error (ConnectionError/ProtocolError/InvariantError) that the caller
// must treat as the whole-batch outcome.
func (e *Executor) runOnce(ctx context.Context, c *conn.Conn, batch []Entry) ([]resp.Reply, error) {
	packed := packTransaction(batch)
	if err := c.SendPacked(ctx, packed); err != nil {
		return nil, err
	}

	// 1. MULTI acknowledgement.
	multiReply, err := c.ReadReplyRaw(ctx)
	if err != nil {
		return nil, err
	}
	var firstQueuedErr error
	errsAtIndex := make(map[int]*errs.ResponseError)
	if multiReply.Type == resp.Error {
		qe := &errs.ResponseError{Prefix: errPrefix(multiReply.Str), Message: multiReply.Str}
		errsAtIndex[0] = qe
		firstQueuedErr = qe
	}

	// 2. One QUEUED ack per batched command.
	for i, entry := range batch {
		reply, err := c.ReadReplyRaw(ctx)
		if err != nil {
			return nil, err
		}
		if reply.Type == resp.Error {
			qe := &errs.ResponseError{
				Prefix:  errPrefix(reply.Str),
				Message: reply.Str,
				Command: entry.Name,
			}
			errsAtIndex[i] = qe
			if firstQueuedErr == nil {
				firstQueuedErr = qe
			}
		}
	}

	// 3. EXEC reply.
	execReply, err := c.ReadReplyRaw(ctx)
	if err != nil {
		return nil, err
	}

	if execReply.IsNull() {
		failAllWith(batch, &errs.WatchError{})
		return nil, nil
	}
	if execReply.Type == resp.Error {
		first := firstQueuedErr
		if first == nil {
			first = &errs.ExecAbortError{Message: execReply.Str}
		}
		failAllWith(batch, first)
		return nil, nil
	}

	results := execReply.Array
	if len(errsAtIndex) > 0 {
		results = interleave(results, errsAtIndex, len(batch))
	}
	if len(results) != len(batch) {
		return nil, &errs.InvariantError{
			Detail: fmt.Sprintf("expected %d response items, got %d", len(batch), len(results)),
		}
	}
	return results, nil
}

// interleave reconstructs a full, batch-length reply array from EXEC's
// (possibly shorter) array plus the QUEUED-phase errors recorded at
// their original batch indices: a command that errored while queuing
// never took part in the transaction server-side, so EXEC's own array
// is short by exactly len(errsAtIndex) and must be padded back out.
func interleave(execArray []resp.Reply, errsAtIndex map[int]*errs.ResponseError, n int) []resp.Reply {
	out := make([]resp.Reply, n)
	srcPos := 0
	for i := 0; i < n; i++ {
		if qe, ok := errsAtIndex[i]; ok {
			out[i] = resp.Reply{Type: resp.Error, Str: qe.Message}
			continue
		}
		if srcPos < len(execArray) {
			out[i] = execArray[srcPos]
			srcPos++
		}
	}
	return out
}

func errPrefix(raw string) string {
	for i, r := range raw {
		if r == ' ' {
			return raw[:i]
		}
	}
	return raw
}

// dispatch resolves every entry's future from its corresponding reply:
// a reply that decoded as an error sets that entry's error directly; a
// panicking response callback is recovered and turned into the
// entry's error without aborting the rest of the fan-out.
func (e *Executor) dispatch(batch []Entry, replies []resp.Reply) {
	for i, entry := range batch {
		reply := replies[i]
		if reply.Type == resp.Error {
			entry.Future.SetError(reply.AsError())
			continue
		}
		if entry.Ctx != nil && entry.Ctx.Err() != nil {
			// Caller already gave up; still resolve the future (so a
			// late Wait doesn't hang) but skip the callback, since its
			// only observer has already walked away.
			entry.Future.SetResult(reply)
			continue
		}
		value, err := e.invokeCallback(entry, reply)
		if err != nil {
			entry.Future.SetError(err)
			continue
		}
		entry.Future.SetResult(value)
	}
}

func (e *Executor) invokeCallback(entry Entry, reply resp.Reply) (result any, err error) {
	fn, ok := e.callbacks.Get(entry.Name)
	if !ok {
		return reply, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("response callback for %s panicked: %v", entry.Name, r)
		}
	}()
	return fn(reply, entry.Options)
}

func failAll(batch []Entry, err error) {
	for _, entry := range batch {
		entry.Future.SetError(err)
	}
}

func failAllWith(batch []Entry, err error) {
	failAll(batch, err)
}

func packTransaction(batch []Entry) []byte {
	total := resp.PackCommand("MULTI", nil)
	buf := make([]byte, 0, len(total)*2+64)
	buf = append(buf, total...)
	for _, entry := range batch {
		buf = append(buf, resp.PackCommand(entry.Name, entry.Args)...)
	}
	buf = append(buf, resp.PackCommand("EXEC", nil)...)
	return buf
}

func shardHint(batch []Entry) string {
	if len(batch) == 0 {
		return ""
	}
	first := batch[0]
	if len(first.Args) > 0 {
		return string(first.Args[0])
	}
	return first.Name
}

func commandNames(batch []Entry) []string {
	names := make([]string, len(batch))
	for i, e := range batch {
		names[i] = e.Name
	}
	return names
}
