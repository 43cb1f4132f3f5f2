// Package pool implements the Connection Pool collaborator: lease and
// return connections. The executor and client facade depend only on
// the Pool interface; Default is this module's default implementation,
// not the only one that could satisfy the contract.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"rpipe/internal/conn"
)

// Pool is the consumed contract: Get leases a Connection that is
// either connected or will connect on first use; Release returns it.
// Swapping implementations must not affect correctness of any
// consumer.
type Pool interface {
	Get(ctx context.Context, hint string, shardHint string) (*conn.Conn, error)
	Release(c *conn.Conn)
	Close()
}

// Options configures the default Pool.
type Options struct {
	// Addrs lists backend host:port addresses. A single address is
	// the common case (the core coalescing path always pins one
	// connection per batch, never sharding a single MULTI/EXEC across
	// nodes). Multiple addresses enable rendezvous-hashed fan-out of
	// non-transactional commands dispatched with a shard hint.
	Addrs         []string
	Password      string
	DB            int
	DialTimeout   time.Duration
	SocketTimeout time.Duration
}

// Default is a free-list backed Pool keyed by backend address. When
// more than one address is configured, the backend for a given
// shardHint is chosen by rendezvous hashing (HRW) over the address
// set, keyed by xxhash of the hint — the same pairing go-redis uses
// internally for cluster/ring node selection, wired here directly
// instead of pulled in transitively.
type Default struct {
	opts Options

	mu     sync.Mutex
	free   map[string][]*conn.Conn
	closed bool
	rendez *rendezvous.Rendezvous

	// leased counts connections currently checked out (Get'd but not
	// yet Release'd); dialed counts every successful dial this pool
	// has performed. Both are read by the state/dashboard layer.
	leased atomic.Int64
	dialed atomic.Int64
}

// New constructs the default Pool. At least one address is required.
func New(opts Options) *Default {
	p := &Default{
		opts: opts,
		free: make(map[string][]*conn.Conn),
	}
	if len(opts.Addrs) > 1 {
		p.rendez = rendezvous.New(opts.Addrs, xxhashSeed)
	}
	return p
}

func xxhashSeed(s string, seed uint64) uint64 {
	return xxhash.Sum64String(s) ^ seed
}

// pickAddr resolves which backend address serves shardHint. With one
// configured address, that address always wins regardless of hint
// (the common single-node case). With several, rendezvous hashing
// picks deterministically so the same hint lands on the same backend
// as long as the address set is unchanged.
func (p *Default) pickAddr(shardHint string) string {
	if len(p.opts.Addrs) <= 1 {
		return p.opts.Addrs[0]
	}
	if shardHint == "" {
		return p.opts.Addrs[0]
	}
	return p.rendez.Lookup(shardHint)
}

// Get leases a Connection for addr selected via shardHint. hint (e.g.
// "MULTI") is accepted per the contract but this implementation does
// not special-case it beyond what pickAddr already does from
// shardHint; it exists so richer pool implementations can route
// transactional batches differently from point reads.
func (p *Default) Get(ctx context.Context, hint string, shardHint string) (*conn.Conn, error) {
	addr := p.pickAddr(shardHint)

	p.mu.Lock()
	if bucket := p.free[addr]; len(bucket) > 0 {
		c := bucket[len(bucket)-1]
		p.free[addr] = bucket[:len(bucket)-1]
		p.mu.Unlock()
		if c.Connected() {
			p.leased.Add(1)
			return c, nil
		}
		// Stale; fall through and dial fresh.
	} else {
		p.mu.Unlock()
	}

	c := conn.New(conn.Options{
		Addr:          addr,
		Password:      p.opts.Password,
		DB:            p.opts.DB,
		DialTimeout:   p.opts.DialTimeout,
		SocketTimeout: p.opts.SocketTimeout,
	})
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	p.dialed.Add(1)
	p.leased.Add(1)
	return c, nil
}

// Release returns a still-healthy connection to its backend's
// free-list; a disconnected connection is dropped rather than pooled.
func (p *Default) Release(c *conn.Conn) {
	if c == nil {
		return
	}
	p.leased.Add(-1)
	if !c.Connected() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.Disconnect()
		return
	}
	p.free[c.Addr()] = append(p.free[c.Addr()], c)
}

// Close disconnects every pooled connection.
func (p *Default) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, bucket := range p.free {
		for _, c := range bucket {
			c.Disconnect()
		}
	}
	p.free = make(map[string][]*conn.Conn)
}

// Stats reports the current free (idle, pooled) connection count and
// the leased (checked-out) count, for occupancy reporting.
func (p *Default) Stats() (free int, leased int) {
	p.mu.Lock()
	for _, bucket := range p.free {
		free += len(bucket)
	}
	p.mu.Unlock()
	return free, int(p.leased.Load())
}

// Occupancy returns the fraction of known connections (free + leased)
// that are currently leased, in [0, 1]. Returns 0 if the pool has
// never dialed a connection.
func (p *Default) Occupancy() float64 {
	free, leased := p.Stats()
	total := free + leased
	if total == 0 {
		return 0
	}
	return float64(leased) / float64(total)
}

// ConnectionCount returns the cumulative number of connections this
// pool has dialed.
func (p *Default) ConnectionCount() int {
	return int(p.dialed.Load())
}
