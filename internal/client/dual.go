package client

import (
	"context"

	"github.com/redis/go-redis/v9"

	"rpipe/internal/config"
	"rpipe/internal/executor"
)

// Dual pairs the coalescing batched facade with a conventional
// blocking client for commands that should never be coalesced (e.g.
// SUBSCRIBE and other long-lived commands this module does not
// pipeline). The two share configuration — address, password, DB —
// but never a connection: the blocking side owns its own pool via
// go-redis, grounded on the same client-construction shape the
// teacher uses for its comparator tooling.
type Dual struct {
	batched  *Client
	blocking *redis.Client
}

// NewDual builds both halves of a Dual from one config.Config.
func NewDual(ctx context.Context, cfg *config.Config, execOpts ...executor.Option) (*Dual, error) {
	batched, err := FromConfig(ctx, cfg, execOpts...)
	if err != nil {
		return nil, err
	}
	blocking := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Dual{batched: batched, blocking: blocking}, nil
}

// Batched returns the coalescing facade.
func (d *Dual) Batched() *Client { return d.batched }

// Blocking returns the conventional synchronous client.
func (d *Dual) Blocking() *redis.Client { return d.blocking }

// Close tears down both halves.
func (d *Dual) Close() error {
	d.batched.Close()
	return d.blocking.Close()
}
