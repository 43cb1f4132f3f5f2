package pool

import (
	"context"
	"net"
	"testing"
	"time"
)

// acceptOnly listens and accepts connections without ever writing
// back, enough for Pool.Get's plain TCP dial (no AUTH/SELECT
// configured) to succeed.
func acceptOnly(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c
		}
	}()
	return ln.Addr().String()
}

func TestGetReleaseTracksOccupancyAndConnectionCount(t *testing.T) {
	addr := acceptOnly(t)
	p := New(Options{Addrs: []string{addr}, DialTimeout: time.Second})

	ctx := context.Background()
	c1, err := p.Get(ctx, "MULTI", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	c2, err := p.Get(ctx, "MULTI", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if occ := p.Occupancy(); occ != 1 {
		t.Fatalf("Occupancy() = %v, want 1 (both leased, none free)", occ)
	}
	if got := p.ConnectionCount(); got != 2 {
		t.Fatalf("ConnectionCount() = %d, want 2", got)
	}

	p.Release(c1)
	if occ := p.Occupancy(); occ != 0.5 {
		t.Fatalf("Occupancy() = %v, want 0.5 after releasing one of two", occ)
	}

	p.Release(c2)
	if occ := p.Occupancy(); occ != 0 {
		t.Fatalf("Occupancy() = %v, want 0 once both released", occ)
	}
	if got := p.ConnectionCount(); got != 2 {
		t.Fatalf("ConnectionCount() = %d, want 2 (cumulative, not reset by Release)", got)
	}
}

func TestPickAddrSingleNodeIgnoresHint(t *testing.T) {
	p := New(Options{Addrs: []string{"127.0.0.1:6379"}})
	for _, hint := range []string{"", "a", "b", "shard-42"} {
		if got := p.pickAddr(hint); got != "127.0.0.1:6379" {
			t.Fatalf("hint %q: got %q, want single configured addr", hint, got)
		}
	}
}

func TestPickAddrIsStableAcrossCalls(t *testing.T) {
	p := New(Options{Addrs: []string{"n1:6379", "n2:6379", "n3:6379"}})
	first := p.pickAddr("user:123")
	for i := 0; i < 10; i++ {
		if got := p.pickAddr("user:123"); got != first {
			t.Fatalf("rendezvous pick is not stable: got %q, want %q", got, first)
		}
	}
}

func TestPickAddrDistributesAcrossNodes(t *testing.T) {
	p := New(Options{Addrs: []string{"n1:6379", "n2:6379", "n3:6379"}})
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		hint := string(rune('a' + i%26))
		seen[p.pickAddr(hint)] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected hints to fan out across multiple nodes, got %v", seen)
	}
}
