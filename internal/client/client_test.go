package client

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"rpipe/internal/errs"
	"rpipe/internal/pool"
)

// fakeRedis accepts connections and answers every MULTI/EXEC
// transaction with an OK, one QUEUED per command and an EXEC array of
// PONGs (perTxnReplies is not used); good enough for the size/time
// trigger scenarios, which issue PING only.
func fakeRedis(t *testing.T, perTxnReplies []string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		defer ln.Close()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(c, perTxnReplies)
		}
	}()
	return ln.Addr().String()
}

func serveConn(c net.Conn, perTxnReplies []string) {
	defer c.Close()
	r := bufio.NewReader(c)
	for {
		n, err := countCommandsInTxn(r)
		if err != nil {
			return
		}
		// MULTI ack, n QUEUED acks, one EXEC array.
		if _, err := c.Write([]byte("+OK\r\n")); err != nil {
			return
		}
		for i := 0; i < n; i++ {
			if _, err := c.Write([]byte("+QUEUED\r\n")); err != nil {
				return
			}
		}
		execArray := buildExecArray(perTxnReplies, n)
		if _, err := c.Write([]byte(execArray)); err != nil {
			return
		}
	}
}

// countCommandsInTxn reads one MULTI array, then keeps reading command
// arrays until it reads one that is EXEC, returning the count of
// commands in between.
func countCommandsInTxn(r *bufio.Reader) (int, error) {
	if _, err := readCommandName(r); err != nil { // MULTI
		return 0, err
	}
	n := 0
	for {
		name, err := readCommandName(r)
		if err != nil {
			return 0, err
		}
		if name == "EXEC" {
			return n, nil
		}
		n++
	}
}

// readCommandName reads one full RESP array command off r (consuming
// it) and returns its first argument, upper-cased.
func readCommandName(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 2 || line[0] != '*' {
		return "", nil
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return "", err
	}
	var first string
	for i := 0; i < n; i++ {
		bulkLine, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		bulkLine = strings.TrimRight(bulkLine, "\r\n")
		size, err := strconv.Atoi(bulkLine[1:])
		if err != nil {
			return "", err
		}
		buf := make([]byte, size+2)
		if _, err := readFullBuf(r, buf); err != nil {
			return "", err
		}
		if i == 0 {
			first = strings.ToUpper(string(buf[:size]))
		}
	}
	return first, nil
}

func readFullBuf(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// buildExecArray returns a RESP array of n simple-string PONG replies
// (the only command these tests submit).
func buildExecArray(_ []string, n int) string {
	var b strings.Builder
	b.WriteString("*")
	b.WriteString(strconv.Itoa(n))
	b.WriteString("\r\n")
	for i := 0; i < n; i++ {
		b.WriteString("+PONG\r\n")
	}
	return b.String()
}

func newTestClient(t *testing.T, addr string, maxSize int, timeout time.Duration) (*Client, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	p := pool.New(pool.Options{Addrs: []string{addr}, DialTimeout: time.Second})
	c := New(ctx, Options{
		Pool:       p,
		CmdMaxSize: maxSize,
		CmdTimeout: timeout,
	})
	return c, cancel
}

// S1: a full-size batch drains promptly; a trailing partial batch
// drains once the timeout elapses.
func TestClientSizeTriggerResolvesAllFutures(t *testing.T) {
	addr := fakeRedis(t, nil)
	c, cancel := newTestClient(t, addr, 2, 300*time.Millisecond)
	defer cancel()

	ctx := context.Background()
	futures := make([]futureWaiter, 3)
	for i := range futures {
		f, err := c.ExecuteCommand(ctx, "PING", nil, nil)
		if err != nil {
			t.Fatalf("ExecuteCommand: %v", err)
		}
		futures[i] = futureWaiter{f}
	}

	for i, fw := range futures {
		v, err := fw.wait(t, 2*time.Second)
		if err != nil {
			t.Fatalf("future %d: unexpected error %v", i, err)
		}
		if v != "PONG" {
			t.Fatalf("future %d: got %v, want PONG", i, v)
		}
	}
}

// S2: a single submission with a short timeout and a large maxsize
// resolves via the time trigger.
func TestClientTimeTriggerResolvesSingleSubmission(t *testing.T) {
	addr := fakeRedis(t, nil)
	c, cancel := newTestClient(t, addr, 100, 20*time.Millisecond)
	defer cancel()

	f, err := c.ExecuteCommand(context.Background(), "PING", nil, nil)
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	fw := futureWaiter{f}
	v, err := fw.wait(t, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if v != "PONG" {
		t.Fatalf("got %v, want PONG", v)
	}
}

type futureWaiter struct {
	f interface {
		Wait(ctx context.Context) (any, error)
	}
}

func (w futureWaiter) wait(t *testing.T, timeout time.Duration) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return w.f.Wait(ctx)
}

// A pool-lease failure surfaces through ExecuteCommand's eventual
// future instead of panicking the client: nothing listens on
// 127.0.0.1:1, so the pool's dial is refused.
func TestClientLeaseFailureResolvesFutureWithError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := pool.New(pool.Options{Addrs: []string{"127.0.0.1:1"}, DialTimeout: 50 * time.Millisecond})
	c := New(ctx, Options{Pool: p, CmdMaxSize: 1, CmdTimeout: time.Second})

	f, err := c.ExecuteCommand(context.Background(), "PING", nil, nil)
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	fw := futureWaiter{f}
	_, waitErr := fw.wait(t, 2*time.Second)
	var connErr *errs.ConnectionError
	if e, ok := waitErr.(*errs.ConnectionError); ok {
		connErr = e
	}
	if connErr == nil {
		t.Fatalf("got %T: %v, want *errs.ConnectionError", waitErr, waitErr)
	}
}
