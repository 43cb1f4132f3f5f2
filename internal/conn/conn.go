// Package conn implements the Connection contract: one owned TCP
// socket with framed RESP read/write and a connect/reconnect
// lifecycle. A Connection serves at most one caller at a time; the
// pool is responsible for that exclusivity, not this package.
package conn

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"rpipe/internal/errs"
	"rpipe/internal/resp"
)

// bufSize sizes the buffered reader/writer wrapping the socket.
const bufSize = 16 * 1024

// Options configure a single Connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	// DialTimeout bounds TCP handshake + AUTH/SELECT.
	DialTimeout time.Duration
	// SocketTimeout, when non-zero, bounds every individual read and
	// write (the per-I/O deadline called out in the external
	// interfaces section).
	SocketTimeout time.Duration
}

// state is the Connection's lifecycle position.
type state int

const (
	disconnected state = iota
	connecting
	connected
)

// Conn owns one socket and its bound RESP decoder. The zero value is
// not usable; construct with New.
type Conn struct {
	opts Options

	mu    sync.Mutex
	st    state
	nc    net.Conn
	w     *bufio.Writer
	dec   *resp.Decoder
}

// New returns a disconnected Conn for opts. Connect must be called
// before use.
func New(opts Options) *Conn {
	return &Conn{opts: opts, st: disconnected}
}

// Addr returns the configured remote address.
func (c *Conn) Addr() string { return c.opts.Addr }

// Connected reports whether the connection is currently usable.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st == connected
}

// Connect is idempotent: it is a no-op when already connected.
// Otherwise it dials, and if a password or non-zero DB is configured,
// performs AUTH/SELECT before declaring the connection connected.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st == connected {
		return nil
	}
	c.st = connecting

	dialer := &net.Dialer{Timeout: c.opts.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", c.opts.Addr)
	if err != nil {
		c.st = disconnected
		return &errs.ConnectionError{Addr: c.opts.Addr, Err: err}
	}

	c.nc = nc
	c.w = bufio.NewWriterSize(nc, bufSize)
	c.dec = resp.NewDecoder(bufio.NewReaderSize(nc, bufSize))
	c.st = connected

	if c.opts.Password != "" {
		if err := c.handshakeLocked("AUTH", [][]byte{[]byte(c.opts.Password)}); err != nil {
			c.disconnectLocked()
			return &errs.AuthenticationError{Message: err.Error()}
		}
	}
	if c.opts.DB != 0 {
		if err := c.handshakeLocked("SELECT", [][]byte{[]byte(strconv.Itoa(c.opts.DB))}); err != nil {
			c.disconnectLocked()
			return &errs.ConnectionError{Addr: c.opts.Addr, Err: err}
		}
	}
	return nil
}

// handshakeLocked sends one command and requires a non-error,
// non-null reply. Caller holds c.mu and the connection is connected.
func (c *Conn) handshakeLocked(name string, args [][]byte) error {
	c.applyDeadlines()
	if _, err := c.w.Write(resp.PackCommand(name, args)); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return err
	}
	reply, err := c.dec.ReadReply()
	if err != nil {
		return err
	}
	if reply.Type == resp.Error {
		return reply.AsError()
	}
	if reply.IsNull() {
		return fmt.Errorf("%s: null reply", name)
	}
	return nil
}

func (c *Conn) applyDeadlines() {
	if c.opts.SocketTimeout <= 0 || c.nc == nil {
		return
	}
	deadline := time.Now().Add(c.opts.SocketTimeout)
	_ = c.nc.SetDeadline(deadline)
}

// SendPacked writes already-framed RESP bytes and flushes. Any failure
// disconnects and returns a ConnectionError.
func (c *Conn) SendPacked(ctx context.Context, packed []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st != connected {
		return &errs.ConnectionError{Addr: c.opts.Addr, Err: fmt.Errorf("not connected")}
	}
	c.applyDeadlines()
	if _, err := c.w.Write(packed); err != nil {
		c.disconnectLocked()
		return &errs.ConnectionError{Addr: c.opts.Addr, Err: err}
	}
	if err := c.w.Flush(); err != nil {
		c.disconnectLocked()
		return &errs.ConnectionError{Addr: c.opts.Addr, Err: err}
	}
	return nil
}

// ReadResponse reads one reply. An I/O failure disconnects and returns
// a ConnectionError; a decode-level framing failure disconnects and
// returns the ProtocolError verbatim; a server error reply decodes
// successfully but is re-raised here as a thrown ResponseError, per
// the RESP codec's "errors are data until the Connection layer"
// contract.
func (c *Conn) ReadResponse(ctx context.Context) (resp.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st != connected {
		return resp.Reply{}, &errs.ConnectionError{Addr: c.opts.Addr, Err: fmt.Errorf("not connected")}
	}
	c.applyDeadlines()
	reply, err := c.dec.ReadReply()
	if err != nil {
		if _, ok := err.(*errs.ProtocolError); ok {
			c.disconnectLocked()
			return resp.Reply{}, err
		}
		c.disconnectLocked()
		return resp.Reply{}, &errs.ConnectionError{Addr: c.opts.Addr, Err: err}
	}
	if reply.Type == resp.Error {
		return reply, reply.AsError()
	}
	return reply, nil
}

// ReadReplyRaw reads one reply without promoting a server error reply
// to a thrown error; used by the batch executor, which must see
// QUEUED-phase and EXEC-array errors as data to slot into place.
func (c *Conn) ReadReplyRaw(ctx context.Context) (resp.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st != connected {
		return resp.Reply{}, &errs.ConnectionError{Addr: c.opts.Addr, Err: fmt.Errorf("not connected")}
	}
	c.applyDeadlines()
	reply, err := c.dec.ReadReply()
	if err != nil {
		c.disconnectLocked()
		if _, ok := err.(*errs.ProtocolError); ok {
			return resp.Reply{}, err
		}
		return resp.Reply{}, &errs.ConnectionError{Addr: c.opts.Addr, Err: err}
	}
	return reply, nil
}

// Disconnect closes the socket and drops the parser state. Idempotent.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
}

func (c *Conn) disconnectLocked() {
	if c.nc != nil {
		_ = c.nc.Close()
	}
	c.nc = nil
	c.w = nil
	c.dec = nil
	c.st = disconnected
}
