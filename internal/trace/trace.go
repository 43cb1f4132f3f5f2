// Package trace implements the diagnostic batch trace: an optional,
// append-only record of every batch the executor dispatches (commands,
// size, elapsed time, outcome), written as length-prefixed, compressed
// frames so a long-running client doesn't pay the full cost of
// uncompressed JSON on disk. The frame shape (4-byte big-endian length
// followed by a compressed payload) mirrors the length-prefixed
// compressed-blob framing the teacher's RDB parser reads on the decode
// side; this is the same idea run in reverse, for writing.
package trace

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	lzf "github.com/zhuyie/golzf"
)

// Record is one traced batch outcome.
type Record struct {
	Time      time.Time `json:"time"`
	Commands  []string  `json:"commands"`
	Size      int       `json:"size"`
	ElapsedMS float64   `json:"elapsedMs"`
	Outcome   string    `json:"outcome"`
}

// Codec compresses a block of newline-delimited JSON records before
// it's framed and written to disk.
type Codec interface {
	Name() string
	Encode(plain []byte) ([]byte, error)
}

// NewCodec resolves a codec by name: "zstd", "lz4", or "lzf".
func NewCodec(name string) (Codec, error) {
	switch name {
	case "zstd":
		return zstdCodec{}, nil
	case "lz4":
		return lz4Codec{}, nil
	case "lzf":
		return lzfCodec{}, nil
	default:
		return nil, fmt.Errorf("trace: unknown codec %q", name)
	}
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) Encode(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("trace: zstd writer: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		w.Close()
		return nil, fmt.Errorf("trace: zstd write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("trace: zstd close: %w", err)
	}
	return buf.Bytes(), nil
}

type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Encode(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(plain); err != nil {
		w.Close()
		return nil, fmt.Errorf("trace: lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("trace: lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

type lzfCodec struct{}

func (lzfCodec) Name() string { return "lzf" }

func (lzfCodec) Encode(plain []byte) ([]byte, error) {
	// LZF has no streaming writer in this library; compress the whole
	// plaintext block into a worst-case-sized buffer in one call, the
	// same shape rdb_string.go's decompress side expects in reverse.
	dst := make([]byte, len(plain)+len(plain)/16+64)
	n, err := lzf.Compress(plain, dst)
	if err != nil {
		return nil, fmt.Errorf("trace: lzf compress: %w", err)
	}
	return dst[:n], nil
}

// Writer batches Records and flushes them as compressed, length-framed
// blocks to a backing file. Safe for concurrent use.
type Writer struct {
	mu         sync.Mutex
	f          *os.File
	codec      Codec
	buf        []Record
	flushEvery int
}

// Open creates or appends to the trace file at path, using codec to
// compress each flushed block. flushEvery bounds how many records
// accumulate in memory before a block is written; values <= 0 default
// to 64.
func Open(path string, codec Codec, flushEvery int) (*Writer, error) {
	if flushEvery <= 0 {
		flushEvery = 64
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("trace: open %s: %w", path, err)
	}
	return &Writer{f: f, codec: codec, flushEvery: flushEvery}, nil
}

// Record appends one batch outcome, flushing to disk once flushEvery
// records have accumulated.
func (w *Writer) Record(r Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, r)
	if len(w.buf) >= w.flushEvery {
		_ = w.flushLocked()
	}
}

// Flush writes any buffered records to disk immediately.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if len(w.buf) == 0 {
		return nil
	}
	var plain bytes.Buffer
	enc := json.NewEncoder(&plain)
	for _, r := range w.buf {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("trace: encode record: %w", err)
		}
	}
	w.buf = w.buf[:0]

	compressed, err := w.codec.Encode(plain.Bytes())
	if err != nil {
		return err
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(compressed)))
	if _, err := w.f.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("trace: write frame length: %w", err)
	}
	if _, err := w.f.Write(compressed); err != nil {
		return fmt.Errorf("trace: write frame body: %w", err)
	}
	return nil
}

// Close flushes any buffered records and closes the backing file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.flushLocked()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}
