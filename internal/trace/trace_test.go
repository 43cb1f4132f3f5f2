package trace

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

func TestNewCodecRejectsUnknown(t *testing.T) {
	if _, err := NewCodec("snappy"); err == nil {
		t.Fatal("expected error for unrecognised codec")
	}
}

func TestZstdCodecRoundTrip(t *testing.T) {
	codec, err := NewCodec("zstd")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	plain := []byte(`{"outcome":"ok"}` + "\n")
	compressed, err := codec.Encode(plain)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	defer dec.Close()
	out, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("read decompressed: %v", err)
	}
	if !bytes.Equal(out, plain) {
		t.Fatalf("got %q, want %q", out, plain)
	}
}

func TestWriterFlushesAndFramesRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.bin")
	codec, err := NewCodec("zstd")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	w, err := Open(path, codec, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	w.Record(Record{Time: time.Unix(0, 0), Commands: []string{"PING"}, Size: 1, ElapsedMS: 0.5, Outcome: "ok"})
	w.Record(Record{Time: time.Unix(0, 0), Commands: []string{"GET", "SET"}, Size: 2, ElapsedMS: 1.2, Outcome: "ok"})
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(raw) < 4 {
		t.Fatalf("trace file too short: %d bytes", len(raw))
	}
	frameLen := binary.BigEndian.Uint32(raw[:4])
	body := raw[4 : 4+int(frameLen)]

	dec, err := zstd.NewReader(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	defer dec.Close()
	plain, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("decompress frame: %v", err)
	}

	var records []Record
	decoder := json.NewDecoder(bytes.NewReader(plain))
	for decoder.More() {
		var r Record
		if err := decoder.Decode(&r); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		records = append(records, r)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Outcome != "ok" || records[1].Size != 2 {
		t.Fatalf("unexpected records: %+v", records)
	}
}
