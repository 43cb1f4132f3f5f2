package resp

import (
	"bufio"
	"bytes"
	"reflect"
	"testing"
)

func decodeOne(t *testing.T, wire string) Reply {
	t.Helper()
	d := NewDecoder(bufio.NewReader(bytes.NewReader([]byte(wire))))
	r, err := d.ReadReply()
	if err != nil {
		t.Fatalf("ReadReply() error = %v", err)
	}
	return r
}

func TestPackCommandRoundTrip(t *testing.T) {
	cases := [][][]byte{
		{},
		{[]byte("bar")},
		{[]byte(""), []byte("a"), []byte("binary\x00\x01\xff")},
	}
	for _, args := range cases {
		wire := PackCommand("SET", args)
		d := NewDecoder(bufio.NewReader(bytes.NewReader(append(wire, "+OK\r\n"...))))
		// Packed commands are themselves RESP arrays; decode it back and
		// compare against name+args.
		reply, err := d.ReadReply()
		if err != nil {
			t.Fatalf("decode packed command: %v", err)
		}
		if reply.Type != Array {
			t.Fatalf("expected array, got %v", reply.Type)
		}
		want := append([][]byte{[]byte("SET")}, args...)
		if len(reply.Array) != len(want) {
			t.Fatalf("length mismatch: got %d want %d", len(reply.Array), len(want))
		}
		for i, item := range reply.Array {
			if item.Type != Bulk || !bytes.Equal(item.Bulk, want[i]) {
				t.Errorf("arg %d: got %q want %q", i, item.Bulk, want[i])
			}
		}
	}
}

func TestReadReplySimpleString(t *testing.T) {
	r := decodeOne(t, "+PONG\r\n")
	if r.Type != Simple || r.Str != "PONG" {
		t.Fatalf("got %+v", r)
	}
}

func TestReadReplyInteger(t *testing.T) {
	r := decodeOne(t, ":1000\r\n")
	if r.Type != Integer || r.Int != 1000 {
		t.Fatalf("got %+v", r)
	}
	r = decodeOne(t, ":-7\r\n")
	if r.Type != Integer || r.Int != -7 {
		t.Fatalf("got %+v", r)
	}
}

func TestReadReplyError(t *testing.T) {
	r := decodeOne(t, "-WRONGTYPE Operation against a key holding the wrong kind of value\r\n")
	if r.Type != Error {
		t.Fatalf("got %+v", r)
	}
	err := r.AsError()
	if err == nil {
		t.Fatal("expected non-nil error")
	}
	if got := err.Error(); got == "" {
		t.Fatal("expected non-empty error message")
	}
}

func TestReadReplyNullBulk(t *testing.T) {
	r := decodeOne(t, "$-1\r\n")
	if !r.IsNull() {
		t.Fatalf("expected null, got %+v", r)
	}
}

func TestReadReplyNullArray(t *testing.T) {
	r := decodeOne(t, "*-1\r\n")
	if !r.IsNull() {
		t.Fatalf("expected null, got %+v", r)
	}
}

func TestReadReplyBulkString(t *testing.T) {
	r := decodeOne(t, "$5\r\nhello\r\n")
	if r.Type != Bulk || !bytes.Equal(r.Bulk, []byte("hello")) {
		t.Fatalf("got %+v", r)
	}
}

func TestReadReplyEmptyBulk(t *testing.T) {
	r := decodeOne(t, "$0\r\n\r\n")
	if r.Type != Bulk || len(r.Bulk) != 0 {
		t.Fatalf("got %+v", r)
	}
}

func TestReadReplyArrayWithNullsSurvivesRoundTrip(t *testing.T) {
	wire := "*3\r\n$3\r\nfoo\r\n$-1\r\n*-1\r\n"
	r := decodeOne(t, wire)
	if r.Type != Array || len(r.Array) != 3 {
		t.Fatalf("got %+v", r)
	}
	if r.Array[0].Type != Bulk || !bytes.Equal(r.Array[0].Bulk, []byte("foo")) {
		t.Errorf("element 0: %+v", r.Array[0])
	}
	if !r.Array[1].IsNull() {
		t.Errorf("element 1: expected null, got %+v", r.Array[1])
	}
	if !r.Array[2].IsNull() {
		t.Errorf("element 2: expected null, got %+v", r.Array[2])
	}
}

func TestReadReplyNestedArray(t *testing.T) {
	wire := "*2\r\n*1\r\n:1\r\n+OK\r\n"
	r := decodeOne(t, wire)
	if r.Type != Array || len(r.Array) != 2 {
		t.Fatalf("got %+v", r)
	}
	inner := r.Array[0]
	if inner.Type != Array || len(inner.Array) != 1 || inner.Array[0].Int != 1 {
		t.Errorf("inner array mismatch: %+v", inner)
	}
	if r.Array[1].Type != Simple || r.Array[1].Str != "OK" {
		t.Errorf("second element mismatch: %+v", r.Array[1])
	}
}

func TestReadReplyUnknownTagIsProtocolError(t *testing.T) {
	d := NewDecoder(bufio.NewReader(bytes.NewReader([]byte("!nope\r\n"))))
	_, err := d.ReadReply()
	if err == nil {
		t.Fatal("expected error for unknown tag")
	}
}

func TestDeepEqualSanity(t *testing.T) {
	a := Reply{Type: Integer, Int: 5}
	b := Reply{Type: Integer, Int: 5}
	if !reflect.DeepEqual(a, b) {
		t.Fatal("expected equal replies")
	}
}
