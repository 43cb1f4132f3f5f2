// Package callback provides the response_callbacks collaborator: a
// mapping from command name to a function that turns a raw Reply plus
// caller-supplied options into the value handed back to the caller.
// The full Redis command catalogue is out of scope for this module
// (it is supplied by the host); this package ships a small default
// table covering enough commands for the end-to-end scenarios and
// tests, expressed as a tagged variant table rather than a virtual
// dispatch hierarchy, per the design notes on dynamic dispatch.
package callback

import (
	"strconv"

	"rpipe/internal/resp"
)

// Func transforms a decoded Reply into the value returned to the
// caller. Options is the caller-supplied, read-only map passed
// through from the Command Entry.
type Func func(reply resp.Reply, options map[string]any) (any, error)

// Table is a read-only-after-construction mapping from command name to
// its response transform. A missing entry means "return the reply
// as-is" (see executor dispatch, step 8).
type Table map[string]Func

// Get looks up the callback for name, which should already be
// upper-cased by the caller (command names are matched case
// sensitively to avoid a per-lookup allocation for the common case).
func (t Table) Get(name string) (Func, bool) {
	fn, ok := t[name]
	return fn, ok
}

// Default returns the built-in table covering the commands exercised
// by this module's documented scenarios: simple-string acknowledgements
// decoded to bool, PING and bulk replies decoded to string (honoring
// decodeResponses is the caller's job — this table only shapes the Go
// type, not the text encoding), integer replies decoded to int64, array
// replies decoded to []string, and MGET decoded to []*string with nil
// for missing keys.
func Default() Table {
	return Table{
		"PING":    pingCallback,
		"SET":     okCallback,
		"SETEX":   okCallback,
		"PSETEX":  okCallback,
		"MSET":    okCallback,
		"SELECT":  okCallback,
		"GET":     bulkStringCallback,
		"GETSET":  bulkStringCallback,
		"INCR":    integerCallback,
		"INCRBY":  integerCallback,
		"DECR":    integerCallback,
		"DECRBY":  integerCallback,
		"EXISTS":  integerCallback,
		"DEL":     integerCallback,
		"EXPIRE":  integerCallback,
		"LPUSH":   integerCallback,
		"RPUSH":   integerCallback,
		"LLEN":    integerCallback,
		"HSET":    integerCallback,
		"SADD":    integerCallback,
		"HGETALL": stringArrayCallback,
		"KEYS":    stringArrayCallback,
		"LRANGE":  stringArrayCallback,
		"MGET":    bulkArrayCallback,
	}
}

func pingCallback(reply resp.Reply, _ map[string]any) (any, error) {
	if err := reply.AsError(); err != nil {
		return nil, err
	}
	if reply.Type == resp.Simple {
		return reply.Str, nil
	}
	return string(reply.Bulk), nil
}

func okCallback(reply resp.Reply, _ map[string]any) (any, error) {
	if err := reply.AsError(); err != nil {
		return nil, err
	}
	return reply.Str == "OK", nil
}

func integerCallback(reply resp.Reply, _ map[string]any) (any, error) {
	if err := reply.AsError(); err != nil {
		return nil, err
	}
	return reply.Int, nil
}

func bulkStringCallback(reply resp.Reply, _ map[string]any) (any, error) {
	if err := reply.AsError(); err != nil {
		return nil, err
	}
	if reply.IsNull() {
		return nil, nil
	}
	return string(reply.Bulk), nil
}

func stringArrayCallback(reply resp.Reply, _ map[string]any) (any, error) {
	if err := reply.AsError(); err != nil {
		return nil, err
	}
	if reply.IsNull() {
		return nil, nil
	}
	out := make([]string, 0, len(reply.Array))
	for _, item := range reply.Array {
		switch item.Type {
		case resp.Bulk:
			out = append(out, string(item.Bulk))
		case resp.Simple:
			out = append(out, item.Str)
		case resp.Integer:
			out = append(out, strconv.FormatInt(item.Int, 10))
		default:
			out = append(out, "")
		}
	}
	return out, nil
}

func bulkArrayCallback(reply resp.Reply, _ map[string]any) (any, error) {
	if err := reply.AsError(); err != nil {
		return nil, err
	}
	if reply.IsNull() {
		return nil, nil
	}
	out := make([]*string, len(reply.Array))
	for i, item := range reply.Array {
		if item.IsNull() {
			continue
		}
		s := string(item.Bulk)
		out[i] = &s
	}
	return out, nil
}
