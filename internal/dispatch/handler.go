package dispatch

import (
	"context"
	"fmt"

	"github.com/danmuck/apductl/internal/apdu"
	"github.com/danmuck/apductl/internal/state"
)

// Exchanger is the blocking transport primitive. It transmits buf[:tx], then
// receives the next frame into buf and returns its length. Zero means the
// host is gone.
type Exchanger interface {
	Exchange(ctx context.Context, buf []byte, tx int, flags apdu.ExchangeFlags) (int, error)
}

// Directive tells the dispatcher how to run the next exchange.
type Directive struct {
	Flags apdu.ExchangeFlags
}

// Handler executes one opcode. It writes its reply into resp and may keep
// continuation data in sc, which is only valid while the same opcode keeps
// arriving.
type Handler interface {
	Execute(ctx context.Context, req apdu.Request, sc *state.Shared, resp *apdu.Response) (Directive, error)
}

type HandlerFunc func(ctx context.Context, req apdu.Request, sc *state.Shared, resp *apdu.Response) (Directive, error)

func (f HandlerFunc) Execute(ctx context.Context, req apdu.Request, sc *state.Shared, resp *apdu.Response) (Directive, error) {
	return f(ctx, req, sc, resp)
}

// Entry binds an opcode to its handler.
type Entry struct {
	Ins     byte
	Name    string
	Handler Handler
}

// Table is the read-only opcode lookup. It has no registration API; the
// entry set is fixed when the table is built.
type Table struct {
	entries [256]*Entry
}

// NewTable builds a table from a fixed entry list. A nil handler or a
// duplicate opcode is a programming error and panics.
func NewTable(entries ...Entry) *Table {
	t := &Table{}
	for i := range entries {
		e := entries[i]
		if e.Handler == nil {
			panic(fmt.Sprintf("dispatch: nil handler for ins 0x%02x", e.Ins))
		}
		if t.entries[e.Ins] != nil {
			panic(fmt.Sprintf("dispatch: duplicate handler for ins 0x%02x", e.Ins))
		}
		t.entries[e.Ins] = &e
	}
	return t
}

func (t *Table) Lookup(ins byte) (Entry, bool) {
	e := t.entries[ins]
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// Entries lists the table in opcode order.
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, 8)
	for _, e := range t.entries {
		if e != nil {
			out = append(out, *e)
		}
	}
	return out
}
