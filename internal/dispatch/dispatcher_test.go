package dispatch

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/danmuck/apductl/internal/apdu"
	"github.com/danmuck/apductl/internal/canary"
	"github.com/danmuck/apductl/internal/fault"
	"github.com/danmuck/apductl/internal/state"
	"github.com/danmuck/apductl/internal/testutil/testlog"
)

const (
	insWrite   byte = 0x10
	insRead    byte = 0x11
	insUnknown byte = 0x7f
)

type tally struct {
	N int
}

// scriptedTransport delivers frames in order, records every transmitted
// reply, and reports an empty exchange once the script runs out.
type scriptedTransport struct {
	frames [][]byte
	errs   map[int]error
	sent   [][]byte
	flags  []apdu.ExchangeFlags
	calls  int
}

func (s *scriptedTransport) Exchange(_ context.Context, buf []byte, tx int, flags apdu.ExchangeFlags) (int, error) {
	if tx > 0 {
		s.sent = append(s.sent, bytes.Clone(buf[:tx]))
	}
	s.flags = append(s.flags, flags)
	i := s.calls
	s.calls++
	if err, ok := s.errs[i]; ok {
		return 0, err
	}
	if i >= len(s.frames) {
		return 0, nil
	}
	return copy(buf, s.frames[i]), nil
}

type recordingObserver struct {
	outcomes []string
	faults   []uint16
	clears   []string
	trips    int
}

func (o *recordingObserver) Dispatched(_ byte, outcome string) { o.outcomes = append(o.outcomes, outcome) }
func (o *recordingObserver) Faulted(_ byte, code uint16)       { o.faults = append(o.faults, code) }
func (o *recordingObserver) StateCleared(reason string)        { o.clears = append(o.clears, reason) }
func (o *recordingObserver) CanaryTripped()                    { o.trips++ }

func frame(ins, p1 byte, data ...byte) []byte {
	b, err := apdu.NewRequest(ins, p1, 0, data).Encode()
	if err != nil {
		panic(err)
	}
	return b
}

func succeed(resp *apdu.Response, body ...byte) (Directive, error) {
	if err := resp.Append(apdu.AnswerSuccess); err != nil {
		return Directive{}, err
	}
	if err := resp.Append(body...); err != nil {
		return Directive{}, err
	}
	return Directive{}, resp.Seal()
}

// tallyTable writes P1 into the tally state on insWrite and reports the
// observed tally value on insRead.
func tallyTable(seen *[]int) *Table {
	return NewTable(
		Entry{Ins: insWrite, Name: "write", Handler: HandlerFunc(func(_ context.Context, req apdu.Request, sc *state.Shared, resp *apdu.Response) (Directive, error) {
			p := state.Slot[tally](sc)
			*seen = append(*seen, p.N)
			p.N += int(req.P1)
			return succeed(resp, byte(p.N))
		})},
		Entry{Ins: insRead, Name: "read", Handler: HandlerFunc(func(_ context.Context, _ apdu.Request, sc *state.Shared, resp *apdu.Response) (Directive, error) {
			p := state.Slot[tally](sc)
			*seen = append(*seen, p.N)
			return succeed(resp, byte(p.N))
		})},
	)
}

func runScript(t *testing.T, table *Table, tr *scriptedTransport, opts Options) (*Dispatcher, error) {
	t.Helper()
	d, err := New(tr, table, opts)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d, d.Run(context.Background())
}

func TestDifferentOpcodeSeesZeroState(t *testing.T) {
	testlog.Start(t)
	var seen []int
	tr := &scriptedTransport{frames: [][]byte{frame(insWrite, 42), frame(insRead, 0)}}
	_, err := runScript(t, tallyTable(&seen), tr, Options{})
	if !errors.Is(err, fault.ErrTransportReset) {
		t.Fatalf("expected transport reset, got %v", err)
	}
	if len(seen) != 2 || seen[1] != 0 {
		t.Fatalf("expected read handler to see zero state, saw %v", seen)
	}
}

func TestRepeatedOpcodeKeepsState(t *testing.T) {
	testlog.Start(t)
	var seen []int
	tr := &scriptedTransport{frames: [][]byte{frame(insWrite, 1), frame(insWrite, 1), frame(insWrite, 1)}}
	runScript(t, tallyTable(&seen), tr, Options{})

	want := []int{0, 1, 2}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected continued state %v, got %v", want, seen)
		}
	}
	if !bytes.Equal(tr.sent[2], []byte{apdu.AnswerSuccess, 3, 0x90, 0x00}) {
		t.Fatalf("unexpected final reply %x", tr.sent[2])
	}
}

func TestBadClassSkipsHandler(t *testing.T) {
	testlog.Start(t)
	var seen []int
	bad := frame(insWrite, 1)
	bad[apdu.OffsetCLA] = 0x80
	tr := &scriptedTransport{frames: [][]byte{bad}}
	d, _ := runScript(t, tallyTable(&seen), tr, Options{})

	if len(seen) != 0 {
		t.Fatalf("expected no handler invocation, saw %v", seen)
	}
	if len(tr.sent) != 1 || !bytes.Equal(tr.sent[0], []byte{apdu.AnswerBadClass, 0x90, 0x00}) {
		t.Fatalf("unexpected replies %x", tr.sent)
	}
	if d.States().Last() != 0 {
		t.Fatalf("expected marker untouched, got 0x%02x", d.States().Last())
	}
}

func TestUnknownOpcodeLeavesStateUntouched(t *testing.T) {
	testlog.Start(t)
	var seen []int
	obs := &recordingObserver{}
	tr := &scriptedTransport{frames: [][]byte{frame(insWrite, 5), frame(insUnknown, 0), frame(insWrite, 0)}}
	d, _ := runScript(t, tallyTable(&seen), tr, Options{Observer: obs})

	if !bytes.Equal(tr.sent[1], []byte{apdu.AnswerUnknownCommand, 0x90, 0x00}) {
		t.Fatalf("unexpected unknown-command reply %x", tr.sent[1])
	}
	if len(seen) != 2 || seen[1] != 5 {
		t.Fatalf("expected state to survive unknown opcode, saw %v", seen)
	}
	if d.States().Last() != insWrite {
		t.Fatalf("expected marker to stay on write opcode, got 0x%02x", d.States().Last())
	}
	// session clear plus the first entry into insWrite only
	if len(obs.clears) != 2 {
		t.Fatalf("unexpected clears %v", obs.clears)
	}
}

func TestFaultTranslatesAndClearsState(t *testing.T) {
	testlog.Start(t)
	var seen []int
	table := NewTable(
		Entry{Ins: insWrite, Name: "write", Handler: HandlerFunc(func(_ context.Context, req apdu.Request, sc *state.Shared, resp *apdu.Response) (Directive, error) {
			p := state.Slot[tally](sc)
			seen = append(seen, p.N)
			p.N = 99
			if req.P1 == 1 {
				_ = resp.Append(0xde, 0xad)
				return Directive{}, fault.New(0x6A80, "bad payload")
			}
			return succeed(resp)
		})},
	)
	obs := &recordingObserver{}
	tr := &scriptedTransport{frames: [][]byte{frame(insWrite, 0), frame(insWrite, 1), frame(insWrite, 0)}}
	runScript(t, table, tr, Options{Observer: obs})

	want := []byte{apdu.AnswerException, 0x6A, 0x80, 0x90, 0x00}
	if !bytes.Equal(tr.sent[1], want) {
		t.Fatalf("expected exception reply %x, got %x", want, tr.sent[1])
	}
	if seen[2] != 0 {
		t.Fatalf("expected state cleared after fault, saw %v", seen)
	}
	if len(obs.faults) != 1 || obs.faults[0] != 0x6A80 {
		t.Fatalf("unexpected faults %v", obs.faults)
	}
}

func TestZeroLengthExchangeRaisesReset(t *testing.T) {
	testlog.Start(t)
	var seen []int
	tr := &scriptedTransport{}
	_, err := runScript(t, tallyTable(&seen), tr, Options{})
	if !errors.Is(err, fault.ErrTransportReset) {
		t.Fatalf("expected transport reset, got %v", err)
	}
	if len(tr.sent) != 0 {
		t.Fatalf("expected no reply, got %x", tr.sent)
	}
}

func TestPanicBecomesFault(t *testing.T) {
	testlog.Start(t)
	table := NewTable(Entry{Ins: insWrite, Name: "panics", Handler: HandlerFunc(func(context.Context, apdu.Request, *state.Shared, *apdu.Response) (Directive, error) {
		var m map[string]int
		m["x"] = 1
		return Directive{}, nil
	})})
	tr := &scriptedTransport{frames: [][]byte{frame(insWrite, 0), frame(insWrite, 0)}}
	_, err := runScript(t, table, tr, Options{})
	if !errors.Is(err, fault.ErrTransportReset) {
		t.Fatalf("expected loop to survive panics, got %v", err)
	}
	want := []byte{apdu.AnswerException, 0x6F, 0x01, 0x90, 0x00}
	if len(tr.sent) != 2 || !bytes.Equal(tr.sent[0], want) {
		t.Fatalf("unexpected replies %x", tr.sent)
	}
}

func TestUnsealedResponseIsFault(t *testing.T) {
	testlog.Start(t)
	table := NewTable(Entry{Ins: insWrite, Name: "lazy", Handler: HandlerFunc(func(_ context.Context, _ apdu.Request, _ *state.Shared, resp *apdu.Response) (Directive, error) {
		return Directive{}, resp.Append(apdu.AnswerSuccess)
	})})
	tr := &scriptedTransport{frames: [][]byte{frame(insWrite, 0)}}
	runScript(t, table, tr, Options{})
	want := []byte{apdu.AnswerException, 0x6F, 0x02, 0x90, 0x00}
	if !bytes.Equal(tr.sent[0], want) {
		t.Fatalf("expected unterminated fault, got %x", tr.sent[0])
	}
}

func TestShortFrameIsWrongLength(t *testing.T) {
	testlog.Start(t)
	var seen []int
	tr := &scriptedTransport{frames: [][]byte{{apdu.CLA, insWrite, 0}}}
	runScript(t, tallyTable(&seen), tr, Options{})
	want := []byte{apdu.AnswerException, 0x67, 0x00, 0x90, 0x00}
	if !bytes.Equal(tr.sent[0], want) {
		t.Fatalf("expected wrong length reply, got %x", tr.sent[0])
	}
	if len(seen) != 0 {
		t.Fatalf("expected no handler invocation, saw %v", seen)
	}
}

func TestMalformedFrameKeepsState(t *testing.T) {
	testlog.Start(t)
	var seen []int
	obs := &recordingObserver{}
	lcMismatch := frame(insWrite, 0, 0x01, 0x02)
	lcMismatch[apdu.OffsetLC] = 7
	tr := &scriptedTransport{frames: [][]byte{
		frame(insWrite, 5),
		{apdu.CLA, insRead, 0},
		lcMismatch,
		frame(insWrite, 0),
	}}
	d, _ := runScript(t, tallyTable(&seen), tr, Options{Observer: obs})

	want := []byte{apdu.AnswerException, 0x67, 0x00, 0x90, 0x00}
	if !bytes.Equal(tr.sent[1], want) || !bytes.Equal(tr.sent[2], want) {
		t.Fatalf("expected wrong length replies, got %x", tr.sent)
	}
	if len(seen) != 2 || seen[1] != 5 {
		t.Fatalf("expected state to survive malformed frames, saw %v", seen)
	}
	if d.States().Last() != insWrite {
		t.Fatalf("expected marker to stay on write opcode, got 0x%02x", d.States().Last())
	}
	// session clear plus the first entry into insWrite only
	if len(obs.clears) != 2 {
		t.Fatalf("unexpected clears %v", obs.clears)
	}
}

func TestAsyncReplyNeverTransmitsBuffer(t *testing.T) {
	testlog.Start(t)
	table := NewTable(
		Entry{Ins: insWrite, Name: "async", Handler: HandlerFunc(func(_ context.Context, _ apdu.Request, _ *state.Shared, resp *apdu.Response) (Directive, error) {
			_, err := succeed(resp, 0xaa)
			return Directive{Flags: apdu.FlagAsyncReply}, err
		})},
		Entry{Ins: insRead, Name: "read", Handler: HandlerFunc(func(_ context.Context, _ apdu.Request, _ *state.Shared, resp *apdu.Response) (Directive, error) {
			return succeed(resp, 0)
		})},
	)
	tr := &scriptedTransport{frames: [][]byte{frame(insWrite, 0), frame(insRead, 0)}}
	runScript(t, table, tr, Options{})

	if len(tr.sent) != 1 || !bytes.Equal(tr.sent[0], []byte{apdu.AnswerSuccess, 0, 0x90, 0x00}) {
		t.Fatalf("expected only the read reply, got %x", tr.sent)
	}
	if tr.flags[1] != apdu.FlagAsyncReply || tr.flags[2] != 0 {
		t.Fatalf("unexpected exchange flags %v", tr.flags)
	}
}

func TestDirectiveFlagsReachNextExchange(t *testing.T) {
	testlog.Start(t)
	table := NewTable(
		Entry{Ins: insWrite, Name: "reset-after", Handler: HandlerFunc(func(_ context.Context, _ apdu.Request, _ *state.Shared, resp *apdu.Response) (Directive, error) {
			_, err := succeed(resp)
			return Directive{Flags: apdu.FlagResetAfterReply}, err
		})},
		Entry{Ins: insRead, Name: "async", Handler: HandlerFunc(func(context.Context, apdu.Request, *state.Shared, *apdu.Response) (Directive, error) {
			return Directive{Flags: apdu.FlagAsyncReply}, nil
		})},
	)
	tr := &scriptedTransport{frames: [][]byte{frame(insWrite, 0), frame(insRead, 0)}}
	runScript(t, table, tr, Options{})

	if tr.flags[1] != apdu.FlagResetAfterReply {
		t.Fatalf("expected reset-after-reply flag, got %v", tr.flags[1])
	}
	if tr.flags[2] != apdu.FlagAsyncReply {
		t.Fatalf("expected async flag, got %v", tr.flags[2])
	}
	if len(tr.sent) != 1 {
		t.Fatalf("expected async handler to transmit nothing, got %x", tr.sent)
	}
}

func TestExchangeFaultIsTranslated(t *testing.T) {
	testlog.Start(t)
	var seen []int
	tr := &scriptedTransport{
		frames: [][]byte{nil, frame(insRead, 0)},
		errs:   map[int]error{0: fault.New(fault.CodeInvalidData, "bus glitch")},
	}
	_, err := runScript(t, tallyTable(&seen), tr, Options{})
	if !errors.Is(err, fault.ErrTransportReset) {
		t.Fatalf("expected loop to continue to reset, got %v", err)
	}
	if !bytes.Equal(tr.sent[0], []byte{apdu.AnswerException, 0x6A, 0x80, 0x90, 0x00}) {
		t.Fatalf("unexpected reply %x", tr.sent[0])
	}
}

func TestExchangeErrorIsTerminal(t *testing.T) {
	testlog.Start(t)
	var seen []int
	boom := errors.New("link down")
	tr := &scriptedTransport{errs: map[int]error{0: boom}}
	_, err := runScript(t, tallyTable(&seen), tr, Options{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func corruptingTable(d **Dispatcher) *Table {
	return NewTable(Entry{Ins: insWrite, Name: "overrun", Handler: HandlerFunc(func(_ context.Context, _ apdu.Request, _ *state.Shared, resp *apdu.Response) (Directive, error) {
		buf := (*d).arena.Bytes()
		_ = append(buf, 0xaa, 0xbb, 0xcc, 0xdd)
		return succeed(resp)
	})})
}

func TestCanaryEnforceStopsLoop(t *testing.T) {
	testlog.Start(t)
	var d *Dispatcher
	tr := &scriptedTransport{frames: [][]byte{frame(insWrite, 0), frame(insWrite, 0)}}
	obs := &recordingObserver{}
	d, err := New(tr, corruptingTable(&d), Options{Policy: canary.PolicyEnforce, Observer: obs})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	err = d.Run(context.Background())
	if !errors.Is(err, canary.ErrCorrupted) {
		t.Fatalf("expected canary corruption, got %v", err)
	}
	if obs.trips != 1 || len(tr.sent) != 0 {
		t.Fatalf("expected loop to stop before replying, trips=%d sent=%x", obs.trips, tr.sent)
	}
}

func TestCanaryAdvisoryContinues(t *testing.T) {
	testlog.Start(t)
	var d *Dispatcher
	tr := &scriptedTransport{frames: [][]byte{frame(insWrite, 0)}}
	obs := &recordingObserver{}
	d, err := New(tr, corruptingTable(&d), Options{Policy: canary.PolicyAdvisory, Observer: obs})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if err := d.Run(context.Background()); !errors.Is(err, fault.ErrTransportReset) {
		t.Fatalf("expected reset after advisory mismatch, got %v", err)
	}
	if obs.trips == 0 || len(tr.sent) != 1 {
		t.Fatalf("expected reply despite mismatch, trips=%d sent=%x", obs.trips, tr.sent)
	}
}

func TestRoundTripCursorStaysInBounds(t *testing.T) {
	testlog.Start(t)
	table := NewTable(Entry{Ins: insWrite, Name: "echo", Handler: HandlerFunc(func(_ context.Context, req apdu.Request, _ *state.Shared, resp *apdu.Response) (Directive, error) {
		return succeed(resp, req.Data...)
	})})
	frames := make([][]byte, 0, apdu.MaxPayloadLen+1)
	for n := 0; n <= apdu.MaxPayloadLen; n++ {
		frames = append(frames, frame(insWrite, 0, bytes.Repeat([]byte{byte(n)}, n)...))
	}
	tr := &scriptedTransport{frames: frames}
	runScript(t, table, tr, Options{})

	if len(tr.sent) != len(frames) {
		t.Fatalf("expected %d replies, got %d", len(frames), len(tr.sent))
	}
	for n, out := range tr.sent {
		if len(out) > apdu.BufferSize {
			t.Fatalf("reply %d exceeds buffer: %d", n, len(out))
		}
		reply, err := apdu.ParseReply(out)
		if err != nil {
			t.Fatalf("reply %d: %v", n, err)
		}
		if reply.Answer != apdu.AnswerSuccess || len(reply.Data) != n {
			t.Fatalf("reply %d: answer=%d len=%d", n, reply.Answer, len(reply.Data))
		}
	}
}

func TestCancelledContextStopsLoop(t *testing.T) {
	testlog.Start(t)
	var seen []int
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err := New(&scriptedTransport{frames: [][]byte{frame(insRead, 0)}}, tallyTable(&seen), Options{})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if err := d.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewTableRejectsDuplicates(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected duplicate opcode to panic")
		}
	}()
	h := HandlerFunc(func(context.Context, apdu.Request, *state.Shared, *apdu.Response) (Directive, error) {
		return Directive{}, nil
	})
	NewTable(Entry{Ins: 1, Handler: h}, Entry{Ins: 1, Handler: h})
}

func TestTableLookupAndEntries(t *testing.T) {
	var seen []int
	table := tallyTable(&seen)
	if _, ok := table.Lookup(insUnknown); ok {
		t.Fatalf("expected unknown opcode to miss")
	}
	e, ok := table.Lookup(insRead)
	if !ok || e.Name != "read" {
		t.Fatalf("unexpected lookup %+v ok=%v", e, ok)
	}
	entries := table.Entries()
	if len(entries) != 2 || entries[0].Ins != insWrite || entries[1].Ins != insRead {
		t.Fatalf("unexpected entries %+v", entries)
	}
}
