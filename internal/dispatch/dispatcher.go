package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/apductl/internal/apdu"
	"github.com/danmuck/apductl/internal/canary"
	"github.com/danmuck/apductl/internal/fault"
	"github.com/danmuck/apductl/internal/state"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNilTransport = errors.New("dispatch: nil transport")

// Options configures one dispatch loop.
type Options struct {
	Policy        canary.Policy
	CanaryOptions []canary.Option
	Observer      Observer
	Logger        *zerolog.Logger
}

// Dispatcher owns everything one loop session mutates: the IO arena and its
// canary, the shared operation state and the last-opcode marker.
type Dispatcher struct {
	transport Exchanger
	table     *Table
	arena     *canary.Arena
	monitor   *canary.Monitor
	states    *state.Manager
	policy    canary.Policy
	obs       Observer
	log       zerolog.Logger
}

func New(transport Exchanger, table *Table, opts Options) (*Dispatcher, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}
	if table == nil {
		table = NewTable()
	}
	policy := opts.Policy
	if policy == "" {
		policy = canary.PolicyEnforce
	}
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	arena := canary.NewArena(apdu.BufferSize)
	return &Dispatcher{
		transport: transport,
		table:     table,
		arena:     arena,
		monitor:   canary.NewMonitor(arena, opts.CanaryOptions...),
		states:    state.NewManager(func(r state.ClearReason) { obs.StateCleared(string(r)) }),
		policy:    policy,
		obs:       obs,
		log:       logger.With().Str("component", "dispatch").Logger(),
	}, nil
}

// Run exchanges frames until the transport resets, the canary is found
// corrupted under the enforce policy, or ctx ends. It never returns nil.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.monitor.Init()
	buf := d.arena.Bytes()
	resp := apdu.NewResponse(buf)

	var tx int
	var flags apdu.ExchangeFlags
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		out := tx
		// tx is cleared before the exchange so a failed exchange never
		// retransmits a stale reply.
		tx = 0
		rx, err := d.transport.Exchange(ctx, buf, out, flags)
		flags = 0
		resp.Reset()
		if err == nil {
			err = d.checkCanary("exchange")
		}
		if err != nil {
			if isTerminal(ctx, err) {
				return err
			}
			var f *fault.Fault
			if !errors.As(err, &f) {
				return fmt.Errorf("dispatch: exchange: %w", err)
			}
			tx = d.translate(d.states.Last(), err, resp)
			continue
		}
		if rx == 0 {
			d.log.Debug().Msg("empty exchange, raising transport reset")
			return fault.ErrTransportReset
		}
		tx, flags, err = d.dispatch(ctx, buf[:rx], resp)
		if err != nil {
			return err
		}
	}
}

// dispatch handles one received frame and returns the reply length and the
// flags for the next exchange.
func (d *Dispatcher) dispatch(ctx context.Context, frame []byte, resp *apdu.Response) (int, apdu.ExchangeFlags, error) {
	if frame[apdu.OffsetCLA] != apdu.CLA {
		d.reject(frame, apdu.AnswerBadClass, OutcomeBadClass, resp)
		return resp.Len(), 0, nil
	}

	req, err := apdu.ParseRequest(frame)
	if err != nil {
		ins := byte(0)
		if len(frame) > apdu.OffsetINS {
			ins = frame[apdu.OffsetINS]
		}
		return d.refuse(ins, err, resp), 0, nil
	}

	entry, ok := d.table.Lookup(req.Ins)
	if !ok {
		d.reject(frame, apdu.AnswerUnknownCommand, OutcomeUnknownCommand, resp)
		return resp.Len(), 0, nil
	}

	if d.states.Enter(req.Ins) {
		d.log.Debug().Str("ins", hexByte(req.Ins)).Msg("opcode changed, shared state cleared")
	}

	dir, err := d.invoke(ctx, entry.Handler, req, resp)
	if err == nil && !resp.Sealed() && !dir.Flags.Has(apdu.FlagAsyncReply) {
		err = fault.Newf(fault.CodeUnterminatedResponse, "%s returned without sealing its response", entry.Name)
	}
	if cerr := d.checkCanary(entry.Name); cerr != nil {
		return 0, 0, cerr
	}
	if err != nil {
		if isTerminal(ctx, err) {
			return 0, 0, err
		}
		return d.translate(req.Ins, err, resp), 0, nil
	}

	d.obs.Dispatched(req.Ins, OutcomeOK)
	if dir.Flags.Has(apdu.FlagAsyncReply) {
		// The handler delivers this reply itself; whatever it left in the
		// buffer is never transmitted.
		resp.Reset()
		return 0, dir.Flags, nil
	}
	return resp.Len(), dir.Flags, nil
}

func (d *Dispatcher) reject(frame []byte, answer byte, outcome string, resp *apdu.Response) {
	ins := byte(0)
	if len(frame) > apdu.OffsetINS {
		ins = frame[apdu.OffsetINS]
	}
	_ = resp.Finish(answer)
	d.obs.Dispatched(ins, outcome)
	d.log.Debug().Str("ins", hexByte(ins)).Str("outcome", outcome).Msg("request rejected")
}

func (d *Dispatcher) checkCanary(point string) error {
	if d.monitor.Check() {
		return nil
	}
	d.obs.CanaryTripped()
	if d.policy == canary.PolicyAdvisory {
		d.log.Warn().Str("point", point).Msg("canary mismatch (advisory)")
		return nil
	}
	d.log.Error().Str("point", point).Msg("canary mismatch, aborting dispatch loop")
	return fmt.Errorf("%w at %s", canary.ErrCorrupted, point)
}

// States exposes the state manager to the owning supervisor and tests.
func (d *Dispatcher) States() *state.Manager {
	return d.states
}

func isTerminal(ctx context.Context, err error) bool {
	if fault.IsReset(err) || errors.Is(err, canary.ErrCorrupted) {
		return true
	}
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}

func hexByte(b byte) string {
	return fmt.Sprintf("0x%02x", b)
}
