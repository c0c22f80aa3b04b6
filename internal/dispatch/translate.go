package dispatch

import (
	"context"
	"fmt"

	"github.com/danmuck/apductl/internal/apdu"
	"github.com/danmuck/apductl/internal/fault"
	"github.com/danmuck/apductl/internal/state"
)

// invoke runs h inside a recover scope so a panicking handler becomes a
// fault like any other.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, req apdu.Request, resp *apdu.Response) (dir Directive, err error) {
	defer func() {
		if r := recover(); r != nil {
			dir = Directive{}
			err = fault.Recovered(r)
		}
	}()
	return h.Execute(ctx, req, d.states.Shared(), resp)
}

// translate converts a caught non-reset error into the exception response
// [AnswerException, hi(code), lo(code), status word] and returns its length.
// Shared state is cleared whatever the handler already did.
func (d *Dispatcher) translate(ins byte, err error, resp *apdu.Response) int {
	d.states.Clear(state.ClearFault)
	return d.exception(ins, err, resp, "handler fault translated")
}

// refuse answers a frame that never reached a handler with the same
// exception layout as translate, leaving shared state and the opcode marker
// alone.
func (d *Dispatcher) refuse(ins byte, err error, resp *apdu.Response) int {
	return d.exception(ins, err, resp, "malformed request refused")
}

func (d *Dispatcher) exception(ins byte, err error, resp *apdu.Response, msg string) int {
	code := fault.CodeOf(err)
	resp.Reset()
	// Five bytes always fit an empty response buffer.
	_ = resp.Append(apdu.AnswerException, byte(code>>8))
	_ = resp.Finish(byte(code))

	d.obs.Faulted(ins, code)
	d.obs.Dispatched(ins, OutcomeFault)
	d.log.Warn().
		Str("ins", hexByte(ins)).
		Str("code", faultHex(code)).
		Err(err).
		Msg(msg)
	return resp.Len()
}

func faultHex(code uint16) string {
	return fmt.Sprintf("0x%04x", code)
}
