package handlers

import (
	"context"

	"github.com/danmuck/apductl/internal/apdu"
	"github.com/danmuck/apductl/internal/dispatch"
	"github.com/danmuck/apductl/internal/fault"
	"github.com/danmuck/apductl/internal/keystore"
	"github.com/danmuck/apductl/internal/state"
)

// show_address P1 values.
const (
	AddressReturn  byte = 0x00
	AddressConfirm byte = 0x01
)

// showAddress answers [Success, address...] for one encoded path. With
// AddressConfirm the address is first displayed and must be approved.
type showAddress struct {
	ks     *keystore.Keystore
	prompt Prompter
}

func (h showAddress) Execute(ctx context.Context, req apdu.Request, _ *state.Shared, resp *apdu.Response) (dispatch.Directive, error) {
	if req.P1 != AddressReturn && req.P1 != AddressConfirm {
		return dispatch.Directive{}, fault.Newf(fault.CodeWrongParams, "unknown address mode 0x%02x", req.P1)
	}
	path, rest, err := keystore.DecodePath(req.Data)
	if err != nil {
		return dispatch.Directive{}, fault.Wrap(fault.CodeInvalidData, err)
	}
	if len(rest) != 0 {
		return dispatch.Directive{}, fault.Newf(fault.CodeWrongLength, "%d trailing bytes", len(rest))
	}
	addr, err := h.ks.Address(path)
	if err != nil {
		return dispatch.Directive{}, fault.Wrap(fault.CodeInternal, err)
	}

	if req.P1 == AddressConfirm {
		approved, err := h.prompt.Confirm(ctx, Prompt{Title: "Verify address", Lines: []string{path.String(), addr}})
		if err != nil {
			return dispatch.Directive{}, err
		}
		if !approved {
			return dispatch.Directive{}, resp.Finish(apdu.AnswerRejected)
		}
	}

	if err := resp.Append(apdu.AnswerSuccess); err != nil {
		return dispatch.Directive{}, err
	}
	if err := resp.Append([]byte(addr)...); err != nil {
		return dispatch.Directive{}, err
	}
	return dispatch.Directive{}, resp.Seal()
}
