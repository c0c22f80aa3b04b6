package handlers

import (
	"context"

	"github.com/danmuck/apductl/internal/apdu"
	"github.com/danmuck/apductl/internal/dispatch"
	"github.com/danmuck/apductl/internal/fault"
	"github.com/danmuck/apductl/internal/state"
)

type getVersion struct {
	v Version
}

func (h getVersion) Execute(_ context.Context, req apdu.Request, _ *state.Shared, resp *apdu.Response) (dispatch.Directive, error) {
	if req.P1 != 0 || req.P2 != 0 {
		return dispatch.Directive{}, fault.New(fault.CodeWrongParams, "get_version takes no parameters")
	}
	if err := resp.Append(apdu.AnswerSuccess, h.v.Major, h.v.Minor, h.v.Patch, h.v.Flags); err != nil {
		return dispatch.Directive{}, err
	}
	return dispatch.Directive{}, resp.Seal()
}
