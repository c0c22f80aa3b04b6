package handlers

import (
	"context"

	"github.com/danmuck/apductl/internal/apdu"
	"github.com/danmuck/apductl/internal/dispatch"
	"github.com/danmuck/apductl/internal/fault"
	"github.com/danmuck/apductl/internal/keystore"
	"github.com/danmuck/apductl/internal/state"
)

// get_public_keys P1 selects the key family.
const (
	KeySigning   byte = 0x00
	KeyAgreement byte = 0x01
)

// getPublicKeys answers [Success, count, key...] for a payload of one or
// more encoded paths. Every key is 32 bytes.
type getPublicKeys struct {
	ks *keystore.Keystore
}

func (h getPublicKeys) Execute(_ context.Context, req apdu.Request, _ *state.Shared, resp *apdu.Response) (dispatch.Directive, error) {
	if req.P1 != KeySigning && req.P1 != KeyAgreement {
		return dispatch.Directive{}, fault.Newf(fault.CodeWrongParams, "unknown key family 0x%02x", req.P1)
	}
	if len(req.Data) == 0 {
		return dispatch.Directive{}, fault.New(fault.CodeWrongLength, "no paths")
	}

	var paths []keystore.Path
	rest := req.Data
	for len(rest) > 0 {
		p, next, err := keystore.DecodePath(rest)
		if err != nil {
			return dispatch.Directive{}, fault.Wrap(fault.CodeInvalidData, err)
		}
		paths = append(paths, p)
		rest = next
	}

	if err := resp.Append(apdu.AnswerSuccess, byte(len(paths))); err != nil {
		return dispatch.Directive{}, err
	}
	for _, p := range paths {
		key, err := h.publicKey(req.P1, p)
		if err != nil {
			return dispatch.Directive{}, fault.Wrap(fault.CodeInternal, err)
		}
		if err := resp.Append(key...); err != nil {
			return dispatch.Directive{}, err
		}
	}
	return dispatch.Directive{}, resp.Seal()
}

func (h getPublicKeys) publicKey(family byte, p keystore.Path) ([]byte, error) {
	if family == KeyAgreement {
		priv, pub, err := h.ks.AgreementKey(p)
		clear(priv[:])
		if err != nil {
			return nil, err
		}
		return pub[:], nil
	}
	return h.ks.PublicKey(p)
}
