package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strconv"

	"github.com/danmuck/apductl/internal/apdu"
	"github.com/danmuck/apductl/internal/dispatch"
	"github.com/danmuck/apductl/internal/fault"
	"github.com/danmuck/apductl/internal/keystore"
	"github.com/danmuck/apductl/internal/state"
	"github.com/rs/zerolog"
)

// sign_txn steps, carried in P1.
const (
	SignInit   byte = 0x00
	SignAppend byte = 0x01
	SignFinish byte = 0x02
)

// MaxTxnLen caps the bytes one signing session may stream.
const MaxTxnLen = 64 * 1024

type signState struct {
	started bool
	path    keystore.Path
	digest  hash.Hash
	total   int
	preview []byte
}

func (s *signState) Wipe() {
	if s.digest != nil {
		s.digest.Reset()
	}
	clear(s.preview)
	*s = signState{}
}

// signTxn streams a transaction in chunks and signs its SHA-256 digest once
// the user approves. Init carries an encoded path optionally followed by the
// first chunk; append and finish carry further chunks.
type signTxn struct {
	ks     *keystore.Keystore
	prompt Prompter
	log    zerolog.Logger
}

func (h *signTxn) Execute(ctx context.Context, req apdu.Request, sc *state.Shared, resp *apdu.Response) (dispatch.Directive, error) {
	st := state.Slot[signState](sc)

	switch req.P1 {
	case SignInit:
		path, chunk, err := keystore.DecodePath(req.Data)
		if err != nil {
			return dispatch.Directive{}, fault.Wrap(fault.CodeInvalidData, err)
		}
		st.Wipe()
		st.started = true
		st.path = path
		st.digest = sha256.New()
		if err := st.absorb(chunk); err != nil {
			return dispatch.Directive{}, err
		}
		h.log.Debug().Str("path", path.String()).Int("bytes", st.total).Msg("sign session started")
		return dispatch.Directive{}, resp.Finish(apdu.AnswerSuccess)

	case SignAppend:
		if !st.started {
			return dispatch.Directive{}, fault.New(fault.CodeConditionsNotSatisfied, "append before init")
		}
		if err := st.absorb(req.Data); err != nil {
			return dispatch.Directive{}, err
		}
		return dispatch.Directive{}, resp.Finish(apdu.AnswerSuccess)

	case SignFinish:
		if !st.started {
			return dispatch.Directive{}, fault.New(fault.CodeConditionsNotSatisfied, "finish before init")
		}
		if err := st.absorb(req.Data); err != nil {
			return dispatch.Directive{}, err
		}
		return h.finish(ctx, st, resp)

	default:
		return dispatch.Directive{}, fault.Newf(fault.CodeWrongParams, "unknown sign step 0x%02x", req.P1)
	}
}

func (h *signTxn) finish(ctx context.Context, st *signState, resp *apdu.Response) (dispatch.Directive, error) {
	// The session ends here whatever the user decides.
	defer st.Wipe()

	sum := st.digest.Sum(nil)
	lines := []string{st.path.String(), strconv.Itoa(st.total) + " bytes"}
	if st.total <= PreviewLen {
		lines = append(lines, describeTxn(st.preview)...)
	}
	lines = append(lines, hex.EncodeToString(sum))
	approved, err := h.prompt.Confirm(ctx, Prompt{
		Title: "Sign transaction",
		Lines: lines,
	})
	if err != nil {
		return dispatch.Directive{}, err
	}
	if !approved {
		h.log.Info().Str("path", st.path.String()).Msg("signature rejected by user")
		return dispatch.Directive{}, resp.Finish(apdu.AnswerRejected)
	}

	sig, err := h.ks.Sign(st.path, sum)
	if err != nil {
		return dispatch.Directive{}, fault.Wrap(fault.CodeInternal, err)
	}
	if err := resp.Append(apdu.AnswerSuccess); err != nil {
		return dispatch.Directive{}, err
	}
	if err := resp.Append(sig...); err != nil {
		return dispatch.Directive{}, err
	}
	return dispatch.Directive{}, resp.Seal()
}

func (s *signState) absorb(chunk []byte) error {
	if s.total+len(chunk) > MaxTxnLen {
		return fault.Newf(fault.CodeWrongLength, "transaction exceeds %d bytes", MaxTxnLen)
	}
	s.digest.Write(chunk)
	if s.total+len(chunk) <= PreviewLen {
		s.preview = append(s.preview, chunk...)
	}
	s.total += len(chunk)
	return nil
}
