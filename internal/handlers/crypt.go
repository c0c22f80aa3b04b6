package handlers

import (
	"context"
	"crypto/rand"
	"io"

	"github.com/danmuck/apductl/internal/apdu"
	"github.com/danmuck/apductl/internal/dispatch"
	"github.com/danmuck/apductl/internal/fault"
	"github.com/danmuck/apductl/internal/keystore"
	"github.com/danmuck/apductl/internal/state"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/nacl/box"
)

// encrypt_decrypt steps, carried in P1.
const (
	CryptInitEncrypt byte = 0x00
	CryptInitDecrypt byte = 0x01
	CryptProcess     byte = 0x02
)

const (
	NonceLen   = 24
	PeerKeyLen = 32
)

type cryptMode uint8

const (
	modeNone cryptMode = iota
	modeEncrypt
	modeDecrypt
)

type cryptState struct {
	mode   cryptMode
	shared [32]byte
}

func (s *cryptState) Wipe() {
	clear(s.shared[:])
	s.mode = modeNone
}

// cryptBox runs a nacl box session against a host key. Init carries an
// encoded path followed by the host's X25519 public key and answers with the
// device's public key for that path. Each process call then seals or opens
// one message with the precomputed key:
//
//	encrypt: data = plaintext        reply = nonce || box
//	decrypt: data = nonce || box     reply = plaintext
type cryptBox struct {
	ks   *keystore.Keystore
	rand io.Reader
	log  zerolog.Logger
}

func (h *cryptBox) Execute(_ context.Context, req apdu.Request, sc *state.Shared, resp *apdu.Response) (dispatch.Directive, error) {
	st := state.Slot[cryptState](sc)

	switch req.P1 {
	case CryptInitEncrypt, CryptInitDecrypt:
		mode := modeEncrypt
		if req.P1 == CryptInitDecrypt {
			mode = modeDecrypt
		}
		return dispatch.Directive{}, h.init(st, mode, req.Data, resp)
	case CryptProcess:
		switch st.mode {
		case modeEncrypt:
			return dispatch.Directive{}, h.seal(st, req.Data, resp)
		case modeDecrypt:
			return dispatch.Directive{}, h.open(st, req.Data, resp)
		default:
			return dispatch.Directive{}, fault.New(fault.CodeConditionsNotSatisfied, "process before init")
		}
	default:
		return dispatch.Directive{}, fault.Newf(fault.CodeWrongParams, "unknown crypt step 0x%02x", req.P1)
	}
}

func (h *cryptBox) init(st *cryptState, mode cryptMode, data []byte, resp *apdu.Response) error {
	path, rest, err := keystore.DecodePath(data)
	if err != nil {
		return fault.Wrap(fault.CodeInvalidData, err)
	}
	if len(rest) != PeerKeyLen {
		return fault.Newf(fault.CodeWrongLength, "peer key is %d bytes, want %d", len(rest), PeerKeyLen)
	}
	var peer [32]byte
	copy(peer[:], rest)

	priv, pub, err := h.ks.AgreementKey(path)
	defer clear(priv[:])
	if err != nil {
		return fault.Wrap(fault.CodeInternal, err)
	}

	st.Wipe()
	box.Precompute(&st.shared, &peer, &priv)
	st.mode = mode
	h.log.Debug().Str("path", path.String()).Bool("decrypt", mode == modeDecrypt).Msg("box session started")

	if err := resp.Append(apdu.AnswerSuccess); err != nil {
		return err
	}
	if err := resp.Append(pub[:]...); err != nil {
		return err
	}
	return resp.Seal()
}

func (h *cryptBox) seal(st *cryptState, plaintext []byte, resp *apdu.Response) error {
	var nonce [NonceLen]byte
	r := h.rand
	if r == nil {
		r = rand.Reader
	}
	if _, err := io.ReadFull(r, nonce[:]); err != nil {
		return fault.Wrap(fault.CodeInternal, err)
	}
	sealed := box.SealAfterPrecomputation(nil, plaintext, &nonce, &st.shared)

	if err := resp.Append(apdu.AnswerSuccess); err != nil {
		return err
	}
	if err := resp.Append(nonce[:]...); err != nil {
		return err
	}
	if err := resp.Append(sealed...); err != nil {
		return err
	}
	return resp.Seal()
}

func (h *cryptBox) open(st *cryptState, data []byte, resp *apdu.Response) error {
	if len(data) < NonceLen+box.Overhead {
		return fault.Newf(fault.CodeWrongLength, "sealed message is %d bytes", len(data))
	}
	var nonce [NonceLen]byte
	copy(nonce[:], data[:NonceLen])
	plain, ok := box.OpenAfterPrecomputation(nil, data[NonceLen:], &nonce, &st.shared)
	if !ok {
		return fault.New(fault.CodeInvalidData, "box authentication failed")
	}
	defer clear(plain)

	if err := resp.Append(apdu.AnswerSuccess); err != nil {
		return err
	}
	if err := resp.Append(plain...); err != nil {
		return err
	}
	return resp.Seal()
}
