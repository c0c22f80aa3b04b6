package apdu

import (
	"errors"

	"github.com/danmuck/apductl/internal/fault"
)

// trailerLen is the room reserved for a code byte plus the status word.
const trailerLen = 3

var ErrSealed = errors.New("apdu: response already sealed")

// Response is the mutable output buffer of one exchange cycle.
type Response struct {
	buf    []byte
	cursor int
	sealed bool
}

// NewResponse writes into buf, starting at offset zero.
func NewResponse(buf []byte) *Response {
	return &Response{buf: buf}
}

// Append writes body bytes. The trailer room is always kept free so the
// response can still be sealed.
func (r *Response) Append(b ...byte) error {
	if r.sealed {
		return fault.Wrap(fault.CodeInternal, ErrSealed)
	}
	if r.cursor+len(b) > len(r.buf)-trailerLen {
		return fault.Newf(fault.CodeOutputOverflow, "append %d bytes at %d, capacity %d", len(b), r.cursor, len(r.buf)-trailerLen)
	}
	r.cursor += copy(r.buf[r.cursor:], b)
	return nil
}

// Finish appends code followed by the status word and fixes the transmit
// length.
func (r *Response) Finish(code byte) error {
	if r.sealed {
		return fault.Wrap(fault.CodeInternal, ErrSealed)
	}
	r.buf[r.cursor] = code
	r.cursor++
	r.seal()
	return nil
}

// Seal appends only the status word, for bodies that already carry their
// answer code.
func (r *Response) Seal() error {
	if r.sealed {
		return fault.Wrap(fault.CodeInternal, ErrSealed)
	}
	r.seal()
	return nil
}

func (r *Response) seal() {
	r.buf[r.cursor] = byte(StatusOK >> 8)
	r.buf[r.cursor+1] = byte(StatusOK & 0xff)
	r.cursor += 2
	r.sealed = true
}

// Reset drops everything written so far.
func (r *Response) Reset() {
	r.cursor = 0
	r.sealed = false
}

// Len is the current write cursor; after sealing it is the transmit length.
func (r *Response) Len() int {
	return r.cursor
}

func (r *Response) Sealed() bool {
	return r.sealed
}

// Remaining reports how many body bytes can still be appended.
func (r *Response) Remaining() int {
	return len(r.buf) - trailerLen - r.cursor
}

func (r *Response) Bytes() []byte {
	return r.buf[:r.cursor]
}
