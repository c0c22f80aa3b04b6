package apdu

import (
	"fmt"
	"strings"

	"github.com/danmuck/apductl/internal/fault"
)

// CLA is the only accepted request class.
const CLA byte = 0xE0

// Request header offsets.
const (
	OffsetCLA   = 0
	OffsetINS   = 1
	OffsetP1    = 2
	OffsetP2    = 3
	OffsetLC    = 4
	OffsetCData = 5
)

const (
	HeaderLen     = 5
	MaxPayloadLen = 255
	// BufferSize is the shared IO buffer size: one maximal request.
	BufferSize = HeaderLen + MaxPayloadLen
)

// Answer codes written as the first response byte.
const (
	AnswerSuccess        byte = 0x00
	AnswerUnknownCommand byte = 0x01
	AnswerBadClass       byte = 0x02
	AnswerException      byte = 0x03
	AnswerRejected       byte = 0x04
)

// StatusOK terminates every response.
const StatusOK uint16 = 0x9000

// ExchangeFlags steer the next transport exchange.
type ExchangeFlags uint8

const (
	// FlagAsyncReply transmits nothing for the current request: the next
	// exchange only receives. The dispatcher never sends the response buffer
	// later, so a handler setting it owns delivering its reply out of band
	// (or deliberately sends none).
	FlagAsyncReply ExchangeFlags = 1 << iota
	// FlagResetAfterReply transmits the reply and then forces a reset.
	FlagResetAfterReply
)

func (f ExchangeFlags) Has(flag ExchangeFlags) bool {
	return f&flag != 0
}

func (f ExchangeFlags) String() string {
	if f == 0 {
		return "none"
	}
	parts := make([]string, 0, 2)
	if f.Has(FlagAsyncReply) {
		parts = append(parts, "async_reply")
	}
	if f.Has(FlagResetAfterReply) {
		parts = append(parts, "reset_after_reply")
	}
	if rest := f &^ (FlagAsyncReply | FlagResetAfterReply); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// Request is one decoded command frame.
type Request struct {
	Class byte
	Ins   byte
	P1    byte
	P2    byte
	Data  []byte
}

// ParseRequest decodes frame. Data is copied so the request stays immutable
// while a handler writes its output into the same IO buffer. The class byte
// is not checked here.
func ParseRequest(frame []byte) (Request, error) {
	if len(frame) < HeaderLen {
		return Request{}, fault.Newf(fault.CodeWrongLength, "short header: %d bytes", len(frame))
	}
	lc := int(frame[OffsetLC])
	if len(frame)-HeaderLen != lc {
		return Request{}, fault.Newf(fault.CodeWrongLength, "lc=%d but %d data bytes", lc, len(frame)-HeaderLen)
	}
	data := make([]byte, lc)
	copy(data, frame[OffsetCData:])
	return Request{
		Class: frame[OffsetCLA],
		Ins:   frame[OffsetINS],
		P1:    frame[OffsetP1],
		P2:    frame[OffsetP2],
		Data:  data,
	}, nil
}

// Encode returns the wire form of r.
func (r Request) Encode() ([]byte, error) {
	if len(r.Data) > MaxPayloadLen {
		return nil, fault.Newf(fault.CodeWrongLength, "payload too large: %d", len(r.Data))
	}
	buf := make([]byte, HeaderLen+len(r.Data))
	buf[OffsetCLA] = r.Class
	buf[OffsetINS] = r.Ins
	buf[OffsetP1] = r.P1
	buf[OffsetP2] = r.P2
	buf[OffsetLC] = byte(len(r.Data))
	copy(buf[OffsetCData:], r.Data)
	return buf, nil
}

// NewRequest builds a request with the accepted class.
func NewRequest(ins, p1, p2 byte, data []byte) Request {
	return Request{Class: CLA, Ins: ins, P1: p1, P2: p2, Data: data}
}
