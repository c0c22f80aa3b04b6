package apdu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrShortReply     = errors.New("apdu: short reply")
	ErrUnexpectedWord = errors.New("apdu: unexpected status word")
)

// Reply is a decoded response as seen by the host.
type Reply struct {
	Answer byte
	Data   []byte
	Status uint16
}

// ParseReply splits frame into answer code, body and status word.
func ParseReply(frame []byte) (Reply, error) {
	if len(frame) < trailerLen {
		return Reply{}, fmt.Errorf("%w: %d bytes", ErrShortReply, len(frame))
	}
	status := binary.BigEndian.Uint16(frame[len(frame)-2:])
	if status != StatusOK {
		return Reply{}, fmt.Errorf("%w: 0x%04x", ErrUnexpectedWord, status)
	}
	body := frame[1 : len(frame)-2]
	data := make([]byte, len(body))
	copy(data, body)
	return Reply{Answer: frame[0], Data: data, Status: status}, nil
}

// FaultCode returns the fault carried by an exception reply.
func (r Reply) FaultCode() (uint16, bool) {
	if r.Answer != AnswerException || len(r.Data) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(r.Data), true
}
