package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PrefixLen is the size of the big-endian length prefix before each frame.
const PrefixLen = 2

var (
	ErrShortFrame    = errors.New("transport: short frame")
	ErrFrameTooLarge = errors.New("transport: frame too large")
)

// ReadFrame reads one length-prefixed frame into dst and returns its length.
// A clean end of stream before the prefix is io.EOF.
func ReadFrame(r io.Reader, dst []byte) (int, error) {
	var prefix [PrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrShortFrame
		}
		return 0, err
	}
	n := int(binary.BigEndian.Uint16(prefix[:]))
	if n > len(dst) {
		return 0, fmt.Errorf("%w: %d bytes, buffer %d", ErrFrameTooLarge, n, len(dst))
	}
	if _, err := io.ReadFull(r, dst[:n]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return 0, ErrShortFrame
		}
		return 0, err
	}
	return n, nil
}

// WriteFrame writes payload with its length prefix in a single write.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > 0xFFFF {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	out := make([]byte, PrefixLen+len(payload))
	binary.BigEndian.PutUint16(out, uint16(len(payload)))
	copy(out[PrefixLen:], payload)
	_, err := w.Write(out)
	return err
}
