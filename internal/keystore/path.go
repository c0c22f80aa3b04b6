package keystore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxDepth bounds derivation paths so one encoded path fits a frame.
	MaxDepth = 10
	// Hardened marks a hardened path component, printed with a trailing '.
	Hardened uint32 = 0x80000000
)

var (
	ErrPathDepth     = errors.New("keystore: path depth out of range")
	ErrPathTruncated = errors.New("keystore: truncated path")
	ErrPathSyntax    = errors.New("keystore: invalid path syntax")
)

// Path is a derivation path. On the wire it is one depth byte followed by
// depth big-endian uint32 components.
type Path []uint32

// EncodedLen is the number of bytes Encode produces.
func (p Path) EncodedLen() int {
	return 1 + 4*len(p)
}

func (p Path) Encode() []byte {
	out := make([]byte, 0, p.EncodedLen())
	out = append(out, byte(len(p)))
	for _, c := range p {
		out = binary.BigEndian.AppendUint32(out, c)
	}
	return out
}

func (p Path) String() string {
	var b strings.Builder
	b.WriteString("m")
	for _, c := range p {
		b.WriteByte('/')
		if c&Hardened != 0 {
			b.WriteString(strconv.FormatUint(uint64(c&^Hardened), 10))
			b.WriteByte('\'')
			continue
		}
		b.WriteString(strconv.FormatUint(uint64(c), 10))
	}
	return b.String()
}

// DecodePath reads one encoded path from the front of b and returns the
// remaining bytes.
func DecodePath(b []byte) (Path, []byte, error) {
	if len(b) < 1 {
		return nil, b, ErrPathTruncated
	}
	depth := int(b[0])
	if depth == 0 || depth > MaxDepth {
		return nil, b, fmt.Errorf("%w: %d", ErrPathDepth, depth)
	}
	need := 1 + 4*depth
	if len(b) < need {
		return nil, b, ErrPathTruncated
	}
	p := make(Path, depth)
	for i := range p {
		p[i] = binary.BigEndian.Uint32(b[1+4*i:])
	}
	return p, b[need:], nil
}

// ParsePath parses the textual form, e.g. m/44'/535348'/0'/0/0.
func ParsePath(raw string) (Path, error) {
	raw = strings.TrimSpace(raw)
	parts := strings.Split(raw, "/")
	if len(parts) < 2 || parts[0] != "m" {
		return nil, fmt.Errorf("%w: %q", ErrPathSyntax, raw)
	}
	parts = parts[1:]
	if len(parts) > MaxDepth {
		return nil, fmt.Errorf("%w: %d", ErrPathDepth, len(parts))
	}
	p := make(Path, 0, len(parts))
	for _, part := range parts {
		hardened := strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h")
		part = strings.TrimRight(part, "'h")
		v, err := strconv.ParseUint(part, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrPathSyntax, raw)
		}
		c := uint32(v)
		if hardened {
			c |= Hardened
		}
		p = append(p, c)
	}
	return p, nil
}

// MustParsePath is ParsePath for constant paths.
func MustParsePath(raw string) Path {
	p, err := ParsePath(raw)
	if err != nil {
		panic(err)
	}
	return p
}
