// Package canary guards the end of the shared IO region with a sentinel word.
package canary

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	// FixedSentinel is used when a deterministic canary is configured.
	FixedSentinel uint32 = 0xDEADBEEF
	GuardLen             = 4
)

var (
	ErrCorrupted     = errors.New("canary: guard word corrupted")
	ErrInvalidPolicy = errors.New("canary: invalid policy")
)

// Policy decides what a failed check does to the dispatch loop.
type Policy string

const (
	// PolicyEnforce ends the loop and stops the device.
	PolicyEnforce Policy = "enforce"
	// PolicyAdvisory only logs and counts the mismatch.
	PolicyAdvisory Policy = "advisory"
)

func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyEnforce:
		return PolicyEnforce, nil
	case PolicyAdvisory:
		return PolicyAdvisory, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolicy, raw)
	}
}

// Arena is a fixed region followed directly by the guard word in the same
// backing array.
type Arena struct {
	mem  []byte
	size int
}

func NewArena(size int) *Arena {
	return &Arena{mem: make([]byte, size+GuardLen), size: size}
}

// Bytes returns the usable region. Its capacity runs into the guard word, so
// an append past the end of the region lands on the canary.
func (a *Arena) Bytes() []byte {
	return a.mem[:a.size]
}

func (a *Arena) guard() []byte {
	return a.mem[a.size : a.size+GuardLen]
}

// Monitor writes and verifies the sentinel of one arena.
type Monitor struct {
	guard    []byte
	sentinel uint32
	fixed    bool
}

type Option func(*Monitor)

// WithSentinel pins the sentinel instead of drawing a random one per Init.
func WithSentinel(v uint32) Option {
	return func(m *Monitor) {
		m.sentinel = v
		m.fixed = true
	}
}

func NewMonitor(a *Arena, opts ...Option) *Monitor {
	m := &Monitor{guard: a.guard()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init writes the sentinel. It is called once per loop session.
func (m *Monitor) Init() {
	if !m.fixed {
		m.sentinel = randomSentinel()
	}
	binary.BigEndian.PutUint32(m.guard, m.sentinel)
}

// Check reports whether the guard word still holds the sentinel.
func (m *Monitor) Check() bool {
	return binary.BigEndian.Uint32(m.guard) == m.sentinel
}

func randomSentinel() uint32 {
	var b [GuardLen]byte
	if _, err := rand.Read(b[:]); err != nil {
		return FixedSentinel
	}
	v := binary.BigEndian.Uint32(b[:])
	if v == 0 {
		return FixedSentinel
	}
	return v
}
