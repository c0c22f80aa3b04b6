package fault

import (
	"errors"
	"fmt"
)

// ErrTransportReset is raised when the transport delivers no data. It is
// handled by the process supervisor and never translated into a response.
var ErrTransportReset = errors.New("fault: transport reset")

// Well-known fault codes. The high byte travels in the exception response
// body, the low byte in its code position.
const (
	CodeWrongLength            uint16 = 0x6700
	CodeDenied                 uint16 = 0x6982
	CodeConditionsNotSatisfied uint16 = 0x6985
	CodeInvalidData            uint16 = 0x6A80
	CodeOutputOverflow         uint16 = 0x6A84
	CodeWrongParams            uint16 = 0x6B00
	CodeInternal               uint16 = 0x6F00
	CodeHandlerPanic           uint16 = 0x6F01
	CodeUnterminatedResponse   uint16 = 0x6F02
)

// Fault aborts the current operation with a numeric code.
type Fault struct {
	Code   uint16
	Detail string
	Err    error
}

func (f *Fault) Error() string {
	msg := fmt.Sprintf("fault 0x%04x", f.Code)
	if f.Detail != "" {
		msg += ": " + f.Detail
	}
	if f.Err != nil {
		msg += " (caused by: " + f.Err.Error() + ")"
	}
	return msg
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Is matches any *Fault carrying the same code.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	return ok && t.Code == f.Code
}

// New returns a fault with a code and an optional detail string.
func New(code uint16, detail string) *Fault {
	return &Fault{Code: code, Detail: detail}
}

func Newf(code uint16, format string, args ...any) *Fault {
	return &Fault{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap tags err with code. A nil err yields a bare fault.
func Wrap(code uint16, err error) *Fault {
	return &Fault{Code: code, Err: err}
}

// IsReset reports whether err carries the transport reset signal.
func IsReset(err error) bool {
	return errors.Is(err, ErrTransportReset)
}

// CodeOf extracts the fault code from err. Errors that are not faults map to
// CodeInternal so every failure still has a deterministic code.
func CodeOf(err error) uint16 {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return CodeInternal
}

// Recovered converts a recovered panic value into a fault. A panicked *Fault
// keeps its own code.
func Recovered(r any) error {
	switch v := r.(type) {
	case *Fault:
		return v
	case error:
		if errors.Is(v, ErrTransportReset) {
			return v
		}
		return &Fault{Code: CodeHandlerPanic, Detail: "handler panic", Err: v}
	default:
		return &Fault{Code: CodeHandlerPanic, Detail: fmt.Sprintf("handler panic: %v", v)}
	}
}
