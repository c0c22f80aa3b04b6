// Package transport carries APDU frames over a byte stream.
//
// Ownership boundary:
// - length-prefixed framing on the wire
// - the single host connection served by the device
//
// A host disconnect surfaces to the dispatcher as a zero-length receive,
// which it raises as a transport reset.
package transport
