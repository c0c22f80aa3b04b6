// Package apdu owns the request/response wire contract.
//
// Ownership boundary:
// - request header offsets and class validation constants
// - response building and status-word framing
// - exchange flags handed from handlers to the transport
//
// Every response carries its one-byte answer code first and ends with the
// two-byte status word.
package apdu
