// Package dispatch owns the opcode dispatch loop.
//
// Ownership boundary:
// - transport exchange orchestration
// - class validation and opcode lookup
// - handler invocation inside a fault-catching scope
// - fault translation into exception responses
//
// Loop order per exchange:
// - exchange -> canary check -> class check -> lookup -> state isolation -> invoke
//
// - only the transport reset signal, canary corruption under the enforce
// policy, and context cancellation leave the loop.
//
// - every other failure becomes a well-formed response and the loop continues.
package dispatch
