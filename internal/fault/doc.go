// Package fault owns the tagged-error signal used to abort a command.
//
// Ownership boundary:
// - numeric fault codes raised by handlers and the dispatch runtime
// - the distinguished transport reset signal
//
// A Fault never escapes the dispatch loop. ErrTransportReset is the only
// value that is allowed to unwind past it, and it is never a Fault.
package fault
