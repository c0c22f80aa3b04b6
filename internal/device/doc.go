// Package device supervises dispatch sessions for one emulated device.
//
// Ownership boundary:
// - session lifecycle (start, reset, exit)
// - the idle announcement shown between sessions
// - run status consumed by the admin surface
//
// A transport reset ends the current session and starts a fresh one with a
// new canary and cleared state. Any other loop error stops the device.
package device
