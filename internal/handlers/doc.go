// Package handlers implements the fixed opcode set served by the device.
//
// Ownership boundary:
// - per-opcode request decoding and reply encoding
// - continuation state for multi-step commands (sign, encrypt/decrypt)
//
// Key material comes from the keystore and user confirmation from a
// Prompter; handlers never touch the transport.
package handlers
