// Package hci owns the controller vocabulary used by ranging sessions.
//
// Ownership boundary:
// - LE Channel Sounding command opcodes and parameter encodings
// - command-status, command-complete and LE meta event shapes
// - per-opcode tracking of outstanding commands
//
// Transport to the controller is not owned here. Commands are values handed to
// a bus; events are values delivered back by that bus.
package hci
