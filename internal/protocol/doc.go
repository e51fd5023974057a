// Package protocol owns the AMQP 0-9-1 wire contract shared by its sub-packages.
//
// Ownership boundary:
// - field: typed scalar, table and array primitives
// - schema: method and content-property descriptors
// - frame: frame parsing/encoding with frame_max enforcement
// - session: connection and channel state machines
//
// This package holds the error kinds and reply codes every layer reports with.
package protocol

// Header is the literal a client writes before the first frame.
var Header = []byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}
