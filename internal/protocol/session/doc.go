// Package session runs the client side of an AMQP 0-9-1 connection: the
// handshake and tuning, channel multiplexing, synchronous calls, content
// reassembly, consumer dispatch, and publisher confirms.
//
// Ownership:
// - one reader goroutine per connection owns the frame parser and routes
//   frames to channels in arrival order
// - one writer goroutine drains a fair mux of per-channel outboxes
// - one dispatcher goroutine per channel runs consumer callbacks
package session
