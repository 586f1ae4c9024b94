package transport

import "errors"

var (
	// ErrCorruptedStream indicates the byte stream no longer frames valid
	// messages. The connection must be torn down; framing cannot recover.
	ErrCorruptedStream = errors.New("corrupted wire stream")

	// ErrIncompatibleVersion indicates a frame carried a protocol version
	// outside the compatible range for its role. Fatal to the connection.
	ErrIncompatibleVersion = errors.New("incompatible protocol version")

	// ErrBreakerTripped marks a message rejected by the memory breaker.
	// The message is drained and answered with an error; the connection
	// stays open.
	ErrBreakerTripped = errors.New("in-flight payload budget exhausted")

	// ErrActionNotFound marks a request whose action has no registered
	// handler. Recoverable per message, same draining path as breaker trips.
	ErrActionNotFound = errors.New("action not found")

	// ErrAggregatorClosed is returned by OnBytes after Close.
	ErrAggregatorClosed = errors.New("aggregator closed")

	// ErrServerClosed is returned when operations are attempted on a closed
	// server.
	ErrServerClosed = errors.New("server closed")
)
