// Package transport implements the tern wire protocol: length-prefixed,
// optionally compressed binary messages over TCP.
//
// The inbound side is a per-connection Aggregator that reassembles complete
// messages from an arbitrary fragmentation of incoming bytes, enforces the
// shared memory breaker budget for request payloads, and emits each complete
// message exactly once. The outbound side encodes requests, responses, and
// keepalive pings in the same frame format.
//
// Frame layout:
//
//	[4B big-endian length, excluding these 4 bytes]
//	[8B correlation id]
//	[1B status flags]
//	[4B protocol version]
//	[4B variable header length]
//	[variable header][payload]
//
// A length of zero is a keepalive ping with no further content. Compressed
// payloads start with a 4-byte scheme magic followed by independently
// compressed pages, so decompression is streaming and peak memory is bounded
// by one page rather than the whole message.
package transport
