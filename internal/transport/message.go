package transport

// Message is one fully aggregated inbound message. It is reference counted:
// the aggregator hands it over with a single reference, downstream consumers
// may Retain it across goroutines, and the last Release frees the breaker
// reservation tied to the payload.
type Message struct {
	header  *Header
	content []byte
	err     error

	refs    *refCounted
	release *releaseOnce
}

func newMessage(header *Header, content []byte, err error, release *releaseOnce) *Message {
	m := &Message{
		header:  header,
		content: content,
		err:     err,
		release: release,
	}
	m.refs = newRefCounted(func() {
		if m.release != nil {
			m.release.Release()
		}
	})
	return m
}

// Header returns the parsed frame header.
func (m *Message) Header() *Header { return m.header }

// IsPing reports whether this is a zero-length keepalive frame.
func (m *Message) IsPing() bool { return m.header.Ping }

// Content returns the assembled (and, if applicable, decompressed) payload.
// Nil for pings and short-circuited messages. The returned slice must not be
// used after the last Release.
func (m *Message) Content() []byte { return m.content }

// Err returns the short-circuit error recorded for this message, or nil.
func (m *Message) Err() error { return m.err }

// ShortCircuited reports whether the message was drained and carries an
// error instead of a usable payload.
func (m *Message) ShortCircuited() bool { return m.err != nil }

// Retain adds a reference. Panics if the message was already fully released.
func (m *Message) Retain() { m.refs.IncRef() }

// TryRetain adds a reference unless the message was already fully released.
func (m *Message) TryRetain() bool { return m.refs.TryIncRef() }

// Release drops a reference. On the last drop the breaker reservation, if
// any, is returned to the shared budget exactly once.
func (m *Message) Release() { m.refs.DecRef() }
