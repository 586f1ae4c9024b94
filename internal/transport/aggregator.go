package transport

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tern-io/tern/internal/breaker"
	"github.com/tern-io/tern/internal/metrics"
)

// Aggregator reassembles wire messages for one connection. Two states: no
// message in flight (waiting for a complete header) or exactly one pending
// message accumulating payload bytes. Calls for the same connection are
// strictly sequential; the owning read loop guarantees that.
type Aggregator struct {
	breaker  *breaker.Breaker
	registry *Registry
	emit     func(*Message)
	metrics  *metrics.TransportMetrics

	maxMessageSize int
	pending        *pendingMessage
	closed         bool
}

// pendingMessage is the accumulation state for one in-flight message.
type pendingMessage struct {
	header   *Header
	consumed int
	content  bytes.Buffer
	dec      *pageDecompressor
	release  *releaseOnce
	scErr    error
}

func (p *pendingMessage) remaining() int {
	return p.header.ContentLength() - p.consumed
}

// NewAggregator creates an aggregator emitting complete messages through
// emit. The emit callback receives ownership of one message reference.
func NewAggregator(brk *breaker.Breaker, registry *Registry, emit func(*Message)) *Aggregator {
	if brk == nil || registry == nil || emit == nil {
		panic("transport: aggregator requires breaker, registry, and emit")
	}
	return &Aggregator{
		breaker:        brk,
		registry:       registry,
		emit:           emit,
		maxMessageSize: DefaultMaxMessageSize,
	}
}

// WithMetrics sets the transport metrics recorder.
// Returns the aggregator for method chaining.
func (a *Aggregator) WithMetrics(m *metrics.TransportMetrics) *Aggregator {
	a.metrics = m
	return a
}

// WithMaxMessageSize overrides the declared-frame-size ceiling.
func (a *Aggregator) WithMaxMessageSize(n int) *Aggregator {
	if n > 0 {
		a.maxMessageSize = n
	}
	return a
}

// OnBytes consumes as many bytes from buf as currently possible and reports
// how many were consumed. Chunks may be arbitrarily small or large; a call
// that cannot complete a header consumes nothing and the caller re-presents
// the same prefix with more bytes appended. A non-nil error means framing
// integrity is lost and the connection must be closed.
func (a *Aggregator) OnBytes(buf []byte) (int, error) {
	if a.closed {
		return 0, ErrAggregatorClosed
	}

	consumed := 0
	for {
		if a.pending == nil {
			header, n, err := parseHeader(buf[consumed:], a.maxMessageSize)
			if err != nil {
				a.recordStreamError(err)
				return consumed, err
			}
			if n == 0 {
				break
			}
			consumed += n

			if header.Ping {
				a.recordMessage("ping", false)
				a.emit(newMessage(header, nil, nil, nil))
				continue
			}

			a.startMessage(header)
			if a.pending.remaining() == 0 {
				if err := a.finalize(); err != nil {
					return consumed, err
				}
			}
			continue
		}

		take := a.pending.remaining()
		if take > len(buf)-consumed {
			take = len(buf) - consumed
		}
		if take == 0 {
			break
		}
		if err := a.appendPayload(buf[consumed : consumed+take]); err != nil {
			consumed += take
			a.recordStreamError(err)
			return consumed, err
		}
		consumed += take

		if a.pending.remaining() == 0 {
			if err := a.finalize(); err != nil {
				return consumed, err
			}
			continue
		}
		break
	}

	if a.metrics != nil && consumed > 0 {
		a.metrics.RecordBytes(consumed)
	}
	return consumed, nil
}

// startMessage sets up accumulation state for a freshly parsed header,
// deciding the breaker reservation and any short-circuit up front.
func (a *Aggregator) startMessage(header *Header) {
	p := &pendingMessage{header: header}
	a.pending = p

	if !header.IsRequest() {
		// Responses are not charged; the requesting side accounted for
		// them when it sent the request.
		return
	}

	contentLength := int64(header.ContentLength())
	switch {
	case header.IsHandshake() || a.registry.IsBreakerExempt(header.Action):
		a.breaker.ReserveUnchecked(contentLength)
		p.release = newReleaseOnce(func() { a.breaker.Release(contentLength) })
	default:
		if err := a.breaker.Reserve(contentLength); err != nil {
			p.scErr = fmt.Errorf("%w: action %q declared %d bytes: %v",
				ErrBreakerTripped, header.Action, contentLength, err)
			a.recordShortCircuit("breaker")
			return
		}
		p.release = newReleaseOnce(func() { a.breaker.Release(contentLength) })
	}

	if header.IsHandshake() {
		return
	}
	if _, ok := a.registry.Lookup(header.Action); !ok && !a.registry.ToleratesMissing() {
		p.scErr = fmt.Errorf("%w: %q", ErrActionNotFound, header.Action)
		a.recordShortCircuit("action_not_found")
	}
}

// appendPayload consumes payload bytes for the pending message. Bytes of a
// short-circuited message are counted but discarded so the stream framing
// stays in sync.
func (a *Aggregator) appendPayload(b []byte) error {
	p := a.pending
	p.consumed += len(b)

	if p.scErr != nil {
		return nil
	}

	if p.header.IsCompressed() {
		if p.dec == nil {
			p.dec = newPageDecompressor()
		}
		p.dec.feed(b)
		for {
			page, err := p.dec.next()
			if err != nil {
				return err
			}
			if page == nil {
				return nil
			}
			p.content.Write(page)
		}
	}

	p.content.Write(b)
	return nil
}

// finalize emits the completed pending message and resets to the
// awaiting-header state. The breaker release obligation transfers to the
// emitted message; its last reference drop frees the reservation.
func (a *Aggregator) finalize() error {
	p := a.pending
	a.pending = nil

	if p.dec != nil {
		trailing := p.dec.pendingBytes()
		p.dec.close()
		if p.scErr == nil && trailing > 0 {
			if p.release != nil {
				p.release.Release()
			}
			err := fmt.Errorf("%w: %d trailing bytes in compressed payload", ErrCorruptedStream, trailing)
			a.recordStreamError(err)
			return err
		}
	}

	var content []byte
	if p.scErr == nil {
		content = p.content.Bytes()
	}
	a.recordMessage(p.header.Kind(), p.scErr != nil)
	a.emit(newMessage(p.header, content, p.scErr, p.release))
	return nil
}

// Close tears down the aggregator: the pending message, its decompressor,
// and any unreleased breaker reservation are released deterministically.
// Subsequent OnBytes calls fail with ErrAggregatorClosed.
func (a *Aggregator) Close() {
	if a.closed {
		return
	}
	a.closed = true

	if p := a.pending; p != nil {
		a.pending = nil
		if p.dec != nil {
			p.dec.close()
		}
		if p.release != nil {
			p.release.Release()
		}
	}
}

func (a *Aggregator) recordMessage(kind string, shortCircuited bool) {
	if a.metrics != nil {
		a.metrics.RecordMessage(kind, shortCircuited)
	}
}

func (a *Aggregator) recordShortCircuit(reason string) {
	if a.metrics != nil {
		a.metrics.RecordShortCircuit(reason)
	}
}

func (a *Aggregator) recordStreamError(err error) {
	if a.metrics == nil {
		return
	}
	reason := "corrupted"
	if errors.Is(err, ErrIncompatibleVersion) {
		reason = "incompatible_version"
	}
	a.metrics.RecordStreamError(reason)
}
