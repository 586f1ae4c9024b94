// Package breaker implements a process-wide memory accounting budget for
// in-flight request payloads. Many connections reserve and release against
// one shared counter, so all accounting is lock-free (CAS on an atomic).
package breaker

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tern-io/tern/internal/metrics"
)

// ErrBudgetExceeded is returned when a reservation would push the used
// total past the configured limit.
var ErrBudgetExceeded = errors.New("memory budget exceeded")

// Breaker tracks bytes reserved for in-flight messages against a fixed limit.
// The zero value is not usable; construct with New.
type Breaker struct {
	limit   int64
	used    atomic.Int64
	tripped atomic.Int64
	metrics *metrics.BreakerMetrics
}

// New creates a Breaker with the given limit in bytes.
// A limit of zero or less disables rejection (reservations always succeed).
func New(limit int64) *Breaker {
	return &Breaker{limit: limit}
}

// WithMetrics sets the breaker metrics recorder.
// Returns the breaker for method chaining.
func (b *Breaker) WithMetrics(m *metrics.BreakerMetrics) *Breaker {
	b.metrics = m
	if m != nil {
		m.SetLimit(b.limit)
	}
	return b
}

// Limit returns the configured budget in bytes.
func (b *Breaker) Limit() int64 {
	return b.limit
}

// Used returns the currently reserved byte total.
func (b *Breaker) Used() int64 {
	return b.used.Load()
}

// TripCount returns the number of rejected reservations.
func (b *Breaker) TripCount() int64 {
	return b.tripped.Load()
}

// Reserve charges n bytes against the budget. It fails with
// ErrBudgetExceeded if the reservation would push the used total past the
// limit, leaving the accounting unchanged.
func (b *Breaker) Reserve(n int64) error {
	if n < 0 {
		panic(fmt.Sprintf("breaker: negative reservation %d", n))
	}
	for {
		used := b.used.Load()
		next := used + n
		if b.limit > 0 && next > b.limit {
			b.tripped.Add(1)
			if b.metrics != nil {
				b.metrics.RecordTrip()
			}
			return fmt.Errorf("%w: reserving %d bytes would use %d of %d", ErrBudgetExceeded, n, next, b.limit)
		}
		if b.used.CompareAndSwap(used, next) {
			if b.metrics != nil {
				b.metrics.SetUsed(next)
			}
			return nil
		}
	}
}

// ReserveUnchecked charges n bytes without the possibility of rejection.
// Used for breaker-exempt actions and handshakes, where the bytes are
// tracked best-effort but never refused.
func (b *Breaker) ReserveUnchecked(n int64) {
	if n < 0 {
		panic(fmt.Sprintf("breaker: negative reservation %d", n))
	}
	next := b.used.Add(n)
	if b.metrics != nil {
		b.metrics.SetUsed(next)
	}
}

// Release returns n previously reserved bytes to the budget.
// Releasing more than was reserved indicates a double release or
// a release without a matching reserve and panics.
func (b *Breaker) Release(n int64) {
	if n < 0 {
		panic(fmt.Sprintf("breaker: negative release %d", n))
	}
	next := b.used.Add(-n)
	if next < 0 {
		panic(fmt.Sprintf("breaker: released %d bytes below zero (balance %d)", n, next))
	}
	if b.metrics != nil {
		b.metrics.SetUsed(next)
	}
}
