package transport

import (
	"fmt"
	"sync/atomic"
)

// releaseOnce guards a release action so it runs exactly once, from any
// goroutine, no matter how many holders attempt it.
type releaseOnce struct {
	released atomic.Bool
	release  func()
}

// newReleaseOnce wraps release in a once-only guard. A nil release yields a
// guard whose Release is a no-op that still tracks first-call semantics.
func newReleaseOnce(release func()) *releaseOnce {
	return &releaseOnce{release: release}
}

// Release runs the guarded action if this is the first call.
// Reports whether this call performed the release.
func (r *releaseOnce) Release() bool {
	if !r.released.CompareAndSwap(false, true) {
		return false
	}
	if r.release != nil {
		r.release()
	}
	return true
}

// Released reports whether the action has already run.
func (r *releaseOnce) Released() bool {
	return r.released.Load()
}

// refCounted is an atomic reference count that runs a close action exactly
// once on the transition to zero. New objects start with one reference.
type refCounted struct {
	refs   atomic.Int32
	closer func()
}

func newRefCounted(closer func()) *refCounted {
	r := &refCounted{closer: closer}
	r.refs.Store(1)
	return r
}

// IncRef adds a reference. Panics if the object is already closed: taking a
// new reference after the count hit zero is a use-after-release.
func (r *refCounted) IncRef() {
	if !r.TryIncRef() {
		panic("transport: incRef on released object")
	}
}

// TryIncRef adds a reference unless the object is already closed.
func (r *refCounted) TryIncRef() bool {
	for {
		cur := r.refs.Load()
		if cur <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// DecRef drops a reference, running the close action if this was the last
// one. Reports whether this call closed the object.
func (r *refCounted) DecRef() bool {
	n := r.refs.Add(-1)
	if n == 0 {
		if r.closer != nil {
			r.closer()
		}
		return true
	}
	if n < 0 {
		panic(fmt.Sprintf("transport: refcount dropped below zero (%d)", n))
	}
	return false
}

// HasReferences reports whether the object is still live.
func (r *refCounted) HasReferences() bool {
	return r.refs.Load() > 0
}
