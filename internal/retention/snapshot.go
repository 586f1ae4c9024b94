package retention

import "sync/atomic"

// Snapshot is a lease on one commit point. While the lease is outstanding
// the commit is never deleted, even once superseded. Release is safe to
// call from any goroutine but must be called exactly once.
type Snapshot struct {
	coordinator *Coordinator
	commit      *CommitPoint
	released    atomic.Bool
}

// Commit returns the leased commit point.
func (s *Snapshot) Commit() *CommitPoint {
	return s.commit
}

// Release drops the lease. The commit becomes eligible for deletion on the
// next commit event; the retention watermark is recomputed immediately.
// A second Release returns ErrSnapshotReleased and has no effect.
func (s *Snapshot) Release() error {
	if !s.released.CompareAndSwap(false, true) {
		return ErrSnapshotReleased
	}
	s.coordinator.releaseSnapshot(s.commit)
	return nil
}
