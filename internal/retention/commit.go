// Package retention decides which on-disk commit points are safe to delete
// while guaranteeing enough translog history survives to recover any
// retained commit. It tracks the safe commit (the newest commit fully
// covered by the durable global checkpoint), the last commit, and snapshot
// leases held by recovery and export processes.
package retention

import (
	"errors"
	"fmt"
	"strconv"
)

// Commit metadata keys. Values are decimal strings.
const (
	// TranslogUUIDKey identifies the translog lineage a commit belongs to.
	TranslogUUIDKey = "translog_uuid"

	// TranslogGenerationKey records the minimum translog generation needed
	// to recover from the commit.
	TranslogGenerationKey = "translog_generation"

	// MaxSeqNoKey records the highest sequence number contained in the
	// commit. Absent on legacy commits that predate sequence numbers.
	MaxSeqNoKey = "max_seq_no"
)

var (
	// ErrEmptyCommitList signals a broken engine invariant: at least the
	// currently open commit must always exist. Not retryable.
	ErrEmptyCommitList = errors.New("invariant violated: commit list is empty")

	// ErrNotInitialized is returned by AcquireSnapshot before the first
	// commit list has been observed.
	ErrNotInitialized = errors.New("retention coordinator not initialized")

	// ErrSnapshotReleased is returned when a snapshot lease is released
	// twice.
	ErrSnapshotReleased = errors.New("snapshot already released")
)

// CommitPoint is an immutable on-disk index snapshot. Commits are produced
// by the storage engine, ordered oldest-first by recency, and never mutated
// after creation.
type CommitPoint struct {
	// Name identifies the commit to the Deleter (typically a file name).
	Name string

	// Metadata holds the commit's recorded key/value metadata.
	Metadata map[string]string
}

// TranslogUUID returns the commit's translog lineage token, or "" if
// unrecorded.
func (c *CommitPoint) TranslogUUID() string {
	return c.Metadata[TranslogUUIDKey]
}

// TranslogGeneration returns the commit's recorded translog generation.
func (c *CommitPoint) TranslogGeneration() (int64, error) {
	v, ok := c.Metadata[TranslogGenerationKey]
	if !ok {
		return 0, fmt.Errorf("commit %s has no %s", c.Name, TranslogGenerationKey)
	}
	gen, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("commit %s has malformed %s %q: %w", c.Name, TranslogGenerationKey, v, err)
	}
	return gen, nil
}

// MaxSeqNo returns the commit's recorded max sequence number. ok is false
// for legacy commits with no sequence-number tracking.
func (c *CommitPoint) MaxSeqNo() (seqNo int64, ok bool, err error) {
	v, present := c.Metadata[MaxSeqNoKey]
	if !present {
		return 0, false, nil
	}
	seqNo, err = strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("commit %s has malformed %s %q: %w", c.Name, MaxSeqNoKey, v, err)
	}
	return seqNo, true, nil
}

// Deleter physically deletes superseded commits. Deletion failures are
// logged and skipped; a failed deletion wastes disk space but does not
// threaten recovery as long as the commit is not the safe or last commit.
type Deleter interface {
	DeleteCommit(c *CommitPoint) error
}
