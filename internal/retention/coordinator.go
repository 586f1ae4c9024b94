package retention

import (
	"sync"

	"github.com/tern-io/tern/internal/logging"
	"github.com/tern-io/tern/internal/metrics"
)

// Coordinator owns the commit/lease bookkeeping behind a single mutex.
// The storage engine calls OnNewCommitList after every commit; recovery and
// snapshot processes acquire and release leases concurrently. All public
// operations are synchronous and never block on I/O while holding the lock
// beyond the commit deletions themselves, which are tolerant of failure.
type Coordinator struct {
	deleter Deleter
	logger  *logging.Logger
	metrics *metrics.RetentionMetrics

	// onWatermark, if set, is invoked with the new retention watermark
	// after every recompute. It feeds the translog pruning policy and must
	// not block.
	onWatermark func(gen int64)

	mu          sync.Mutex
	initialized bool
	safeCommit  *CommitPoint
	lastCommit  *CommitPoint
	leases      map[string]*lease
	watermark   int64
}

// lease tracks outstanding snapshot references on one commit. Leases are
// keyed by commit name: the engine re-reads commit metadata on every commit
// event, so distinct CommitPoint values can describe the same commit.
type lease struct {
	commit *CommitPoint
	count  int
}

// NewCoordinator creates a Coordinator that deletes superseded commits
// through deleter.
func NewCoordinator(deleter Deleter, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Coordinator{
		deleter: deleter,
		logger:  logger,
		leases:  make(map[string]*lease),
	}
}

// WithMetrics sets the retention metrics recorder.
// Returns the coordinator for method chaining.
func (c *Coordinator) WithMetrics(m *metrics.RetentionMetrics) *Coordinator {
	c.metrics = m
	return c
}

// WithWatermarkListener registers the watermark consumer (the translog
// pruning policy). Returns the coordinator for method chaining.
func (c *Coordinator) WithWatermarkListener(fn func(gen int64)) *Coordinator {
	c.onWatermark = fn
	return c
}

// OnNewCommitList reconciles the full ordered commit list (oldest first)
// against the current durable global checkpoint. It designates the safe and
// last commits, deletes every older commit holding zero leases, and
// republishes the retention watermark. globalCheckpoint is monotonically
// non-decreasing across calls; the caller owns that counter.
func (c *Coordinator) OnNewCommitList(commits []*CommitPoint, globalCheckpoint int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(commits) == 0 {
		return ErrEmptyCommitList
	}

	keep, err := keptPosition(commits, globalCheckpoint)
	if err != nil {
		return err
	}

	// Validate generations up front so the watermark cannot silently
	// regress to zero on malformed metadata. Both commits are leasable.
	if _, err := commits[keep].TranslogGeneration(); err != nil {
		return err
	}
	if _, err := commits[len(commits)-1].TranslogGeneration(); err != nil {
		return err
	}

	c.safeCommit = commits[keep]
	c.lastCommit = commits[len(commits)-1]
	c.initialized = true

	for _, commit := range commits[:keep] {
		if l, ok := c.leases[commit.Name]; ok && l.count > 0 {
			continue
		}
		if err := c.deleter.DeleteCommit(commit); err != nil {
			// Not fatal: the commit is superseded and unleased, so a
			// leftover file wastes space without affecting recovery.
			// The next commit event sweeps it again.
			c.logger.Warnf("failed to delete superseded commit", map[string]any{
				"commit": commit.Name,
				"error":  err.Error(),
			})
			if c.metrics != nil {
				c.metrics.RecordDeleteFailure()
			}
			continue
		}
		if c.metrics != nil {
			c.metrics.RecordDeleted()
		}
	}

	c.recomputeWatermarkLocked()
	return nil
}

// keptPosition scans from the newest commit backward and returns the index
// of the safe commit.
//
// A commit recorded against a different translog lineage belongs to an
// earlier incarnation of the log; everything from it and older is retained
// as-is. A commit with no max-seq-no is a legacy commit and is the safe
// commit outright. Otherwise the newest commit whose max-seq-no does not
// exceed the checkpoint wins. If nothing qualifies the oldest commit is the
// fallback: recovery must never be left without a safe commit.
func keptPosition(commits []*CommitPoint, globalCheckpoint int64) (int, error) {
	currentUUID := commits[len(commits)-1].TranslogUUID()
	for i := len(commits) - 1; i >= 0; i-- {
		commit := commits[i]
		if commit.TranslogUUID() != currentUUID {
			return i + 1, nil
		}
		seqNo, ok, err := commit.MaxSeqNo()
		if err != nil {
			return 0, err
		}
		if !ok {
			return i, nil
		}
		if seqNo <= globalCheckpoint {
			return i, nil
		}
	}
	return 0, nil
}

// SafeCommit returns the commit recovery starts from.
func (c *Coordinator) SafeCommit() (*CommitPoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, ErrNotInitialized
	}
	return c.safeCommit, nil
}

// LastCommit returns the most recently created commit.
func (c *Coordinator) LastCommit() (*CommitPoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, ErrNotInitialized
	}
	return c.lastCommit, nil
}

// AcquireSnapshot leases the safe commit (preferSafe) or the last commit and
// returns a handle whose Release drops the lease. A leased commit is never
// deleted, even once superseded.
func (c *Coordinator) AcquireSnapshot(preferSafe bool) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return nil, ErrNotInitialized
	}

	commit := c.lastCommit
	if preferSafe {
		commit = c.safeCommit
	}
	l, ok := c.leases[commit.Name]
	if !ok {
		l = &lease{commit: commit}
		c.leases[commit.Name] = l
	}
	l.count++
	c.publishLeaseCountLocked()

	return &Snapshot{coordinator: c, commit: commit}, nil
}

// releaseSnapshot drops one lease on commit. The commit becomes eligible
// for deletion on the next OnNewCommitList sweep; the watermark is
// recomputed immediately.
func (c *Coordinator) releaseSnapshot(commit *CommitPoint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.leases[commit.Name]
	if !ok || l.count <= 0 {
		panic("retention: lease released without matching acquire")
	}
	l.count--
	if l.count == 0 {
		delete(c.leases, commit.Name)
	}
	c.publishLeaseCountLocked()
	c.recomputeWatermarkLocked()
}

// RetentionWatermark returns the minimum translog generation that must be
// preserved: the minimum over the safe commit's generation and every leased
// commit's generation. Zero before initialization.
func (c *Coordinator) RetentionWatermark() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermark
}

// HasLease reports whether any snapshot lease is outstanding on the named
// commit.
func (c *Coordinator) HasLease(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.leases[name]
	return ok && l.count > 0
}

func (c *Coordinator) recomputeWatermarkLocked() {
	if !c.initialized {
		return
	}

	watermark, err := c.safeCommit.TranslogGeneration()
	if err != nil {
		// Validated in OnNewCommitList; reaching here is a bug.
		panic(err)
	}
	for _, l := range c.leases {
		gen, err := l.commit.TranslogGeneration()
		if err != nil {
			panic(err)
		}
		if gen < watermark {
			watermark = gen
		}
	}

	c.watermark = watermark
	if c.metrics != nil {
		c.metrics.SetRetainedGeneration(watermark)
	}
	if c.onWatermark != nil {
		c.onWatermark(watermark)
	}
}

func (c *Coordinator) publishLeaseCountLocked() {
	if c.metrics == nil {
		return
	}
	total := 0
	for _, l := range c.leases {
		total += l.count
	}
	c.metrics.SetActiveLeases(total)
}
