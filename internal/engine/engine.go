// Package engine is the storage-engine harness that ties the commit store,
// the retention coordinator and the translog pruning policy together. It is
// deliberately small: it persists commit points and translog generation
// files, but the data those files would hold is out of scope here.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tern-io/tern/internal/logging"
	"github.com/tern-io/tern/internal/metrics"
	"github.com/tern-io/tern/internal/retention"
	"github.com/tern-io/tern/internal/translog"
)

// Engine manages one shard's commit history under a data directory:
//
//	<dataDir>/commits/commit-<ordinal>.json
//	<dataDir>/translog/translog-<generation>.log
//
// Every Commit rolls the translog to a fresh generation, persists a commit
// point recording that generation, and hands the full commit list to the
// retention coordinator, which decides what may go. Translog generation
// files below the published retention watermark are pruned afterwards.
type Engine struct {
	dataDir     string
	translogDir string
	store       *CommitStore
	coordinator *retention.Coordinator
	policy      *translog.DeletionPolicy
	logger      *logging.Logger

	mu           sync.Mutex
	translogUUID string
	generation   int64
	ordinal      int64

	// globalCheckpoint is the highest sequence number durably persisted
	// everywhere it needs to be. It only moves forward.
	globalCheckpoint atomic.Int64
}

// Options configures an Engine.
type Options struct {
	DataDir string
	Logger  *logging.Logger
	Metrics *metrics.RetentionMetrics
}

// Open initializes the engine under opts.DataDir, restoring the commit
// ordinal, translog generation and translog UUID from the newest existing
// commit. A fresh directory starts a new translog lineage at generation 1
// and writes an initial empty commit so recovery always has a starting
// point.
func Open(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	store, err := NewCommitStore(filepath.Join(opts.DataDir, "commits"))
	if err != nil {
		return nil, err
	}
	translogDir := filepath.Join(opts.DataDir, "translog")
	if err := os.MkdirAll(translogDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating translog dir: %w", err)
	}

	e := &Engine{
		dataDir:     opts.DataDir,
		translogDir: translogDir,
		store:       store,
		policy:      translog.NewDeletionPolicy(),
		logger:      logger,
	}
	e.globalCheckpoint.Store(-1)

	e.coordinator = retention.NewCoordinator(store, logger).
		WithMetrics(opts.Metrics).
		WithWatermarkListener(e.onWatermark)

	commits, err := store.List()
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		if err := e.bootstrap(); err != nil {
			return nil, err
		}
	} else {
		if err := e.restore(commits); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// bootstrap starts a new translog lineage and writes the initial commit.
func (e *Engine) bootstrap() error {
	e.translogUUID = uuid.NewString()
	e.generation = 1
	e.ordinal = 0
	if err := e.createTranslogFile(e.generation); err != nil {
		return err
	}
	return e.commitLocked()
}

// restore rebuilds in-memory state from the newest commit on disk and
// replays the commit list through the coordinator so the safe commit and
// watermark are designated before the engine accepts operations.
func (e *Engine) restore(commits []*retention.CommitPoint) error {
	last := commits[len(commits)-1]

	ordinal, ok := parseCommitOrdinal(last.Name)
	if !ok {
		return fmt.Errorf("malformed commit name %q", last.Name)
	}
	gen, err := last.TranslogGeneration()
	if err != nil {
		return err
	}
	translogUUID := last.TranslogUUID()
	if translogUUID == "" {
		return fmt.Errorf("commit %s missing translog UUID", last.Name)
	}
	maxSeqNo, ok, err := last.MaxSeqNo()
	if err != nil {
		return err
	}
	if ok {
		e.globalCheckpoint.Store(maxSeqNo)
	}

	e.ordinal = ordinal
	e.generation = gen
	e.translogUUID = translogUUID

	if err := e.createTranslogFile(e.generation); err != nil {
		return err
	}
	return e.coordinator.OnNewCommitList(commits, e.globalCheckpoint.Load())
}

// Commit rolls the translog to a new generation, persists a commit point
// carrying maxSeqNo, and runs a retention sweep against the current global
// checkpoint.
func (e *Engine) Commit(maxSeqNo int64) (*retention.CommitPoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generation++
	if err := e.createTranslogFile(e.generation); err != nil {
		e.generation--
		return nil, err
	}
	e.ordinal++
	if err := e.commitWithSeqNoLocked(maxSeqNo); err != nil {
		e.ordinal--
		return nil, err
	}
	return e.coordinator.LastCommit()
}

// commitLocked writes a commit point without a max-seq-no. Only the
// bootstrap commit is written this way.
func (e *Engine) commitLocked() error {
	metadata := map[string]string{
		retention.TranslogUUIDKey:       e.translogUUID,
		retention.TranslogGenerationKey: strconv.FormatInt(e.generation, 10),
	}
	return e.writeAndSweepLocked(metadata)
}

func (e *Engine) commitWithSeqNoLocked(maxSeqNo int64) error {
	metadata := map[string]string{
		retention.TranslogUUIDKey:       e.translogUUID,
		retention.TranslogGenerationKey: strconv.FormatInt(e.generation, 10),
		retention.MaxSeqNoKey:           strconv.FormatInt(maxSeqNo, 10),
	}
	return e.writeAndSweepLocked(metadata)
}

func (e *Engine) writeAndSweepLocked(metadata map[string]string) error {
	if _, err := e.store.Write(e.ordinal, metadata); err != nil {
		return err
	}
	commits, err := e.store.List()
	if err != nil {
		return err
	}
	if err := e.coordinator.OnNewCommitList(commits, e.globalCheckpoint.Load()); err != nil {
		return err
	}
	e.pruneTranslog()
	return nil
}

// AdvanceCheckpoint moves the global checkpoint forward. Backward moves are
// ignored: checkpoints from stale observers must not unwind retention.
func (e *Engine) AdvanceCheckpoint(seqNo int64) {
	for {
		cur := e.globalCheckpoint.Load()
		if seqNo <= cur {
			return
		}
		if e.globalCheckpoint.CompareAndSwap(cur, seqNo) {
			return
		}
	}
}

// GlobalCheckpoint returns the current global checkpoint.
func (e *Engine) GlobalCheckpoint() int64 {
	return e.globalCheckpoint.Load()
}

// Snapshot leases a commit for an external reader. preferSafe selects the
// safe commit instead of the last commit.
func (e *Engine) Snapshot(preferSafe bool) (*retention.Snapshot, error) {
	return e.coordinator.AcquireSnapshot(preferSafe)
}

// SafeCommit returns the commit recovery would start from.
func (e *Engine) SafeCommit() (*retention.CommitPoint, error) {
	return e.coordinator.SafeCommit()
}

// LastCommit returns the newest commit.
func (e *Engine) LastCommit() (*retention.CommitPoint, error) {
	return e.coordinator.LastCommit()
}

// RetentionWatermark returns the minimum translog generation currently
// retained.
func (e *Engine) RetentionWatermark() int64 {
	return e.coordinator.RetentionWatermark()
}

// onWatermark receives watermark updates from the coordinator. It only
// records the new floor; file deletion happens on the next commit sweep,
// outside the coordinator lock.
func (e *Engine) onWatermark(gen int64) {
	if err := e.policy.SetMinRetainedGeneration(gen); err != nil {
		e.logger.Errorf("refusing watermark update", map[string]any{"error": err.Error()})
	}
}

// pruneTranslog removes translog generation files below the watermark.
// Failures are logged and retried implicitly on the next sweep.
func (e *Engine) pruneTranslog() {
	entries, err := os.ReadDir(e.translogDir)
	if err != nil {
		e.logger.Warnf("failed to list translog dir", map[string]any{"error": err.Error()})
		return
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	for _, name := range e.policy.Prunable(names) {
		if err := os.Remove(filepath.Join(e.translogDir, name)); err != nil {
			e.logger.Warnf("failed to prune translog file", map[string]any{
				"file":  name,
				"error": err.Error(),
			})
			continue
		}
		e.logger.Debugf("pruned translog generation", map[string]any{"file": name})
	}
}

func (e *Engine) createTranslogFile(gen int64) error {
	path := filepath.Join(e.translogDir, translog.FileName(gen))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating translog generation %d: %w", gen, err)
	}
	return f.Close()
}
