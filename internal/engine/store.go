package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tern-io/tern/internal/retention"
)

const (
	commitFilePrefix = "commit-"
	commitFileSuffix = ".json"
)

// commitFileName returns the file name for a commit ordinal. Ordinals are
// zero-padded so lexicographic order matches recency order.
func commitFileName(ordinal int64) string {
	return fmt.Sprintf("%s%012d%s", commitFilePrefix, ordinal, commitFileSuffix)
}

// parseCommitOrdinal extracts the ordinal from a commit file name.
func parseCommitOrdinal(name string) (int64, bool) {
	if !strings.HasPrefix(name, commitFilePrefix) || !strings.HasSuffix(name, commitFileSuffix) {
		return 0, false
	}
	digits := name[len(commitFilePrefix) : len(name)-len(commitFileSuffix)]
	ordinal, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || ordinal < 0 {
		return 0, false
	}
	return ordinal, true
}

// CommitStore persists commit points as JSON metadata files in a directory
// and implements retention.Deleter by removing them.
type CommitStore struct {
	dir string
}

// NewCommitStore creates a store over dir, creating it if needed.
func NewCommitStore(dir string) (*CommitStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating commit dir: %w", err)
	}
	return &CommitStore{dir: dir}, nil
}

// Write persists a new commit point with the given ordinal and metadata.
func (s *CommitStore) Write(ordinal int64, metadata map[string]string) (*retention.CommitPoint, error) {
	name := commitFileName(ordinal)
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding commit metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return nil, fmt.Errorf("writing commit %s: %w", name, err)
	}
	return &retention.CommitPoint{Name: name, Metadata: metadata}, nil
}

// List returns all commit points ordered oldest first.
func (s *CommitStore) List() ([]*retention.CommitPoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing commit dir: %w", err)
	}

	var commits []*retention.CommitPoint
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := parseCommitOrdinal(entry.Name()); !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading commit %s: %w", entry.Name(), err)
		}
		var metadata map[string]string
		if err := json.Unmarshal(data, &metadata); err != nil {
			return nil, fmt.Errorf("decoding commit %s: %w", entry.Name(), err)
		}
		commits = append(commits, &retention.CommitPoint{Name: entry.Name(), Metadata: metadata})
	}

	sort.Slice(commits, func(i, j int) bool {
		return commits[i].Name < commits[j].Name
	})
	return commits, nil
}

// DeleteCommit removes the commit's metadata file. Implements
// retention.Deleter.
func (s *CommitStore) DeleteCommit(c *retention.CommitPoint) error {
	if err := os.Remove(filepath.Join(s.dir, c.Name)); err != nil {
		return fmt.Errorf("deleting commit %s: %w", c.Name, err)
	}
	return nil
}
