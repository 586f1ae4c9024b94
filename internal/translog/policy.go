// Package translog implements the pruning policy for write-ahead-log
// generation files. The retention coordinator publishes the minimum
// generation that must survive; this package decides which generation files
// may be removed.
package translog

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

const (
	fileNamePrefix = "translog-"
	fileNameSuffix = ".log"
)

// FileName returns the canonical file name for a translog generation.
func FileName(gen int64) string {
	return fmt.Sprintf("%s%d%s", fileNamePrefix, gen, fileNameSuffix)
}

// ParseGeneration extracts the generation from a translog file name.
// Returns false for names that are not translog generation files.
func ParseGeneration(name string) (int64, bool) {
	if !strings.HasPrefix(name, fileNamePrefix) || !strings.HasSuffix(name, fileNameSuffix) {
		return 0, false
	}
	digits := name[len(fileNamePrefix) : len(name)-len(fileNameSuffix)]
	gen, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || gen < 0 {
		return 0, false
	}
	return gen, true
}

// DeletionPolicy tracks the minimum translog generation that must be
// retained. The retained generation only moves forward: the watermark is
// derived from commits and leases that are themselves released in order.
type DeletionPolicy struct {
	mu             sync.Mutex
	minRetainedGen int64
}

// NewDeletionPolicy creates a policy retaining everything (generation 0).
func NewDeletionPolicy() *DeletionPolicy {
	return &DeletionPolicy{}
}

// SetMinRetainedGeneration advances the retained generation. Moving the
// watermark backward would resurrect deleted history and signals a
// bookkeeping bug in the caller.
func (p *DeletionPolicy) SetMinRetainedGeneration(gen int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen < p.minRetainedGen {
		return fmt.Errorf("invariant violated: retained generation moving backward from %d to %d",
			p.minRetainedGen, gen)
	}
	p.minRetainedGen = gen
	return nil
}

// MinRetainedGeneration returns the current retained generation.
func (p *DeletionPolicy) MinRetainedGeneration() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minRetainedGen
}

// Prunable filters a directory listing down to the translog generation
// files that may be deleted under the current watermark. Non-translog names
// are ignored.
func (p *DeletionPolicy) Prunable(names []string) []string {
	min := p.MinRetainedGeneration()
	var prunable []string
	for _, name := range names {
		gen, ok := ParseGeneration(name)
		if !ok {
			continue
		}
		if gen < min {
			prunable = append(prunable, name)
		}
	}
	return prunable
}
