package archive

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/xtxerr/cistern/internal/constants"
	"github.com/xtxerr/cistern/internal/errors"
)

// PruneResult holds the outcome of pruning one topic.
type PruneResult struct {
	Topic        string
	FilesDeleted int
	BytesFreed   int64
	FilesKept    int
	Errors       []error
}

// RetentionStats holds cumulative pruning statistics.
type RetentionStats struct {
	LastRun      time.Time
	FilesDeleted int64
	BytesFreed   int64
	Errors       int64
}

type retentionCounters struct {
	lastRun      atomic.Int64
	filesDeleted atomic.Int64
	bytesFreed   atomic.Int64
	errors       atomic.Int64
}

// Prune deletes the files of topic exported more than maxAge ago. The
// newest file is always kept so the archive can still serve a bulk load.
// With dryRun set nothing is deleted and the result reports what would be.
func (a *Archive) Prune(topic string, maxAge time.Duration, dryRun bool) PruneResult {
	result := PruneResult{Topic: topic}
	if !constants.IsValidTopic(topic) {
		result.Errors = append(result.Errors, errors.NewUnknownTopic(topic))
		return result
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	files, err := a.list(topic)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list files: %w", err))
		return a.record(result, dryRun)
	}
	if len(files) == 0 {
		return a.record(result, dryRun)
	}

	cutoff := a.now().Add(-maxAge).UnixMilli()
	newest := len(files) - 1
	for i, f := range files {
		if i == newest || f.ms >= cutoff {
			result.FilesKept++
			continue
		}
		if !dryRun {
			if err := os.Remove(f.path); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", f.path, err))
				continue
			}
		}
		result.FilesDeleted++
		result.BytesFreed += f.size
	}

	if result.FilesDeleted > 0 && !dryRun {
		log.Info("pruned", "topic", topic, "deleted", result.FilesDeleted, "bytes", result.BytesFreed, "kept", result.FilesKept)
	}
	return a.record(result, dryRun)
}

// PruneAll prunes every topic.
func (a *Archive) PruneAll(maxAge time.Duration) []PruneResult {
	results := make([]PruneResult, 0, len(constants.ValidTopics))
	for _, topic := range constants.ValidTopics {
		results = append(results, a.Prune(topic, maxAge, false))
	}
	return results
}

func (a *Archive) record(r PruneResult, dryRun bool) PruneResult {
	if dryRun {
		return r
	}
	a.retention.lastRun.Store(a.now().UnixMilli())
	a.retention.filesDeleted.Add(int64(r.FilesDeleted))
	a.retention.bytesFreed.Add(r.BytesFreed)
	a.retention.errors.Add(int64(len(r.Errors)))
	return r
}

// RetentionStats returns cumulative pruning statistics.
func (a *Archive) RetentionStats() RetentionStats {
	st := RetentionStats{
		FilesDeleted: a.retention.filesDeleted.Load(),
		BytesFreed:   a.retention.bytesFreed.Load(),
		Errors:       a.retention.errors.Load(),
	}
	if ms := a.retention.lastRun.Load(); ms > 0 {
		st.LastRun = time.UnixMilli(ms)
	}
	return st
}
