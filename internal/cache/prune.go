package cache

import (
	"context"
	"sort"
	"time"

	"github.com/blockwork-eda/blockwork/internal/ctxlog"
)

// pruneCandidate is one key record under eviction consideration. A
// record's accounted size covers its blobs plus the record itself, so a
// backend's usage is computed entirely from its records.
type pruneCandidate struct {
	key   string
	size  int64
	score float64
}

// PruneAll enforces the size ceiling of every backend that has one.
// Pruning is best effort: a failing backend is logged and skipped, never
// fatal to the run that triggered it.
func (m *Manager) PruneAll(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	for _, entry := range m.entries {
		if entry.Config.MaxSize <= 0 {
			continue
		}
		if err := m.prune(ctx, entry); err != nil {
			logger.Warn("Cache prune failed.", "cache", entry.Config.Name, "error", err)
		}
	}
}

// prune evicts the lowest-scoring key records until the backend fits its
// ceiling, then drops blobs no surviving record references. Records whose
// blobs have already gone missing score zero and are always evicted.
func (m *Manager) prune(ctx context.Context, entry Entry) error {
	logger := ctxlog.FromContext(ctx)
	keys, err := entry.Backend.Keys()
	if err != nil {
		return err
	}

	now := time.Now()
	blobSizes := make(map[string]int64)
	var recordKeys []string
	for _, key := range keys {
		switch {
		case IsBlob(key):
			blobSizes[key] = 0
		case IsKeyRecord(key):
			recordKeys = append(recordKeys, key)
		default:
			// Keys written by an unknown or future version are dead weight.
			logger.Debug("Dropping unrecognized cache key.", "cache", entry.Config.Name, "key", key)
			_ = entry.Backend.DropItem(key)
		}
	}

	var candidates []pruneCandidate
	var total int64
	referenced := make(map[string][]string)
	for _, key := range recordKeys {
		data, ok, err := FetchBytes(entry.Backend, key)
		if err != nil || !ok {
			continue
		}
		rec, err := DecodeKeyRecord(data)
		if err != nil {
			_ = entry.Backend.DropItem(key)
			continue
		}

		complete := true
		for _, blobKey := range rec.Outputs {
			if _, present := blobSizes[blobKey]; !present {
				complete = false
				break
			}
		}

		size := rec.ByteSize + keyRecordOverhead
		score := 0.0
		if complete {
			score = m.score(rec.RunSeconds, rec.ByteSize, now.Sub(lastFetch(entry.Backend, key)))
		}
		for _, blobKey := range rec.Outputs {
			referenced[blobKey] = append(referenced[blobKey], key)
		}
		candidates = append(candidates, pruneCandidate{key: key, size: size, score: score})
		total += size
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].key < candidates[j].key
	})

	evicted := make(map[string]bool)
	for _, cand := range candidates {
		if cand.score > 0 && total <= entry.Config.MaxSize {
			break
		}
		if err := entry.Backend.DropItem(cand.key); err != nil {
			logger.Warn("Cache eviction failed.", "cache", entry.Config.Name, "key", cand.key, "error", err)
			continue
		}
		evicted[cand.key] = true
		total -= cand.size
	}

	// A blob survives only while some surviving record still points at it.
	for blobKey := range blobSizes {
		keep := false
		for _, recKey := range referenced[blobKey] {
			if !evicted[recKey] {
				keep = true
				break
			}
		}
		if keep {
			continue
		}
		if err := entry.Backend.DropItem(blobKey); err != nil {
			logger.Warn("Cache eviction failed.", "cache", entry.Config.Name, "key", blobKey, "error", err)
		}
	}
	return nil
}
