package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/blockwork-eda/blockwork/internal/ctxlog"
)

// DeterminismPolicy selects how determinism violations are handled.
type DeterminismPolicy int

const (
	// DeterminismWarn surfaces violations in the run report only.
	DeterminismWarn DeterminismPolicy = iota
	// DeterminismFail turns violations into run failures.
	DeterminismFail
)

// DeterminismError reports that re-executing a transform with an
// unchanged definition hash produced different content than a cached key
// record, meaning the transform is not a pure function of its declared
// inputs. It is deliberately distinct from execution errors.
type DeterminismError struct {
	Transform string
	Cache     string
	Field     string
	Cached    string
	Fresh     string
}

func (e *DeterminismError) Error() string {
	return fmt.Sprintf(
		"transform %q is not deterministic: output %q hashed %.12s but cache %q recorded %.12s",
		e.Transform, e.Field, e.Fresh, e.Cache, e.Cached)
}

// Entry pairs a live backend with its immutable per-run configuration.
type Entry struct {
	Backend Backend
	Config  BackendConfig
}

// ScoreFunc ranks a stored entry for eviction: lower scores evict first.
// The default divides creation cost by size and by time since last fetch,
// preferring to keep expensive, small, recently used entries.
type ScoreFunc func(runSeconds float64, byteSize int64, sinceFetch time.Duration) float64

// DefaultScore is the standard eviction score.
func DefaultScore(runSeconds float64, byteSize int64, sinceFetch time.Duration) float64 {
	if byteSize <= 0 {
		byteSize = 1
	}
	idle := sinceFetch.Seconds()
	if idle < 1 {
		idle = 1
	}
	return runSeconds / float64(byteSize) / idle
}

// Manager coordinates every configured backend for a run: ordered
// lookups, admission, replication, determinism verification and pruning.
type Manager struct {
	entries []Entry
	score   ScoreFunc
}

// Option adjusts manager construction.
type Option func(*Manager)

// WithScore overrides the eviction scoring function.
func WithScore(score ScoreFunc) Option {
	return func(m *Manager) { m.score = score }
}

// NewManager builds a manager over backends in configured priority order
// (first entry is consulted first on fetch).
func NewManager(entries []Entry, opts ...Option) *Manager {
	m := &Manager{entries: entries, score: DefaultScore}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enabled reports whether any backend is configured.
func (m *Manager) Enabled() bool { return len(m.entries) > 0 }

// FetchRequest asks for every output of one transform.
type FetchRequest struct {
	DefinitionHash string
	// Outputs maps output interface names to their destination host paths.
	Outputs map[string]string
}

// Fetch tries to materialize all requested outputs from the first backend
// that can satisfy them completely. A partial fetch is a miss and leaves
// no partially materialized state behind. On a hit the record and blobs
// are replicated into earlier-missed backends whose store condition
// admits them.
func (m *Manager) Fetch(ctx context.Context, req FetchRequest) (bool, error) {
	if len(m.entries) == 0 || len(req.Outputs) == 0 {
		return false, nil
	}
	logger := ctxlog.FromContext(ctx)
	key := KeyFor(req.DefinitionHash)

	// Locate a key record anywhere, in priority order.
	var rec KeyRecord
	found := false
	for _, entry := range m.entries {
		data, ok, err := FetchBytes(entry.Backend, key)
		if err != nil {
			logger.Warn("Cache read failed, treating as miss.",
				"cache", entry.Config.Name, "key", key, "error", err)
			continue
		}
		if !ok {
			continue
		}
		decoded, err := DecodeKeyRecord(data)
		if err != nil {
			logger.Warn("Dropping corrupt key record.", "cache", entry.Config.Name, "key", key)
			_ = entry.Backend.DropItem(key)
			continue
		}
		rec = decoded
		found = true
		break
	}
	if !found {
		return false, nil
	}

	// The record must cover every required output.
	for field := range req.Outputs {
		if _, ok := rec.Outputs[field]; !ok {
			return false, nil
		}
	}

	rate := rec.Rate()
	for _, entry := range m.entries {
		if !entry.Config.Fetch.Admits(rate) {
			continue
		}
		ok, err := m.fetchAll(entry, rec, req.Outputs)
		if err != nil {
			logger.Warn("Cache fetch failed, trying next backend.",
				"cache", entry.Config.Name, "key", key, "error", err)
			continue
		}
		if !ok {
			continue
		}
		touchFetch(entry.Backend, key)
		m.replicate(ctx, entry, key, rec, rate, req.Outputs)
		return true, nil
	}
	return false, nil
}

// fetchAll stages every blob beside its destination, then moves the
// complete set into place. Any miss or error discards the staging area.
func (m *Manager) fetchAll(entry Entry, rec KeyRecord, outputs map[string]string) (bool, error) {
	type staged struct{ from, to string }
	var moves []staged
	cleanup := func() {
		for _, mv := range moves {
			os.RemoveAll(mv.from)
		}
	}

	for field, dst := range outputs {
		blobKey := rec.Outputs[field]
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			cleanup()
			return false, err
		}
		// Staging in the destination directory keeps the final rename on
		// one filesystem.
		stage, err := os.MkdirTemp(filepath.Dir(dst), ".bw-fetch-*")
		if err != nil {
			cleanup()
			return false, err
		}
		moves = append(moves, staged{from: stage, to: dst})
		ok, err := entry.Backend.FetchItem(blobKey, filepath.Join(stage, "item"))
		if err != nil {
			cleanup()
			return false, err
		}
		if !ok {
			cleanup()
			return false, nil
		}
		touchFetch(entry.Backend, blobKey)
	}

	for _, mv := range moves {
		if err := os.RemoveAll(mv.to); err != nil {
			cleanup()
			return false, err
		}
		if err := os.Rename(filepath.Join(mv.from, "item"), mv.to); err != nil {
			cleanup()
			return false, err
		}
		os.RemoveAll(mv.from)
	}
	return true, nil
}

// replicate pushes a fetched record and its materialized blobs into every
// other backend whose store condition admits them.
func (m *Manager) replicate(ctx context.Context, source Entry, key string, rec KeyRecord, rate float64, outputs map[string]string) {
	logger := ctxlog.FromContext(ctx)
	data, err := rec.Encode()
	if err != nil {
		return
	}
	for _, entry := range m.entries {
		if entry.Backend == source.Backend {
			continue
		}
		if !entry.Config.Store.Admits(rate) {
			continue
		}
		if _, err := StoreBytes(entry.Backend, key, data); err != nil {
			logger.Warn("Cache replication failed.",
				"cache", entry.Config.Name, "key", key, "error", err)
			continue
		}
		for field, path := range outputs {
			if _, err := entry.Backend.StoreItem(rec.Outputs[field], path); err != nil {
				logger.Warn("Cache replication failed.",
					"cache", entry.Config.Name, "key", rec.Outputs[field], "error", err)
			}
		}
	}
}

// OutputArtefact describes one realized output ready for storage.
type OutputArtefact struct {
	Field       string
	Path        string
	ContentHash string
	ByteSize    int64
}

// StoreRequest pushes the outputs of one executed transform.
type StoreRequest struct {
	DefinitionHash string
	RunTime        time.Duration
	Outputs        []OutputArtefact
}

// Store pushes the outputs to every backend whose store condition admits
// them, independently: one backend failing does not stop the others, and
// a failed store never fails the run.
func (m *Manager) Store(ctx context.Context, req StoreRequest) bool {
	if len(m.entries) == 0 {
		return false
	}
	logger := ctxlog.FromContext(ctx)

	rec := KeyRecord{
		RunSeconds: req.RunTime.Seconds(),
		Outputs:    make(map[string]string, len(req.Outputs)),
	}
	for _, out := range req.Outputs {
		rec.ByteSize += out.ByteSize
		rec.Outputs[out.Field] = BlobFor(out.ContentHash)
	}
	data, err := rec.Encode()
	if err != nil {
		logger.Warn("Cannot encode key record, skipping store.", "error", err)
		return false
	}

	rate := ByteRate(rec.ByteSize, req.RunTime)
	stored := false
	for _, entry := range m.entries {
		if !entry.Config.Store.Admits(rate) {
			continue
		}
		ok := true
		for _, out := range req.Outputs {
			if _, err := entry.Backend.StoreItem(BlobFor(out.ContentHash), out.Path); err != nil {
				logger.Warn("Cache store failed, run continues.",
					"cache", entry.Config.Name, "key", BlobFor(out.ContentHash), "error", err)
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		if _, err := StoreBytes(entry.Backend, KeyFor(req.DefinitionHash), data); err != nil {
			logger.Warn("Cache store failed, run continues.",
				"cache", entry.Config.Name, "key", KeyFor(req.DefinitionHash), "error", err)
			continue
		}
		stored = true
	}
	return stored
}

// CheckDeterminism compares freshly computed content hashes against the
// key record cached by each determinism-checking backend. Violations are
// returned, not raised: policy is applied by the caller.
func (m *Manager) CheckDeterminism(ctx context.Context, transformName, definitionHash string, fresh map[string]string) []*DeterminismError {
	var violations []*DeterminismError
	key := KeyFor(definitionHash)
	for _, entry := range m.entries {
		if !entry.Config.CheckDeterminism {
			continue
		}
		data, ok, err := FetchBytes(entry.Backend, key)
		if err != nil || !ok {
			continue
		}
		rec, err := DecodeKeyRecord(data)
		if err != nil {
			continue
		}
		for field, contentHash := range fresh {
			cached, ok := rec.Outputs[field]
			if !ok {
				continue
			}
			if cached != BlobFor(contentHash) {
				violations = append(violations, &DeterminismError{
					Transform: transformName,
					Cache:     entry.Config.Name,
					Field:     field,
					Cached:    cached,
					Fresh:     BlobFor(contentHash),
				})
			}
		}
	}
	return violations
}

// ReadKeyRecord looks a key record up across all backends, in order.
func (m *Manager) ReadKeyRecord(definitionHash string) (KeyRecord, bool) {
	for _, entry := range m.entries {
		data, ok, err := FetchBytes(entry.Backend, KeyFor(definitionHash))
		if err != nil || !ok {
			continue
		}
		if rec, err := DecodeKeyRecord(data); err == nil {
			return rec, true
		}
	}
	return KeyRecord{}, false
}

// FetchBlob materializes a single blob by content hash, trying every
// backend in order.
func (m *Manager) FetchBlob(contentHash, dst string) bool {
	for _, entry := range m.entries {
		ok, err := entry.Backend.FetchItem(BlobFor(contentHash), dst)
		if err == nil && ok {
			touchFetch(entry.Backend, BlobFor(contentHash))
			return true
		}
	}
	return false
}
