package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Backend is the capability contract every cache implementation provides.
// Callers must assume multiple processes may drive the same backend
// concurrently; implementations touching shared storage guard store,
// fetch and drop with their own cross-process locking.
type Backend interface {
	// Name identifies the backend in logs and reports.
	Name() string
	// StoreItem stores the file or directory at src under key. It is
	// idempotent: an existing entry is success without a rewrite.
	StoreItem(key, src string) (bool, error)
	// FetchItem materializes the item at dst. Absence is (false, nil),
	// not an error.
	FetchItem(key, dst string) (bool, error)
	// DropItem removes an item; missing keys are not an error.
	DropItem(key string) error
	// Keys enumerates the currently stored keys. The snapshot is only
	// consumed by the pruning pass, which runs exclusively.
	Keys() ([]string, error)
}

// RecencyTracker is an optional backend capability recording when items
// were last fetched. Backends without it weight recency from epoch zero.
type RecencyTracker interface {
	LastFetch(key string) time.Time
	TouchFetch(key string)
}

// BackendConfig carries the per-backend settings loaded once per run.
type BackendConfig struct {
	Name             string
	Kind             string
	Path             string
	MaxSize          int64
	Fetch            Condition
	Store            Condition
	CheckDeterminism bool
	// Options holds kind-specific settings (e.g. s3 endpoint and bucket).
	Options map[string]string
}

// Factory constructs a backend from its configuration.
type Factory func(cfg BackendConfig) (Backend, error)

// Registry is an explicit table mapping backend kinds to factories. The
// set of kinds is fixed at composition time; there is no runtime
// string-to-type resolution beyond this table.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for a backend kind.
func (r *Registry) Register(kind string, factory Factory) error {
	if _, dup := r.factories[kind]; dup {
		return fmt.Errorf("cache backend kind %q registered twice", kind)
	}
	r.factories[kind] = factory
	return nil
}

// Open constructs a backend for the given configuration.
func (r *Registry) Open(cfg BackendConfig) (Backend, error) {
	factory, ok := r.factories[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown cache backend kind %q", cfg.Kind)
	}
	backend, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening cache %q: %w", cfg.Name, err)
	}
	return backend, nil
}

// StoreBytes stores a small in-memory value (a key record) through a
// backend's item interface via a temporary file.
func StoreBytes(b Backend, key string, data []byte) (bool, error) {
	tmp, err := os.CreateTemp("", "bw-cache-*")
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	return b.StoreItem(key, tmp.Name())
}

// FetchBytes retrieves a small value stored with StoreBytes.
func FetchBytes(b Backend, key string) ([]byte, bool, error) {
	dir, err := os.MkdirTemp("", "bw-cache-*")
	if err != nil {
		return nil, false, err
	}
	defer os.RemoveAll(dir)
	dst := filepath.Join(dir, "value")
	ok, err := b.FetchItem(key, dst)
	if err != nil || !ok {
		return nil, false, err
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// ByteSize measures a file or directory tree in bytes. Missing paths
// measure zero; symlinks are not followed.
func ByteSize(path string) int64 {
	info, err := os.Lstat(path)
	if err != nil {
		return 0
	}
	if !info.IsDir() {
		return info.Size()
	}
	var total int64
	filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}

func lastFetch(b Backend, key string) time.Time {
	if tracker, ok := b.(RecencyTracker); ok {
		return tracker.LastFetch(key)
	}
	return time.Time{}
}

func touchFetch(b Backend, key string) {
	if tracker, ok := b.(RecencyTracker); ok {
		tracker.TouchFetch(key)
	}
}
