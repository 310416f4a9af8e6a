// Package memcache keeps cache items in process memory. It backs
// ephemeral caches and tests; nothing survives the process.
package memcache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blockwork-eda/blockwork/internal/cache"
)

// node is an in-memory snapshot of a file, symlink or directory tree.
type node struct {
	mode     os.FileMode
	data     []byte
	link     string
	children map[string]*node
}

// Cache is a memory-backed cache. Safe for concurrent use within one
// process; the cross-process guarantees of persistent backends do not
// apply and are not needed.
type Cache struct {
	name string

	mu      sync.Mutex
	items   map[string]*node
	fetched map[string]time.Time
}

// New builds an empty in-memory cache.
func New(cfg cache.BackendConfig) (cache.Backend, error) {
	return &Cache{
		name:    cfg.Name,
		items:   make(map[string]*node),
		fetched: make(map[string]time.Time),
	}, nil
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) StoreItem(key, src string) (bool, error) {
	snap, err := snapshot(src)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; exists {
		return true, nil
	}
	c.items[key] = snap
	return true, nil
}

func (c *Cache) FetchItem(key, dst string) (bool, error) {
	c.mu.Lock()
	snap, ok := c.items[key]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, err
	}
	if err := restore(snap, dst); err != nil {
		os.RemoveAll(dst)
		return false, err
	}
	return true, nil
}

func (c *Cache) DropItem(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	delete(c.fetched, key)
	return nil
}

func (c *Cache) Keys() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.items))
	for key := range c.items {
		keys = append(keys, key)
	}
	return keys, nil
}

func (c *Cache) LastFetch(key string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetched[key]
}

func (c *Cache) TouchFetch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetched[key] = time.Now()
}

func snapshot(path string) (*node, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return nil, err
		}
		return &node{mode: info.Mode(), link: target}, nil
	case info.IsDir():
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		snap := &node{mode: info.Mode(), children: make(map[string]*node, len(entries))}
		for _, entry := range entries {
			child, err := snapshot(filepath.Join(path, entry.Name()))
			if err != nil {
				return nil, err
			}
			snap.children[entry.Name()] = child
		}
		return snap, nil
	case info.Mode().IsRegular():
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, err
		}
		return &node{mode: info.Mode(), data: data}, nil
	default:
		return nil, fmt.Errorf("unsupported file type at %s", path)
	}
}

func restore(snap *node, dst string) error {
	switch {
	case snap.link != "":
		return os.Symlink(snap.link, dst)
	case snap.children != nil:
		if err := os.MkdirAll(dst, snap.mode.Perm()); err != nil {
			return err
		}
		for name, child := range snap.children {
			if err := restore(child, filepath.Join(dst, name)); err != nil {
				return err
			}
		}
		return nil
	default:
		return os.WriteFile(dst, snap.data, snap.mode.Perm())
	}
}
