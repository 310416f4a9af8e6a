// Package diskcache stores cache items as plain files and directories
// under a root on the local filesystem. A single flock-guarded lock file
// serializes mutation across processes sharing the root; fetches copy out
// under the same lock so a concurrent prune cannot tear an item apart.
package diskcache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/blockwork-eda/blockwork/internal/cache"
)

const (
	itemsDir = "items"
	touchDir = "touch"
	lockFile = "lock"
)

// Cache is a filesystem-backed cache rooted at a directory. Items live as
// flat entries under items/; fetch recency is tracked by the mtime of a
// companion file under touch/.
type Cache struct {
	name string
	root string
	lock *flock.Flock
}

// New opens (creating if needed) a disk cache at cfg.Path.
func New(cfg cache.BackendConfig) (cache.Backend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("disk cache %q: path is required", cfg.Name)
	}
	root, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, err
	}
	for _, sub := range []string{itemsDir, touchDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("disk cache %q: %w", cfg.Name, err)
		}
	}
	return &Cache{
		name: cfg.Name,
		root: root,
		lock: flock.New(filepath.Join(root, lockFile)),
	}, nil
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) itemPath(key string) string {
	return filepath.Join(c.root, itemsDir, key)
}

func (c *Cache) touchPath(key string) string {
	return filepath.Join(c.root, touchDir, key)
}

// StoreItem copies src into the cache under key. Stores are idempotent
// and atomic: the item is assembled in a temp path and renamed in.
func (c *Cache) StoreItem(key, src string) (bool, error) {
	if err := c.lock.Lock(); err != nil {
		return false, err
	}
	defer c.lock.Unlock()

	dst := c.itemPath(key)
	if _, err := os.Lstat(dst); err == nil {
		return true, nil
	}

	tmp := dst + ".partial"
	os.RemoveAll(tmp)
	if err := copyTree(src, tmp); err != nil {
		os.RemoveAll(tmp)
		return false, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.RemoveAll(tmp)
		return false, err
	}
	return true, nil
}

// FetchItem copies the stored item out to dst. A missing key is a clean
// miss.
func (c *Cache) FetchItem(key, dst string) (bool, error) {
	if err := c.lock.Lock(); err != nil {
		return false, err
	}
	defer c.lock.Unlock()

	src := c.itemPath(key)
	if _, err := os.Lstat(src); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, err
	}
	if err := copyTree(src, dst); err != nil {
		os.RemoveAll(dst)
		return false, err
	}
	return true, nil
}

func (c *Cache) DropItem(key string) error {
	if err := c.lock.Lock(); err != nil {
		return err
	}
	defer c.lock.Unlock()
	os.Remove(c.touchPath(key))
	return os.RemoveAll(c.itemPath(key))
}

func (c *Cache) Keys() ([]string, error) {
	if err := c.lock.Lock(); err != nil {
		return nil, err
	}
	defer c.lock.Unlock()

	entries, err := os.ReadDir(filepath.Join(c.root, itemsDir))
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, entry.Name())
	}
	return keys, nil
}

// LastFetch returns the item's last fetch time, or the zero time when it
// has never been fetched.
func (c *Cache) LastFetch(key string) time.Time {
	info, err := os.Stat(c.touchPath(key))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// TouchFetch records a fetch by bumping the companion file's mtime.
func (c *Cache) TouchFetch(key string) {
	path := c.touchPath(key)
	now := time.Now()
	if err := os.Chtimes(path, now, now); err == nil {
		return
	}
	if f, err := os.Create(path); err == nil {
		f.Close()
	}
}

// copyTree copies a file, symlink or directory tree, preserving file
// modes but not ownership or times.
func copyTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)
	case info.IsDir():
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	default:
		return copyFile(src, dst, info.Mode().Perm())
	}
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
