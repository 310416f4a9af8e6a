// Package statestore persists small JSON documents between runs, keyed by
// namespace and name. The engine uses it for prior run measurements, which
// feed duration estimates so the slowest transforms are scheduled first.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Store is a directory of JSON documents. All access goes through a
// single flock so concurrent runs sharing a scratch tree do not interleave
// partial writes.
type Store struct {
	root string
	lock *flock.Flock
}

// Open creates (if needed) a state store rooted at dir.
func Open(dir string) (*Store, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	return &Store{
		root: root,
		lock: flock.New(filepath.Join(root, "lock")),
	}, nil
}

func (s *Store) path(namespace, name string) (string, error) {
	for _, part := range []string{namespace, name} {
		if part == "" || part != filepath.Base(part) {
			return "", fmt.Errorf("invalid state key %q/%q", namespace, name)
		}
	}
	return filepath.Join(s.root, namespace, name+".json"), nil
}

// Load reads a document into out. A document that has never been saved
// returns (false, nil) and leaves out untouched.
func (s *Store) Load(namespace, name string, out any) (bool, error) {
	path, err := s.path(namespace, name)
	if err != nil {
		return false, err
	}
	if err := s.lock.Lock(); err != nil {
		return false, err
	}
	defer s.lock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("corrupt state %s/%s: %w", namespace, name, err)
	}
	return true, nil
}

// Save writes a document atomically, replacing any previous version.
func (s *Store) Save(namespace, name string, doc any) error {
	path, err := s.path(namespace, name)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := s.lock.Lock(); err != nil {
		return err
	}
	defer s.lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Drop removes a document; missing documents are not an error.
func (s *Store) Drop(namespace, name string) error {
	path, err := s.path(namespace, name)
	if err != nil {
		return err
	}
	if err := s.lock.Lock(); err != nil {
		return err
	}
	defer s.lock.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
