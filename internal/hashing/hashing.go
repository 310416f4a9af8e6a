// Package hashing computes the two hash domains of the engine.
//
// Definition hashes identify what a transform *would* produce: they roll up
// a transform's static input configuration with the definition hashes of
// every upstream producer, recursively, and are computable before anything
// runs. Content hashes identify what an artefact *did* produce: they are
// computed from realized bytes after execution (or a cache fetch), so
// byte-identical artefacts collapse to the same hash regardless of where
// they live or which transform made them.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/blockwork-eda/blockwork/internal/graph"
	"github.com/blockwork-eda/blockwork/internal/iface"
)

// contentMemoSize bounds the per-engine memo of static source hashes.
const contentMemoSize = 4096

// Engine memoises hashes for the duration of one run.
type Engine struct {
	content *lru.Cache[string, string]
}

// NewEngine returns a hash engine with an empty memo.
func NewEngine() *Engine {
	memo, err := lru.New[string, string](contentMemoSize)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(err)
	}
	return &Engine{content: memo}
}

// DefinitionHashes computes the definition hash of every transform in the
// graph, sources first, since each hash folds in the hashes of its
// producers. Static input files (paths with no producer in the graph) are
// content-hashed so edits to them invalidate downstream definitions.
func (e *Engine) DefinitionHashes(g *graph.Graph) (map[string]string, error) {
	defs := make(map[string]string, g.Len())
	for _, name := range g.Topological() {
		t := g.Transform(name)
		h := sha256.New()
		for _, field := range t.Fields() {
			if !field.Dir.IsInput() {
				continue
			}
			v := t.Value(field.Name)
			if v == nil {
				continue
			}
			io.WriteString(h, field.Name)
			if err := iface.WriteHashable(h, v); err != nil {
				return nil, fmt.Errorf("transform %q field %q: %w", name, field.Name, err)
			}
			for _, ref := range iface.WalkPaths(v) {
				if ref.Host == "" {
					continue
				}
				if producer, ok := g.Producer(ref.Host); ok {
					io.WriteString(h, defs[producer])
					continue
				}
				content, err := e.ContentHash(ref.Host)
				if err != nil {
					return nil, fmt.Errorf(
						"transform %q: hashing static input %q: %w", name, ref.Host, err)
				}
				io.WriteString(h, content)
			}
		}
		defs[name] = hex.EncodeToString(h.Sum(nil))
	}
	return defs, nil
}

// ContentHash hashes the realized bytes behind a path. Directory trees
// hash a canonical sorted listing of entry names and child hashes, so the
// result is independent of enumeration order and filesystem metadata.
// Dangling symlinks hash their target. A missing or unreadable path is an
// error, never a silent skip.
func (e *Engine) ContentHash(path string) (string, error) {
	if cached, ok := e.content.Get(path); ok {
		return cached, nil
	}
	digest, err := hashPath(path)
	if err != nil {
		return "", err
	}
	e.content.Add(path, digest)
	return digest, nil
}

// ContentHashValue hashes a realized scalar artefact via its canonical
// serialization.
func ContentHashValue(v iface.Value) (string, error) {
	h := sha256.New()
	if err := iface.WriteHashable(h, v); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashPath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		// A dangling symlink is legal: hash where it points.
		if link, lerr := os.Readlink(path); lerr == nil {
			h := sha256.New()
			fmt.Fprintf(h, "symlink:%s", link)
			return hex.EncodeToString(h.Sum(nil)), nil
		}
		return "", fmt.Errorf("hashing artefact %q: %w", path, err)
	}
	if info.IsDir() {
		return hashDir(path)
	}
	return hashFile(path)
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hashing artefact %q: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing artefact %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashDir(path string) (string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("hashing artefact %q: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	h := sha256.New()
	io.WriteString(h, "dir:")
	for _, name := range names {
		child, err := hashPath(filepath.Join(path, name))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s=%s;", name, child)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
