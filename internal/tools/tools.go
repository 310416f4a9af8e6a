// Package tools holds the registry of tool versions a transform may
// require, and binds their environment contributions into procedure
// environments. It stands in for the container/tool binding layer: the
// engine only consumes the resulting environment and path mappings.
package tools

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blockwork-eda/blockwork/internal/iface"
)

// Version is a concrete, installed version of a tool.
type Version struct {
	Tool    string
	Version string
	// Env holds plain variables the tool exposes (e.g. license servers).
	Env map[string]string
	// PathDirs are prepended to $PATH for procedures requiring this tool.
	PathDirs []string
	// Default marks the version selected when a requirement omits one.
	Default bool
}

// ID returns the canonical `tool@version` identifier.
func (v Version) ID() string {
	return v.Tool + "@" + v.Version
}

// Registry is an explicit registration table of tool versions.
type Registry struct {
	mu       sync.RWMutex
	versions map[string][]Version
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{versions: make(map[string][]Version)}
}

// Register adds a version to the table. Registering a second default for
// the same tool, or the same version twice, is a configuration error.
func (r *Registry) Register(v Version) error {
	if v.Tool == "" || v.Version == "" {
		return fmt.Errorf("tool registration needs both a name and a version")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.versions[v.Tool] {
		if existing.Version == v.Version {
			return fmt.Errorf("tool %s registered twice", v.ID())
		}
		if existing.Default && v.Default {
			return fmt.Errorf(
				"tool %q has two default versions: %s and %s",
				v.Tool, existing.Version, v.Version)
		}
	}
	r.versions[v.Tool] = append(r.versions[v.Tool], v)
	return nil
}

// Resolve looks up a requirement of the form `tool` (default version) or
// `tool@version`.
func (r *Registry) Resolve(requirement string) (Version, error) {
	name, version, _ := strings.Cut(requirement, "@")
	r.mu.RLock()
	defer r.mu.RUnlock()
	candidates, ok := r.versions[name]
	if !ok {
		return Version{}, fmt.Errorf("unknown tool %q", name)
	}
	if version == "" {
		for _, c := range candidates {
			if c.Default {
				return c, nil
			}
		}
		if len(candidates) == 1 {
			return candidates[0], nil
		}
		return Version{}, fmt.Errorf("tool %q has no default version", name)
	}
	for _, c := range candidates {
		if c.Version == version {
			return c, nil
		}
	}
	return Version{}, fmt.Errorf("tool %q has no version %q", name, version)
}

// Bind resolves a transform's requirements and merges every tool's
// environment contributions into env. Plain variables merge under the
// conflict policy; path directories prepend onto $PATH.
func (r *Registry) Bind(requirements []string, env map[string]string) error {
	for _, requirement := range requirements {
		version, err := r.Resolve(requirement)
		if err != nil {
			return err
		}
		for key, val := range version.Env {
			if err := iface.MergeEnv(env, key, val, iface.EnvConflict); err != nil {
				return fmt.Errorf("binding tool %s: %w", version.ID(), err)
			}
		}
		for _, dir := range version.PathDirs {
			if err := iface.MergeEnv(env, "PATH", dir, iface.EnvPrepend); err != nil {
				return fmt.Errorf("binding tool %s: %w", version.ID(), err)
			}
		}
	}
	return nil
}
