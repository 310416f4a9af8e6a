package config

import "github.com/zclconf/go-cty/cty"

// File is the top-level structure of a build file.
type File struct {
	Run        *RunBlock         `hcl:"run,block"`
	Caching    *CachingBlock     `hcl:"caching,block"`
	Tools      []*ToolBlock      `hcl:"tool,block"`
	Transforms []*TransformBlock `hcl:"transform,block"`
}

// RunBlock carries run-wide settings.
type RunBlock struct {
	Workers  int      `hcl:"workers,optional"`
	FailFast bool     `hcl:"fail_fast,optional"`
	Targets  []string `hcl:"targets,optional"`
	Scratch  string   `hcl:"scratch,optional"`
}

// CachingBlock configures the cache subsystem for the project.
type CachingBlock struct {
	Enabled          *bool         `hcl:"enabled,optional"`
	TargetsFromCache bool          `hcl:"targets_from_cache,optional"`
	Determinism      string        `hcl:"determinism,optional"`
	Caches           []*CacheBlock `hcl:"cache,block"`
}

// CacheBlock configures one backend. Declaration order is lookup
// priority.
type CacheBlock struct {
	Name             string            `hcl:"name,label"`
	Kind             string            `hcl:"kind"`
	Path             string            `hcl:"path,optional"`
	MaxSize          string            `hcl:"max_size,optional"`
	Fetch            string            `hcl:"fetch,optional"`
	Store            string            `hcl:"store,optional"`
	CheckDeterminism bool              `hcl:"check_determinism,optional"`
	Options          map[string]string `hcl:"options,optional"`
}

// ToolBlock registers one versioned tool installation.
type ToolBlock struct {
	Name     string            `hcl:"name,label"`
	Version  string            `hcl:"version,label"`
	Default  bool              `hcl:"default,optional"`
	Env      map[string]string `hcl:"env,optional"`
	PathDirs []string          `hcl:"path_dirs,optional"`
}

// TransformBlock declares one unit of build work executed as a command.
type TransformBlock struct {
	Name    string         `hcl:"name,label"`
	Command string         `hcl:"command"`
	Args    []string       `hcl:"args,optional"`
	WorkDir string         `hcl:"workdir,optional"`
	Tools   []string       `hcl:"tools,optional"`
	Inputs  []*InputBlock  `hcl:"input,block"`
	Outputs []*OutputBlock `hcl:"output,block"`
	Env     []*EnvBlock    `hcl:"env,block"`
}

// InputBlock declares one input interface. Exactly one of path or value
// must be set.
type InputBlock struct {
	Name      string     `hcl:"name,label"`
	Path      *string    `hcl:"path,optional"`
	Dir       bool       `hcl:"dir,optional"`
	Value     *cty.Value `hcl:"value,optional"`
	EnvKey    string     `hcl:"env_key,optional"`
	EnvPolicy string     `hcl:"env_policy,optional"`
}

// OutputBlock declares one output interface. Without a path the engine
// assigns one under the scratch area.
type OutputBlock struct {
	Name string  `hcl:"name,label"`
	Path *string `hcl:"path,optional"`
	Dir  bool    `hcl:"dir,optional"`
}

// EnvBlock contributes a fixed environment variable to the transform's
// procedures.
type EnvBlock struct {
	Key    string `hcl:"key,label"`
	Value  string `hcl:"value"`
	Policy string `hcl:"policy,optional"`
}
