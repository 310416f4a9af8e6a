// Package config loads build files and lowers them onto engine types:
// transforms, tool versions, cache backend settings and run options.
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/blockwork-eda/blockwork/internal/cache"
	"github.com/blockwork-eda/blockwork/internal/iface"
	"github.com/blockwork-eda/blockwork/internal/runner"
	"github.com/blockwork-eda/blockwork/internal/tools"
	"github.com/blockwork-eda/blockwork/internal/transform"
)

// RunSettings are the run-wide knobs from the build file. Command-line
// flags may override them.
type RunSettings struct {
	Workers  int
	FailFast bool
	Targets  []string
	Scratch  string
}

// CachingSettings configure the cache subsystem.
type CachingSettings struct {
	Enabled          bool
	TargetsFromCache bool
	Determinism      cache.DeterminismPolicy
	Backends         []cache.BackendConfig
}

// Project is a fully lowered build file.
type Project struct {
	Dir        string
	Run        RunSettings
	Caching    CachingSettings
	Tools      []tools.Version
	Transforms []*transform.Transform
}

// Load parses and lowers the build file at path. Relative paths in the
// file resolve against the file's directory.
func Load(path string) (*Project, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing %s: %w", path, diags)
	}
	var raw File
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return nil, fmt.Errorf("decoding %s: %w", path, diags)
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	project := &Project{Dir: dir}

	if raw.Run != nil {
		project.Run = RunSettings{
			Workers:  raw.Run.Workers,
			FailFast: raw.Run.FailFast,
			Targets:  raw.Run.Targets,
			Scratch:  resolvePath(dir, raw.Run.Scratch),
		}
	}
	if project.Run.Scratch == "" {
		project.Run.Scratch = filepath.Join(dir, ".bw")
	}

	if err := project.lowerCaching(raw.Caching); err != nil {
		return nil, err
	}
	for _, block := range raw.Tools {
		project.Tools = append(project.Tools, tools.Version{
			Tool:     block.Name,
			Version:  block.Version,
			Env:      block.Env,
			PathDirs: resolvePaths(dir, block.PathDirs),
			Default:  block.Default,
		})
	}
	for _, block := range raw.Transforms {
		t, err := lowerTransform(dir, block)
		if err != nil {
			return nil, err
		}
		project.Transforms = append(project.Transforms, t)
	}
	return project, nil
}

func (p *Project) lowerCaching(block *CachingBlock) error {
	if block == nil {
		return nil
	}
	p.Caching.Enabled = len(block.Caches) > 0
	if block.Enabled != nil {
		p.Caching.Enabled = *block.Enabled
	}
	p.Caching.TargetsFromCache = block.TargetsFromCache

	switch strings.ToLower(block.Determinism) {
	case "", "warn":
		p.Caching.Determinism = cache.DeterminismWarn
	case "fail":
		p.Caching.Determinism = cache.DeterminismFail
	default:
		return fmt.Errorf("invalid determinism policy %q: want warn or fail", block.Determinism)
	}

	for _, c := range block.Caches {
		cfg := cache.BackendConfig{
			Name:             c.Name,
			Kind:             c.Kind,
			Path:             resolvePath(p.Dir, c.Path),
			CheckDeterminism: c.CheckDeterminism,
			Options:          c.Options,
		}
		if c.MaxSize != "" {
			size, err := humanize.ParseBytes(c.MaxSize)
			if err != nil {
				return fmt.Errorf("cache %q: invalid max_size %q: %w", c.Name, c.MaxSize, err)
			}
			cfg.MaxSize = int64(size)
		}
		var err error
		if cfg.Fetch, err = parseCondition(c.Name, "fetch", c.Fetch, cache.Always()); err != nil {
			return err
		}
		if cfg.Store, err = parseCondition(c.Name, "store", c.Store, cache.Always()); err != nil {
			return err
		}
		p.Caching.Backends = append(p.Caching.Backends, cfg)
	}
	return nil
}

func parseCondition(cacheName, attr, raw string, fallback cache.Condition) (cache.Condition, error) {
	if raw == "" {
		return fallback, nil
	}
	cond, err := cache.ParseCondition(raw)
	if err != nil {
		return cache.Condition{}, fmt.Errorf("cache %q: %s: %w", cacheName, attr, err)
	}
	return cond, nil
}

// lowerTransform builds an executable transform from its block. The
// procedure expands "{field}" tokens in command arguments to the field's
// bound value at execution time, after automatic paths are assigned.
func lowerTransform(dir string, block *TransformBlock) (*transform.Transform, error) {
	var fields []iface.Field
	binds := make(map[string]iface.Value)

	for _, in := range block.Inputs {
		field := iface.Field{
			Name:      in.Name,
			Dir:       iface.In,
			EnvKey:    in.EnvKey,
			EnvPolicy: iface.EnvPolicy(in.EnvPolicy),
		}
		switch {
		case in.Path != nil && in.Value != nil:
			return nil, fmt.Errorf(
				"transform %q input %q: path and value are mutually exclusive", block.Name, in.Name)
		case in.Path != nil:
			binds[in.Name] = iface.PathRef{Host: resolvePath(dir, *in.Path), Dir: in.Dir}
		case in.Value != nil:
			binds[in.Name] = iface.Scalar{Val: *in.Value}
		default:
			return nil, fmt.Errorf(
				"transform %q input %q: needs a path or a value", block.Name, in.Name)
		}
		fields = append(fields, field)
	}

	for _, out := range block.Outputs {
		field := iface.Field{Name: out.Name, Dir: iface.Out, Auto: out.Path == nil}
		if out.Path != nil {
			binds[out.Name] = iface.PathRef{Host: resolvePath(dir, *out.Path), Dir: out.Dir}
		}
		fields = append(fields, field)
	}

	command := block.Command
	args := block.Args
	workDir := resolvePath(dir, block.WorkDir)
	env := make(map[string]string, len(block.Env))
	for _, e := range block.Env {
		if err := iface.MergeEnv(env, e.Key, e.Value, iface.EnvPolicy(e.Policy)); err != nil {
			return nil, fmt.Errorf("transform %q: %w", block.Name, err)
		}
	}

	t, err := transform.New(transform.Spec{
		Name:   block.Name,
		Fields: fields,
		Tools:  block.Tools,
		Proc: func(ctx context.Context, t *transform.Transform) ([]runner.Procedure, error) {
			expanded := make([]string, len(args))
			for i, arg := range args {
				value, err := expandArg(t, arg)
				if err != nil {
					return nil, err
				}
				expanded[i] = value
			}
			return []runner.Procedure{{
				Command: command,
				Args:    expanded,
				Env:     env,
				WorkDir: workDir,
			}}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	for name, value := range binds {
		if err := t.Bind(name, value); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// expandArg substitutes every "{field}" token with the rendered bound
// value of the named field.
func expandArg(t *transform.Transform, arg string) (string, error) {
	if !strings.Contains(arg, "{") {
		return arg, nil
	}
	var out strings.Builder
	rest := arg
	for {
		open := strings.Index(rest, "{")
		if open < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		end := strings.Index(rest[open:], "}")
		if end < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		out.WriteString(rest[:open])
		name := rest[open+1 : open+end]
		v := t.Value(name)
		if v == nil {
			return "", fmt.Errorf("transform %q: argument references unknown field %q", t.Name(), name)
		}
		parts, err := iface.FlattenEnvValue(v)
		if err != nil {
			return "", fmt.Errorf("transform %q field %q: %w", t.Name(), name, err)
		}
		out.WriteString(strings.Join(parts, ":"))
		rest = rest[open+end+1:]
	}
}

func resolvePath(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

func resolvePaths(dir string, paths []string) []string {
	out := make([]string, len(paths))
	for i, path := range paths {
		out[i] = resolvePath(dir, path)
	}
	return out
}
