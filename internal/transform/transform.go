// Package transform defines the unit of build work: a named set of typed
// input and output interfaces, a tool requirement set, and a procedure
// builder that maps bound values to concrete invocations for the job
// runner. Transforms are immutable once finalized for a graph instance.
package transform

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/blockwork-eda/blockwork/internal/iface"
	"github.com/blockwork-eda/blockwork/internal/runner"
)

// ProcFunc builds the procedures that realize a transform's outputs from
// its bound inputs. It runs during the execution phase, after all values
// are finalized.
type ProcFunc func(ctx context.Context, t *Transform) ([]runner.Procedure, error)

// Spec declares a transform before any values are bound.
type Spec struct {
	Name   string
	Fields []iface.Field
	Tools  []string
	Proc   ProcFunc
}

// Transform is a single node of build work.
type Transform struct {
	name      string
	fields    []iface.Field
	index     map[string]int
	values    map[string]iface.Value
	tools     []string
	proc      ProcFunc
	finalized bool
}

// New constructs a transform from its declaration. Field names must be
// unique and individually well-formed.
func New(spec Spec) (*Transform, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("transform needs a name")
	}
	if spec.Proc == nil {
		return nil, fmt.Errorf("transform %q needs a procedure builder", spec.Name)
	}
	index := make(map[string]int, len(spec.Fields))
	for i, field := range spec.Fields {
		if err := field.Check(); err != nil {
			return nil, fmt.Errorf("transform %q: %w", spec.Name, err)
		}
		if _, dup := index[field.Name]; dup {
			return nil, fmt.Errorf("transform %q: duplicate field %q", spec.Name, field.Name)
		}
		index[field.Name] = i
	}
	return &Transform{
		name:   spec.Name,
		fields: spec.Fields,
		index:  index,
		values: make(map[string]iface.Value),
		tools:  spec.Tools,
		proc:   spec.Proc,
	}, nil
}

// Name returns the transform's stable identity.
func (t *Transform) Name() string { return t.name }

// Tools returns the declared tool requirements.
func (t *Transform) Tools() []string { return t.tools }

// Fields returns the ordered interface declarations.
func (t *Transform) Fields() []iface.Field { return t.fields }

// Bind attaches a value to a declared field. Must happen before Finalize.
func (t *Transform) Bind(field string, v iface.Value) error {
	if t.finalized {
		return fmt.Errorf("transform %q is finalized", t.name)
	}
	if _, ok := t.index[field]; !ok {
		return fmt.Errorf("transform %q has no field %q", t.name, field)
	}
	if err := iface.Validate(v); err != nil {
		return fmt.Errorf("transform %q field %q: %w", t.name, field, err)
	}
	t.values[field] = v
	return nil
}

// Finalize resolves defaults and automatic output paths against the run's
// scratch root, then freezes the transform. An unbound input with no
// default, or an unbound non-automatic output, is a configuration error.
func (t *Transform) Finalize(scratch string) error {
	if t.finalized {
		return nil
	}
	for _, field := range t.fields {
		if _, bound := t.values[field.Name]; bound {
			continue
		}
		if def := field.DefaultValue(); def != nil {
			if err := iface.Validate(def); err != nil {
				return fmt.Errorf("transform %q field %q default: %w", t.name, field.Name, err)
			}
			t.values[field.Name] = def
			continue
		}
		if field.Dir.IsInput() {
			return fmt.Errorf(
				"transform %q: input %q has no value and no default", t.name, field.Name)
		}
		if !field.Auto {
			return fmt.Errorf(
				"transform %q: output %q must be initialised by the caller", t.name, field.Name)
		}
		t.values[field.Name] = iface.PathRef{
			Host: filepath.Join(scratch, t.name, field.Name),
		}
	}
	t.finalized = true
	return nil
}

// Value returns the bound value for a field, or nil when unbound.
func (t *Transform) Value(field string) iface.Value {
	return t.values[field]
}

// InputPaths returns every path reference bound to an input field.
func (t *Transform) InputPaths() []iface.PathRef {
	var out []iface.PathRef
	for _, field := range t.fields {
		if !field.Dir.IsInput() {
			continue
		}
		if v, ok := t.values[field.Name]; ok {
			out = append(out, iface.WalkPaths(v)...)
		}
	}
	return out
}

// OutputPaths returns the path references bound to each output field, in
// declaration order.
func (t *Transform) OutputPaths() map[string][]iface.PathRef {
	out := make(map[string][]iface.PathRef)
	for _, field := range t.fields {
		if !field.Dir.IsOutput() {
			continue
		}
		if v, ok := t.values[field.Name]; ok {
			out[field.Name] = iface.WalkPaths(v)
		}
	}
	return out
}

// OutputFields returns the names of all declared output fields in order.
func (t *Transform) OutputFields() []string {
	var out []string
	for _, field := range t.fields {
		if field.Dir.IsOutput() {
			out = append(out, field.Name)
		}
	}
	return out
}

// ApplyEnv merges the transform's environment contributions into env:
// fields exposed via EnvKey first, then any Env values nested inside
// bound inputs.
func (t *Transform) ApplyEnv(env map[string]string) error {
	for _, field := range t.fields {
		if !field.Dir.IsInput() {
			continue
		}
		v, ok := t.values[field.Name]
		if !ok {
			continue
		}
		if field.EnvKey != "" {
			parts, err := iface.FlattenEnvValue(v)
			if err != nil {
				return fmt.Errorf("transform %q field %q: %w", t.name, field.Name, err)
			}
			for _, part := range parts {
				if err := iface.MergeEnv(env, field.EnvKey, part, field.EnvPolicy); err != nil {
					return fmt.Errorf("transform %q field %q: %w", t.name, field.Name, err)
				}
			}
		}
		if err := applyNestedEnv(env, v); err != nil {
			return fmt.Errorf("transform %q field %q: %w", t.name, field.Name, err)
		}
	}
	return nil
}

func applyNestedEnv(env map[string]string, v iface.Value) error {
	switch val := v.(type) {
	case iface.Env:
		parts, err := iface.FlattenEnvValue(val.Val)
		if err != nil {
			return err
		}
		for _, part := range parts {
			if err := iface.MergeEnv(env, val.Key, part, val.Policy); err != nil {
				return err
			}
		}
	case iface.List:
		for _, elem := range val.Elems {
			if err := applyNestedEnv(env, elem); err != nil {
				return err
			}
		}
	case iface.Map:
		for _, elem := range val.Elems {
			if err := applyNestedEnv(env, elem); err != nil {
				return err
			}
		}
	}
	return nil
}

// Procedures builds the invocations for the job runner. The provided env
// is the fully merged base environment (tools plus interface
// contributions); procedure-specific entries layer on top of a copy.
func (t *Transform) Procedures(ctx context.Context, env map[string]string) ([]runner.Procedure, error) {
	if !t.finalized {
		return nil, fmt.Errorf("transform %q is not finalized", t.name)
	}
	procs, err := t.proc(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("building procedures for %q: %w", t.name, err)
	}
	for i := range procs {
		merged := make(map[string]string, len(env)+len(procs[i].Env))
		for key, val := range env {
			merged[key] = val
		}
		for key, val := range procs[i].Env {
			merged[key] = val
		}
		procs[i].Env = merged
	}
	return procs, nil
}
