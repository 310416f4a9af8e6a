package iface

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Value is the closed set of types an interface slot may carry.
type Value interface {
	isValue()
}

// Scalar wraps a constant cty value (string, number, bool or a wholly
// constant collection).
type Scalar struct {
	Val cty.Value
}

// PathRef refers to an artefact on disk. Host is the path on the host
// filesystem; Guest optionally names the path the artefact should appear at
// inside an execution sandbox. Dir marks directory artefacts.
type PathRef struct {
	Host  string
	Guest string
	Dir   bool
}

// Env contributes an environment variable to the procedure environment of
// the consuming transform. Val may be a Scalar, a PathRef, or a List of
// those.
type Env struct {
	Key    string
	Val    Value
	Policy EnvPolicy
}

// List is an ordered composite of values.
type List struct {
	Elems []Value
}

// Map is a string-keyed composite of values.
type Map struct {
	Elems map[string]Value
}

func (Scalar) isValue()  {}
func (PathRef) isValue() {}
func (Env) isValue()     {}
func (List) isValue()    {}
func (Map) isValue()     {}

// Convenience constructors for scalar leaves.

func Str(s string) Scalar    { return Scalar{Val: cty.StringVal(s)} }
func Int(i int64) Scalar     { return Scalar{Val: cty.NumberIntVal(i)} }
func Float(f float64) Scalar { return Scalar{Val: cty.NumberFloatVal(f)} }
func Bool(b bool) Scalar     { return Scalar{Val: cty.BoolVal(b)} }

// Path builds a host-side file reference.
func Path(host string) PathRef { return PathRef{Host: host} }

// DirPath builds a host-side directory reference.
func DirPath(host string) PathRef { return PathRef{Host: host, Dir: true} }

// Validate checks the shape of a value. Environment contributions may not
// nest, path references need at least one side, and host paths must be
// absolute so they survive serialization into hash inputs and sandbox
// bindings.
func Validate(v Value) error {
	return validate(v, false)
}

func validate(v Value, insideEnv bool) error {
	switch val := v.(type) {
	case Scalar:
		if val.Val == cty.NilVal {
			return fmt.Errorf("scalar value is nil")
		}
		return nil
	case PathRef:
		if val.Host == "" && val.Guest == "" {
			return fmt.Errorf("path reference needs a host or guest path")
		}
		if val.Host != "" && !filepath.IsAbs(val.Host) {
			return fmt.Errorf("host path must be absolute, got %q", val.Host)
		}
		if val.Guest != "" && !filepath.IsAbs(val.Guest) {
			return fmt.Errorf("guest path must be absolute, got %q", val.Guest)
		}
		return nil
	case Env:
		if insideEnv {
			return fmt.Errorf("environment contribution %q may not nest inside another", val.Key)
		}
		if val.Key == "" {
			return fmt.Errorf("environment contribution needs a key")
		}
		if !val.Policy.valid() {
			return fmt.Errorf("invalid environment merge policy %q for %q", val.Policy, val.Key)
		}
		return validate(val.Val, true)
	case List:
		for i, elem := range val.Elems {
			if err := validate(elem, insideEnv); err != nil {
				return fmt.Errorf("list element %d: %w", i, err)
			}
		}
		return nil
	case Map:
		for key, elem := range val.Elems {
			if key == "" {
				return fmt.Errorf("map keys must be non-empty")
			}
			if err := validate(elem, insideEnv); err != nil {
				return fmt.Errorf("map entry %q: %w", key, err)
			}
		}
		return nil
	case nil:
		return fmt.Errorf("value is nil")
	default:
		return fmt.Errorf("unknown value type %T", v)
	}
}

// WalkPaths returns every path reference inside a value, in deterministic
// order. These are the medials through which dependency edges are derived.
func WalkPaths(v Value) []PathRef {
	var out []PathRef
	walkPaths(v, &out)
	return out
}

func walkPaths(v Value, out *[]PathRef) {
	switch val := v.(type) {
	case PathRef:
		*out = append(*out, val)
	case Env:
		walkPaths(val.Val, out)
	case List:
		for _, elem := range val.Elems {
			walkPaths(elem, out)
		}
	case Map:
		for _, key := range sortedKeys(val.Elems) {
			walkPaths(val.Elems[key], out)
		}
	}
}

// WriteHashable writes a canonical representation of the value's declared
// shape to w. Path identities are elided (only their presence and
// directory-ness is included) since generated paths vary between runs and
// must not perturb definition hashes; the content behind a path is rolled
// in separately by the hash engine.
func WriteHashable(w io.Writer, v Value) error {
	switch val := v.(type) {
	case Scalar:
		raw, err := ctyjson.Marshal(val.Val, val.Val.Type())
		if err != nil {
			return fmt.Errorf("serializing scalar for hashing: %w", err)
		}
		fmt.Fprintf(w, "scalar<%s>:", val.Val.Type().FriendlyName())
		w.Write(raw)
		io.WriteString(w, ";")
	case PathRef:
		fmt.Fprintf(w, "path<%t,%t,%t>;", val.Host != "", val.Guest != "", val.Dir)
	case Env:
		fmt.Fprintf(w, "env<%s,%s>:", val.Key, val.Policy)
		if err := WriteHashable(w, val.Val); err != nil {
			return err
		}
		io.WriteString(w, ";")
	case List:
		fmt.Fprintf(w, "list<%d>:", len(val.Elems))
		for _, elem := range val.Elems {
			if err := WriteHashable(w, elem); err != nil {
				return err
			}
		}
		io.WriteString(w, ";")
	case Map:
		fmt.Fprintf(w, "map<%d>:", len(val.Elems))
		for _, key := range sortedKeys(val.Elems) {
			fmt.Fprintf(w, "%s=", key)
			if err := WriteHashable(w, val.Elems[key]); err != nil {
				return err
			}
		}
		io.WriteString(w, ";")
	default:
		return fmt.Errorf("unknown value type %T", v)
	}
	return nil
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
