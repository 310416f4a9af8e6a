package iface

import "fmt"

// Direction marks whether a field feeds into or out of a transform.
type Direction int

const (
	In Direction = iota
	Out
)

func (d Direction) IsInput() bool  { return d == In }
func (d Direction) IsOutput() bool { return d == Out }

func (d Direction) String() string {
	if d == In {
		return "in"
	}
	return "out"
}

// Field declares a single named interface slot on a transform.
type Field struct {
	Name string
	Dir  Direction

	// Default supplies a value when none is bound. DefaultFunc takes
	// precedence and is re-evaluated per transform instance.
	Default     Value
	DefaultFunc func() Value

	// EnvKey exposes a bound input in the procedure environment under the
	// given variable, merged per EnvPolicy. Only valid on inputs.
	EnvKey    string
	EnvPolicy EnvPolicy

	// Auto marks an output whose path is derived from the transform
	// identity and field name rather than supplied by the caller.
	Auto bool
}

// Check validates the field declaration itself (not a bound value).
func (f Field) Check() error {
	if f.Name == "" {
		return fmt.Errorf("field name must be non-empty")
	}
	if f.Default != nil && f.DefaultFunc != nil {
		return fmt.Errorf("field %q: default and default factory are mutually exclusive", f.Name)
	}
	if f.EnvKey != "" && f.Dir.IsOutput() {
		return fmt.Errorf("field %q: environment exposure is only valid on inputs", f.Name)
	}
	if f.EnvPolicy != "" && !f.EnvPolicy.valid() {
		return fmt.Errorf("field %q: invalid environment merge policy %q", f.Name, f.EnvPolicy)
	}
	if f.Auto && f.Dir.IsInput() {
		return fmt.Errorf("field %q: automatic paths are only valid on outputs", f.Name)
	}
	return nil
}

// DefaultValue resolves the declared default, or nil when the field has
// none.
func (f Field) DefaultValue() Value {
	if f.DefaultFunc != nil {
		return f.DefaultFunc()
	}
	return f.Default
}
