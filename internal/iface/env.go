package iface

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// EnvPolicy controls how an environment contribution merges with a variable
// that is already set.
type EnvPolicy string

const (
	// EnvConflict refuses to overwrite an existing, different value.
	EnvConflict EnvPolicy = "conflict"
	// EnvAppend joins the value onto the end of a path-style list.
	EnvAppend EnvPolicy = "append"
	// EnvPrepend joins the value onto the front of a path-style list.
	EnvPrepend EnvPolicy = "prepend"
	// EnvReplace unconditionally overwrites.
	EnvReplace EnvPolicy = "replace"
)

func (p EnvPolicy) valid() bool {
	switch p {
	case EnvConflict, EnvAppend, EnvPrepend, EnvReplace:
		return true
	}
	return false
}

// MergeEnv applies a single contribution to an environment map under the
// given policy. Path-style lists are joined with ':'.
func MergeEnv(env map[string]string, key, val string, policy EnvPolicy) error {
	current, exists := env[key]
	switch policy {
	case EnvReplace:
		env[key] = val
	case EnvAppend:
		if exists && current != "" {
			env[key] = current + ":" + val
		} else {
			env[key] = val
		}
	case EnvPrepend:
		if exists && current != "" {
			env[key] = val + ":" + current
		} else {
			env[key] = val
		}
	case EnvConflict, "":
		if exists && current != val {
			return fmt.Errorf(
				"cannot set $%s to %q: already set to %q and merge policy is conflict",
				key, val, current)
		}
		env[key] = val
	default:
		return fmt.Errorf("invalid environment merge policy %q", policy)
	}
	return nil
}

// FlattenEnvValue renders an Env contribution's value into the strings that
// should be merged, one per element for list values.
func FlattenEnvValue(v Value) ([]string, error) {
	switch val := v.(type) {
	case Scalar:
		s, err := scalarString(val)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	case PathRef:
		if val.Guest != "" {
			return []string{val.Guest}, nil
		}
		return []string{val.Host}, nil
	case List:
		var out []string
		for _, elem := range val.Elems {
			part, err := FlattenEnvValue(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, part...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value of type %T cannot be exposed in the environment", v)
	}
}

func scalarString(s Scalar) (string, error) {
	if s.Val.IsNull() {
		return "", nil
	}
	conv, err := convert.Convert(s.Val, cty.String)
	if err != nil {
		return "", fmt.Errorf("scalar cannot be rendered for the environment: %w", err)
	}
	return conv.AsString(), nil
}
