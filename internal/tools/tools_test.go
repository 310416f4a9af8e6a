package tools

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func registry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(Version{
		Tool:     "synthax",
		Version:  "3.1",
		Default:  true,
		Env:      map[string]string{"SYNTHAX_HOME": "/opt/synthax/3.1"},
		PathDirs: []string{"/opt/synthax/3.1/bin"},
	}))
	require.NoError(t, reg.Register(Version{
		Tool:    "synthax",
		Version: "4.0",
		Env:     map[string]string{"SYNTHAX_HOME": "/opt/synthax/4.0"},
	}))
	return reg
}

func TestRegister_Duplicates(t *testing.T) {
	reg := registry(t)
	require.Error(t, reg.Register(Version{Tool: "synthax", Version: "3.1"}))
	require.Error(t, reg.Register(Version{Tool: "synthax", Version: "5.0", Default: true}))
}

func TestResolve_DefaultAndExplicitVersion(t *testing.T) {
	reg := registry(t)

	v, err := reg.Resolve("synthax")
	require.NoError(t, err)
	require.Equal(t, "3.1", v.Version)

	v, err = reg.Resolve("synthax@4.0")
	require.NoError(t, err)
	require.Equal(t, "4.0", v.Version)

	_, err = reg.Resolve("synthax@9.9")
	require.Error(t, err)
	_, err = reg.Resolve("unknown")
	require.Error(t, err)
}

func TestBind_MergesEnvAndPath(t *testing.T) {
	reg := registry(t)

	env := map[string]string{"PATH": "/usr/bin"}
	require.NoError(t, reg.Bind([]string{"synthax"}, env))
	require.Equal(t, "/opt/synthax/3.1", env["SYNTHAX_HOME"])
	require.Equal(t, "/opt/synthax/3.1/bin:/usr/bin", env["PATH"])
}

func TestBind_ConflictingEnvFails(t *testing.T) {
	reg := registry(t)
	env := map[string]string{"SYNTHAX_HOME": "/somewhere/else"}
	require.Error(t, reg.Bind([]string{"synthax"}, env))
}
