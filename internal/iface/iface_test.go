package iface

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

func TestValidate_RejectsRelativeHostPaths(t *testing.T) {
	err := Validate(PathRef{Host: "relative/out.bin"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "absolute")
}

func TestValidate_RejectsNestedEnv(t *testing.T) {
	nested := Env{
		Key:    "OUTER",
		Policy: EnvReplace,
		Val:    Env{Key: "INNER", Policy: EnvReplace, Val: Str("x")},
	}
	err := Validate(nested)
	require.Error(t, err)
	require.Contains(t, err.Error(), "may not nest")
}

func TestValidate_AcceptsCompositeValues(t *testing.T) {
	v := List{Elems: []Value{
		Str("flag"),
		Path("/work/in.txt"),
		Map{Elems: map[string]Value{"depth": Int(3)}},
	}}
	require.NoError(t, Validate(v))
}

func TestMergeEnv_Policies(t *testing.T) {
	env := map[string]string{"PATH": "/usr/bin"}

	require.NoError(t, MergeEnv(env, "PATH", "/opt/tool/bin", EnvPrepend))
	require.Equal(t, "/opt/tool/bin:/usr/bin", env["PATH"])

	require.NoError(t, MergeEnv(env, "PATH", "/extra", EnvAppend))
	require.Equal(t, "/opt/tool/bin:/usr/bin:/extra", env["PATH"])

	require.NoError(t, MergeEnv(env, "CC", "gcc", EnvConflict))
	require.NoError(t, MergeEnv(env, "CC", "gcc", EnvConflict))
	err := MergeEnv(env, "CC", "clang", EnvConflict)
	require.Error(t, err)
	require.Equal(t, "gcc", env["CC"])

	require.NoError(t, MergeEnv(env, "CC", "clang", EnvReplace))
	require.Equal(t, "clang", env["CC"])
}

func TestFlattenEnvValue_PrefersGuestPath(t *testing.T) {
	parts, err := FlattenEnvValue(PathRef{Host: "/host/a", Guest: "/guest/a"})
	require.NoError(t, err)
	require.Equal(t, []string{"/guest/a"}, parts)

	parts, err = FlattenEnvValue(List{Elems: []Value{Str("one"), Int(2)}})
	require.NoError(t, err)
	require.Equal(t, []string{"one", "2"}, parts)
}

func TestWalkPaths_DeterministicOrder(t *testing.T) {
	v := Map{Elems: map[string]Value{
		"zeta":  Path("/z"),
		"alpha": Path("/a"),
		"mid":   List{Elems: []Value{Path("/m1"), Path("/m2")}},
	}}
	var hosts []string
	for _, ref := range WalkPaths(v) {
		hosts = append(hosts, ref.Host)
	}
	require.Equal(t, []string{"/a", "/m1", "/m2", "/z"}, hosts)
}

func TestWriteHashable_ElidesPathIdentity(t *testing.T) {
	var a, b strings.Builder
	require.NoError(t, WriteHashable(&a, PathRef{Host: "/tmp/run1/out"}))
	require.NoError(t, WriteHashable(&b, PathRef{Host: "/tmp/run2/out"}))
	require.Equal(t, a.String(), b.String())

	var dir strings.Builder
	require.NoError(t, WriteHashable(&dir, DirPath("/tmp/run1/out")))
	require.NotEqual(t, a.String(), dir.String())
}

func TestWriteHashable_MapOrderIndependent(t *testing.T) {
	left := Map{Elems: map[string]Value{"a": Str("1"), "b": Str("2"), "c": Str("3")}}
	right := Map{Elems: map[string]Value{"c": Str("3"), "a": Str("1"), "b": Str("2")}}

	var l, r strings.Builder
	require.NoError(t, WriteHashable(&l, left))
	require.NoError(t, WriteHashable(&r, right))
	require.Equal(t, l.String(), r.String())
}

func TestWriteHashable_ScalarTypesDistinct(t *testing.T) {
	var asString, asNumber strings.Builder
	require.NoError(t, WriteHashable(&asString, Scalar{Val: cty.StringVal("1")}))
	require.NoError(t, WriteHashable(&asNumber, Scalar{Val: cty.NumberIntVal(1)}))
	require.NotEqual(t, asString.String(), asNumber.String())
}

func TestFieldCheck(t *testing.T) {
	require.NoError(t, Field{Name: "src", Dir: In}.Check())
	require.Error(t, Field{Name: "", Dir: In}.Check())
	require.Error(t, Field{Name: "out", Dir: Out, EnvKey: "OUT"}.Check())
	require.Error(t, Field{Name: "src", Dir: In, Auto: true}.Check())
	require.Error(t, Field{Name: "src", Dir: In, EnvPolicy: "sideways"}.Check())
}
