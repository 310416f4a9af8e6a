package transform

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockwork-eda/blockwork/internal/iface"
	"github.com/blockwork-eda/blockwork/internal/runner"
)

func noProcs(_ context.Context, _ *Transform) ([]runner.Procedure, error) {
	return nil, nil
}

func TestFinalize_AssignsAutomaticOutputPaths(t *testing.T) {
	tr, err := New(Spec{
		Name: "compile",
		Fields: []iface.Field{
			{Name: "src", Dir: iface.In},
			{Name: "bin", Dir: iface.Out, Auto: true},
		},
		Proc: noProcs,
	})
	require.NoError(t, err)
	require.NoError(t, tr.Bind("src", iface.Path("/work/main.c")))

	scratch := t.TempDir()
	require.NoError(t, tr.Finalize(scratch))

	v := tr.Value("bin")
	ref, ok := v.(iface.PathRef)
	require.True(t, ok)
	require.Equal(t, filepath.Join(scratch, "compile", "bin"), ref.Host)
}

func TestFinalize_UnboundInputWithoutDefaultFails(t *testing.T) {
	tr, err := New(Spec{
		Name:   "lint",
		Fields: []iface.Field{{Name: "src", Dir: iface.In}},
		Proc:   noProcs,
	})
	require.NoError(t, err)
	err = tr.Finalize(t.TempDir())
	require.Error(t, err)
	require.Contains(t, err.Error(), "no value and no default")
}

func TestFinalize_AppliesDefaults(t *testing.T) {
	tr, err := New(Spec{
		Name: "sim",
		Fields: []iface.Field{
			{Name: "seed", Dir: iface.In, Default: iface.Int(42)},
		},
		Proc: noProcs,
	})
	require.NoError(t, err)
	require.NoError(t, tr.Finalize(t.TempDir()))
	require.Equal(t, iface.Int(42), tr.Value("seed"))
}

func TestBind_AfterFinalizeFails(t *testing.T) {
	tr, err := New(Spec{
		Name:   "seal",
		Fields: []iface.Field{{Name: "src", Dir: iface.In, Default: iface.Str("x")}},
		Proc:   noProcs,
	})
	require.NoError(t, err)
	require.NoError(t, tr.Finalize(t.TempDir()))
	require.Error(t, tr.Bind("src", iface.Str("y")))
}

func TestApplyEnv_FieldAndNestedContributions(t *testing.T) {
	tr, err := New(Spec{
		Name: "build",
		Fields: []iface.Field{
			{Name: "opt", Dir: iface.In, EnvKey: "OPT_LEVEL", EnvPolicy: iface.EnvReplace},
			{Name: "extras", Dir: iface.In},
		},
		Proc: noProcs,
	})
	require.NoError(t, err)
	require.NoError(t, tr.Bind("opt", iface.Str("O2")))
	require.NoError(t, tr.Bind("extras", iface.List{Elems: []iface.Value{
		iface.Env{Key: "LICENSE_SERVER", Policy: iface.EnvConflict, Val: iface.Str("lic:1717")},
	}}))
	require.NoError(t, tr.Finalize(t.TempDir()))

	env := map[string]string{}
	require.NoError(t, tr.ApplyEnv(env))
	require.Equal(t, "O2", env["OPT_LEVEL"])
	require.Equal(t, "lic:1717", env["LICENSE_SERVER"])
}

func TestProcedures_MergesBaseEnvUnderProcedureEnv(t *testing.T) {
	tr, err := New(Spec{
		Name:   "run",
		Fields: nil,
		Proc: func(_ context.Context, _ *Transform) ([]runner.Procedure, error) {
			return []runner.Procedure{{
				Command: "make",
				Env:     map[string]string{"MODE": "release"},
			}}, nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, tr.Finalize(t.TempDir()))

	procs, err := tr.Procedures(context.Background(), map[string]string{
		"MODE": "debug",
		"CC":   "gcc",
	})
	require.NoError(t, err)
	require.Len(t, procs, 1)
	require.Equal(t, "release", procs[0].Env["MODE"])
	require.Equal(t, "gcc", procs[0].Env["CC"])
}
