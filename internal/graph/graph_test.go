package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockwork-eda/blockwork/internal/iface"
	"github.com/blockwork-eda/blockwork/internal/runner"
	"github.com/blockwork-eda/blockwork/internal/transform"
)

func noProcs(_ context.Context, _ *transform.Transform) ([]runner.Procedure, error) {
	return nil, nil
}

// node builds a transform consuming the given paths and producing the
// given paths, all rooted under base.
func node(t *testing.T, base, name string, inputs, outputs []string) *transform.Transform {
	t.Helper()
	var fields []iface.Field
	binds := make(map[string]iface.Value)
	for i, in := range inputs {
		field := iface.Field{Name: "in" + string(rune('a'+i)), Dir: iface.In}
		fields = append(fields, field)
		binds[field.Name] = iface.Path(filepath.Join(base, in))
	}
	for i, out := range outputs {
		field := iface.Field{Name: "out" + string(rune('a'+i)), Dir: iface.Out}
		fields = append(fields, field)
		binds[field.Name] = iface.Path(filepath.Join(base, out))
	}
	tr, err := transform.New(transform.Spec{Name: name, Fields: fields, Proc: noProcs})
	require.NoError(t, err)
	for field, value := range binds {
		require.NoError(t, tr.Bind(field, value))
	}
	return tr
}

func TestBuild_DerivesEdgesFromPaths(t *testing.T) {
	base := t.TempDir()
	g, err := Build([]*transform.Transform{
		node(t, base, "synth", []string{"rtl.v"}, []string{"netlist.json"}),
		node(t, base, "place", []string{"netlist.json"}, []string{"layout.def"}),
		node(t, base, "report", []string{"netlist.json", "layout.def"}, []string{"report.txt"}),
	}, nil, t.TempDir())
	require.NoError(t, err)

	require.Equal(t, []string{"synth"}, g.Dependencies("place"))
	require.Equal(t, []string{"place", "synth"}, g.Dependencies("report"))
	require.Equal(t, []string{"place", "report"}, g.Dependents("synth"))
}

func TestBuild_DuplicateProducerIsFatal(t *testing.T) {
	base := t.TempDir()
	_, err := Build([]*transform.Transform{
		node(t, base, "a", nil, []string{"same.bin"}),
		node(t, base, "b", nil, []string{"same.bin"}),
	}, nil, t.TempDir())
	require.Error(t, err)
	require.Contains(t, err.Error(), "produced by both")
}

func TestBuild_CycleIsFatal(t *testing.T) {
	base := t.TempDir()
	_, err := Build([]*transform.Transform{
		node(t, base, "a", []string{"y"}, []string{"x"}),
		node(t, base, "b", []string{"x"}, []string{"y"}),
	}, nil, t.TempDir())
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
}

func TestBuild_PrunesToTargetClosure(t *testing.T) {
	base := t.TempDir()
	g, err := Build([]*transform.Transform{
		node(t, base, "synth", []string{"rtl.v"}, []string{"netlist.json"}),
		node(t, base, "place", []string{"netlist.json"}, []string{"layout.def"}),
		node(t, base, "unrelated", []string{"doc.md"}, []string{"doc.html"}),
	}, []string{"place"}, t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 2, g.Len())
	require.Nil(t, g.Transform("unrelated"))
	require.True(t, g.IsTarget("place"))
	require.False(t, g.IsTarget("synth"))
}

func TestBuild_UnknownTargetIsFatal(t *testing.T) {
	base := t.TempDir()
	_, err := Build([]*transform.Transform{
		node(t, base, "only", nil, []string{"out"}),
	}, []string{"missing"}, t.TempDir())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown build target")
}

func TestTopological_RespectsDependencies(t *testing.T) {
	base := t.TempDir()
	g, err := Build([]*transform.Transform{
		node(t, base, "report", []string{"layout.def"}, []string{"report.txt"}),
		node(t, base, "synth", []string{"rtl.v"}, []string{"netlist.json"}),
		node(t, base, "place", []string{"netlist.json"}, []string{"layout.def"}),
	}, nil, t.TempDir())
	require.NoError(t, err)

	order := g.Topological()
	require.Len(t, order, 3)
	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	require.Less(t, pos["synth"], pos["place"])
	require.Less(t, pos["place"], pos["report"])

	reverse := g.ReverseTopological()
	require.Equal(t, order[0], reverse[len(reverse)-1])
}
