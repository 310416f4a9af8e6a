package hashing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockwork-eda/blockwork/internal/graph"
	"github.com/blockwork-eda/blockwork/internal/iface"
	"github.com/blockwork-eda/blockwork/internal/runner"
	"github.com/blockwork-eda/blockwork/internal/transform"
)

func noProcs(_ context.Context, _ *transform.Transform) ([]runner.Procedure, error) {
	return nil, nil
}

func pipeline(t *testing.T, src string) *graph.Graph {
	t.Helper()
	base := filepath.Dir(src)

	synth, err := transform.New(transform.Spec{
		Name: "synth",
		Fields: []iface.Field{
			{Name: "rtl", Dir: iface.In},
			{Name: "netlist", Dir: iface.Out},
		},
		Proc: noProcs,
	})
	require.NoError(t, err)
	require.NoError(t, synth.Bind("rtl", iface.Path(src)))
	require.NoError(t, synth.Bind("netlist", iface.Path(filepath.Join(base, "netlist.json"))))

	place, err := transform.New(transform.Spec{
		Name: "place",
		Fields: []iface.Field{
			{Name: "netlist", Dir: iface.In},
			{Name: "layout", Dir: iface.Out, Auto: true},
		},
		Proc: noProcs,
	})
	require.NoError(t, err)
	require.NoError(t, place.Bind("netlist", iface.Path(filepath.Join(base, "netlist.json"))))

	g, err := graph.Build([]*transform.Transform{synth, place}, nil, t.TempDir())
	require.NoError(t, err)
	return g
}

func TestDefinitionHashes_StableAcrossEngines(t *testing.T) {
	src := filepath.Join(t.TempDir(), "rtl.v")
	require.NoError(t, os.WriteFile(src, []byte("module top; endmodule"), 0o644))
	g := pipeline(t, src)

	first, err := NewEngine().DefinitionHashes(g)
	require.NoError(t, err)
	second, err := NewEngine().DefinitionHashes(g)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestDefinitionHashes_StaticEditInvalidatesDownstream(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "rtl.v")
	require.NoError(t, os.WriteFile(src, []byte("module top; endmodule"), 0o644))

	before, err := NewEngine().DefinitionHashes(pipeline(t, src))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(src, []byte("module top2; endmodule"), 0o644))
	after, err := NewEngine().DefinitionHashes(pipeline(t, src))
	require.NoError(t, err)

	// The edit propagates through the producer to every consumer.
	require.NotEqual(t, before["synth"], after["synth"])
	require.NotEqual(t, before["place"], after["place"])
}

func TestDefinitionHashes_MissingStaticInputIsFatal(t *testing.T) {
	src := filepath.Join(t.TempDir(), "rtl.v")
	g := pipeline(t, src)
	_, err := NewEngine().DefinitionHashes(g)
	require.Error(t, err)
	require.Contains(t, err.Error(), "static input")
}

func TestContentHash_FileMetadataIndependent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte("payload"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("payload"), 0o600))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(b, old, old))

	engine := NewEngine()
	ha, err := engine.ContentHash(a)
	require.NoError(t, err)
	hb, err := engine.ContentHash(b)
	require.NoError(t, err)
	require.Equal(t, ha, hb)
}

func TestContentHash_DirectoryCanonical(t *testing.T) {
	left := t.TempDir()
	right := t.TempDir()
	// Populate in different orders; the tree hash must not care.
	require.NoError(t, os.WriteFile(filepath.Join(left, "z.txt"), []byte("zz"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(left, "a.txt"), []byte("aa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(right, "a.txt"), []byte("aa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(right, "z.txt"), []byte("zz"), 0o644))

	engine := NewEngine()
	hl, err := engine.ContentHash(left)
	require.NoError(t, err)
	hr, err := engine.ContentHash(right)
	require.NoError(t, err)
	require.Equal(t, hl, hr)
}

func TestContentHash_DirectoryContentSensitive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("aa"), 0o644))

	engine := NewEngine()
	before, err := engine.ContentHash(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bb"), 0o644))
	after, err := NewEngine().ContentHash(dir)
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestContentHash_DanglingSymlink(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "missing-link")
	require.NoError(t, os.Symlink("/nowhere/in/particular", link))

	h, err := NewEngine().ContentHash(link)
	require.NoError(t, err)
	require.NotEmpty(t, h)
}

func TestContentHash_MissingPathIsError(t *testing.T) {
	_, err := NewEngine().ContentHash(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}

func TestContentHashValue_ScalarStable(t *testing.T) {
	a, err := ContentHashValue(iface.Str("result"))
	require.NoError(t, err)
	b, err := ContentHashValue(iface.Str("result"))
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := ContentHashValue(iface.Str("other"))
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}
