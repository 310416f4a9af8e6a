package app_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockwork-eda/blockwork/internal/app"
	"github.com/blockwork-eda/blockwork/internal/scheduler"
)

const buildFile = `
run {
  workers = 2
  targets = ["double"]
}

caching {
  cache "local" {
    kind = "local"
    path = "cachedir"
  }
}

transform "gen" {
  command = "sh"
  args    = ["-c", "printf data > {out}"]
  output "out" {
    path = "artifacts/gen.txt"
  }
}

transform "double" {
  command = "sh"
  args    = ["-c", "cat {src} {src} > {out}"]
  input "src" {
    path = "artifacts/gen.txt"
  }
  output "out" {
    path = "artifacts/double.txt"
  }
}
`

func writeProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "build.bw.hcl")
	require.NoError(t, os.WriteFile(path, []byte(buildFile), 0o644))
	return path
}

func newApp(t *testing.T, path string) (*app.App, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	engine, err := app.New(&out, &app.Config{
		BuildPath: path,
		LogFormat: "text",
		LogLevel:  "error",
	})
	require.NoError(t, err)
	return engine, &out
}

func TestApp_EndToEnd(t *testing.T) {
	path := writeProject(t)
	dir := filepath.Dir(path)

	engine, out := newApp(t, path)
	result, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusExecuted, result.Statuses["gen"])
	require.Equal(t, scheduler.StatusExecuted, result.Statuses["double"])

	data, err := os.ReadFile(filepath.Join(dir, "artifacts", "double.txt"))
	require.NoError(t, err)
	require.Equal(t, "datadata", string(data))
	require.Contains(t, out.String(), "executed")

	// A second run over unchanged definitions fetches the intermediate
	// artefact instead of re-running its command.
	engine2, _ := newApp(t, path)
	result, err = engine2.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusFetched, result.Statuses["gen"])
	require.Equal(t, scheduler.StatusExecuted, result.Statuses["double"])
}

func TestApp_NoCacheDisablesFetching(t *testing.T) {
	path := writeProject(t)

	engine, _ := newApp(t, path)
	_, err := engine.Run(context.Background())
	require.NoError(t, err)

	var out bytes.Buffer
	engine2, err := app.New(&out, &app.Config{
		BuildPath: path,
		NoCache:   true,
		LogFormat: "text",
		LogLevel:  "error",
	})
	require.NoError(t, err)
	result, err := engine2.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusExecuted, result.Statuses["gen"])
}

func TestApp_CacheVerbs(t *testing.T) {
	path := writeProject(t)
	dir := filepath.Dir(path)

	engine, _ := newApp(t, path)
	_, err := engine.Run(context.Background())
	require.NoError(t, err)

	reader, out := newApp(t, path)
	require.NoError(t, reader.ReadKey(context.Background(), "gen"))
	require.Contains(t, out.String(), "definition_hash")
	require.Contains(t, out.String(), "blob:")

	require.Error(t, reader.ReadKey(context.Background(), "missing"))

	// Fetch repopulates a deleted artefact from the cache.
	require.NoError(t, os.Remove(filepath.Join(dir, "artifacts", "gen.txt")))
	fetcher, _ := newApp(t, path)
	require.NoError(t, fetcher.FetchOutputs(context.Background(), "gen"))
	data, err := os.ReadFile(filepath.Join(dir, "artifacts", "gen.txt"))
	require.NoError(t, err)
	require.Equal(t, "data", string(data))
}

func TestApp_FailureReturnsRunError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "build.bw.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
transform "boom" {
  command = "sh"
  args    = ["-c", "echo nope >&2; exit 7"]
  output "out" {
    path = "artifacts/never.txt"
  }
}
`), 0o644))

	engine, out := newApp(t, path)
	_, err := engine.Run(context.Background())
	require.Error(t, err)
	var runErr *scheduler.RunError
	require.ErrorAs(t, err, &runErr)
	require.Contains(t, runErr.Error(), "exited 7")
	require.Contains(t, out.String(), "failed")
}
