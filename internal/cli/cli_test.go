package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (*Command, bool, error) {
	t.Helper()
	var out bytes.Buffer
	return Parse(args, &out)
}

func TestParse_Defaults(t *testing.T) {
	cmd, exit, err := parse(t)
	require.NoError(t, err)
	require.False(t, exit)
	require.Equal(t, "run", cmd.Verb)
	require.Equal(t, "build.bw.hcl", cmd.App.BuildPath)
	require.Equal(t, "text", cmd.App.LogFormat)
	require.Equal(t, "info", cmd.App.LogLevel)
}

func TestParse_PositionalBuildPath(t *testing.T) {
	cmd, _, err := parse(t, "-workers", "8", "-targets", "synth, place", "project/build.hcl")
	require.NoError(t, err)
	require.Equal(t, "project/build.hcl", cmd.App.BuildPath)
	require.Equal(t, 8, cmd.App.Workers)
	require.Equal(t, []string{"synth", "place"}, cmd.App.Targets)
}

func TestParse_CacheVerbs(t *testing.T) {
	cmd, _, err := parse(t, "-build", "b.hcl", "cache", "read-key", "synth")
	require.NoError(t, err)
	require.Equal(t, "read-key", cmd.Verb)
	require.Equal(t, "synth", cmd.Transform)
	require.Equal(t, "b.hcl", cmd.App.BuildPath)

	cmd, _, err = parse(t, "cache", "fetch", "place")
	require.NoError(t, err)
	require.Equal(t, "fetch", cmd.Verb)
	require.Equal(t, "place", cmd.Transform)
}

func TestParse_UsageErrors(t *testing.T) {
	for _, args := range [][]string{
		{"cache"},
		{"cache", "read-key"},
		{"cache", "evict", "synth"},
		{"-log-format", "xml"},
		{"-log-level", "loud"},
		{"one.hcl", "two.hcl"},
	} {
		_, _, err := parse(t, args...)
		require.Error(t, err, "%v", args)
		exitErr, ok := err.(*ExitError)
		require.True(t, ok, "%v", args)
		require.Equal(t, 2, exitErr.Code, "%v", args)
	}
}

func TestParse_HelpExitsCleanly(t *testing.T) {
	_, exit, err := parse(t, "-h")
	require.NoError(t, err)
	require.True(t, exit)
}
