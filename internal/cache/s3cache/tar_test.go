package s3cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockwork-eda/blockwork/internal/cache"
)

func cacheConfig(options map[string]string) cache.BackendConfig {
	return cache.BackendConfig{Name: "s3test", Kind: "s3", Options: options}
}

func TestPackUnpack_RoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested", "deep"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "top.txt"), []byte("top"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "deep", "leaf.bin"), []byte("leaf"), 0o600))
	require.NoError(t, os.Symlink("top.txt", filepath.Join(src, "alias")))

	archive, err := packDir(src)
	require.NoError(t, err)
	defer os.Remove(archive)

	dst := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, unpackDir(archive, dst))

	data, err := os.ReadFile(filepath.Join(dst, "top.txt"))
	require.NoError(t, err)
	require.Equal(t, "top", string(data))

	data, err = os.ReadFile(filepath.Join(dst, "nested", "deep", "leaf.bin"))
	require.NoError(t, err)
	require.Equal(t, "leaf", string(data))

	target, err := os.Readlink(filepath.Join(dst, "alias"))
	require.NoError(t, err)
	require.Equal(t, "top.txt", target)
}

func TestUnpack_EmptyDirSurvives(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "empty"), 0o755))

	archive, err := packDir(src)
	require.NoError(t, err)
	defer os.Remove(archive)

	dst := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, unpackDir(archive, dst))

	info, err := os.Stat(filepath.Join(dst, "empty"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNew_ValidatesOptions(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")

	cases := []map[string]string{
		{},
		{"endpoint": "s3.example.com"},
		{"endpoint": "s3.example.com", "bucket": "b"},
		{"endpoint": "s3.example.com", "bucket": "b", "access_key": "ak", "secret_key": "sk", "use_ssl": "maybe"},
	}
	for _, options := range cases {
		_, err := New(cacheConfig(options))
		require.Error(t, err, "%v", options)
	}

	_, err := New(cacheConfig(map[string]string{
		"endpoint": "s3.example.com", "bucket": "b", "access_key": "ak", "secret_key": "sk",
	}))
	require.NoError(t, err)
}
