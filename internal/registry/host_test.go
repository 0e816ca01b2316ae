package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-dev/atelier/internal/common/logger"
)

func newTestHost(t *testing.T) (*LocalHostTools, string) {
	t.Helper()
	log, err := logger.New(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	root := t.TempDir()
	return NewLocalHostTools(root, log), root
}

func TestLocalHostToolsReadFile(t *testing.T) {
	ctx := context.Background()
	host, root := newTestHost(t)

	path := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("alpha\nbeta\ngamma\ndelta"), 0o644))

	t.Run("whole file", func(t *testing.T) {
		content, err := host.ReadFile(ctx, path, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, "alpha\nbeta\ngamma\ndelta", content)
	})

	t.Run("line window", func(t *testing.T) {
		content, err := host.ReadFile(ctx, path, 2, 2)
		require.NoError(t, err)
		assert.Equal(t, "beta\ngamma", content)
	})

	t.Run("window past end is clamped", func(t *testing.T) {
		content, err := host.ReadFile(ctx, path, 99, 5)
		require.NoError(t, err)
		assert.Equal(t, "", content)
	})

	t.Run("relative path resolves under the root", func(t *testing.T) {
		content, err := host.ReadFile(ctx, "notes.txt", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, "alpha\nbeta\ngamma\ndelta", content)
	})

	t.Run("missing file errors", func(t *testing.T) {
		_, err := host.ReadFile(ctx, "missing.txt", 0, 0)
		require.Error(t, err)
	})
}

func TestLocalHostToolsWriteFile(t *testing.T) {
	ctx := context.Background()
	host, root := newTestHost(t)

	t.Run("creates parent directories", func(t *testing.T) {
		require.NoError(t, host.WriteFile(ctx, "a/b/c.txt", "nested"))
		b, err := os.ReadFile(filepath.Join(root, "a", "b", "c.txt"))
		require.NoError(t, err)
		assert.Equal(t, "nested", string(b))
	})

	t.Run("overwrites existing content", func(t *testing.T) {
		require.NoError(t, host.WriteFile(ctx, "f.txt", "one"))
		require.NoError(t, host.WriteFile(ctx, "f.txt", "two"))
		content, err := host.ReadFile(ctx, "f.txt", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, "two", content)
	})
}

func TestLocalHostToolsListDir(t *testing.T) {
	ctx := context.Background()
	host, root := newTestHost(t)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "file.txt"), []byte("12345"), 0o644))

	entries, err := host.ListDir(ctx, ".")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byName := map[string]DirEntry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	assert.True(t, byName["sub"].IsDir)
	assert.False(t, byName["file.txt"].IsDir)
	assert.Equal(t, int64(5), byName["file.txt"].Size)
}

func TestLocalHostToolsEditorOps(t *testing.T) {
	ctx := context.Background()
	host, _ := newTestHost(t)

	assert.NoError(t, host.Reformat(ctx, "main.go"))
	assert.NoError(t, host.OpenDiff(ctx, "main.go", "old", "new"))

	findings, err := host.Diagnostics(ctx, "main.go")
	assert.NoError(t, err)
	assert.Empty(t, findings)
}
