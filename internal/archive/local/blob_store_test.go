package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/codesearch/internal/archive/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("CreatesMissingDir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "pages")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Empty(t, entries, "probe file must be cleaned up")
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		require.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	baseDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: baseDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("NestedPage", func(t *testing.T) {
		name := "pages/2024/03/09/page-001-abc.html"
		data := []byte("<html>page</html>")
		uri, err := store.PutObject(ctx, name, "text/html", bytes.NewReader(data))
		require.NoError(t, err)
		require.Equal(t, "file://"+filepath.Join(baseDir, name), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		got, err := os.ReadFile(filepath.Join(baseDir, name))
		require.NoError(t, err)
		require.Equal(t, data, got)

		entries, err := os.ReadDir(filepath.Join(baseDir, "pages/2024/03/09"))
		require.NoError(t, err)
		require.Len(t, entries, 1, "no partial files left behind")
	})

	t.Run("Overwrite", func(t *testing.T) {
		name := "same.html"
		_, err := store.PutObject(ctx, name, "text/html", bytes.NewReader([]byte("one")))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, name, "text/html", bytes.NewReader([]byte("two")))
		require.NoError(t, err)
		// #nosec G304 -- test reads from the controlled temp directory.
		got, err := os.ReadFile(filepath.Join(baseDir, name))
		require.NoError(t, err)
		require.Equal(t, "two", string(got))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, " ", "text/html", bytes.NewReader([]byte("data")))
		require.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../escape.html", "text/html", bytes.NewReader([]byte("data")))
		require.ErrorContains(t, err, "path traversal")
	})
}
