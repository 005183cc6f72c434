package archive_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/codesearch/internal/archive"
	"github.com/JakeFAU/codesearch/internal/archive/memory"
	"github.com/JakeFAU/codesearch/internal/hash/sha256"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

func TestSavePageWritesDatedObject(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	clock := fixedClock{t: time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC)}
	a := archive.New(store, "/pages/", sha256.New(), clock)

	body := []byte("<html>hello world</html>")
	uri, err := a.SavePage(context.Background(), 7, body)
	require.NoError(t, err)

	digest := sha256.HexDigest(body)[:16]
	want := "pages/2024/03/09/page-007-" + digest + ".html"
	require.Equal(t, "memory://"+want, uri)

	stored, ok := store.Get(want)
	require.True(t, ok)
	require.Equal(t, body, stored)
	require.Equal(t, "text/html; charset=utf-8", store.ContentType(want))
}

func TestSavePagePropagatesStoreErrors(t *testing.T) {
	t.Parallel()

	a := archive.New(failingStore{}, "", sha256.New(), fixedClock{t: time.Unix(0, 0)})
	_, err := a.SavePage(context.Background(), 1, []byte("x"))
	require.ErrorContains(t, err, "archive page 1")
}
