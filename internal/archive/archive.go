// Package archive keeps a raw copy of every scraped result page so extractor
// changes can be replayed against real markup.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/codesearch/internal/codesearch"
)

const pageContentType = "text/html; charset=utf-8"

// Archiver names pages and writes them to a blob store.
type Archiver struct {
	store  codesearch.BlobStore
	prefix string
	hasher codesearch.Hasher
	clock  codesearch.Clock
}

// New creates an Archiver writing below prefix.
func New(store codesearch.BlobStore, prefix string, hasher codesearch.Hasher, clock codesearch.Clock) *Archiver {
	return &Archiver{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		hasher: hasher,
		clock:  clock,
	}
}

// SavePage stores body as {prefix}/{yyyy}/{mm}/{dd}/page-{n}-{digest}.html and
// returns the store's URI for it.
func (a *Archiver) SavePage(ctx context.Context, page int, body []byte) (string, error) {
	name, err := a.ObjectPath(page, body)
	if err != nil {
		return "", err
	}
	uri, err := a.store.PutObject(ctx, name, pageContentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive page %d: %w", page, err)
	}
	return uri, nil
}

// ObjectPath returns the object name SavePage would use.
func (a *Archiver) ObjectPath(page int, body []byte) (string, error) {
	digest, err := a.hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash page: %w", err)
	}
	if len(digest) > 16 {
		digest = digest[:16]
	}
	day := a.clock.Now().UTC().Format("2006/01/02")
	return path.Join(a.prefix, day, fmt.Sprintf("page-%03d-%s.html", page, digest)), nil
}
