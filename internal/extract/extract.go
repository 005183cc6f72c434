// Package extract finds storage connection strings on code search result
// pages and pairs each with the repository it was found in.
package extract

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/codesearch/internal/codesearch"
)

const (
	// Marker opens every connection string the extractor looks for.
	Marker = "DefaultEndpointsProtocol"
	// Terminator closes a connection string: the padding of the base64 key.
	Terminator = "=="
)

// Default selectors for the search result markup.
const (
	DefaultContainerSelector = "div[class*='code-list-item']"
	DefaultCodeLineSelector  = "td[class*='blob-code']"
	DefaultTitleSelector     = "p[class*='title']"
)

// Extractor locates result containers, code lines and repository titles with
// CSS selectors. The zero value uses the default selectors.
type Extractor struct {
	ContainerSelector string
	CodeLineSelector  string
	TitleSelector     string
}

var _ codesearch.Extractor = (*Extractor)(nil)

// New returns an Extractor with the default selectors.
func New() *Extractor {
	return &Extractor{
		ContainerSelector: DefaultContainerSelector,
		CodeLineSelector:  DefaultCodeLineSelector,
		TitleSelector:     DefaultTitleSelector,
	}
}

// IdentifyConnectionStrings runs the default Extractor over page.
func IdentifyConnectionStrings(page io.Reader) ([]codesearch.Candidate, error) {
	return New().IdentifyConnectionStrings(page)
}

// IdentifyConnectionStrings returns the distinct complete candidates on page,
// in document order.
func (e *Extractor) IdentifyConnectionStrings(page io.Reader) ([]codesearch.Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(page)
	if err != nil {
		return nil, fmt.Errorf("parse result page: %w", err)
	}

	seen := make(map[codesearch.Candidate]struct{})
	var out []codesearch.Candidate
	doc.Find(or(e.ContainerSelector, DefaultContainerSelector)).Each(func(_ int, container *goquery.Selection) {
		repository := e.repository(container)
		for _, secret := range ScanConnectionStrings(e.code(container)) {
			c := codesearch.NewCandidate(repository, secret)
			if !c.IsComplete() {
				continue
			}
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	})
	return out, nil
}

// code joins the trimmed text of each code line. goquery already returns
// entity-decoded text.
func (e *Extractor) code(container *goquery.Selection) string {
	var lines []string
	container.Find(or(e.CodeLineSelector, DefaultCodeLineSelector)).Each(func(_ int, line *goquery.Selection) {
		lines = append(lines, strings.TrimSpace(line.Text()))
	})
	return strings.Join(lines, "\n")
}

func (e *Extractor) repository(container *goquery.Selection) string {
	title := container.Find(or(e.TitleSelector, DefaultTitleSelector)).First()
	return strings.TrimSpace(title.Find("a").First().Text())
}

// ScanConnectionStrings returns every Marker..Terminator span in code. When a
// second marker appears before the terminator the scan restarts from it, so
// nested matches resolve to the innermost one. Spans that cross a line break
// are dropped.
func ScanConnectionStrings(code string) []string {
	var out []string
	pos := 0
	for pos < len(code) {
		begin := indexFold(code, Marker, pos)
		if begin < 0 {
			break
		}
		end := strings.Index(code[begin+1:], Terminator)
		if end < 0 {
			break
		}
		end += begin + 1
		if inner := indexFold(code, Marker, begin+1); inner >= 0 && inner < end {
			pos = inner
			continue
		}
		match := code[begin : end+len(Terminator)]
		pos = end + len(Terminator)
		if strings.ContainsAny(match, "\r\n") {
			continue
		}
		out = append(out, match)
	}
	return out
}

// indexFold is an ASCII case-insensitive strings.Index starting at from. The
// returned offset indexes the original string.
func indexFold(s, substr string, from int) int {
	n := len(substr)
next:
	for i := from; i+n <= len(s); i++ {
		for j := 0; j < n; j++ {
			if lower(s[i+j]) != lower(substr[j]) {
				continue next
			}
		}
		return i
	}
	return -1
}

func lower(b byte) byte {
	if 'A' <= b && b <= 'Z' {
		return b + 'a' - 'A'
	}
	return b
}

func or(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
