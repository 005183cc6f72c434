// Package detector decides when a search page must be re-fetched with a
// headless browser.
package detector

import (
	"bytes"
	"net/http"

	"github.com/JakeFAU/codesearch/internal/codesearch"
)

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
	// ResultMarker, when present in the body, means results were rendered
	// server side and no promotion is needed.
	ResultMarker []byte
}

// NewHeuristic creates a new detector. A zero threshold uses 2048 bytes.
func NewHeuristic(threshold int, resultMarker string) *Heuristic {
	if threshold <= 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold, ResultMarker: []byte(resultMarker)}
}

var spaMarkers = [][]byte{
	[]byte("<react-app"),
	[]byte("data-reactroot"),
	[]byte("id=\"__next\""),
	[]byte("id=\"app\""),
}

// ShouldPromote decides whether a headless fetch is required.
func (h *Heuristic) ShouldPromote(resp codesearch.FetchResponse) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body := bytes.ToLower(resp.Body)
	if len(body) == 0 {
		return true
	}
	if len(h.ResultMarker) > 0 && bytes.Contains(body, bytes.ToLower(h.ResultMarker)) {
		return false
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script elements cover at least a quarter
// of the lower-cased body.
func scriptDensityHigh(lower []byte) bool {
	total := len(lower)
	openTag := []byte("<script")
	closeTag := []byte("</script>")
	coverage := 0
	pos := 0

	for pos < total {
		rel := bytes.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		end := bytes.Index(lower[start:], closeTag)
		if end == -1 {
			// Unclosed script runs to the end of the document.
			coverage += total - start
			break
		}
		next := start + end + len(closeTag)
		coverage += next - start
		pos = next
	}
	return coverage > 0 && coverage*100/total >= 25
}
