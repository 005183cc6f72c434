// Package promote fetches with a cheap probe fetcher and re-fetches with a
// headless browser when the probe's page looks client rendered.
package promote

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/codesearch/internal/codesearch"
)

// Detector decides whether a probe response needs a headless fetch.
type Detector interface {
	ShouldPromote(resp codesearch.FetchResponse) bool
}

// Fetcher implements codesearch.Fetcher.
type Fetcher struct {
	probe    codesearch.Fetcher
	headless codesearch.Fetcher
	detector Detector
	logger   *zap.Logger
}

var _ codesearch.Fetcher = (*Fetcher)(nil)

// New returns a promoting Fetcher.
func New(probe, headless codesearch.Fetcher, detector Detector, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{probe: probe, headless: headless, detector: detector, logger: logger}
}

// Fetch returns the probe response unless the detector asks for promotion.
// A failed promotion falls back to the probe response.
func (f *Fetcher) Fetch(ctx context.Context, req codesearch.FetchRequest) (codesearch.FetchResponse, error) {
	resp, err := f.probe.Fetch(ctx, req)
	if err != nil {
		return codesearch.FetchResponse{}, fmt.Errorf("probe fetch: %w", err)
	}
	if f.headless == nil || f.detector == nil || !f.detector.ShouldPromote(resp) {
		return resp, nil
	}
	headlessResp, err := f.headless.Fetch(ctx, req)
	if err != nil {
		f.logger.Warn("headless promotion failed", zap.String("url", req.URL), zap.Error(err))
		return resp, nil
	}
	headlessResp.UsedHeadless = true
	f.logger.Debug("headless promotion applied", zap.String("url", req.URL))
	return headlessResp, nil
}
