// Package scraper implements the scrape-and-validate worker: it pages through
// code search results, extracts connection strings, confirms them against the
// storage service and publishes the live ones for the notifier.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/codesearch/internal/codesearch"
	"github.com/JakeFAU/codesearch/internal/metrics"
	"github.com/JakeFAU/codesearch/internal/storageacct"
	"github.com/JakeFAU/codesearch/internal/telemetry"
)

// Defaults for the search loop.
const (
	DefaultSearchTerm = "DefaultEndpointsProtocol AccountName AccountKey"
	DefaultBaseURL    = "https://github.com/search"
	DefaultMaxPage    = 100
	DefaultShortDelay = 3 * time.Second
	DefaultLongDelay  = 10 * time.Second
)

// Config controls paging and pacing.
type Config struct {
	SearchTerm string
	BaseURL    string
	// MaxPage is the last result page requested before wrapping to page 1.
	MaxPage    int
	ShortDelay time.Duration
	LongDelay  time.Duration
	Headers    http.Header
}

// PageArchiver stores a raw copy of a fetched page.
type PageArchiver interface {
	SavePage(ctx context.Context, page int, body []byte) (string, error)
}

// Deps are the worker's collaborators. Archiver and TracerProvider may be
// nil; spans then go to the global provider.
type Deps struct {
	Fetcher        codesearch.Fetcher
	Extractor      codesearch.Extractor
	Validator      codesearch.Validator
	Queue          codesearch.Queue
	Archiver       PageArchiver
	TracerProvider trace.TracerProvider
}

// Worker holds the scrape state. It is not safe for concurrent use; the
// runner drives it from a single goroutine.
type Worker struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer

	page    int
	seen    map[codesearch.Candidate]struct{}
	pending []codesearch.Candidate
}

// New validates deps and returns a Worker at page 0 with empty state.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Worker, error) {
	if deps.Fetcher == nil || deps.Extractor == nil || deps.Validator == nil || deps.Queue == nil {
		return nil, errors.New("scraper requires fetcher, extractor, validator and queue")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SearchTerm == "" {
		cfg.SearchTerm = DefaultSearchTerm
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxPage <= 0 {
		cfg.MaxPage = DefaultMaxPage
	}
	if cfg.ShortDelay <= 0 {
		cfg.ShortDelay = DefaultShortDelay
	}
	if cfg.LongDelay <= 0 {
		cfg.LongDelay = DefaultLongDelay
	}
	return &Worker{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		tracer: telemetry.Tracer(deps.TracerProvider),
		seen:   make(map[codesearch.Candidate]struct{}),
	}, nil
}

// Name identifies the worker in logs and metrics.
func (w *Worker) Name() string {
	return "scraper"
}

// Setup creates the queue if it is missing.
func (w *Worker) Setup(ctx context.Context) error {
	if err := w.deps.Queue.Ensure(ctx); err != nil {
		return fmt.Errorf("ensure queue: %w", err)
	}
	return nil
}

// RunIteration validates one pending candidate, or scrapes the next page
// when none are pending, and returns how long to wait before the next call.
func (w *Worker) RunIteration(ctx context.Context) (time.Duration, error) {
	if len(w.pending) > 0 {
		return w.validateNext(ctx)
	}
	return w.scrapeNext(ctx)
}

// PageNumber returns the last page requested.
func (w *Worker) PageNumber() int {
	return w.page
}

// Pending returns the number of candidates awaiting validation.
func (w *Worker) Pending() int {
	return len(w.pending)
}

// Seen returns the number of distinct candidates seen since start.
func (w *Worker) Seen() int {
	return len(w.seen)
}

func (w *Worker) scrapeNext(ctx context.Context) (time.Duration, error) {
	if w.page >= w.cfg.MaxPage {
		w.page = 0
	}
	w.page++

	resp, err := w.deps.Fetcher.Fetch(ctx, codesearch.FetchRequest{
		URL:     w.searchURL(w.page),
		Headers: w.cfg.Headers,
	})
	if err != nil {
		metrics.ObservePage("error")
		return 0, fmt.Errorf("fetch page %d: %w", w.page, err)
	}
	metrics.ObservePage("ok")
	w.archive(ctx, resp.Body)

	candidates, err := w.deps.Extractor.IdentifyConnectionStrings(bytes.NewReader(resp.Body))
	if err != nil {
		return 0, fmt.Errorf("extract page %d: %w", w.page, err)
	}

	fresh := 0
	for _, c := range candidates {
		if _, ok := w.seen[c]; ok {
			continue
		}
		w.seen[c] = struct{}{}
		w.pending = append(w.pending, c)
		fresh++
	}
	metrics.ObserveCandidates(len(candidates), fresh)
	w.logger.Debug("page scraped",
		zap.Int("page", w.page),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", resp.Duration),
		zap.Int("extracted", len(candidates)),
		zap.Int("new", fresh),
	)

	if fresh == 0 || w.page >= w.cfg.MaxPage {
		return w.cfg.LongDelay, nil
	}
	return w.cfg.ShortDelay, nil
}

func (w *Worker) validateNext(ctx context.Context) (time.Duration, error) {
	c := w.pending[0]
	w.pending = w.pending[1:]
	log := w.logger.With(zap.String("repository", c.Repository))

	account, err := storageacct.Parse(c.ConnectionString)
	if err != nil {
		metrics.ObserveValidation(false, string(codesearch.ReasonUnparseable))
		log.Debug("candidate discarded", zap.String("reason", string(codesearch.ReasonUnparseable)))
		return 0, nil
	}
	log = log.With(zap.String("account", account.Name))
	if account.IsDevelopment() {
		metrics.ObserveValidation(false, string(codesearch.ReasonDevelopmentAccount))
		log.Debug("candidate discarded", zap.String("reason", string(codesearch.ReasonDevelopmentAccount)))
		return 0, nil
	}

	ctx, span := w.tracer.Start(ctx, "scraper.validate", trace.WithAttributes(
		attribute.String("codesearch.repository", c.Repository),
		attribute.String("storage.account", account.Name),
	))
	defer span.End()

	result := w.deps.Validator.Validate(ctx, account)
	metrics.ObserveValidation(result.Valid, string(result.Reason))
	span.SetAttributes(attribute.String("validation.reason", string(result.Reason)))
	if !result.Valid {
		log.Debug("candidate not confirmed", zap.String("reason", string(result.Reason)))
		return 0, nil
	}

	body, err := codesearch.EncodeCandidate(c)
	if err != nil {
		return 0, err
	}
	err = w.deps.Queue.Enqueue(ctx, body)
	metrics.ObservePublish(err)
	if err != nil {
		w.pending = append([]codesearch.Candidate{c}, w.pending...)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "enqueue failed")
		return 0, fmt.Errorf("enqueue confirmed candidate: %w", err)
	}
	log.Info("confirmed exposure queued")
	return 0, nil
}

func (w *Worker) archive(ctx context.Context, body []byte) {
	if w.deps.Archiver == nil {
		return
	}
	uri, err := w.deps.Archiver.SavePage(ctx, w.page, body)
	if err != nil {
		w.logger.Warn("archive page failed", zap.Int("page", w.page), zap.Error(err))
		return
	}
	w.logger.Debug("page archived", zap.Int("page", w.page), zap.String("uri", uri))
}

func (w *Worker) searchURL(page int) string {
	q := url.Values{}
	q.Set("o", "desc")
	q.Set("q", w.cfg.SearchTerm)
	q.Set("s", "indexed")
	q.Set("type", "Code")
	q.Set("p", fmt.Sprint(page))
	return w.cfg.BaseURL + "?" + q.Encode()
}
