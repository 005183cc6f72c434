// Package github resolves a repository owner's contact address from the
// commit authors in their public push events.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v66/github"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/codesearch/internal/codesearch"
	"github.com/JakeFAU/codesearch/internal/metrics"
	"github.com/JakeFAU/codesearch/internal/telemetry"
)

const (
	defaultPageSize = 30
	defaultMaxPages = 10
)

// Config controls API access.
type Config struct {
	Token string
	// BaseURL overrides the REST endpoint, e.g. for GitHub Enterprise.
	BaseURL  string
	PageSize int
	// MaxPages caps how far back the events feed is read.
	MaxPages       int
	HTTPClient     *http.Client
	TracerProvider trace.TracerProvider
}

// Resolver implements codesearch.IdentityResolver against the GitHub REST API.
type Resolver struct {
	client   *github.Client
	pageSize int
	maxPages int
	logger   *zap.Logger
	tracer   trace.Tracer
}

var _ codesearch.IdentityResolver = (*Resolver)(nil)

// New builds a Resolver.
func New(cfg Config, logger *zap.Logger) (*Resolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := github.NewClient(cfg.HTTPClient)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		client.BaseURL = u
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	return &Resolver{
		client:   client,
		pageSize: pageSize,
		maxPages: maxPages,
		logger:   logger,
		tracer:   telemetry.Tracer(cfg.TracerProvider),
	}, nil
}

// ResolveEmail confirms login exists, then walks its public events newest
// first and returns the first non-empty commit author email of a push.
// A missing account yields codesearch.ErrAccountNotFound.
func (r *Resolver) ResolveEmail(ctx context.Context, login string) (string, error) {
	ctx, span := r.tracer.Start(ctx, "github.ResolveEmail", trace.WithAttributes(
		attribute.String("github.login", login),
	))
	defer span.End()

	email, err := r.resolveEmail(ctx, login)
	switch {
	case errors.Is(err, codesearch.ErrAccountNotFound):
		span.SetAttributes(attribute.Bool("github.account_found", false))
	case err != nil:
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "resolve failed")
	default:
		span.SetAttributes(
			attribute.Bool("github.account_found", true),
			attribute.Bool("github.email_found", email != ""),
		)
	}
	return email, err
}

func (r *Resolver) resolveEmail(ctx context.Context, login string) (string, error) {
	if _, _, err := r.client.Users.Get(ctx, login); err != nil {
		if isNotFound(err) {
			return "", codesearch.ErrAccountNotFound
		}
		return "", fmt.Errorf("get user %s: %w", login, err)
	}

	for page := 1; page <= r.maxPages; page++ {
		events, _, err := r.client.Activity.ListEventsPerformedByUser(ctx, login, true, &github.ListOptions{
			Page:    page,
			PerPage: r.pageSize,
		})
		if err != nil {
			return "", fmt.Errorf("list events for %s page %d: %w", login, page, err)
		}
		metrics.ObserveEventPage()
		if len(events) == 0 {
			return "", nil
		}
		if email := pushAuthorEmail(events, r.logger); email != "" {
			return email, nil
		}
	}
	r.logger.Debug("events feed cap reached", zap.String("login", login), zap.Int("max_pages", r.maxPages))
	return "", nil
}

func pushAuthorEmail(events []*github.Event, logger *zap.Logger) string {
	for _, event := range events {
		if !strings.EqualFold(event.GetType(), "PushEvent") {
			continue
		}
		payload, err := event.ParsePayload()
		if err != nil {
			logger.Debug("skip unparsable push event", zap.String("event_id", event.GetID()), zap.Error(err))
			continue
		}
		push, ok := payload.(*github.PushEvent)
		if !ok {
			continue
		}
		for _, commit := range push.Commits {
			if email := strings.TrimSpace(commit.GetAuthor().GetEmail()); email != "" {
				return email
			}
		}
	}
	return ""
}

func isNotFound(err error) bool {
	var ghErr *github.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound
}
