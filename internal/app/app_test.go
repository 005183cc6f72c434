package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/codesearch/internal/config"
)

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Port = 0
	cfg.Queue.Backend = "memory"
	cfg.Ledger.Backend = "memory"
	cfg.Mail.Backend = "log"
	cfg.GitHub.Token = "ghp_test"
	cfg.Runner.ErrorDelay = 10 * time.Millisecond
	return cfg
}

func TestBuildScraperRequiresConnectionStringForAzureQueue(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Queue.Backend = "azure"
	_, err := BuildScraper(context.Background(), cfg)
	require.ErrorContains(t, err, "storage.connection_string")
}

func TestBuildRejectsUnknownBackends(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Queue.Backend = "kafka"
	_, err := BuildScraper(context.Background(), cfg)
	require.ErrorContains(t, err, "unknown queue backend")

	cfg = baseConfig(t)
	cfg.Archive.Backend = "s3"
	_, err = BuildScraper(context.Background(), cfg)
	require.Error(t, err)

	cfg = baseConfig(t)
	cfg.Ledger.Backend = "redis"
	_, err = BuildNotifier(context.Background(), cfg)
	require.Error(t, err)
}

func TestScraperRunsAgainstSearchEndpoint(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	search := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("type") == "Code" {
			hits.Add(1)
		}
		_, _ = w.Write([]byte(`<html><body><div class="code-list-item"></div></body></html>`))
	}))
	t.Cleanup(search.Close)

	cfg := baseConfig(t)
	cfg.Search.BaseURL = search.URL + "/search"
	cfg.Search.LongDelay = 5 * time.Millisecond
	cfg.Archive.Backend = "local"
	cfg.Archive.Dir = t.TempDir()

	a, err := BuildScraper(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, a.Run(ctx))
	require.Positive(t, hits.Load())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNotifierIdlesOnEmptyQueue(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Ledger.Backend = "sqlite"
	cfg.Ledger.Path = filepath.Join(t.TempDir(), "ledger.db")
	cfg.Notifier.IdleDelay = 5 * time.Millisecond

	a, err := BuildNotifier(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, a.Run(ctx))
}

func TestNotifierRequiresGitHubToken(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.GitHub.Token = ""
	_, err := BuildNotifier(context.Background(), cfg)
	require.ErrorContains(t, err, "github.token")
}

func TestReadinessBeforeSetup(t *testing.T) {
	t.Parallel()

	a, err := BuildScraper(context.Background(), baseConfig(t))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTracerProviderLivesUntilClose(t *testing.T) {
	t.Parallel()

	a, err := BuildNotifier(context.Background(), baseConfig(t))
	require.NoError(t, err)
	require.NotNil(t, a.tracer)

	_, span := a.tracer.Tracer("test").Start(context.Background(), "before")
	require.True(t, span.IsRecording())
	span.End()

	a.Close()
	_, span = a.tracer.Tracer("test").Start(context.Background(), "after")
	require.False(t, span.IsRecording())
}
