// Package app builds a worker process from configuration and runs it next to
// the ops HTTP server until the process is signaled.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/codesearch/internal/api"
	"github.com/JakeFAU/codesearch/internal/archive"
	gcsarchive "github.com/JakeFAU/codesearch/internal/archive/gcs"
	localarchive "github.com/JakeFAU/codesearch/internal/archive/local"
	memarchive "github.com/JakeFAU/codesearch/internal/archive/memory"
	"github.com/JakeFAU/codesearch/internal/clock/system"
	"github.com/JakeFAU/codesearch/internal/codesearch"
	"github.com/JakeFAU/codesearch/internal/config"
	"github.com/JakeFAU/codesearch/internal/extract"
	collyfetcher "github.com/JakeFAU/codesearch/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/codesearch/internal/fetcher/headless"
	"github.com/JakeFAU/codesearch/internal/fetcher/promote"
	"github.com/JakeFAU/codesearch/internal/hash/sha1"
	"github.com/JakeFAU/codesearch/internal/hash/sha256"
	"github.com/JakeFAU/codesearch/internal/headless/detector"
	"github.com/JakeFAU/codesearch/internal/id/uuid"
	ghidentity "github.com/JakeFAU/codesearch/internal/identity/github"
	aztableledger "github.com/JakeFAU/codesearch/internal/ledger/aztable"
	memledger "github.com/JakeFAU/codesearch/internal/ledger/memory"
	pgledger "github.com/JakeFAU/codesearch/internal/ledger/postgres"
	sqliteledger "github.com/JakeFAU/codesearch/internal/ledger/sqlite"
	"github.com/JakeFAU/codesearch/internal/logging"
	"github.com/JakeFAU/codesearch/internal/mail/logmail"
	"github.com/JakeFAU/codesearch/internal/mail/mailgun"
	"github.com/JakeFAU/codesearch/internal/notifier"
	"github.com/JakeFAU/codesearch/internal/policy/ratelimit"
	azqueue "github.com/JakeFAU/codesearch/internal/queue/azqueue"
	memqueue "github.com/JakeFAU/codesearch/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/codesearch/internal/queue/pubsub"
	"github.com/JakeFAU/codesearch/internal/runner"
	"github.com/JakeFAU/codesearch/internal/scraper"
	"github.com/JakeFAU/codesearch/internal/telemetry"
	azblobvalidator "github.com/JakeFAU/codesearch/internal/validator/azblob"
)

const shutdownTimeout = 10 * time.Second

// App contains one worker process's dependencies.
type App struct {
	cfg     config.Config
	name    string
	logger  *zap.Logger
	worker  runner.Worker
	ops     *api.Server
	tracer  *sdktrace.TracerProvider
	ready   atomic.Bool
	closers []func() error
}

// BuildScraper creates the scrape-and-validate process.
func BuildScraper(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.ValidateScraper(); err != nil {
		return nil, err
	}
	a, err := newApp(cfg, "scraper")
	if err != nil {
		return nil, err
	}
	if err := a.setupTracing(ctx); err != nil {
		a.closeAll()
		return nil, err
	}
	if err := a.buildScraper(ctx); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

// BuildNotifier creates the notification process.
func BuildNotifier(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.ValidateNotifier(); err != nil {
		return nil, err
	}
	a, err := newApp(cfg, "notifier")
	if err != nil {
		return nil, err
	}
	if err := a.setupTracing(ctx); err != nil {
		a.closeAll()
		return nil, err
	}
	if err := a.buildNotifier(ctx); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func newApp(cfg config.Config, name string) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	logger = logger.Named(name)
	a := &App{cfg: cfg, name: name, logger: logger}
	a.ops = api.NewServer(logger.Named("api"), a.ready.Load)
	logger.Info("building application dependencies",
		zap.String("queue", cfg.Queue.Backend),
		zap.Int("server_port", cfg.Server.Port),
	)
	return a, nil
}

// setupTracing installs the tracer provider. Its closer is registered first
// so it flushes after every other client has closed.
func (a *App) setupTracing(ctx context.Context) error {
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: "codesearch-" + a.name,
		ProjectID:   a.cfg.Tracing.ProjectID,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracer = tp
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("tracer shutdown: %w", err)
		}
		return nil
	})
	a.logger.Info("tracing initialized",
		zap.Bool("export", a.cfg.Tracing.ProjectID != ""),
		zap.Float64("sample_ratio", a.cfg.Tracing.SampleRatio),
	)
	return nil
}

// Handler exposes the ops routes.
func (a *App) Handler() http.Handler {
	return a.ops.Handler()
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

func (a *App) buildScraper(ctx context.Context) error {
	q, err := a.setupQueue(ctx)
	if err != nil {
		return err
	}
	fetcher, err := a.setupFetcher()
	if err != nil {
		return err
	}
	archiver, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}

	deps := scraper.Deps{
		Fetcher: fetcher,
		Extractor: &extract.Extractor{
			ContainerSelector: a.cfg.Search.ContainerSelector,
			CodeLineSelector:  a.cfg.Search.CodeLineSelector,
			TitleSelector:     a.cfg.Search.TitleSelector,
		},
		Validator: azblobvalidator.New(azblobvalidator.Config{
			Timeout:        a.cfg.Validation.Timeout,
			TracerProvider: a.tracer,
		}),
		Queue:          q,
		TracerProvider: a.tracer,
	}
	if archiver != nil {
		deps.Archiver = archiver
	}
	w, err := scraper.New(scraper.Config{
		SearchTerm: a.cfg.Search.Term,
		BaseURL:    a.cfg.Search.BaseURL,
		MaxPage:    a.cfg.Search.MaxPage,
		ShortDelay: a.cfg.Search.ShortDelay,
		LongDelay:  a.cfg.Search.LongDelay,
		Headers:    a.cfg.SearchHeaders(),
	}, deps, a.logger.Named("worker"))
	if err != nil {
		return fmt.Errorf("scraper init failed: %w", err)
	}
	a.worker = w
	return nil
}

func (a *App) buildNotifier(ctx context.Context) error {
	q, err := a.setupQueue(ctx)
	if err != nil {
		return err
	}
	ledger, err := a.setupLedger(ctx)
	if err != nil {
		return err
	}
	mailer, err := a.setupMailer()
	if err != nil {
		return err
	}

	limiter := ratelimit.New(ratelimit.Config{Name: "github", DefaultRPS: a.cfg.GitHub.RPS, DefaultBurst: 1})
	resolver, err := ghidentity.New(ghidentity.Config{
		Token:          a.cfg.GitHub.Token,
		BaseURL:        a.cfg.GitHub.BaseURL,
		PageSize:       a.cfg.GitHub.PageSize,
		MaxPages:       a.cfg.GitHub.MaxEventPages,
		HTTPClient:     &http.Client{Transport: limiter.Transport(http.DefaultTransport), Timeout: 30 * time.Second},
		TracerProvider: a.tracer,
	}, a.logger.Named("github"))
	if err != nil {
		return fmt.Errorf("github resolver init failed: %w", err)
	}

	w, err := notifier.New(notifier.Config{IdleDelay: a.cfg.Notifier.IdleDelay}, notifier.Deps{
		Queue:          q,
		Ledger:         ledger,
		Resolver:       resolver,
		Mailer:         mailer,
		Hasher:         sha1.New(),
		Clock:          system.New(),
		IDs:            uuid.New(),
		TracerProvider: a.tracer,
	}, a.logger.Named("worker"))
	if err != nil {
		return fmt.Errorf("notifier init failed: %w", err)
	}
	a.worker = w
	return nil
}

func (a *App) setupQueue(ctx context.Context) (codesearch.Queue, error) {
	qc := a.cfg.Queue
	switch qc.Backend {
	case "azure":
		q, err := azqueue.New(azqueue.Config{
			ConnectionString:  a.cfg.Storage.ConnectionString,
			Name:              qc.Name,
			VisibilityTimeout: qc.VisibilityTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("azure queue init failed: %w", err)
		}
		a.logger.Info("using Azure storage queue", zap.String("queue", qc.Name))
		return q, nil
	case "pubsub":
		q, err := pubsubqueue.Open(ctx, pubsubqueue.Config{
			ProjectID:      qc.PubSubProject,
			TopicID:        qc.PubSubTopic,
			SubscriptionID: qc.PubSubSub,
			AckDeadline:    qc.VisibilityTimeout,
			PullTimeout:    qc.PullTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("pubsub queue init failed: %w", err)
		}
		a.closers = append(a.closers, q.Close)
		a.logger.Info("using Pub/Sub queue",
			zap.String("project", qc.PubSubProject),
			zap.String("topic", qc.PubSubTopic),
			zap.String("subscription", qc.PubSubSub),
		)
		return q, nil
	case "memory":
		a.logger.Warn("using in-memory queue; messages do not leave this process")
		return memqueue.NewQueue(qc.VisibilityTimeout), nil
	default:
		return nil, fmt.Errorf("unknown queue backend: %s", qc.Backend)
	}
}

func (a *App) setupLedger(ctx context.Context) (codesearch.Ledger, error) {
	lc := a.cfg.Ledger
	switch lc.Backend {
	case "azure":
		l, err := aztableledger.New(aztableledger.Config{
			ConnectionString: a.cfg.Storage.ConnectionString,
			Table:            lc.Table,
		})
		if err != nil {
			return nil, fmt.Errorf("azure table ledger init failed: %w", err)
		}
		a.logger.Info("using Azure table ledger", zap.String("table", lc.Table))
		return l, nil
	case "postgres":
		l, err := pgledger.New(ctx, pgledger.Config{
			DSN:             lc.DSN,
			Table:           lc.Table,
			MaxConns:        lc.MaxConns,
			MinConns:        lc.MinConns,
			MaxConnLifetime: lc.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres ledger init failed: %w", err)
		}
		a.closers = append(a.closers, func() error { l.Close(); return nil })
		a.logger.Info("using Postgres ledger", zap.String("table", lc.Table))
		return l, nil
	case "sqlite":
		l, err := sqliteledger.Open(lc.Path, lc.Table)
		if err != nil {
			return nil, fmt.Errorf("sqlite ledger init failed: %w", err)
		}
		a.closers = append(a.closers, l.Close)
		a.logger.Info("using SQLite ledger", zap.String("path", lc.Path), zap.String("table", lc.Table))
		return l, nil
	case "memory":
		a.logger.Warn("using in-memory ledger; notified pairs are forgotten on restart")
		return memledger.NewLedger(), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend: %s", lc.Backend)
	}
}

func (a *App) setupFetcher() (codesearch.Fetcher, error) {
	sc := a.cfg.Search
	limiter := ratelimit.New(ratelimit.Config{Name: "search", DefaultRPS: sc.RPS, DefaultBurst: sc.Burst})
	probe := func() codesearch.Fetcher {
		return collyfetcher.NewWithTransport(collyfetcher.Config{
			UserAgent: sc.UserAgent,
			Timeout:   sc.Timeout,
		}, limiter.Transport(http.DefaultTransport))
	}
	switch sc.Fetcher {
	case "http":
		a.logger.Info("using colly fetcher", zap.String("user_agent", sc.UserAgent))
		return probe(), nil
	case "headless":
		f, err := a.setupHeadless()
		if err != nil {
			return nil, err
		}
		a.logger.Info("using headless fetcher")
		return &throttledFetcher{next: f, limiter: limiter}, nil
	case "auto":
		f, err := a.setupHeadless()
		if err != nil {
			return nil, err
		}
		a.logger.Info("using colly fetcher with headless promotion",
			zap.String("result_marker", sc.ResultMarker),
			zap.Int("promotion_threshold", sc.PromotionBytes),
		)
		// Promotion re-fetches the same URL, so it takes a second token.
		headless := &throttledFetcher{next: f, limiter: limiter}
		return promote.New(probe(), headless, detector.NewHeuristic(sc.PromotionBytes, sc.ResultMarker), a.logger.Named("fetcher")), nil
	default:
		return nil, fmt.Errorf("unknown fetcher: %s", sc.Fetcher)
	}
}

func (a *App) setupHeadless() (*headlessfetcher.Fetcher, error) {
	sc := a.cfg.Search
	f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		UserAgent:         sc.UserAgent,
		NavigationTimeout: sc.Timeout,
		ExecPath:          sc.ChromePath,
	})
	if err != nil {
		return nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.closers = append(a.closers, func() error { f.Close(); return nil })
	return f, nil
}

func (a *App) setupArchive(ctx context.Context) (*archive.Archiver, error) {
	ac := a.cfg.Archive
	var store codesearch.BlobStore
	switch ac.Backend {
	case "none", "":
		return nil, nil
	case "memory":
		store = memarchive.NewBlobStore()
	case "local":
		s, err := localarchive.New(localarchive.Config{BaseDir: ac.Dir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		store = s
	case "gcs":
		s, err := gcsarchive.Open(ctx, gcsarchive.Config{
			Bucket:   ac.Bucket,
			Metadata: map[string]string{"worker": a.name},
		})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		store = s
	default:
		return nil, fmt.Errorf("unknown archive backend: %s", ac.Backend)
	}
	a.logger.Info("archiving search pages", zap.String("backend", ac.Backend), zap.String("prefix", ac.Prefix))
	return archive.New(store, ac.Prefix, sha256.New(), system.New()), nil
}

func (a *App) setupMailer() (codesearch.Mailer, error) {
	mc := a.cfg.Mail
	switch mc.Backend {
	case "mailgun":
		m, err := mailgun.New(mailgun.Config{
			Domain:         mc.Domain,
			APIKey:         mc.APIKey,
			From:           mc.From,
			Bcc:            mc.Bcc,
			APIBase:        mc.APIBase,
			TracerProvider: a.tracer,
		})
		if err != nil {
			return nil, fmt.Errorf("mailgun init failed: %w", err)
		}
		a.logger.Info("using Mailgun mailer", zap.String("domain", mc.Domain))
		return m, nil
	case "log":
		a.logger.Warn("using dry-run mailer; notices are logged, not sent")
		return logmail.New(a.logger.Named("mail")), nil
	default:
		return nil, fmt.Errorf("unknown mail backend: %s", mc.Backend)
	}
}

// Run starts the ops server and the worker loop and blocks until the context
// is canceled, a signal arrives or the worker fails to set up.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if a.cfg.Server.Port > 0 {
		srv = &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port)),
			Handler:           a.ops.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	runErr := runner.Run(ctx, &readyWorker{Worker: a.worker, ready: &a.ready}, runner.Config{
		Name:       a.name,
		ErrorDelay: a.cfg.Runner.ErrorDelay,
	}, a.logger)
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	a.Close()
	return runErr
}

// Close releases clients owned by the App.
func (a *App) Close() {
	a.closeAll()
	_ = a.logger.Sync()
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

// readyWorker flips the readiness probe once setup succeeded.
type readyWorker struct {
	runner.Worker
	ready *atomic.Bool
}

func (w *readyWorker) Setup(ctx context.Context) error {
	if err := w.Worker.Setup(ctx); err != nil {
		return err
	}
	w.ready.Store(true)
	return nil
}

// throttledFetcher applies the search rate limit to fetchers that do not
// take an http.RoundTripper.
type throttledFetcher struct {
	next    codesearch.Fetcher
	limiter *ratelimit.Limiter
}

func (f *throttledFetcher) Fetch(ctx context.Context, req codesearch.FetchRequest) (codesearch.FetchResponse, error) {
	if err := f.limiter.Wait(ctx, req.URL); err != nil {
		return codesearch.FetchResponse{}, err
	}
	return f.next.Fetch(ctx, req)
}
