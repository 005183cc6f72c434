// Package notifier implements the notification worker: it drains confirmed
// exposures from the queue, finds a contact address for the repository owner
// and sends one disclosure email per credential pair.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

// DefaultIdleDelay is the wait after an empty receive.
const DefaultIdleDelay = 3 * time.Second

// Outcomes recorded per handled message.
const (
	OutcomeSent            = "sent"
	OutcomeAlreadyNotified = "already_notified"
	OutcomeUnresolved      = "unresolved"
	OutcomeAccountNotFound = "account_not_found"
	OutcomeAbandoned       = "abandoned"
	OutcomeRaceLost        = "race_lost"
	OutcomeSendFailed      = "send_failed"
	OutcomePoison          = "poison"
)

// Config controls pacing.
type Config struct {
	IdleDelay time.Duration
}

// Deps are the worker's collaborators. TracerProvider may be nil.
type Deps struct {
	Queue          codesearch.Queue
	Ledger         codesearch.Ledger
	Resolver       codesearch.IdentityResolver
	Mailer         codesearch.Mailer
	Hasher         codesearch.Hasher
	Clock          codesearch.Clock
	IDs            codesearch.IDGenerator
	TracerProvider trace.TracerProvider
}

// Worker handles one queue message per iteration.
type Worker struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer
}

// New validates deps and returns a Worker.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Queue == nil, deps.Ledger == nil, deps.Resolver == nil, deps.Mailer == nil:
		return nil, errors.New("notifier requires queue, ledger, resolver and mailer")
	case deps.Hasher == nil, deps.Clock == nil, deps.IDs == nil:
		return nil, errors.New("notifier requires hasher, clock and id generator")
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = DefaultIdleDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{cfg: cfg, deps: deps, logger: logger, tracer: telemetry.Tracer(deps.TracerProvider)}, nil
}

// Name identifies the worker in logs and metrics.
func (w *Worker) Name() string {
	return "notifier"
}

// Setup creates the ledger table and the queue if they are missing.
func (w *Worker) Setup(ctx context.Context) error {
	if err := w.deps.Ledger.Ensure(ctx); err != nil {
		return fmt.Errorf("ensure ledger: %w", err)
	}
	if err := w.deps.Queue.Ensure(ctx); err != nil {
		return fmt.Errorf("ensure queue: %w", err)
	}
	return nil
}

// RunIteration receives and handles one message. The message is deleted
// only after handling completes without an infrastructure error. Handling
// continues the scraper's trace when the message carries one.
func (w *Worker) RunIteration(ctx context.Context) (time.Duration, error) {
	msg, ok, err := w.deps.Queue.Receive(ctx)
	if err != nil {
		return 0, fmt.Errorf("receive: %w", err)
	}
	if !ok {
		return w.cfg.IdleDelay, nil
	}

	ctx, span := w.tracer.Start(telemetry.Extract(ctx, msg.Attributes), "notifier.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.message.id", msg.ID)),
	)
	defer span.End()

	outcome, err := w.handle(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "handle failed")
		return 0, err
	}
	span.SetAttributes(attribute.String("notifier.outcome", outcome))
	if err := w.deps.Queue.Delete(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "delete failed")
		return 0, fmt.Errorf("delete message %s: %w", msg.ID, err)
	}
	metrics.ObserveNotification(outcome)
	return 0, nil
}

func (w *Worker) handle(ctx context.Context, msg codesearch.Message) (string, error) {
	candidate, err := codesearch.DecodeCandidate(msg.Body)
	if err != nil {
		w.logger.Warn("discarding poison message", zap.String("message_id", msg.ID), zap.Error(err))
		return OutcomePoison, nil
	}
	log := w.logger.With(zap.String("repository", candidate.Repository))

	key, err := codesearch.LedgerKeyFor(candidate, w.deps.Hasher)
	if err != nil {
		return "", err
	}
	if _, exists, err := w.deps.Ledger.Get(ctx, key); err != nil {
		return "", fmt.Errorf("ledger lookup: %w", err)
	} else if exists {
		log.Debug("already notified")
		return OutcomeAlreadyNotified, nil
	}

	owner, ok := repositoryOwner(candidate.Repository)
	if !ok {
		log.Debug("repository has no owner segment")
		return OutcomeUnresolved, nil
	}
	email, err := w.deps.Resolver.ResolveEmail(ctx, owner)
	switch {
	case errors.Is(err, codesearch.ErrAccountNotFound):
		log.Debug("owner account not found", zap.String("owner", owner))
		return OutcomeAccountNotFound, nil
	case err != nil:
		return "", fmt.Errorf("resolve %s: %w", owner, err)
	case email == "":
		log.Debug("no contact address", zap.String("owner", owner))
		return OutcomeUnresolved, nil
	}

	account, err := storageacct.Parse(candidate.ConnectionString)
	if err != nil {
		log.Debug("credential no longer parses", zap.Error(err))
		return OutcomeAbandoned, nil
	}
	log = log.With(zap.String("account", account.Name))

	id, err := w.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("new row id: %w", err)
	}
	row := codesearch.LedgerRow{
		Key:       key,
		ID:        id,
		Value:     string(msg.Body),
		CreatedAt: w.deps.Clock.Now(),
	}
	if err := w.deps.Ledger.Insert(ctx, row); err != nil {
		if errors.Is(err, codesearch.ErrRowExists) {
			log.Debug("another notifier recorded this pair first")
			return OutcomeRaceLost, nil
		}
		return "", fmt.Errorf("ledger insert: %w", err)
	}

	notice := ComposeNotice(email, candidate.Repository, account.Name, account.KeyPrefix())
	if err := w.deps.Mailer.Send(ctx, notice); err != nil {
		log.Error("send notice failed", zap.Error(err))
		return OutcomeSendFailed, nil
	}
	log.Info("owner notified")
	return OutcomeSent, nil
}

func repositoryOwner(repository string) (string, bool) {
	parts := strings.Split(repository, "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[0]), true
}
