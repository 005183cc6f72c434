package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/codesearch/internal/codesearch"
	"github.com/JakeFAU/codesearch/internal/hash/sha1"
	memledger "github.com/JakeFAU/codesearch/internal/ledger/memory"
	"github.com/JakeFAU/codesearch/internal/mail/logmail"
	memqueue "github.com/JakeFAU/codesearch/internal/queue/memory"
)

const aliceConn = "DefaultEndpointsProtocol=https;AccountName=foo;AccountKey=abcdefghij=="

type fakeResolver struct {
	emails map[string]string
	err    error
	calls  []string
}

func (r *fakeResolver) ResolveEmail(_ context.Context, login string) (string, error) {
	r.calls = append(r.calls, login)
	if r.err != nil {
		return "", r.err
	}
	email, ok := r.emails[login]
	if !ok {
		return "", codesearch.ErrAccountNotFound
	}
	return email, nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

type failingMailer struct{ calls int }

func (m *failingMailer) Send(context.Context, codesearch.Notice) error {
	m.calls++
	return errors.New("mailgun 500")
}

type brokenLedger struct{ *memledger.Ledger }

func (brokenLedger) Get(context.Context, codesearch.LedgerKey) (codesearch.LedgerRow, bool, error) {
	return codesearch.LedgerRow{}, false, errors.New("table unavailable")
}

// racingLedger reports no row on Get and loses the insert, as when another
// notifier writes the key in between.
type racingLedger struct{ *memledger.Ledger }

func (racingLedger) Get(context.Context, codesearch.LedgerKey) (codesearch.LedgerRow, bool, error) {
	return codesearch.LedgerRow{}, false, nil
}

func (racingLedger) Insert(context.Context, codesearch.LedgerRow) error {
	return codesearch.ErrRowExists
}

// attrQueue stamps fixed attributes on every received message, as the
// Pub/Sub backend does with propagated trace context.
type attrQueue struct {
	*memqueue.Queue
	attrs map[string]string
}

func (q attrQueue) Receive(ctx context.Context) (codesearch.Message, bool, error) {
	msg, ok, err := q.Queue.Receive(ctx)
	msg.Attributes = q.attrs
	return msg, ok, err
}

type harness struct {
	queue    *memqueue.Queue
	ledger   *memledger.Ledger
	resolver *fakeResolver
	mailer   *logmail.Mailer
	worker   *Worker
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		queue:    memqueue.NewQueue(time.Minute),
		ledger:   memledger.NewLedger(),
		resolver: &fakeResolver{emails: map[string]string{"alice": "alice@example.com"}},
		mailer:   logmail.New(zap.NewNop()),
	}
	deps := Deps{
		Queue:    h.queue,
		Ledger:   h.ledger,
		Resolver: h.resolver,
		Mailer:   h.mailer,
		Hasher:   sha1.New(),
		Clock:    fixedClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		IDs:      &seqIDs{},
	}
	if mutate != nil {
		mutate(&deps)
	}
	w, err := New(Config{IdleDelay: time.Second}, deps, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Setup(context.Background()))
	h.worker = w
	return h
}

func (h *harness) enqueue(t *testing.T, repo, conn string) {
	t.Helper()
	body, err := codesearch.EncodeCandidate(codesearch.NewCandidate(repo, conn))
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(context.Background(), body))
}

func TestIdleDelayWhenQueueEmpty(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	delay, err := h.worker.RunIteration(context.Background())
	require.NoError(t, err)
	require.Equal(t, time.Second, delay)
}

func TestConfirmedExposureIsNotifiedOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	h.enqueue(t, "alice/proj", aliceConn)

	delay, err := h.worker.RunIteration(ctx)
	require.NoError(t, err)
	require.Zero(t, delay)
	require.Zero(t, h.queue.Len())
	require.Equal(t, 1, h.ledger.Len())

	sent := h.mailer.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "alice@example.com", sent[0].To)
	require.Equal(t, "Warning: Your Azure storage account (foo) might be exposed", sent[0].Subject)
	require.Contains(t, sent[0].Text, " - GitHub repository: alice/proj\n")
	require.Contains(t, sent[0].Text, " - Storage key: abcdefg...\n")
	require.NotContains(t, sent[0].Text, "abcdefghij")

	key, err := codesearch.LedgerKeyFor(codesearch.NewCandidate("alice/proj", aliceConn), sha1.New())
	require.NoError(t, err)
	row, ok, err := h.ledger.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "id-1", row.ID)
	require.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), row.CreatedAt)

	h.enqueue(t, "Alice/Proj", aliceConn)
	_, err = h.worker.RunIteration(ctx)
	require.NoError(t, err)
	require.Zero(t, h.queue.Len())
	require.Equal(t, 1, h.ledger.Len())
	require.Len(t, h.mailer.Sent(), 1)
	require.Equal(t, []string{"alice"}, h.resolver.calls)
}

func TestExistingDeploymentRowsAndBodiesAreHonoured(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	body := []byte(`{"Repository":"bob/site","ConnectionString":"` + aliceConn + `"}`)
	h.resolver.emails["bob"] = "bob@example.com"

	// A row keyed by lowercase-hex SHA-1 of the lowercased fields.
	require.NoError(t, h.ledger.Insert(ctx, codesearch.LedgerRow{
		Key: codesearch.LedgerKey{
			PartitionKey: sha1.HexDigest([]byte("alice/proj")),
			RowKey:       sha1.HexDigest([]byte(strings.ToLower(aliceConn))),
		},
		ID:    "legacy",
		Value: `{"Repository":"alice/proj","ConnectionString":"` + aliceConn + `"}`,
	}))
	h.enqueue(t, "Alice/Proj", aliceConn)
	require.NoError(t, h.queue.Enqueue(ctx, body))

	for range 2 {
		_, err := h.worker.RunIteration(ctx)
		require.NoError(t, err)
	}
	require.Zero(t, h.queue.Len())
	sent := h.mailer.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "bob@example.com", sent[0].To)
	require.Equal(t, []string{"bob"}, h.resolver.calls)
}

func TestHandlingContinuesPublisherTrace(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	traceID := trace.TraceID{0x0a, 0xf7, 0x65, 0x19, 0x16, 0xcd, 0x43, 0xdd, 0x84, 0x48, 0xeb, 0x21, 0x1c, 0x80, 0x31, 0x9c}
	parent := trace.SpanID{0xb7, 0xad, 0x6b, 0x71, 0x69, 0x20, 0x33, 0x31}

	var q attrQueue
	h := newHarness(t, func(d *Deps) {
		q = attrQueue{
			Queue: d.Queue.(*memqueue.Queue),
			attrs: map[string]string{"traceparent": "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"},
		}
		d.Queue = q
		d.TracerProvider = tp
	})
	h.enqueue(t, "alice/proj", aliceConn)

	_, err := h.worker.RunIteration(context.Background())
	require.NoError(t, err)
	require.Zero(t, q.Len())

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "notifier.handle", spans[0].Name())
	require.Equal(t, trace.SpanKindConsumer, spans[0].SpanKind())
	require.Equal(t, traceID, spans[0].SpanContext().TraceID())
	require.Equal(t, parent, spans[0].Parent().SpanID())
	require.True(t, spans[0].Parent().IsRemote())
	require.Contains(t, spans[0].Attributes(), attribute.String("notifier.outcome", OutcomeSent))
}

func TestMissingOwnerLeavesNoRow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	h.enqueue(t, "ghost/proj", aliceConn)

	_, err := h.worker.RunIteration(ctx)
	require.NoError(t, err)
	require.Zero(t, h.queue.Len())
	require.Zero(t, h.ledger.Len())
	require.Empty(t, h.mailer.Sent())

	h.resolver.emails["ghost"] = "ghost@example.com"
	h.enqueue(t, "ghost/proj", aliceConn)
	_, err = h.worker.RunIteration(ctx)
	require.NoError(t, err)
	require.Len(t, h.mailer.Sent(), 1)
}

func TestOwnerWithoutEmailIsAcknowledged(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.resolver.emails["quiet"] = ""
	h.enqueue(t, "quiet/proj", aliceConn)

	_, err := h.worker.RunIteration(context.Background())
	require.NoError(t, err)
	require.Zero(t, h.queue.Len())
	require.Zero(t, h.ledger.Len())
}

func TestRepositoryWithoutOwnerIsAbandoned(t *testing.T) {
	t.Parallel()

	for _, repo := range []string{"proj", "alice/proj/extra", "/proj", "alice/"} {
		h := newHarness(t, nil)
		h.enqueue(t, repo, aliceConn)

		_, err := h.worker.RunIteration(context.Background())
		require.NoError(t, err, repo)
		require.Zero(t, h.queue.Len(), repo)
		require.Empty(t, h.resolver.calls, repo)
	}
}

func TestPoisonMessageIsDeleted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.queue.Enqueue(ctx, []byte("not json")))
	require.NoError(t, h.queue.Enqueue(ctx, []byte(`{"Repository":"alice/proj"}`)))

	for range 2 {
		_, err := h.worker.RunIteration(ctx)
		require.NoError(t, err)
	}
	require.Zero(t, h.queue.Len())
	require.Empty(t, h.resolver.calls)
}

func TestUnparseableCredentialIsAbandoned(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.enqueue(t, "alice/proj", "DefaultEndpointsProtocol=https;AccountKey=abcd==")

	_, err := h.worker.RunIteration(context.Background())
	require.NoError(t, err)
	require.Zero(t, h.queue.Len())
	require.Zero(t, h.ledger.Len())
	require.Empty(t, h.mailer.Sent())
}

func TestLostInsertRaceSkipsEmail(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(d *Deps) { d.Ledger = racingLedger{memledger.NewLedger()} })
	h.enqueue(t, "alice/proj", aliceConn)

	_, err := h.worker.RunIteration(context.Background())
	require.NoError(t, err)
	require.Zero(t, h.queue.Len())
	require.Empty(t, h.mailer.Sent())
}

func TestSendFailureKeepsRowAndAcks(t *testing.T) {
	t.Parallel()

	mailer := &failingMailer{}
	h := newHarness(t, func(d *Deps) { d.Mailer = mailer })
	h.enqueue(t, "alice/proj", aliceConn)

	_, err := h.worker.RunIteration(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, mailer.calls)
	require.Equal(t, 1, h.ledger.Len())
	require.Zero(t, h.queue.Len())
}

func TestLedgerErrorLeavesMessageForRedelivery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(d *Deps) { d.Ledger = brokenLedger{memledger.NewLedger()} })
	h.enqueue(t, "alice/proj", aliceConn)

	_, err := h.worker.RunIteration(context.Background())
	require.ErrorContains(t, err, "ledger lookup")
	require.Equal(t, 1, h.queue.Len())
}

func TestResolverErrorPropagates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.resolver.err = errors.New("github 502")
	h.enqueue(t, "alice/proj", aliceConn)

	_, err := h.worker.RunIteration(context.Background())
	require.ErrorContains(t, err, "resolve alice")
	require.Equal(t, 1, h.queue.Len())
	require.Zero(t, h.ledger.Len())
}

func TestComposeNotice(t *testing.T) {
	t.Parallel()

	n := ComposeNotice("bob@example.com", "bob/app", "bobstore", "AbCdEfG")
	require.Equal(t, "bob@example.com", n.To)
	require.True(t, strings.HasPrefix(n.Text, "Hi there!\n\nYour Azure storage credentials are publicly visible from GitHub: \n"))
	require.Contains(t, n.Text, " - Storage account: bobstore\n")
	require.Contains(t, n.Text, " - Storage key: AbCdEfG...\n")
	require.True(t, strings.HasSuffix(n.Text, "not associated with Microsoft nor Microsoft Azure."))
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{}, nil)
	require.Error(t, err)
}
