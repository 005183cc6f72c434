package pubsub

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	vkit "cloud.google.com/go/pubsub/apiv1"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/codesearch/internal/telemetry"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	subscriber, err := vkit.NewSubscriberClient(ctx, option.WithGRPCConn(conn))
	require.NoError(t, err)

	return New(client, subscriber, Config{
		ProjectID:      "project-id",
		TopicID:        "tested-connection-strings",
		SubscriptionID: "tested-connection-strings-notifier",
		AckDeadline:    30 * time.Second,
		PullTimeout:    time.Second,
	})
}

func TestQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.Ensure(ctx))
	require.NoError(t, q.Ensure(ctx), "ensure must be idempotent")

	_, ok, err := q.Receive(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	body := []byte(`{"Repository":"alice/proj","ConnectionString":"DefaultEndpointsProtocol=https;AccountName=foo;AccountKey=abcd=="}`)
	require.NoError(t, q.Enqueue(ctx, body))

	msg, ok, err := q.Receive(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, body, msg.Body)
	require.NotEmpty(t, msg.ID)
	require.NotEmpty(t, msg.Receipt)

	require.NoError(t, q.Delete(ctx, msg))

	_, ok, err = q.Receive(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, q.Close())
}

func TestQueueCarriesTraceContext(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	require.NoError(t, q.Ensure(ctx))

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0xf7, 0x65, 0x19, 0x16, 0xcd, 0x43, 0xdd, 0x84, 0x48, 0xeb, 0x21, 0x1c, 0x80, 0x31, 0x9c},
		SpanID:     trace.SpanID{0xb7, 0xad, 0x6b, 0x71, 0x69, 0x20, 0x33, 0x31},
		TraceFlags: trace.FlagsSampled,
	})
	require.NoError(t, q.Enqueue(trace.ContextWithSpanContext(ctx, sc), []byte(`{}`)))

	msg, ok, err := q.Receive(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01", msg.Attributes["traceparent"])

	remote := trace.SpanContextFromContext(telemetry.Extract(ctx, msg.Attributes))
	require.Equal(t, sc.TraceID(), remote.TraceID())
	require.Equal(t, sc.SpanID(), remote.SpanID())

	require.NoError(t, q.Enqueue(ctx, []byte(`{}`)))
	require.NoError(t, q.Delete(ctx, msg))
	msg, ok, err = q.Receive(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotContains(t, msg.Attributes, "traceparent")
	require.NoError(t, q.Close())
}

func TestQueueDefaults(t *testing.T) {
	t.Parallel()

	q := New(nil, nil, Config{ProjectID: "p", SubscriptionID: "s"})
	require.Equal(t, defaultAckDeadline, q.cfg.AckDeadline)
	require.Equal(t, defaultPullTimeout, q.cfg.PullTimeout)
	require.Equal(t, "projects/p/subscriptions/s", q.subscriptionName())
}
