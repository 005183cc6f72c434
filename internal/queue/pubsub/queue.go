// Package pubsub implements the candidate queue on Google Cloud Pub/Sub. A
// pulled message stays unacknowledged until Delete, so the ack deadline plays
// the role of the visibility timeout.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	vkit "cloud.google.com/go/pubsub/apiv1"
	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JakeFAU/codesearch/internal/codesearch"
	"github.com/JakeFAU/codesearch/internal/telemetry"
)

const (
	defaultAckDeadline = 60 * time.Second
	defaultPullTimeout = 5 * time.Second
)

// Config names the Pub/Sub resources.
type Config struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string
	// AckDeadline is how long a received message stays hidden (10s-600s).
	AckDeadline time.Duration
	// PullTimeout bounds one Receive call when no message is available.
	PullTimeout time.Duration
}

// Queue implements codesearch.Queue.
type Queue struct {
	client     *pubsub.Client
	subscriber *vkit.SubscriberClient
	cfg        Config
}

var _ codesearch.Queue = (*Queue)(nil)

// Open dials Pub/Sub with Application Default Credentials unless opts say
// otherwise.
func Open(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Queue, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	subscriber, err := vkit.NewSubscriberClient(ctx, opts...)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create pubsub subscriber client: %w", err)
	}
	return New(client, subscriber, cfg), nil
}

// New wraps existing clients.
func New(client *pubsub.Client, subscriber *vkit.SubscriberClient, cfg Config) *Queue {
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = defaultAckDeadline
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = defaultPullTimeout
	}
	return &Queue{client: client, subscriber: subscriber, cfg: cfg}
}

// Ensure creates the topic and subscription if they do not exist.
func (q *Queue) Ensure(ctx context.Context) error {
	topic := q.client.Topic(q.cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check topic %q: %w", q.cfg.TopicID, err)
	}
	if !exists {
		if _, err := q.client.CreateTopic(ctx, q.cfg.TopicID); err != nil && status.Code(err) != codes.AlreadyExists {
			return fmt.Errorf("create topic %q: %w", q.cfg.TopicID, err)
		}
	}

	sub := q.client.Subscription(q.cfg.SubscriptionID)
	exists, err = sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check subscription %q: %w", q.cfg.SubscriptionID, err)
	}
	if exists {
		return nil
	}
	_, err = q.client.CreateSubscription(ctx, q.cfg.SubscriptionID, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: q.cfg.AckDeadline,
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("create subscription %q: %w", q.cfg.SubscriptionID, err)
	}
	return nil
}

// Enqueue publishes body and waits for the server acknowledgement. The trace
// context of ctx travels in the message attributes.
func (q *Queue) Enqueue(ctx context.Context, body []byte) error {
	topic := q.client.Topic(q.cfg.TopicID)
	defer topic.Stop()
	msg := &pubsub.Message{Data: body, Attributes: make(map[string]string)}
	telemetry.Inject(ctx, msg.Attributes)
	if len(msg.Attributes) == 0 {
		msg.Attributes = nil
	}
	if _, err := topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Receive pulls at most one message.
func (q *Queue) Receive(ctx context.Context) (codesearch.Message, bool, error) {
	pullCtx, cancel := context.WithTimeout(ctx, q.cfg.PullTimeout)
	defer cancel()

	resp, err := q.subscriber.Pull(pullCtx, &pubsubpb.PullRequest{
		Subscription: q.subscriptionName(),
		MaxMessages:  1,
	})
	if err != nil {
		if ctx.Err() == nil && isDeadline(err) {
			return codesearch.Message{}, false, nil
		}
		return codesearch.Message{}, false, fmt.Errorf("pull message: %w", err)
	}
	if len(resp.GetReceivedMessages()) == 0 {
		return codesearch.Message{}, false, nil
	}
	received := resp.GetReceivedMessages()[0]
	return codesearch.Message{
		ID:         received.GetMessage().GetMessageId(),
		Receipt:    received.GetAckId(),
		Body:       received.GetMessage().GetData(),
		Attributes: received.GetMessage().GetAttributes(),
	}, true, nil
}

// Delete acknowledges a received message.
func (q *Queue) Delete(ctx context.Context, msg codesearch.Message) error {
	err := q.subscriber.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
		Subscription: q.subscriptionName(),
		AckIds:       []string{msg.Receipt},
	})
	if err != nil {
		return fmt.Errorf("acknowledge message %s: %w", msg.ID, err)
	}
	return nil
}

// Close releases both clients.
func (q *Queue) Close() error {
	return errors.Join(q.subscriber.Close(), q.client.Close())
}

func (q *Queue) subscriptionName() string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", q.cfg.ProjectID, q.cfg.SubscriptionID)
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || status.Code(err) == codes.DeadlineExceeded
}
