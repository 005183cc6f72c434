// Package azqueue implements the candidate queue on Azure Storage Queues,
// the transport used by the original deployment.
package azqueue

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/JakeFAU/codesearch/internal/codesearch"
)

// DefaultQueueName is the queue the scanner and notifier share. Bodies are
// the PascalCase candidate JSON written by earlier scanner deployments.
const DefaultQueueName = "tested-connection-strings"

const defaultVisibilityTimeout = 30 * time.Second

// Config selects the queue.
type Config struct {
	ConnectionString  string
	Name              string
	VisibilityTimeout time.Duration
	ClientOptions     *azqueue.ClientOptions
}

// Queue implements codesearch.Queue. Bodies are stored base64 encoded, the
// storage SDK default that other queue consumers expect.
type Queue struct {
	client     *azqueue.QueueClient
	visibility int32
}

var _ codesearch.Queue = (*Queue)(nil)

// New builds a Queue from a storage connection string.
func New(cfg Config) (*Queue, error) {
	name := cfg.Name
	if name == "" {
		name = DefaultQueueName
	}
	svc, err := azqueue.NewServiceClientFromConnectionString(cfg.ConnectionString, cfg.ClientOptions)
	if err != nil {
		return nil, fmt.Errorf("create queue service client: %w", err)
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	return &Queue{
		client:     svc.NewQueueClient(name),
		visibility: visibilitySeconds(visibility),
	}, nil
}

// visibilitySeconds rounds d up to whole seconds. The service rejects a zero
// visibility timeout on dequeue.
func visibilitySeconds(d time.Duration) int32 {
	secs := (d + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return int32(secs)
}

// Ensure creates the queue if it does not exist.
func (q *Queue) Ensure(ctx context.Context) error {
	if _, err := q.client.Create(ctx, nil); err != nil && !hasCode(err, "QueueAlreadyExists") {
		return fmt.Errorf("create queue: %w", err)
	}
	return nil
}

// Enqueue adds one message.
func (q *Queue) Enqueue(ctx context.Context, body []byte) error {
	if _, err := q.client.EnqueueMessage(ctx, base64.StdEncoding.EncodeToString(body), nil); err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}
	return nil
}

// Receive dequeues at most one message and hides it for the visibility
// timeout.
func (q *Queue) Receive(ctx context.Context) (codesearch.Message, bool, error) {
	resp, err := q.client.DequeueMessage(ctx, &azqueue.DequeueMessageOptions{
		VisibilityTimeout: to.Ptr(q.visibility),
	})
	if err != nil {
		return codesearch.Message{}, false, fmt.Errorf("dequeue message: %w", err)
	}
	if len(resp.Messages) == 0 || resp.Messages[0] == nil {
		return codesearch.Message{}, false, nil
	}
	m := resp.Messages[0]
	return codesearch.Message{
		ID:      deref(m.MessageID),
		Receipt: deref(m.PopReceipt),
		Body:    decodeText(deref(m.MessageText)),
	}, true, nil
}

// Delete removes a received message using its pop receipt.
func (q *Queue) Delete(ctx context.Context, msg codesearch.Message) error {
	if _, err := q.client.DeleteMessage(ctx, msg.ID, msg.Receipt, nil); err != nil {
		return fmt.Errorf("delete message %s: %w", msg.ID, err)
	}
	return nil
}

// decodeText accepts base64 bodies and falls back to raw text written by
// producers that do not encode.
func decodeText(text string) []byte {
	if raw, err := base64.StdEncoding.DecodeString(text); err == nil {
		return raw
	}
	return []byte(text)
}

func hasCode(err error, code string) bool {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	return respErr.ErrorCode == code || respErr.StatusCode == http.StatusConflict
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
