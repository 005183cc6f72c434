// Package memory provides an in-process queue for local runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/codesearch/internal/codesearch"
)

// ErrUnknownReceipt is returned when deleting a message whose receipt is stale.
var ErrUnknownReceipt = errors.New("unknown message receipt")

const defaultVisibilityTimeout = 30 * time.Second

type entry struct {
	id             string
	body           []byte
	receipt        string
	invisibleUntil time.Time
	deliveries     int
}

// Queue mimics a visibility-timeout queue: a received message is hidden until
// it is deleted or its timeout lapses, after which it is delivered again.
type Queue struct {
	mu         sync.Mutex
	entries    []*entry
	nextID     int
	nextRcpt   int
	visibility time.Duration
	now        func() time.Time
}

var _ codesearch.Queue = (*Queue)(nil)

// NewQueue constructs an empty queue. A non-positive visibility uses 30s.
func NewQueue(visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	return &Queue{visibility: visibility, now: time.Now}
}

// Ensure is a no-op.
func (q *Queue) Ensure(context.Context) error {
	return nil
}

// Enqueue appends a message to the tail of the queue.
func (q *Queue) Enqueue(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.entries = append(q.entries, &entry{
		id:   strconv.Itoa(q.nextID),
		body: append([]byte(nil), body...),
	})
	return nil
}

// Receive returns the oldest visible message and hides it for the
// visibility timeout.
func (q *Queue) Receive(ctx context.Context) (codesearch.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return codesearch.Message{}, false, fmt.Errorf("receive canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for _, e := range q.entries {
		if now.Before(e.invisibleUntil) {
			continue
		}
		q.nextRcpt++
		e.receipt = strconv.Itoa(q.nextRcpt)
		e.invisibleUntil = now.Add(q.visibility)
		e.deliveries++
		return codesearch.Message{
			ID:      e.id,
			Receipt: e.receipt,
			Body:    append([]byte(nil), e.body...),
		}, true, nil
	}
	return codesearch.Message{}, false, nil
}

// Delete removes a received message. The receipt must be from the latest
// delivery.
func (q *Queue) Delete(ctx context.Context, msg codesearch.Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("delete canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.id != msg.ID {
			continue
		}
		if e.receipt == "" || e.receipt != msg.Receipt {
			return ErrUnknownReceipt
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		return nil
	}
	return ErrUnknownReceipt
}

// Len reports the number of messages not yet deleted, visible or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
