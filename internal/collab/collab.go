// Package collab names the external collaborators the engine consumes but
// does not implement: notification delivery, code delivery, and the document
// review queue. Concrete transports live elsewhere; the engine only ever
// talks to these interfaces.
package collab

import (
	"context"
	"sync"
	"time"
)

// Notifier is the notification sink. At-least-once delivery is acceptable;
// the engine never blocks state transitions on delivery success.
type Notifier interface {
	Deliver(ctx context.Context, subjectID, kind string, payload map[string]interface{}) error
}

// CodeSender delivers a challenge code to an email address or phone number.
type CodeSender interface {
	Send(ctx context.Context, target, code string, ttl time.Duration) error
}

// ReviewTask is one document submitted for human review.
type ReviewTask struct {
	SubjectID     string `json:"subject_id"`
	Method        string `json:"method"`
	ProtocolRunID string `json:"protocol_run_id"`
	DocumentRef   string `json:"document_ref"`
}

// ReviewQueue accepts review tasks for the human-review collaborator. The
// decision comes back later as a review_decision signal.
type ReviewQueue interface {
	Enqueue(ctx context.Context, task ReviewTask) (reviewID string, err error)
}

// =============================================================================
// IN-MEMORY IMPLEMENTATIONS (local dev + tests)
// =============================================================================

// MemoryNotifier records deliveries for inspection.
type MemoryNotifier struct {
	mu         sync.Mutex
	Deliveries []Delivery
}

// Delivery is one recorded notification.
type Delivery struct {
	SubjectID string
	Kind      string
	Payload   map[string]interface{}
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (mn *MemoryNotifier) Deliver(ctx context.Context, subjectID, kind string, payload map[string]interface{}) error {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.Deliveries = append(mn.Deliveries, Delivery{SubjectID: subjectID, Kind: kind, Payload: payload})
	return nil
}

// Delivered returns a copy of all recorded deliveries.
func (mn *MemoryNotifier) Delivered() []Delivery {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	out := make([]Delivery, len(mn.Deliveries))
	copy(out, mn.Deliveries)
	return out
}

// MemoryCodeSender records sent codes so tests can read them back.
type MemoryCodeSender struct {
	mu    sync.Mutex
	Sends []CodeSend
}

// CodeSend is one recorded code dispatch.
type CodeSend struct {
	Target string
	Code   string
	TTL    time.Duration
}

func NewMemoryCodeSender() *MemoryCodeSender {
	return &MemoryCodeSender{}
}

func (ms *MemoryCodeSender) Send(ctx context.Context, target, code string, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.Sends = append(ms.Sends, CodeSend{Target: target, Code: code, TTL: ttl})
	return nil
}

// Sent returns a copy of all recorded sends.
func (ms *MemoryCodeSender) Sent() []CodeSend {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]CodeSend, len(ms.Sends))
	copy(out, ms.Sends)
	return out
}

// MemoryReviewQueue records enqueued review tasks.
type MemoryReviewQueue struct {
	mu    sync.Mutex
	Tasks []ReviewTask
	next  int
}

func NewMemoryReviewQueue() *MemoryReviewQueue {
	return &MemoryReviewQueue{}
}

func (mq *MemoryReviewQueue) Enqueue(ctx context.Context, task ReviewTask) (string, error) {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	mq.Tasks = append(mq.Tasks, task)
	mq.next++
	return "review-" + task.ProtocolRunID, nil
}

// Enqueued returns a copy of all recorded tasks.
func (mq *MemoryReviewQueue) Enqueued() []ReviewTask {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	out := make([]ReviewTask, len(mq.Tasks))
	copy(out, mq.Tasks)
	return out
}
