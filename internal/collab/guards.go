package collab

import (
	"context"
	"time"

	"github.com/1withall/nabr/internal/circuitbreaker"
)

// Circuit-breaker decorators for the collaborator interfaces. A collaborator
// that keeps failing trips its breaker; orchestrators then fail fast instead
// of stacking retries on a dead dependency.

// GuardedNotifier wraps a Notifier with a circuit breaker.
type GuardedNotifier struct {
	inner   Notifier
	breaker *circuitbreaker.CircuitBreaker
}

func NewGuardedNotifier(inner Notifier) *GuardedNotifier {
	return &GuardedNotifier{
		inner:   inner,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("notifier")),
	}
}

func (g *GuardedNotifier) Deliver(ctx context.Context, subjectID, kind string, payload map[string]interface{}) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.inner.Deliver(ctx, subjectID, kind, payload)
	})
}

// GuardedCodeSender wraps a CodeSender with a circuit breaker.
type GuardedCodeSender struct {
	inner   CodeSender
	breaker *circuitbreaker.CircuitBreaker
}

func NewGuardedCodeSender(inner CodeSender) *GuardedCodeSender {
	return &GuardedCodeSender{
		inner:   inner,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("code-delivery")),
	}
}

func (g *GuardedCodeSender) Send(ctx context.Context, target, code string, ttl time.Duration) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.inner.Send(ctx, target, code, ttl)
	})
}

// GuardedReviewQueue wraps a ReviewQueue with a circuit breaker.
type GuardedReviewQueue struct {
	inner   ReviewQueue
	breaker *circuitbreaker.CircuitBreaker
}

func NewGuardedReviewQueue(inner ReviewQueue) *GuardedReviewQueue {
	return &GuardedReviewQueue{
		inner:   inner,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("review-queue")),
	}
}

func (g *GuardedReviewQueue) Enqueue(ctx context.Context, task ReviewTask) (string, error) {
	var reviewID string
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		id, err := g.inner.Enqueue(ctx, task)
		reviewID = id
		return err
	})
	return reviewID, err
}
