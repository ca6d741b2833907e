package main

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/1withall/nabr/internal/collab"
)

// The delivery and review backends are separate platform services. verifyd
// ships log-only stand-ins so the engine runs end-to-end in development; a
// deployment replaces them with clients for the real services.

type loggingCodeSender struct {
	logger *log.Logger
}

func newLoggingCodeSender() collab.CodeSender {
	return &loggingCodeSender{logger: log.New(log.Writer(), "[CODE-DELIVERY] ", log.LstdFlags)}
}

func (s *loggingCodeSender) Send(ctx context.Context, target, code string, ttl time.Duration) error {
	// The code itself is intentionally not logged.
	s.logger.Printf("📨 Dispatched challenge code to %s (ttl=%s)", target, ttl)
	return nil
}

type loggingReviewQueue struct {
	logger *log.Logger
}

func newLoggingReviewQueue() collab.ReviewQueue {
	return &loggingReviewQueue{logger: log.New(log.Writer(), "[REVIEW-QUEUE] ", log.LstdFlags)}
}

func (q *loggingReviewQueue) Enqueue(ctx context.Context, task collab.ReviewTask) (string, error) {
	reviewID := "review-" + uuid.New().String()
	q.logger.Printf("📋 Enqueued %s review for subject %s (doc=%s) as %s",
		task.Method, task.SubjectID, task.DocumentRef, reviewID)
	return reviewID, nil
}
