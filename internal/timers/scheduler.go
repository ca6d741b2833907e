// Package timers schedules the durable expiry timers that make completion
// decay survive process restarts. Each completion with a decay window gets
// one timer at its expires_at; firing routes back into the subject's
// orchestrator as an expiry command.
package timers

import (
	"context"
	"sync"
	"time"

	"github.com/1withall/nabr/internal/core"
)

// ExpiryFire identifies which completion's decay window elapsed.
type ExpiryFire struct {
	SubjectID string      `json:"subject_id"`
	Method    core.Method `json:"method"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// FireFunc receives due expiries. Delivery is at-least-once; the receiving
// orchestrator re-checks against the journal before acting.
type FireFunc func(fire ExpiryFire)

// Scheduler arms one timer per pending expiry.
type Scheduler interface {
	Schedule(ctx context.Context, fire ExpiryFire) error
}

// MemoryScheduler arms in-process timers. Used for local development and
// tests; timers do not survive a restart, which the orchestrator's periodic
// sweep papers over by re-checking completions on rehydration.
type MemoryScheduler struct {
	mu     sync.Mutex
	fire   FireFunc
	timers map[string]*time.Timer
	closed bool
}

// NewMemoryScheduler creates an in-process scheduler delivering to fire.
func NewMemoryScheduler(fire FireFunc) *MemoryScheduler {
	return &MemoryScheduler{fire: fire, timers: make(map[string]*time.Timer)}
}

func (ms *MemoryScheduler) Schedule(ctx context.Context, fire ExpiryFire) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return nil
	}

	key := fire.SubjectID + "/" + string(fire.Method) + "/" + fire.ExpiresAt.Format(time.RFC3339Nano)
	if _, exists := ms.timers[key]; exists {
		// One timer per completion; rescheduling the same expiry is a no-op.
		return nil
	}

	d := time.Until(fire.ExpiresAt)
	if d < 0 {
		d = 0
	}
	ms.timers[key] = time.AfterFunc(d, func() {
		ms.mu.Lock()
		delete(ms.timers, key)
		closed := ms.closed
		ms.mu.Unlock()
		if !closed {
			ms.fire(fire)
		}
	})
	return nil
}

// Close stops all pending timers.
func (ms *MemoryScheduler) Close() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	for key, t := range ms.timers {
		t.Stop()
		delete(ms.timers, key)
	}
}
