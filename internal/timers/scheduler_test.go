package timers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1withall/nabr/internal/core"
)

func TestMemorySchedulerFires(t *testing.T) {
	var mu sync.Mutex
	var fired []ExpiryFire

	ms := NewMemoryScheduler(func(fire ExpiryFire) {
		mu.Lock()
		fired = append(fired, fire)
		mu.Unlock()
	})
	defer ms.Close()

	fire := ExpiryFire{
		SubjectID: "subj-1",
		Method:    core.MethodEmail,
		ExpiresAt: time.Now().Add(20 * time.Millisecond),
	}
	require.NoError(t, ms.Schedule(context.Background(), fire))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, fire, fired[0])
	mu.Unlock()
}

func TestMemorySchedulerDeduplicates(t *testing.T) {
	var mu sync.Mutex
	count := 0

	ms := NewMemoryScheduler(func(ExpiryFire) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	defer ms.Close()

	fire := ExpiryFire{
		SubjectID: "subj-1",
		Method:    core.MethodEmail,
		ExpiresAt: time.Now().Add(20 * time.Millisecond).Truncate(time.Millisecond),
	}
	// Rehydration re-schedules the same expiry; only one timer may exist.
	require.NoError(t, ms.Schedule(context.Background(), fire))
	require.NoError(t, ms.Schedule(context.Background(), fire))

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestMemorySchedulerCloseStopsTimers(t *testing.T) {
	ms := NewMemoryScheduler(func(ExpiryFire) {
		t.Error("timer fired after Close")
	})
	require.NoError(t, ms.Schedule(context.Background(), ExpiryFire{
		SubjectID: "subj-1",
		Method:    core.MethodEmail,
		ExpiresAt: time.Now().Add(30 * time.Millisecond),
	}))
	ms.Close()
	time.Sleep(80 * time.Millisecond)
}
