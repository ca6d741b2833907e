package journal

import (
	"context"
	"sync"

	"github.com/1withall/nabr/internal/core"
)

// MemoryJournal is the in-process journal used for local development and
// tests. Same contract as the durable backends: atomic append with an
// expected-seq check, gap-free seq per subject.
type MemoryJournal struct {
	mu     sync.RWMutex
	events map[string][]core.VerificationEvent
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{events: make(map[string][]core.VerificationEvent)}
}

// Append implements Journal.
func (mj *MemoryJournal) Append(ctx context.Context, subjectID string, expectedLastSeq int64, ev core.VerificationEvent) (int64, error) {
	mj.mu.Lock()
	defer mj.mu.Unlock()

	log := mj.events[subjectID]
	last := int64(len(log))
	if expectedLastSeq != last {
		return 0, ErrConflict
	}
	ev.Seq = last + 1
	mj.events[subjectID] = append(log, ev)
	return ev.Seq, nil
}

// Read implements Journal.
func (mj *MemoryJournal) Read(ctx context.Context, subjectID string, fromSeq int64) ([]core.VerificationEvent, error) {
	mj.mu.RLock()
	defer mj.mu.RUnlock()

	log := mj.events[subjectID]
	if fromSeq >= int64(len(log)) {
		return nil, nil
	}
	out := make([]core.VerificationEvent, len(log)-int(fromSeq))
	copy(out, log[fromSeq:])
	return out, nil
}

// LastSeq implements Journal.
func (mj *MemoryJournal) LastSeq(ctx context.Context, subjectID string) (int64, error) {
	mj.mu.RLock()
	defer mj.mu.RUnlock()
	return int64(len(mj.events[subjectID])), nil
}

// MemoryCache is the in-process snapshot cache.
type MemoryCache struct {
	mu    sync.RWMutex
	snaps map[string]*core.SubjectSnapshot
}

// NewMemoryCache creates an empty snapshot cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{snaps: make(map[string]*core.SubjectSnapshot)}
}

func (mc *MemoryCache) Get(ctx context.Context, subjectID string) (*core.SubjectSnapshot, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	snap, ok := mc.snaps[subjectID]
	return snap, ok
}

func (mc *MemoryCache) Put(ctx context.Context, subjectID string, snap *core.SubjectSnapshot) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.snaps[subjectID] = snap
}

func (mc *MemoryCache) Invalidate(ctx context.Context, subjectID string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.snaps, subjectID)
}
