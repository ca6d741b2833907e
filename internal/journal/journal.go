// Package journal is the append-only verification-event log and the derived
// per-subject snapshot store. The journal is the sole authoritative state;
// snapshots are a cache over the fold of the journal through the scoring model.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/1withall/nabr/internal/core"
	"github.com/1withall/nabr/internal/scoring"
)

var (
	// ErrConflict means the caller's expected_last_seq no longer matches.
	// Retryable after a fresh read.
	ErrConflict = errors.New("journal: sequence conflict")

	// ErrStorage wraps backend failures. Retryable with backoff.
	ErrStorage = errors.New("journal: storage error")
)

// Journal is the per-subject append-only event log. Appends are atomic and
// monotonic per subject; there is no cross-subject ordering.
type Journal interface {
	// Append writes one event with an optimistic-concurrency check against
	// expectedLastSeq and returns the assigned seq (gap-free, starting at 1).
	Append(ctx context.Context, subjectID string, expectedLastSeq int64, ev core.VerificationEvent) (int64, error)

	// Read returns the subject's events with seq > fromSeq, ordered ascending.
	Read(ctx context.Context, subjectID string, fromSeq int64) ([]core.VerificationEvent, error)

	// LastSeq returns the subject's highest seq, 0 for an empty journal.
	LastSeq(ctx context.Context, subjectID string) (int64, error)
}

// Cache holds derived snapshots. Lookup misses are not errors.
type Cache interface {
	Get(ctx context.Context, subjectID string) (*core.SubjectSnapshot, bool)
	Put(ctx context.Context, subjectID string, snap *core.SubjectSnapshot)
	Invalidate(ctx context.Context, subjectID string)
}

// Store combines the journal, the snapshot cache, and the scoring model into
// the state-store contract consumed by orchestrators and the gateway.
type Store struct {
	journal Journal
	cache   Cache
	model   *scoring.Model
	logger  *log.Logger
}

// NewStore wires a journal backend with a snapshot cache.
func NewStore(j Journal, c Cache, model *scoring.Model) *Store {
	if c == nil {
		c = NewMemoryCache()
	}
	return &Store{
		journal: j,
		cache:   c,
		model:   model,
		logger:  log.New(log.Writer(), "[JOURNAL] ", log.LstdFlags),
	}
}

// Append writes one event and invalidates the subject's cached snapshot; the
// next Snapshot call rebuilds it from the journal. Read-your-write holds
// within a subject.
func (s *Store) Append(ctx context.Context, subjectID string, expectedLastSeq int64, ev core.VerificationEvent) (int64, error) {
	seq, err := s.journal.Append(ctx, subjectID, expectedLastSeq, ev)
	if err != nil {
		return 0, err
	}
	s.cache.Invalidate(ctx, subjectID)
	return seq, nil
}

// Read returns the subject's journal from fromSeq (exclusive), seq ascending.
func (s *Store) Read(ctx context.Context, subjectID string, fromSeq int64) ([]core.VerificationEvent, error) {
	return s.journal.Read(ctx, subjectID, fromSeq)
}

// LastSeq returns the subject's highest committed seq.
func (s *Store) LastSeq(ctx context.Context, subjectID string) (int64, error) {
	return s.journal.LastSeq(ctx, subjectID)
}

// Snapshot returns the cached snapshot, rebuilding it from the journal when
// stale or missing.
func (s *Store) Snapshot(ctx context.Context, subjectID string, now time.Time) (*core.SubjectSnapshot, error) {
	if snap, ok := s.cache.Get(ctx, subjectID); ok {
		last, err := s.journal.LastSeq(ctx, subjectID)
		if err == nil && last == snap.LastSeq {
			return snap, nil
		}
	}
	events, err := s.journal.Read(ctx, subjectID, 0)
	if err != nil {
		return nil, fmt.Errorf("snapshot rebuild: %w", err)
	}
	snap := Fold(subjectID, events, s.model, now)
	s.cache.Put(ctx, subjectID, snap)
	return snap, nil
}

// Invalidate marks the cached snapshot stale.
func (s *Store) Invalidate(ctx context.Context, subjectID string) {
	s.cache.Invalidate(ctx, subjectID)
}

// Model exposes the scoring model the store folds with.
func (s *Store) Model() *scoring.Model {
	return s.model
}
