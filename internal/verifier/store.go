// Package verifier holds verifier credential records and the authorization
// policy that decides who may attest to whom.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/1withall/nabr/internal/core"
)

// ErrNotFound means the subject has no verifier record at all.
var ErrNotFound = errors.New("verifier: record not found")

// Store is the keyed verifier-record store.
type Store interface {
	Get(ctx context.Context, subjectID string) (*core.VerifierRecord, error)
	Put(ctx context.Context, record *core.VerifierRecord) error

	// IncrementConfirmations adjusts the successful-confirmation counter by
	// delta (negative during saga compensation) and returns the new value.
	IncrementConfirmations(ctx context.Context, subjectID string, delta int) (int, error)
}

// =============================================================================
// IN-MEMORY STORE
// =============================================================================

// MemoryStore is the in-process verifier store for local dev and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*core.VerifierRecord
}

// NewMemoryStore creates an empty in-memory verifier store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*core.VerifierRecord)}
}

func (ms *MemoryStore) Get(ctx context.Context, subjectID string) (*core.VerifierRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	rec, ok := ms.records[subjectID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (ms *MemoryStore) Put(ctx context.Context, record *core.VerifierRecord) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	clone := *record
	ms.records[record.SubjectID] = &clone
	return nil
}

func (ms *MemoryStore) IncrementConfirmations(ctx context.Context, subjectID string, delta int) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	rec, ok := ms.records[subjectID]
	if !ok {
		return 0, ErrNotFound
	}
	rec.SuccessfulConfirmations += delta
	if rec.SuccessfulConfirmations < 0 {
		rec.SuccessfulConfirmations = 0
	}
	return rec.SuccessfulConfirmations, nil
}

// =============================================================================
// SUPABASE STORE
// =============================================================================

// verifierRow mirrors the verifier_records table.
type verifierRow struct {
	SubjectID               string   `json:"subject_id"`
	Credentials             []string `json:"credentials"`
	Authorized              bool     `json:"authorized"`
	RevokedAt               *string  `json:"revoked_at,omitempty"`
	RevocationReason        string   `json:"revocation_reason,omitempty"`
	SuccessfulConfirmations int      `json:"successful_confirmations"`
}

// SupabaseStore keeps verifier records in the platform's Supabase database.
type SupabaseStore struct {
	client *supabase.Client
}

// NewSupabaseStore creates a verifier store from SUPABASE_URL and
// SUPABASE_SERVICE_KEY, mirroring how the rest of the platform connects.
func NewSupabaseStore() (*SupabaseStore, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")
	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

func (ss *SupabaseStore) Get(ctx context.Context, subjectID string) (*core.VerifierRecord, error) {
	var rows []verifierRow
	_, err := ss.client.From("verifier_records").
		Select("*", "", false).
		Eq("subject_id", subjectID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get verifier record: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rowToRecord(&rows[0]), nil
}

func (ss *SupabaseStore) Put(ctx context.Context, record *core.VerifierRecord) error {
	row := recordToRow(record)
	var result []verifierRow
	_, err := ss.client.From("verifier_records").
		Insert(row, true, "subject_id", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to upsert verifier record: %w", err)
	}
	return nil
}

func (ss *SupabaseStore) IncrementConfirmations(ctx context.Context, subjectID string, delta int) (int, error) {
	// Read-modify-write; the counter is only ever written from the verifier's
	// own orchestration path, so there is no cross-writer race to defend.
	rec, err := ss.Get(ctx, subjectID)
	if err != nil {
		return 0, err
	}
	rec.SuccessfulConfirmations += delta
	if rec.SuccessfulConfirmations < 0 {
		rec.SuccessfulConfirmations = 0
	}
	var result []verifierRow
	_, err = ss.client.From("verifier_records").
		Update(map[string]interface{}{"successful_confirmations": rec.SuccessfulConfirmations}, "", "").
		Eq("subject_id", subjectID).
		ExecuteTo(&result)
	if err != nil {
		return 0, fmt.Errorf("failed to update confirmation count: %w", err)
	}
	return rec.SuccessfulConfirmations, nil
}

func rowToRecord(row *verifierRow) *core.VerifierRecord {
	rec := &core.VerifierRecord{
		SubjectID:               row.SubjectID,
		Authorized:              row.Authorized,
		RevocationReason:        row.RevocationReason,
		SuccessfulConfirmations: row.SuccessfulConfirmations,
	}
	for _, c := range row.Credentials {
		rec.Credentials = append(rec.Credentials, core.CredentialKind(c))
	}
	if row.RevokedAt != nil {
		if t, err := time.Parse(time.RFC3339, *row.RevokedAt); err == nil {
			rec.RevokedAt = &t
		}
	}
	return rec
}

func recordToRow(rec *core.VerifierRecord) *verifierRow {
	row := &verifierRow{
		SubjectID:               rec.SubjectID,
		Authorized:              rec.Authorized,
		RevocationReason:        rec.RevocationReason,
		SuccessfulConfirmations: rec.SuccessfulConfirmations,
	}
	for _, c := range rec.Credentials {
		row.Credentials = append(row.Credentials, string(c))
	}
	if rec.RevokedAt != nil {
		s := rec.RevokedAt.Format(time.RFC3339)
		row.RevokedAt = &s
	}
	return row
}
