package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/1withall/nabr/internal/core"
)

// PostgresJournal stores the event log in Postgres for self-hosted
// deployments.
//
// Schema:
//
//	CREATE TABLE verification_events (
//	    subject_id       TEXT        NOT NULL,
//	    seq              BIGINT      NOT NULL,
//	    at               TIMESTAMPTZ NOT NULL,
//	    kind             TEXT        NOT NULL,
//	    method           TEXT,
//	    actor_subject_id TEXT,
//	    protocol_run_id  TEXT,
//	    data             JSONB,
//	    PRIMARY KEY (subject_id, seq)
//	);
//
// The primary key makes a racing append fail with unique_violation, which is
// surfaced as ErrConflict just like an explicit expected-seq mismatch.
type PostgresJournal struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresJournal opens a connection pool against the given DSN.
func NewPostgresJournal(dsn string) (*PostgresJournal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &PostgresJournal{
		db:     db,
		logger: log.New(log.Writer(), "[PgJournal] ", log.LstdFlags),
	}, nil
}

// Close shuts down the connection pool.
func (pj *PostgresJournal) Close() error {
	return pj.db.Close()
}

// Append implements Journal.
func (pj *PostgresJournal) Append(ctx context.Context, subjectID string, expectedLastSeq int64, ev core.VerificationEvent) (int64, error) {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return 0, fmt.Errorf("marshal event data: %w", err)
	}
	seq := expectedLastSeq + 1

	// The guarded INSERT only writes when the journal head still matches
	// expectedLastSeq; zero rows affected means a concurrent writer won.
	res, err := pj.db.ExecContext(ctx, `
		INSERT INTO verification_events
		    (subject_id, seq, at, kind, method, actor_subject_id, protocol_run_id, data)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		WHERE (SELECT COALESCE(MAX(seq), 0) FROM verification_events WHERE subject_id = $1) = $9`,
		subjectID, seq, ev.At, string(ev.Kind), string(ev.Method),
		ev.ActorSubjectID, ev.ProtocolRunID, payload, expectedLastSeq)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if n == 0 {
		return 0, ErrConflict
	}
	return seq, nil
}

// Read implements Journal.
func (pj *PostgresJournal) Read(ctx context.Context, subjectID string, fromSeq int64) ([]core.VerificationEvent, error) {
	rows, err := pj.db.QueryContext(ctx, `
		SELECT seq, at, kind, method, actor_subject_id, protocol_run_id, data
		FROM verification_events
		WHERE subject_id = $1 AND seq > $2
		ORDER BY seq`, subjectID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer rows.Close()

	var events []core.VerificationEvent
	for rows.Next() {
		var (
			ev      core.VerificationEvent
			kind    string
			method  sql.NullString
			actor   sql.NullString
			runID   sql.NullString
			rawData []byte
		)
		if err := rows.Scan(&ev.Seq, &ev.At, &kind, &method, &actor, &runID, &rawData); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		ev.Kind = core.EventKind(kind)
		ev.Method = core.Method(method.String)
		ev.ActorSubjectID = actor.String
		ev.ProtocolRunID = runID.String
		if len(rawData) > 0 {
			if err := json.Unmarshal(rawData, &ev.Data); err != nil {
				return nil, fmt.Errorf("%w: corrupt event data at seq %d: %v", ErrStorage, ev.Seq, err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return events, nil
}

// LastSeq implements Journal.
func (pj *PostgresJournal) LastSeq(ctx context.Context, subjectID string) (int64, error) {
	var last int64
	err := pj.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM verification_events WHERE subject_id = $1`,
		subjectID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return last, nil
}
