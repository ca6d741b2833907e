package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/1withall/nabr/internal/core"
)

// SpannerJournal stores the per-subject event log in Cloud Spanner.
//
// Table layout:
//
//	CREATE TABLE VerificationEvents (
//	    SubjectID      STRING(64)  NOT NULL,
//	    Seq            INT64       NOT NULL,
//	    At             TIMESTAMP   NOT NULL,
//	    Kind           STRING(64)  NOT NULL,
//	    Method         STRING(64),
//	    ActorSubjectID STRING(64),
//	    ProtocolRunID  STRING(64),
//	    Data           STRING(MAX),
//	) PRIMARY KEY (SubjectID, Seq)
//
// The (SubjectID, Seq) primary key plus the expected-seq check inside the
// read-write transaction gives each subject an independent linearizable
// stream; an insert racing another writer aborts with AlreadyExists.
type SpannerJournal struct {
	client *spanner.Client
	logger *log.Logger
}

// NewSpannerJournal creates a Journal backed by Cloud Spanner.
func NewSpannerJournal(project, instance, dbName string) (*SpannerJournal, error) {
	ctx := context.Background()
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, dbName)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Spanner client: %w", err)
	}

	return &SpannerJournal{
		client: client,
		logger: log.New(log.Writer(), "[SpannerJournal] ", log.LstdFlags),
	}, nil
}

// Close releases the Spanner client.
func (sj *SpannerJournal) Close() {
	sj.client.Close()
}

// Append implements Journal with the expected-seq check executed inside a
// read-write transaction.
func (sj *SpannerJournal) Append(ctx context.Context, subjectID string, expectedLastSeq int64, ev core.VerificationEvent) (int64, error) {
	seq := expectedLastSeq + 1

	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return 0, fmt.Errorf("marshal event data: %w", err)
	}

	_, err = sj.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		last, err := lastSeqInTxn(ctx, txn, subjectID)
		if err != nil {
			return err
		}
		if last != expectedLastSeq {
			return ErrConflict
		}
		mutation := spanner.Insert("VerificationEvents",
			[]string{"SubjectID", "Seq", "At", "Kind", "Method", "ActorSubjectID", "ProtocolRunID", "Data"},
			[]interface{}{subjectID, seq, ev.At, string(ev.Kind), string(ev.Method), ev.ActorSubjectID, ev.ProtocolRunID, string(payload)},
		)
		return txn.BufferWrite([]*spanner.Mutation{mutation})
	})
	if err != nil {
		if err == ErrConflict || spanner.ErrCode(err) == codes.AlreadyExists {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return seq, nil
}

// Read implements Journal.
func (sj *SpannerJournal) Read(ctx context.Context, subjectID string, fromSeq int64) ([]core.VerificationEvent, error) {
	stmt := spanner.Statement{
		SQL: `SELECT Seq, At, Kind, Method, ActorSubjectID, ProtocolRunID, Data
		      FROM VerificationEvents
		      WHERE SubjectID = @subject AND Seq > @from
		      ORDER BY Seq`,
		Params: map[string]interface{}{"subject": subjectID, "from": fromSeq},
	}

	iter := sj.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var events []core.VerificationEvent
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}

		var (
			seq                                 int64
			at                                  time.Time
			kind, method, actor, runID, rawData string
		)
		if err := row.Columns(&seq, &at, &kind, &method, &actor, &runID, &rawData); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}

		ev := core.VerificationEvent{
			Seq:            seq,
			At:             at,
			Kind:           core.EventKind(kind),
			Method:         core.Method(method),
			ActorSubjectID: actor,
			ProtocolRunID:  runID,
		}
		if rawData != "" {
			if err := json.Unmarshal([]byte(rawData), &ev.Data); err != nil {
				return nil, fmt.Errorf("%w: corrupt event data at seq %d: %v", ErrStorage, seq, err)
			}
		}
		events = append(events, ev)
	}
	return events, nil
}

// LastSeq implements Journal.
func (sj *SpannerJournal) LastSeq(ctx context.Context, subjectID string) (int64, error) {
	tx := sj.client.Single()
	defer tx.Close()

	stmt := spanner.Statement{
		SQL:    `SELECT COALESCE(MAX(Seq), 0) FROM VerificationEvents WHERE SubjectID = @subject`,
		Params: map[string]interface{}{"subject": subjectID},
	}
	iter := tx.Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var last int64
	if err := row.Columns(&last); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return last, nil
}

func lastSeqInTxn(ctx context.Context, txn *spanner.ReadWriteTransaction, subjectID string) (int64, error) {
	stmt := spanner.Statement{
		SQL:    `SELECT COALESCE(MAX(Seq), 0) FROM VerificationEvents WHERE SubjectID = @subject`,
		Params: map[string]interface{}{"subject": subjectID},
	}
	iter := txn.Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err != nil {
		return 0, err
	}
	var last int64
	if err := row.Columns(&last); err != nil {
		return 0, err
	}
	return last, nil
}
