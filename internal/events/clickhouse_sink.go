package events

import (
	"context"
	"fmt"
	"time"

	"attendance-service/internal/model"
)

// Inserter is satisfied by *client.ClickHouseClient.
type Inserter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

var clickhouseSchema = []string{
	`CREATE TABLE IF NOT EXISTS scan_events (
		event_id String,
		session_id String,
		student_ref String,
		presented_sequence UInt64,
		outcome LowCardinality(String),
		reason LowCardinality(String),
		bucket UInt16,
		ts DateTime64(3, 'UTC')
	) ENGINE = MergeTree
	PARTITION BY toYYYYMM(ts)
	ORDER BY (session_id, ts, event_id)`,
	`CREATE TABLE IF NOT EXISTS attendance_sessions (
		session_id String,
		branch LowCardinality(String),
		semester UInt8,
		section LowCardinality(String),
		subject_id LowCardinality(String),
		class_date Date,
		creator_id String,
		created_at DateTime64(3, 'UTC'),
		closed_at DateTime64(3, 'UTC'),
		close_reason LowCardinality(String),
		eligible_count UInt32,
		accepted_count UInt32,
		rejected_count UInt32,
		last_sequence UInt64,
		bucket UInt16
	) ENGINE = ReplacingMergeTree
	ORDER BY (branch, semester, section, subject_id, class_date, session_id)`,
}

const (
	insertScan    = "INSERT INTO scan_events (event_id, session_id, student_ref, presented_sequence, outcome, reason, bucket, ts)"
	insertSession = "INSERT INTO attendance_sessions (session_id, branch, semester, section, subject_id, class_date, creator_id, created_at, closed_at, close_reason, eligible_count, accepted_count, rejected_count, last_sequence, bucket)"
)

// ClickHouseSink appends audit rows. Sealed student ids are not stored;
// the fingerprint is enough for joins.
type ClickHouseSink struct {
	db Inserter
}

func NewClickHouseSink(db Inserter) *ClickHouseSink {
	return &ClickHouseSink{db: db}
}

func (c *ClickHouseSink) EnsureSchema(ctx context.Context) error {
	for _, ddl := range clickhouseSchema {
		if err := c.db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("clickhouse schema: %w", err)
		}
	}
	return nil
}

func (c *ClickHouseSink) Name() string { return "clickhouse" }

func (c *ClickHouseSink) PublishScan(ctx context.Context, rec ScanRecord) error {
	return c.db.BatchInsert(ctx, insertScan, [][]interface{}{{
		rec.EventID,
		rec.SessionID,
		rec.StudentRef,
		rec.PresentedSequence,
		string(rec.Outcome),
		string(rec.Reason),
		uint16(rec.Bucket),
		rec.Timestamp,
	}})
}

func (c *ClickHouseSink) PublishSessionClosed(ctx context.Context, doc SessionDocument) error {
	classDate, err := time.Parse(model.DateLayout, doc.Key.Date)
	if err != nil {
		return fmt.Errorf("session %s date: %w", doc.SessionID, err)
	}
	return c.db.BatchInsert(ctx, insertSession, [][]interface{}{{
		doc.SessionID,
		doc.Key.Branch,
		uint8(doc.Key.Semester),
		doc.Key.Section,
		doc.Key.SubjectID,
		classDate,
		doc.CreatorID,
		doc.CreatedAt,
		doc.ClosedAt,
		string(doc.CloseReason),
		uint32(doc.EligibleCount),
		uint32(doc.AcceptedCount),
		uint32(doc.RejectedCount),
		doc.LastSequence,
		uint16(doc.Bucket),
	}})
}
