package events

import (
	"context"
	"time"

	"attendance-service/internal/encryption"
	"attendance-service/internal/model"
)

const (
	studentPurpose = "student_id"

	EventTypeScan          = "scan"
	EventTypeSessionClosed = "session_closed"
)

// ScanRecord is the outbound form of a scan event. The student id only
// leaves the process sealed, with a fingerprint for joins.
type ScanRecord struct {
	EventID           string                    `json:"event_id"`
	SessionID         string                    `json:"session_id"`
	StudentRef        string                    `json:"student_ref"`
	StudentSealed     *encryption.EncryptedData `json:"student_sealed,omitempty"`
	PresentedSequence uint64                    `json:"presented_sequence"`
	Timestamp         time.Time                 `json:"timestamp"`
	Outcome           model.ScanOutcome         `json:"outcome"`
	Reason            model.RejectReason        `json:"reason,omitempty"`
	Bucket            int                       `json:"bucket"`
}

// SessionDocument is the outbound form of a closed session.
type SessionDocument struct {
	SessionID     string            `json:"session_id"`
	Key           model.SessionKey  `json:"key"`
	CreatorID     string            `json:"creator_id"`
	CreatedAt     time.Time         `json:"created_at"`
	ClosedAt      time.Time         `json:"closed_at"`
	CloseReason   model.CloseReason `json:"close_reason"`
	EligibleCount int               `json:"eligible_count"`
	AcceptedCount int               `json:"accepted_count"`
	RejectedCount int               `json:"rejected_count"`
	LastSequence  uint64            `json:"last_sequence"`
	ScanCount     int               `json:"scan_count"`
	Bucket        int               `json:"bucket"`
}

// Sealer encrypts a value for a purpose; *encryption.EncryptionManager satisfies it.
type Sealer interface {
	EncryptField(ctx context.Context, plaintext, keyPurpose string) (*encryption.EncryptedData, error)
}

// Fingerprinter is satisfied by *hashing.Hasher.
type Fingerprinter interface {
	Fingerprint(purpose, value string) string
}

// Bucketer is satisfied by *bucketing.BucketingManager.
type Bucketer interface {
	EventBucket(identifier string) int
}

// Encoder turns domain values into outbound records.
type Encoder struct {
	sealer  Sealer
	hasher  Fingerprinter
	buckets Bucketer
}

func NewEncoder(sealer Sealer, hasher Fingerprinter, buckets Bucketer) *Encoder {
	return &Encoder{sealer: sealer, hasher: hasher, buckets: buckets}
}

func (e *Encoder) Scan(ctx context.Context, ev model.ScanEvent) (ScanRecord, error) {
	rec := ScanRecord{
		EventID:           ev.EventID,
		SessionID:         ev.SessionID,
		StudentRef:        e.hasher.Fingerprint(studentPurpose, ev.StudentID),
		PresentedSequence: ev.PresentedSequence,
		Timestamp:         ev.Timestamp.UTC(),
		Outcome:           ev.Outcome,
		Reason:            ev.Reason,
		Bucket:            e.buckets.EventBucket(ev.SessionID),
	}
	if e.sealer != nil {
		sealed, err := e.sealer.EncryptField(ctx, ev.StudentID, studentPurpose)
		if err != nil {
			return ScanRecord{}, err
		}
		rec.StudentSealed = sealed
	}
	return rec, nil
}

func (e *Encoder) Session(rec model.SessionRecord) SessionDocument {
	s := rec.Session
	doc := SessionDocument{
		SessionID:     s.ID,
		Key:           s.Key,
		CreatorID:     s.CreatorID,
		CreatedAt:     s.CreatedAt.UTC(),
		CloseReason:   s.CloseReason,
		EligibleCount: s.EligibleCount,
		AcceptedCount: s.AcceptedCount,
		RejectedCount: s.RejectedCount,
		LastSequence:  rec.LastSequence,
		ScanCount:     rec.ScanCount,
		Bucket:        e.buckets.EventBucket(s.ID),
	}
	if s.ClosedAt != nil {
		doc.ClosedAt = s.ClosedAt.UTC()
	}
	return doc
}
