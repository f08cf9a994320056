package model

import (
	"fmt"
	"time"
)

// DateLayout is the calendar-date format used in session keys.
const DateLayout = "2006-01-02"

type SessionState string

const (
	SessionActive SessionState = "active"
	SessionClosed SessionState = "closed"
)

// CloseReason records why a session left the Active state.
type CloseReason string

const (
	CloseByInstructor    CloseReason = "instructor"
	CloseIdleTimeout     CloseReason = "idle_timeout"
	CloseMaxDuration     CloseReason = "max_duration"
	CloseRotationFailure CloseReason = "rotation_failure"
	CloseShutdown        CloseReason = "shutdown"
)

type ScanOutcome string

const (
	ScanAccepted ScanOutcome = "accepted"
	ScanRejected ScanOutcome = "rejected"
)

// RejectReason is the machine-readable cause of a rejected scan.
type RejectReason string

const (
	RejectSessionUnavailable RejectReason = "session_unavailable"
	RejectNotEligible        RejectReason = "not_eligible"
	RejectTokenInvalid       RejectReason = "token_expired_or_invalid"
	RejectDuplicate          RejectReason = "duplicate_scan"
)

// -------------------- SESSION KEY --------------------

// SessionKey identifies one class meeting. At most one Active session exists per key.
type SessionKey struct {
	Branch    string `json:"branch"`
	Semester  int    `json:"semester"`
	Section   string `json:"section"`
	SubjectID string `json:"subject_id"`
	Date      string `json:"date"` // YYYY-MM-DD
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s:%d:%s:%s:%s", k.Branch, k.Semester, k.Section, k.SubjectID, k.Date)
}

// -------------------- SESSION --------------------

// AttendanceSession is a point-in-time view of a session.
type AttendanceSession struct {
	ID            string       `json:"session_id"`
	Key           SessionKey   `json:"key"`
	CreatorID     string       `json:"creator_id"`
	State         SessionState `json:"state"`
	CreatedAt     time.Time    `json:"created_at"`
	ClosedAt      *time.Time   `json:"closed_at,omitempty"`
	CloseReason   CloseReason  `json:"close_reason,omitempty"`
	EligibleCount int          `json:"eligible_count"`
	AcceptedCount int          `json:"accepted_count"`
	RejectedCount int          `json:"rejected_count"`
}

// -------------------- TOKEN --------------------

// RotatingToken is the single live verification token of a session.
type RotatingToken struct {
	Value     string    `json:"value"`
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenView is what the presenting surface displays.
type TokenView struct {
	Value            string    `json:"token_value"`
	Sequence         uint64    `json:"sequence_number"`
	IssuedAt         time.Time `json:"issued_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	SecondsRemaining int       `json:"seconds_remaining"`
}

// -------------------- SCAN --------------------

// ScanEvent is an immutable record of one scan attempt.
type ScanEvent struct {
	EventID           string       `json:"event_id"`
	SessionID         string       `json:"session_id"`
	StudentID         string       `json:"student_id"`
	PresentedSequence uint64       `json:"presented_sequence"` // 0 when the token matched nothing live
	Timestamp         time.Time    `json:"timestamp"`
	Outcome           ScanOutcome  `json:"outcome"`
	Reason            RejectReason `json:"reason,omitempty"`
}

// ScanResult is returned to the scanning surface.
type ScanResult struct {
	Accepted  bool         `json:"accepted"`
	Reason    RejectReason `json:"reason,omitempty"`
	Sequence  uint64       `json:"sequence_number,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// SessionRecord is the closed-session metadata handed to history sinks.
type SessionRecord struct {
	Session      AttendanceSession `json:"session"`
	LastSequence uint64            `json:"last_sequence"`
	ScanCount    int               `json:"scan_count"`
}
