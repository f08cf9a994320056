package service

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"attendance-service/internal/clock"
	"attendance-service/internal/model"
	"attendance-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ScanVerifier decides whether a student's scan is accepted.
type ScanVerifier struct {
	sessions  *SessionManager
	roster    RosterGate
	limiter   ScanLimiter
	publisher EventPublisher
	clock     clock.Clock
	logger    *zap.Logger
}

func NewScanVerifier(sessions *SessionManager, roster RosterGate, limiter ScanLimiter, logger *zap.Logger) *ScanVerifier {
	return &ScanVerifier{
		sessions:  sessions,
		roster:    roster,
		limiter:   limiter,
		publisher: sessions.publisher,
		clock:     sessions.clock,
		logger:    logger.Named("scans"),
	}
}

// SubmitScan checks, in order: session active, student eligible, token
// live, not yet accepted. The last three happen under the session lock so
// a concurrent rotation, close or duplicate cannot interleave.
//
// Rejections are results; the error is reserved for infrastructure failures
// and rate limiting.
func (v *ScanVerifier) SubmitScan(ctx context.Context, sessionID, studentID, presented string) (model.ScanResult, error) {
	if !util.IsValidUserID(studentID) {
		return model.ScanResult{}, fmt.Errorf("%w: invalid student id", ErrValidation)
	}

	if v.limiter != nil {
		ok, err := v.limiter.Allow(ctx, sessionID, studentID)
		if err != nil {
			v.logger.Warn("Scan rate limiter unavailable", util.SessionID(sessionID), zap.Error(err))
		} else if !ok {
			return model.ScanResult{}, ErrRateLimited
		}
	}

	s := v.sessions.lookup(sessionID)
	if s == nil || !s.isActive() {
		return v.reject(s, sessionID, studentID, 0, model.RejectSessionUnavailable), nil
	}

	eligible, err := v.roster.IsEligible(ctx, s.key.Branch, s.key.Semester, s.key.Section, studentID)
	if err != nil {
		v.logger.Error("Roster lookup failed", util.SessionID(sessionID), zap.Error(err))
		return model.ScanResult{}, fmt.Errorf("%w: %v", ErrRosterUnavailable, err)
	}
	if !eligible {
		return v.reject(s, sessionID, studentID, 0, model.RejectNotEligible), nil
	}

	s.mu.Lock()
	now := v.clock.Now()
	if s.state != model.SessionActive {
		s.mu.Unlock()
		return v.finish(newScanEvent(sessionID, studentID, 0, now, model.RejectSessionUnavailable)), nil
	}

	live := s.rotator.Current()
	if live == nil || !tokensEqual(live.Value, presented) {
		ev := v.recordLocked(s, studentID, 0, now, model.RejectTokenInvalid)
		s.mu.Unlock()
		return v.finish(ev), nil
	}

	if _, dup := s.accepted[studentID]; dup {
		ev := v.recordLocked(s, studentID, live.Sequence, now, model.RejectDuplicate)
		s.mu.Unlock()
		return v.finish(ev), nil
	}

	s.accepted[studentID] = now
	ev := v.recordLocked(s, studentID, live.Sequence, now, "")
	s.mu.Unlock()

	v.logger.Debug("Scan accepted",
		util.SessionID(sessionID),
		zap.String("student_id", studentID),
		zap.Uint64("sequence", live.Sequence))
	return v.finish(ev), nil
}

// reject handles rejections decided before the session lock is taken.
func (v *ScanVerifier) reject(s *session, sessionID, studentID string, seq uint64, reason model.RejectReason) model.ScanResult {
	now := v.clock.Now()
	if s == nil || reason == model.RejectSessionUnavailable {
		// Closed sessions are immutable and unknown ones have no trail;
		// the event still reaches history.
		return v.finish(newScanEvent(sessionID, studentID, seq, now, reason))
	}
	s.mu.Lock()
	ev := v.recordLocked(s, studentID, seq, now, reason)
	s.mu.Unlock()
	return v.finish(ev)
}

func (v *ScanVerifier) recordLocked(s *session, studentID string, seq uint64, now time.Time, reason model.RejectReason) model.ScanEvent {
	ev := newScanEvent(s.id, studentID, seq, now, reason)
	s.appendLocked(ev)
	return ev
}

func (v *ScanVerifier) finish(ev model.ScanEvent) model.ScanResult {
	v.publisher.PublishScan(ev)
	return model.ScanResult{
		Accepted:  ev.Outcome == model.ScanAccepted,
		Reason:    ev.Reason,
		Sequence:  ev.PresentedSequence,
		Timestamp: ev.Timestamp,
	}
}

func newScanEvent(sessionID, studentID string, seq uint64, now time.Time, reason model.RejectReason) model.ScanEvent {
	outcome := model.ScanAccepted
	if reason != "" {
		outcome = model.ScanRejected
	}
	return model.ScanEvent{
		EventID:           uuid.New().String(),
		SessionID:         sessionID,
		StudentID:         studentID,
		PresentedSequence: seq,
		Timestamp:         now,
		Outcome:           outcome,
		Reason:            reason,
	}
}

func tokensEqual(live, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(live), []byte(presented)) == 1
}
