package service

import (
	"sync"
	"time"

	"attendance-service/internal/model"
)

// session is the mutable state behind an AttendanceSession. mu guards
// everything below it; the rotator has its own synchronisation.
type session struct {
	id        string
	key       model.SessionKey
	creatorID string
	createdAt time.Time
	eligible  int
	rotator   *TokenRotator
	closedCh  chan struct{}

	mu          sync.Mutex
	state       model.SessionState
	closedAt    time.Time
	closeReason model.CloseReason
	accepted    map[string]time.Time
	trail       []model.ScanEvent
	rejected    int
}

func newSession(id string, key model.SessionKey, creatorID string, eligible int, now time.Time) *session {
	return &session{
		id:        id,
		key:       key,
		creatorID: creatorID,
		createdAt: now,
		eligible:  eligible,
		closedCh:  make(chan struct{}),
		state:     model.SessionActive,
		accepted:  make(map[string]time.Time),
	}
}

// markClosed flips the state once. It reports false if already closed.
func (s *session) markClosed(reason model.CloseReason, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == model.SessionClosed {
		return false
	}
	s.state = model.SessionClosed
	s.closedAt = at
	s.closeReason = reason
	return true
}

func (s *session) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == model.SessionActive
}

func (s *session) closedBefore(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == model.SessionClosed && !s.closedAt.After(cutoff)
}

// appendLocked records an event on the audit trail. Caller holds s.mu.
func (s *session) appendLocked(ev model.ScanEvent) {
	s.trail = append(s.trail, ev)
	if ev.Outcome == model.ScanRejected {
		s.rejected++
	}
}

func (s *session) view() model.AttendanceSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *session) viewLocked() model.AttendanceSession {
	v := model.AttendanceSession{
		ID:            s.id,
		Key:           s.key,
		CreatorID:     s.creatorID,
		State:         s.state,
		CreatedAt:     s.createdAt,
		CloseReason:   s.closeReason,
		EligibleCount: s.eligible,
		AcceptedCount: len(s.accepted),
		RejectedCount: s.rejected,
	}
	if s.state == model.SessionClosed {
		closedAt := s.closedAt
		v.ClosedAt = &closedAt
	}
	return v
}

func (s *session) events() []model.ScanEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ScanEvent, len(s.trail))
	copy(out, s.trail)
	return out
}
