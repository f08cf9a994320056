package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math"
	"time"

	"attendance-service/internal/bucketing"
	"attendance-service/internal/clock"
	"attendance-service/internal/model"
	"attendance-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const guardTimeout = 2 * time.Second

// ManagerConfig is the session lifetime policy.
type ManagerConfig struct {
	RotationInterval time.Duration
	IdleCycles       int
	MaxDuration      time.Duration
	ClosedRetention  time.Duration
	SweepInterval    time.Duration
}

// OpenRequest carries the instructor's request to start taking attendance.
type OpenRequest struct {
	Branch        string
	Semester      int
	Section       string
	SubjectID     string
	Date          string
	CreatorID     string
	EligibleCount *int // must have been checked against the roster
}

// SessionManager owns the lifecycle of attendance sessions and their rotators.
type SessionManager struct {
	cfg       ManagerConfig
	clock     clock.Clock
	registry  *registry
	guard     KeyGuard
	publisher EventPublisher
	notifier  Notifier
	entropy   io.Reader
	logger    *zap.Logger
}

// ManagerOption customises a SessionManager.
type ManagerOption func(*SessionManager)

func WithKeyGuard(g KeyGuard) ManagerOption {
	return func(m *SessionManager) { m.guard = g }
}

func WithPublisher(p EventPublisher) ManagerOption {
	return func(m *SessionManager) { m.publisher = p }
}

func WithNotifier(n Notifier) ManagerOption {
	return func(m *SessionManager) { m.notifier = n }
}

// WithEntropy replaces crypto/rand as the token source.
func WithEntropy(r io.Reader) ManagerOption {
	return func(m *SessionManager) { m.entropy = r }
}

func NewSessionManager(
	cfg ManagerConfig,
	clk clock.Clock,
	buckets *bucketing.BucketingManager,
	logger *zap.Logger,
	opts ...ManagerOption,
) *SessionManager {
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = 30 * time.Second
	}
	m := &SessionManager{
		cfg:       cfg,
		clock:     clk,
		registry:  newRegistry(buckets),
		publisher: nopPublisher{},
		notifier:  nopNotifier{},
		entropy:   rand.Reader,
		logger:    logger.Named("sessions"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OpenSession creates an Active session for the class key and issues its
// first token before returning.
func (m *SessionManager) OpenSession(ctx context.Context, req OpenRequest) (model.AttendanceSession, error) {
	key, err := validateOpen(req)
	if err != nil {
		return model.AttendanceSession{}, err
	}

	id := uuid.New().String()
	keyStr := key.String()
	if !m.registry.reserveKey(keyStr, id) {
		return model.AttendanceSession{}, fmt.Errorf("%w: %s", ErrConflict, keyStr)
	}

	if m.guard != nil {
		gctx, cancel := context.WithTimeout(ctx, guardTimeout)
		ok, err := m.guard.Acquire(gctx, keyStr, id, m.leaseTTL())
		cancel()
		if err != nil {
			// Availability over cross-replica exclusivity; local uniqueness still holds.
			m.logger.Warn("Key guard unavailable, continuing with local reservation",
				zap.String("key", keyStr), zap.Error(err))
		} else if !ok {
			m.registry.releaseKey(keyStr, id)
			return model.AttendanceSession{}, fmt.Errorf("%w: %s held by another instance", ErrConflict, keyStr)
		}
	}

	now := m.clock.Now()
	s := newSession(id, key, req.CreatorID, *req.EligibleCount, now)

	var deadline time.Time
	if m.cfg.MaxDuration > 0 {
		deadline = now.Add(m.cfg.MaxDuration)
	}
	s.rotator = NewTokenRotator(id, RotatorConfig{
		Interval:   m.cfg.RotationInterval,
		IdleCycles: m.cfg.IdleCycles,
		Deadline:   deadline,
		Entropy:    m.entropy,
		OnRotate:   func(tok model.RotatingToken) { m.onRotate(s, tok) },
		OnHalt:     func(reason model.CloseReason) { m.closeSession(s, reason) },
	}, m.clock, m.logger)

	m.registry.put(s)
	if err := s.rotator.Start(); err != nil {
		m.registry.remove(id)
		m.releaseKey(s)
		m.logger.Error("Failed to issue first token", util.SessionID(id), zap.Error(err))
		return model.AttendanceSession{}, err
	}

	m.logger.Info("Attendance session opened",
		util.SessionID(id),
		zap.String("key", keyStr),
		zap.String("creator_id", req.CreatorID),
		zap.Int("eligible_count", s.eligible))
	return s.view(), nil
}

// CloseSession closes the session on behalf of its creator. Closing an
// already closed session returns it unchanged.
func (m *SessionManager) CloseSession(ctx context.Context, sessionID, callerID string) (model.AttendanceSession, error) {
	s := m.registry.get(sessionID)
	if s == nil {
		return model.AttendanceSession{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if s.creatorID != callerID {
		return model.AttendanceSession{}, fmt.Errorf("%w: %s", ErrForbidden, sessionID)
	}
	m.closeSession(s, model.CloseByInstructor)
	<-s.closedCh
	return s.view(), nil
}

// GetCurrentToken returns the live token. Each call counts as a presenter
// acknowledgement for the idle timeout.
func (m *SessionManager) GetCurrentToken(ctx context.Context, sessionID string) (model.TokenView, error) {
	s := m.registry.get(sessionID)
	if s == nil {
		return model.TokenView{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if !s.isActive() {
		return model.TokenView{}, fmt.Errorf("%w: %s", ErrSessionUnavailable, sessionID)
	}
	tok := s.rotator.Current()
	if tok == nil {
		return model.TokenView{}, fmt.Errorf("%w: no live token", ErrSessionUnavailable)
	}
	s.rotator.Ack()
	return m.tokenView(*tok), nil
}

// Acknowledge resets the idle counter without reading the token.
func (m *SessionManager) Acknowledge(sessionID string) error {
	s := m.registry.get(sessionID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if !s.isActive() {
		return fmt.Errorf("%w: %s", ErrSessionUnavailable, sessionID)
	}
	s.rotator.Ack()
	return nil
}

// GetSession returns a view of an Active or retained Closed session.
func (m *SessionManager) GetSession(sessionID string) (model.AttendanceSession, error) {
	s := m.registry.get(sessionID)
	if s == nil {
		return model.AttendanceSession{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return s.view(), nil
}

// OwnedSession returns the session if callerID created it.
func (m *SessionManager) OwnedSession(sessionID, callerID string) (model.AttendanceSession, error) {
	s := m.registry.get(sessionID)
	if s == nil {
		return model.AttendanceSession{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if s.creatorID != callerID {
		return model.AttendanceSession{}, fmt.Errorf("%w: %s", ErrForbidden, sessionID)
	}
	return s.view(), nil
}

// ScanEvents returns the audit trail of a session in arrival order.
func (m *SessionManager) ScanEvents(sessionID string) ([]model.ScanEvent, error) {
	s := m.registry.get(sessionID)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return s.events(), nil
}

// Done returns a channel closed when the session leaves the Active state.
func (m *SessionManager) Done(sessionID string) (<-chan struct{}, error) {
	s := m.registry.get(sessionID)
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return s.closedCh, nil
}

func (m *SessionManager) ActiveCount() int {
	return m.registry.activeCount()
}

// Sweep forgets closed sessions older than the retention window.
func (m *SessionManager) Sweep() int {
	cutoff := m.clock.Now().Add(-m.cfg.ClosedRetention)
	removed := m.registry.sweep(cutoff)
	if removed > 0 {
		m.logger.Info("Swept closed sessions", zap.Int("count", removed))
	}
	return removed
}

// RunSweeper sweeps on SweepInterval until ctx is done.
func (m *SessionManager) RunSweeper(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Shutdown closes every Active session with reason shutdown.
func (m *SessionManager) Shutdown(ctx context.Context) {
	closed := 0
	m.registry.each(func(s *session) {
		if ctx.Err() != nil {
			return
		}
		if m.closeSession(s, model.CloseShutdown) {
			closed++
		}
	})
	m.logger.Info("Session manager stopped", zap.Int("closed_sessions", closed))
}

// lookup returns the session for the scan path, or nil.
func (m *SessionManager) lookup(sessionID string) *session {
	return m.registry.get(sessionID)
}

// closeSession is the single Active -> Closed transition. It reports
// whether this call performed the transition. The rotator is stopped on
// every path before the state flips, so no rotation runs once the session
// reads as Closed.
func (m *SessionManager) closeSession(s *session, reason model.CloseReason) bool {
	s.rotator.Stop()
	if !s.markClosed(reason, m.clock.Now()) {
		return false
	}
	m.releaseKey(s)

	view := s.view()
	m.notifier.SessionClosed(s.id, reason)
	m.publisher.PublishSessionClosed(model.SessionRecord{
		Session:      view,
		LastSequence: s.rotator.LastSequence(),
		ScanCount:    view.AcceptedCount + view.RejectedCount,
	})

	m.logger.Info("Attendance session closed",
		util.SessionID(s.id),
		zap.String("reason", string(reason)),
		zap.Int("accepted", view.AcceptedCount),
		zap.Int("rejected", view.RejectedCount))
	close(s.closedCh)
	return true
}

func (m *SessionManager) releaseKey(s *session) {
	keyStr := s.key.String()
	m.registry.releaseKey(keyStr, s.id)
	if m.guard == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), guardTimeout)
	defer cancel()
	if err := m.guard.Release(ctx, keyStr, s.id); err != nil {
		m.logger.Warn("Failed to release key guard", util.SessionID(s.id), zap.Error(err))
	}
}

func (m *SessionManager) onRotate(s *session, tok model.RotatingToken) {
	m.notifier.TokenRotated(s.id, m.tokenView(tok))
	if m.guard == nil || tok.Sequence == 1 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), guardTimeout)
	defer cancel()
	if err := m.guard.Renew(ctx, s.key.String(), s.id, m.leaseTTL()); err != nil {
		m.logger.Warn("Failed to renew key guard", util.SessionID(s.id), zap.Error(err))
	}
}

func (m *SessionManager) tokenView(tok model.RotatingToken) model.TokenView {
	remaining := tok.ExpiresAt.Sub(m.clock.Now()).Seconds()
	secs := int(math.Ceil(remaining))
	if secs < 0 {
		secs = 0
	}
	return model.TokenView{
		Value:            tok.Value,
		Sequence:         tok.Sequence,
		IssuedAt:         tok.IssuedAt,
		ExpiresAt:        tok.ExpiresAt,
		SecondsRemaining: secs,
	}
}

// leaseTTL outlives a few missed renewals but expires soon after a crash.
func (m *SessionManager) leaseTTL() time.Duration {
	return 3 * m.cfg.RotationInterval
}

func (req OpenRequest) key() model.SessionKey {
	return model.SessionKey{
		Branch:    req.Branch,
		Semester:  req.Semester,
		Section:   req.Section,
		SubjectID: req.SubjectID,
		Date:      req.Date,
	}
}

func validateOpen(req OpenRequest) (model.SessionKey, error) {
	key := req.key()
	switch {
	case req.EligibleCount == nil:
		return key, fmt.Errorf("%w: eligible count must be checked before opening", ErrValidation)
	case *req.EligibleCount < 0:
		return key, fmt.Errorf("%w: eligible count cannot be negative", ErrValidation)
	case !util.IsValidCode(req.Branch):
		return key, fmt.Errorf("%w: invalid branch %q", ErrValidation, req.Branch)
	case !util.IsValidCode(req.Section):
		return key, fmt.Errorf("%w: invalid section %q", ErrValidation, req.Section)
	case req.Semester < 1 || req.Semester > 12:
		return key, fmt.Errorf("%w: semester must be between 1 and 12", ErrValidation)
	case !util.IsValidSubject(req.SubjectID):
		return key, fmt.Errorf("%w: invalid subject %q", ErrValidation, req.SubjectID)
	case !util.IsValidUserID(req.CreatorID):
		return key, fmt.Errorf("%w: invalid creator id", ErrValidation)
	}
	if _, err := time.Parse(model.DateLayout, req.Date); err != nil {
		return key, fmt.Errorf("%w: date must be YYYY-MM-DD: %v", ErrValidation, err)
	}
	return key, nil
}
