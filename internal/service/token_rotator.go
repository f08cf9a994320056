package service

import (
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"attendance-service/internal/clock"
	"attendance-service/internal/model"

	"go.uber.org/zap"
)

const (
	tokenBytes            = 32
	maxConsecutiveFailure = 2
)

type rotatorState int32

const (
	rotatorStopped rotatorState = iota
	rotatorRunning
)

// RotatorConfig is the per-session rotation policy.
type RotatorConfig struct {
	Interval   time.Duration
	IdleCycles int       // 0 disables the idle timeout
	Deadline   time.Time // zero means no max duration
	Entropy    io.Reader
	OnRotate   func(model.RotatingToken)
	OnHalt     func(model.CloseReason)
}

// TokenRotator owns the live token of one session. Only its goroutine
// writes the slot; readers load an immutable snapshot.
type TokenRotator struct {
	sessionID string
	cfg       RotatorConfig
	clock     clock.Clock
	logger    *zap.Logger

	live     atomic.Pointer[model.RotatingToken]
	state    atomic.Int32
	unacked  atomic.Int64
	sequence atomic.Uint64

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewTokenRotator(sessionID string, cfg RotatorConfig, clk clock.Clock, logger *zap.Logger) *TokenRotator {
	return &TokenRotator{
		sessionID: sessionID,
		cfg:       cfg,
		clock:     clk,
		logger:    logger.With(zap.String("session_id", sessionID)),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start issues the first token synchronously and launches the schedule.
func (r *TokenRotator) Start() error {
	if !r.state.CompareAndSwap(int32(rotatorStopped), int32(rotatorRunning)) {
		return fmt.Errorf("%w: rotator already started", ErrRotationFailure)
	}
	now := r.clock.Now()
	if err := r.rotate(now); err != nil {
		r.state.Store(int32(rotatorStopped))
		close(r.done)
		return fmt.Errorf("%w: %v", ErrRotationFailure, err)
	}
	timer := r.clock.NewTimer(r.cfg.Interval)
	go r.loop(timer)
	return nil
}

// Stop cancels the schedule and waits for the rotation goroutine to exit.
// After Stop returns no further rotation happens. Safe to call repeatedly
// and from the OnHalt callback.
func (r *TokenRotator) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
	})
	<-r.done
	r.live.Store(nil)
}

// Done is closed once the rotation goroutine has exited.
func (r *TokenRotator) Done() <-chan struct{} {
	return r.done
}

// Current returns the live token or nil when none is live.
func (r *TokenRotator) Current() *model.RotatingToken {
	return r.live.Load()
}

// Running reports whether the schedule is still active.
func (r *TokenRotator) Running() bool {
	return rotatorState(r.state.Load()) == rotatorRunning
}

// LastSequence returns the highest sequence issued so far.
func (r *TokenRotator) LastSequence() uint64 {
	return r.sequence.Load()
}

// Ack records that the presenter is still showing tokens.
func (r *TokenRotator) Ack() {
	r.unacked.Store(0)
}

func (r *TokenRotator) loop(timer *clock.Timer) {
	reason, halted := r.run(timer)
	r.live.Store(nil)
	r.state.Store(int32(rotatorStopped))
	close(r.done)

	if halted && r.cfg.OnHalt != nil {
		r.cfg.OnHalt(reason)
	}
}

func (r *TokenRotator) run(timer *clock.Timer) (model.CloseReason, bool) {
	failures := 0
	for {
		var tickAt time.Time
		select {
		case <-r.quit:
			timer.Stop()
			return "", false
		case tickAt = <-timer.C:
		}

		if !r.cfg.Deadline.IsZero() && !tickAt.Before(r.cfg.Deadline) {
			r.logger.Info("Session reached max duration")
			return model.CloseMaxDuration, true
		}
		if r.cfg.IdleCycles > 0 && r.unacked.Load() >= int64(r.cfg.IdleCycles) {
			r.logger.Info("Session idle, no acknowledgement from presenter",
				zap.Int("idle_cycles", r.cfg.IdleCycles))
			return model.CloseIdleTimeout, true
		}

		if err := r.rotate(tickAt); err != nil {
			failures++
			r.logger.Error("Token rotation failed",
				zap.Error(err),
				zap.Int("consecutive_failures", failures))
			if failures >= maxConsecutiveFailure {
				return model.CloseRotationFailure, true
			}
		} else {
			failures = 0
			r.unacked.Add(1)
		}

		// Re-arm relative to this tick so a slow rotation never causes a catch-up burst.
		next := r.cfg.Interval - r.clock.Now().Sub(tickAt)
		if next <= 0 {
			next = r.cfg.Interval
		}
		timer = r.clock.NewTimer(next)
	}
}

func (r *TokenRotator) rotate(now time.Time) error {
	value, err := r.generate()
	if err != nil {
		return err
	}
	tok := &model.RotatingToken{
		Value:     value,
		SessionID: r.sessionID,
		Sequence:  r.sequence.Add(1),
		IssuedAt:  now,
		ExpiresAt: now.Add(r.cfg.Interval),
	}
	r.live.Store(tok)

	r.logger.Debug("Token rotated", zap.Uint64("sequence", tok.Sequence))
	if r.cfg.OnRotate != nil {
		r.cfg.OnRotate(*tok)
	}
	return nil
}

func (r *TokenRotator) generate() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(r.cfg.Entropy, buf); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
