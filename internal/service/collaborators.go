package service

import (
	"context"
	"time"

	"attendance-service/internal/model"
)

// RosterGate answers enrollment questions for a class section.
type RosterGate interface {
	CountEligible(ctx context.Context, branch string, semester int, section string) (int, error)
	IsEligible(ctx context.Context, branch string, semester int, section, studentID string) (bool, error)
}

// EventPublisher hands scan events and closed sessions to history sinks.
// Implementations must not block the caller.
type EventPublisher interface {
	PublishScan(event model.ScanEvent)
	PublishSessionClosed(record model.SessionRecord)
}

// Notifier receives live-feed updates. Calls happen on the rotation
// goroutine and must return quickly.
type Notifier interface {
	TokenRotated(sessionID string, view model.TokenView)
	SessionClosed(sessionID string, reason model.CloseReason)
}

// KeyGuard reserves a session key across service replicas.
type KeyGuard interface {
	Acquire(ctx context.Context, key, sessionID string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, key, sessionID string, ttl time.Duration) error
	Release(ctx context.Context, key, sessionID string) error
}

// ScanLimiter bounds scan submissions per session and student.
type ScanLimiter interface {
	Allow(ctx context.Context, sessionID, studentID string) (bool, error)
}

type nopPublisher struct{}

func (nopPublisher) PublishScan(model.ScanEvent)              {}
func (nopPublisher) PublishSessionClosed(model.SessionRecord) {}

type nopNotifier struct{}

func (nopNotifier) TokenRotated(string, model.TokenView)    {}
func (nopNotifier) SessionClosed(string, model.CloseReason) {}
