package service

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"attendance-service/internal/bucketing"
	"attendance-service/internal/clock"
	"attendance-service/internal/model"

	"go.uber.org/zap"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const period = 30 * time.Second

type fakeRoster struct {
	mu       sync.Mutex
	students map[string]bool
	err      error
}

func newFakeRoster(ids ...string) *fakeRoster {
	r := &fakeRoster{students: make(map[string]bool)}
	for _, id := range ids {
		r.students[id] = true
	}
	return r
}

func (r *fakeRoster) CountEligible(ctx context.Context, branch string, semester int, section string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.students), r.err
}

func (r *fakeRoster) IsEligible(ctx context.Context, branch string, semester int, section, studentID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	return r.students[studentID], nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	scans   []model.ScanEvent
	records []model.SessionRecord
}

func (p *recordingPublisher) PublishScan(ev model.ScanEvent) {
	p.mu.Lock()
	p.scans = append(p.scans, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) PublishSessionClosed(rec model.SessionRecord) {
	p.mu.Lock()
	p.records = append(p.records, rec)
	p.mu.Unlock()
}

func (p *recordingPublisher) closed() []model.SessionRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.SessionRecord(nil), p.records...)
}

type recordingNotifier struct {
	mu      sync.Mutex
	rotated []uint64
	reasons []model.CloseReason
}

func (n *recordingNotifier) TokenRotated(sessionID string, view model.TokenView) {
	n.mu.Lock()
	n.rotated = append(n.rotated, view.Sequence)
	n.mu.Unlock()
}

func (n *recordingNotifier) SessionClosed(sessionID string, reason model.CloseReason) {
	n.mu.Lock()
	n.reasons = append(n.reasons, reason)
	n.mu.Unlock()
}

// flakyEntropy fails the next failNext reads.
type flakyEntropy struct {
	mu       sync.Mutex
	failNext int
}

func (f *flakyEntropy) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return 0, errors.New("entropy source exhausted")
	}
	return rand.Read(p)
}

func (f *flakyEntropy) fail(n int) {
	f.mu.Lock()
	f.failNext = n
	f.mu.Unlock()
}

type fixture struct {
	manager   *SessionManager
	verifier  *ScanVerifier
	clock     *clock.FakeClock
	roster    *fakeRoster
	publisher *recordingPublisher
	notifier  *recordingNotifier
	entropy   *flakyEntropy
}

func newFixture(t *testing.T, cfg ManagerConfig, opts ...ManagerOption) *fixture {
	t.Helper()
	if cfg.RotationInterval == 0 {
		cfg.RotationInterval = period
	}
	f := &fixture{
		clock:     clock.NewFake(epoch),
		roster:    newFakeRoster("s1", "s2", "s3"),
		publisher: &recordingPublisher{},
		notifier:  &recordingNotifier{},
		entropy:   &flakyEntropy{},
	}
	opts = append([]ManagerOption{
		WithPublisher(f.publisher),
		WithNotifier(f.notifier),
		WithEntropy(f.entropy),
	}, opts...)
	f.manager = NewSessionManager(cfg, f.clock, bucketing.New(4, 4), zap.NewNop(), opts...)
	f.verifier = NewScanVerifier(f.manager, f.roster, nil, zap.NewNop())
	t.Cleanup(func() { f.manager.Shutdown(context.Background()) })
	return f
}

func intPtr(v int) *int { return &v }

func openRequest(section string) OpenRequest {
	return OpenRequest{
		Branch:        "CSE",
		Semester:      5,
		Section:       section,
		SubjectID:     "CS501",
		Date:          "2026-03-02",
		CreatorID:     "prof-1",
		EligibleCount: intPtr(3),
	}
}

func (f *fixture) open(t *testing.T, section string) model.AttendanceSession {
	t.Helper()
	s, err := f.manager.OpenSession(context.Background(), openRequest(section))
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	return s
}

// tick advances one period and waits until every listed session has re-armed.
func (f *fixture) tick(t *testing.T, activeSessions int) {
	t.Helper()
	f.clock.Advance(period)
	f.clock.WaitForTimers(activeSessions)
}

func (f *fixture) token(t *testing.T, id string) model.TokenView {
	t.Helper()
	tok, err := f.manager.GetCurrentToken(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCurrentToken: %v", err)
	}
	return tok
}

func waitClosed(t *testing.T, m *SessionManager, id string) {
	t.Helper()
	done, err := m.Done(id)
	if err != nil {
		t.Fatalf("Done: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s did not close", id)
	}
}
