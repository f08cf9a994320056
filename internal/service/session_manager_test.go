package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"attendance-service/internal/model"
)

func TestOpenSessionIssuesFirstToken(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	s := f.open(t, "A")

	if s.State != model.SessionActive {
		t.Errorf("State = %s, want active", s.State)
	}
	if s.EligibleCount != 3 {
		t.Errorf("EligibleCount = %d, want 3", s.EligibleCount)
	}
	tok := f.token(t, s.ID)
	if tok.Sequence != 1 {
		t.Errorf("first Sequence = %d, want 1", tok.Sequence)
	}
	if tok.SecondsRemaining != 30 {
		t.Errorf("SecondsRemaining = %d, want 30", tok.SecondsRemaining)
	}

	f.clock.Advance(12 * time.Second)
	if got := f.token(t, s.ID).SecondsRemaining; got != 18 {
		t.Errorf("SecondsRemaining after 12s = %d, want 18", got)
	}
}

func TestOpenSessionValidation(t *testing.T) {
	f := newFixture(t, ManagerConfig{})

	tests := []struct {
		name   string
		mutate func(*OpenRequest)
	}{
		{"missing eligible count", func(r *OpenRequest) { r.EligibleCount = nil }},
		{"negative eligible count", func(r *OpenRequest) { r.EligibleCount = intPtr(-1) }},
		{"empty branch", func(r *OpenRequest) { r.Branch = "" }},
		{"bad section", func(r *OpenRequest) { r.Section = "<script>" }},
		{"semester out of range", func(r *OpenRequest) { r.Semester = 0 }},
		{"empty subject", func(r *OpenRequest) { r.SubjectID = "" }},
		{"bad date", func(r *OpenRequest) { r.Date = "02/03/2026" }},
		{"empty creator", func(r *OpenRequest) { r.CreatorID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := openRequest("A")
			tt.mutate(&req)
			_, err := f.manager.OpenSession(context.Background(), req)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("error = %v, want ErrValidation", err)
			}
		})
	}
	if f.manager.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after rejected opens", f.manager.ActiveCount())
	}
}

func TestOpenSessionZeroEligibleIsAllowed(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	req := openRequest("A")
	req.EligibleCount = intPtr(0)
	if _, err := f.manager.OpenSession(context.Background(), req); err != nil {
		t.Fatalf("OpenSession with zero eligible: %v", err)
	}
}

func TestOpenSessionConflictPerKey(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	first := f.open(t, "A")

	_, err := f.manager.OpenSession(context.Background(), openRequest("A"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second open error = %v, want ErrConflict", err)
	}

	// A different section is a different key.
	f.open(t, "B")

	if _, err := f.manager.CloseSession(context.Background(), first.ID, "prof-1"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	again := f.open(t, "A")
	if again.ID == first.ID {
		t.Error("reopened session reused the closed id")
	}
}

func TestConcurrentOpenYieldsOneSession(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	const workers = 20

	var wg sync.WaitGroup
	var mu sync.Mutex
	opened, conflicts := 0, 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.OpenSession(context.Background(), openRequest("A"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				opened++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if opened != 1 || conflicts != workers-1 {
		t.Errorf("opened=%d conflicts=%d, want 1/%d", opened, conflicts, workers-1)
	}
}

func TestCloseSessionErrors(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	s := f.open(t, "A")

	if _, err := f.manager.CloseSession(context.Background(), "missing", "prof-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id error = %v, want ErrNotFound", err)
	}
	if _, err := f.manager.CloseSession(context.Background(), s.ID, "prof-2"); !errors.Is(err, ErrForbidden) {
		t.Errorf("other instructor error = %v, want ErrForbidden", err)
	}
	if got, _ := f.manager.GetSession(s.ID); got.State != model.SessionActive {
		t.Errorf("forbidden close changed state to %s", got.State)
	}
	if _, err := f.manager.OwnedSession(s.ID, "prof-2"); !errors.Is(err, ErrForbidden) {
		t.Errorf("OwnedSession by other instructor = %v, want ErrForbidden", err)
	}
	if got, err := f.manager.OwnedSession(s.ID, "prof-1"); err != nil || got.ID != s.ID {
		t.Errorf("OwnedSession by creator = %v, %v", got.ID, err)
	}
}

func TestCloseSessionIsIdempotent(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	s := f.open(t, "A")

	first, err := f.manager.CloseSession(context.Background(), s.ID, "prof-1")
	if err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	f.clock.Advance(time.Minute)
	second, err := f.manager.CloseSession(context.Background(), s.ID, "prof-1")
	if err != nil {
		t.Fatalf("second CloseSession: %v", err)
	}

	if first.State != model.SessionClosed || first.CloseReason != model.CloseByInstructor {
		t.Errorf("closed view = %s/%s", first.State, first.CloseReason)
	}
	if !second.ClosedAt.Equal(*first.ClosedAt) {
		t.Errorf("second close moved ClosedAt from %v to %v", first.ClosedAt, second.ClosedAt)
	}
	if n := len(f.publisher.closed()); n != 1 {
		t.Errorf("published %d close records, want 1", n)
	}
}

func TestCloseStopsRotation(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	s := f.open(t, "A")
	f.tick(t, 1)

	if _, err := f.manager.CloseSession(context.Background(), s.ID, "prof-1"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if f.clock.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after close, want 0", f.clock.PendingCount())
	}
	if _, err := f.manager.GetCurrentToken(context.Background(), s.ID); !errors.Is(err, ErrSessionUnavailable) {
		t.Errorf("GetCurrentToken after close = %v, want ErrSessionUnavailable", err)
	}

	recs := f.publisher.closed()
	if len(recs) != 1 || recs[0].LastSequence != 2 {
		t.Fatalf("close records = %+v", recs)
	}
}

// stallingNotifier parks the rotation goroutine inside TokenRotated for
// sequence 2 until released, and records the session state it saw there.
type stallingNotifier struct {
	recordingNotifier
	manager  *SessionManager
	entered  chan struct{}
	release  chan struct{}
	inside   atomic.Bool
	stateMu  sync.Mutex
	observed []model.SessionState
}

func (n *stallingNotifier) TokenRotated(sessionID string, view model.TokenView) {
	if view.Sequence == 2 {
		n.inside.Store(true)
		close(n.entered)
		<-n.release
		if s, err := n.manager.GetSession(sessionID); err == nil {
			n.stateMu.Lock()
			n.observed = append(n.observed, s.State)
			n.stateMu.Unlock()
		}
		n.inside.Store(false)
	}
	n.recordingNotifier.TokenRotated(sessionID, view)
}

func TestConcurrentCloseWaitsForInFlightRotation(t *testing.T) {
	n := &stallingNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, ManagerConfig{}, WithNotifier(n))
	n.manager = f.manager
	s := f.open(t, "A")

	f.clock.Advance(period)
	select {
	case <-n.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("rotation for sequence 2 never started")
	}

	type closeResult struct {
		err          error
		duringRotate bool
	}
	results := make(chan closeResult, 2)
	closeOnce := func() {
		_, err := f.manager.CloseSession(context.Background(), s.ID, "prof-1")
		results <- closeResult{err: err, duringRotate: n.inside.Load()}
	}
	go closeOnce()
	go closeOnce()

	select {
	case r := <-results:
		t.Fatalf("CloseSession returned (err=%v) while a rotation callback was still executing", r.err)
	case <-time.After(50 * time.Millisecond):
	}

	close(n.release)
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r.err != nil {
				t.Errorf("CloseSession: %v", r.err)
			}
			if r.duringRotate {
				t.Error("CloseSession returned before the rotation callback finished")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("CloseSession did not return after the rotation finished")
		}
	}

	n.stateMu.Lock()
	observed := append([]model.SessionState(nil), n.observed...)
	n.stateMu.Unlock()
	if len(observed) != 1 || observed[0] != model.SessionActive {
		t.Errorf("state during rotation = %v, want [active]", observed)
	}

	f.clock.Advance(3 * period)
	n.mu.Lock()
	rotated := append([]uint64(nil), n.rotated...)
	n.mu.Unlock()
	if len(rotated) != 2 || rotated[1] != 2 {
		t.Errorf("rotations = %v, want [1 2] and nothing after close", rotated)
	}
	if recs := f.publisher.closed(); len(recs) != 1 || recs[0].LastSequence != 2 {
		t.Errorf("close records = %+v", recs)
	}
}

func TestGetCurrentTokenNotFound(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	if _, err := f.manager.GetCurrentToken(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestRotationFailureForceCloses(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	s := f.open(t, "A")

	f.entropy.fail(2)
	f.tick(t, 1)
	f.clock.Advance(period)
	waitClosed(t, f.manager, s.ID)

	got, err := f.manager.GetSession(s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.CloseReason != model.CloseRotationFailure {
		t.Errorf("CloseReason = %s, want rotation_failure", got.CloseReason)
	}

	f.notifier.mu.Lock()
	reasons := append([]model.CloseReason(nil), f.notifier.reasons...)
	f.notifier.mu.Unlock()
	if len(reasons) != 1 || reasons[0] != model.CloseRotationFailure {
		t.Errorf("notifier reasons = %v", reasons)
	}

	// The key is free again.
	f.open(t, "A")
}

func TestIdleSessionAutoCloses(t *testing.T) {
	f := newFixture(t, ManagerConfig{IdleCycles: 2})
	s := f.open(t, "A")

	f.tick(t, 1)
	f.token(t, s.ID) // acknowledges
	f.tick(t, 1)
	f.tick(t, 1)
	f.clock.Advance(period)
	waitClosed(t, f.manager, s.ID)

	got, _ := f.manager.GetSession(s.ID)
	if got.CloseReason != model.CloseIdleTimeout {
		t.Errorf("CloseReason = %s, want idle_timeout", got.CloseReason)
	}
}

func TestAcknowledgeKeepsSessionAlive(t *testing.T) {
	f := newFixture(t, ManagerConfig{IdleCycles: 1})
	s := f.open(t, "A")

	for i := 0; i < 5; i++ {
		if err := f.manager.Acknowledge(s.ID); err != nil {
			t.Fatalf("Acknowledge: %v", err)
		}
		f.tick(t, 1)
	}
	if got, _ := f.manager.GetSession(s.ID); got.State != model.SessionActive {
		t.Errorf("acknowledged session closed with %s", got.CloseReason)
	}
}

func TestMaxDurationCloses(t *testing.T) {
	f := newFixture(t, ManagerConfig{MaxDuration: 90 * time.Second})
	s := f.open(t, "A")

	f.tick(t, 1)
	f.tick(t, 1)
	f.clock.Advance(period)
	waitClosed(t, f.manager, s.ID)

	got, _ := f.manager.GetSession(s.ID)
	if got.CloseReason != model.CloseMaxDuration {
		t.Errorf("CloseReason = %s, want max_duration", got.CloseReason)
	}
	if !got.ClosedAt.Equal(epoch.Add(90 * time.Second)) {
		t.Errorf("ClosedAt = %v", got.ClosedAt)
	}
}

func TestSweepRemovesExpiredClosedSessions(t *testing.T) {
	f := newFixture(t, ManagerConfig{ClosedRetention: time.Hour})
	closed := f.open(t, "A")
	active := f.open(t, "B")
	if _, err := f.manager.CloseSession(context.Background(), closed.ID, "prof-1"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	f.clock.Advance(59 * time.Minute)
	if n := f.manager.Sweep(); n != 0 {
		t.Errorf("swept %d before retention elapsed", n)
	}
	f.clock.Advance(time.Minute)
	if n := f.manager.Sweep(); n != 1 {
		t.Errorf("swept %d, want 1", n)
	}

	if _, err := f.manager.GetSession(closed.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("swept session lookup = %v, want ErrNotFound", err)
	}
	if _, err := f.manager.GetSession(active.ID); err != nil {
		t.Errorf("active session swept: %v", err)
	}
}

func TestSessionsRotateIndependently(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	a := f.open(t, "A")
	f.clock.Advance(10 * time.Second)
	b := f.open(t, "B")

	f.clock.Advance(20 * time.Second)
	f.clock.WaitForTimers(2)
	if got := f.token(t, a.ID).Sequence; got != 2 {
		t.Errorf("session A sequence = %d, want 2", got)
	}
	if got := f.token(t, b.ID).Sequence; got != 1 {
		t.Errorf("session B sequence = %d, want 1", got)
	}

	if _, err := f.manager.CloseSession(context.Background(), a.ID, "prof-1"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	f.clock.Advance(10 * time.Second)
	f.clock.WaitForTimers(1)
	if got := f.token(t, b.ID).Sequence; got != 2 {
		t.Errorf("session B sequence after A closed = %d, want 2", got)
	}
}

func TestShutdownClosesActiveSessions(t *testing.T) {
	f := newFixture(t, ManagerConfig{})
	a := f.open(t, "A")
	b := f.open(t, "B")
	if _, err := f.manager.CloseSession(context.Background(), b.ID, "prof-1"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	f.manager.Shutdown(context.Background())

	got, _ := f.manager.GetSession(a.ID)
	if got.State != model.SessionClosed || got.CloseReason != model.CloseShutdown {
		t.Errorf("session A = %s/%s, want closed/shutdown", got.State, got.CloseReason)
	}
	got, _ = f.manager.GetSession(b.ID)
	if got.CloseReason != model.CloseByInstructor {
		t.Errorf("session B reason overwritten to %s", got.CloseReason)
	}
	if f.manager.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after shutdown", f.manager.ActiveCount())
	}
}

type fakeGuard struct {
	mu      sync.Mutex
	held    map[string]string
	renewed int
	err     error
}

func (g *fakeGuard) Acquire(ctx context.Context, key, sessionID string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, g.err
	}
	if _, ok := g.held[key]; ok {
		return false, nil
	}
	g.held[key] = sessionID
	return true, nil
}

func (g *fakeGuard) Renew(ctx context.Context, key, sessionID string, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.renewed++
	return nil
}

func (g *fakeGuard) Release(ctx context.Context, key, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[key] == sessionID {
		delete(g.held, key)
	}
	return nil
}

func TestKeyGuardBlocksOtherReplica(t *testing.T) {
	guard := &fakeGuard{held: map[string]string{}}
	f := newFixture(t, ManagerConfig{}, WithKeyGuard(guard))

	// Another replica already holds the key for section A.
	guard.held[openRequest("A").key().String()] = "remote-session"
	if _, err := f.manager.OpenSession(context.Background(), openRequest("A")); !errors.Is(err, ErrConflict) {
		t.Fatalf("error = %v, want ErrConflict", err)
	}
	if f.manager.ActiveCount() != 0 {
		t.Error("local reservation leaked after guard conflict")
	}

	s := f.open(t, "B")
	f.tick(t, 1)
	guard.mu.Lock()
	renewed := guard.renewed
	guard.mu.Unlock()
	if renewed != 1 {
		t.Errorf("renewed = %d after one rotation, want 1", renewed)
	}

	if _, err := f.manager.CloseSession(context.Background(), s.ID, "prof-1"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	guard.mu.Lock()
	defer guard.mu.Unlock()
	if _, ok := guard.held[openRequest("B").key().String()]; ok {
		t.Error("guard not released on close")
	}
}

func TestKeyGuardOutageFallsBackToLocal(t *testing.T) {
	guard := &fakeGuard{held: map[string]string{}, err: errors.New("redis down")}
	f := newFixture(t, ManagerConfig{}, WithKeyGuard(guard))
	f.open(t, "A")
	if _, err := f.manager.OpenSession(context.Background(), openRequest("A")); !errors.Is(err, ErrConflict) {
		t.Errorf("local uniqueness lost during guard outage: %v", err)
	}
}
