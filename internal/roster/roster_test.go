package roster

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestStaticGate(t *testing.T) {
	g := NewStaticGate()
	g.Enroll("CSE", 5, "A", "s1", "s2")
	g.Enroll("CSE", 5, "A", "s2", "s3")
	g.Enroll("CSE", 5, "B", "s4")

	n, _ := g.CountEligible(context.Background(), "CSE", 5, "A")
	if n != 3 {
		t.Errorf("CountEligible = %d, want 3", n)
	}
	if ok, _ := g.IsEligible(context.Background(), "CSE", 5, "A", "s4"); ok {
		t.Error("student from section B eligible in A")
	}
	if ok, _ := g.IsEligible(context.Background(), "CSE", 5, "A", "s3"); !ok {
		t.Error("enrolled student not eligible")
	}
	if n, _ := g.CountEligible(context.Background(), "ECE", 1, "A"); n != 0 {
		t.Errorf("unknown section count = %d", n)
	}
}

type countingGate struct {
	Gate
	counts, checks int
	err            error
}

func (g *countingGate) CountEligible(ctx context.Context, branch string, semester int, section string) (int, error) {
	g.counts++
	if g.err != nil {
		return 0, g.err
	}
	return g.Gate.CountEligible(ctx, branch, semester, section)
}

func (g *countingGate) IsEligible(ctx context.Context, branch string, semester int, section, studentID string) (bool, error) {
	g.checks++
	if g.err != nil {
		return false, g.err
	}
	return g.Gate.IsEligible(ctx, branch, semester, section, studentID)
}

type mapCache struct {
	counts  map[string]int
	members map[string]bool
	err     error
}

func newMapCache() *mapCache {
	return &mapCache{counts: map[string]int{}, members: map[string]bool{}}
}

func (c *mapCache) GetCount(ctx context.Context, branch string, semester int, section string) (int, bool, error) {
	if c.err != nil {
		return 0, false, c.err
	}
	n, ok := c.counts[sectionKey(branch, semester, section)]
	return n, ok, nil
}

func (c *mapCache) SetCount(ctx context.Context, branch string, semester int, section string, count int) error {
	if c.err != nil {
		return c.err
	}
	c.counts[sectionKey(branch, semester, section)] = count
	return nil
}

func (c *mapCache) GetMember(ctx context.Context, branch string, semester int, section, studentID string) (bool, bool, error) {
	if c.err != nil {
		return false, false, c.err
	}
	m, ok := c.members[sectionKey(branch, semester, section)+":"+studentID]
	return m, ok, nil
}

func (c *mapCache) SetMember(ctx context.Context, branch string, semester int, section, studentID string, member bool) error {
	if c.err != nil {
		return c.err
	}
	c.members[sectionKey(branch, semester, section)+":"+studentID] = member
	return nil
}

func newCountingBackend() *countingGate {
	static := NewStaticGate()
	static.Enroll("CSE", 5, "A", "s1", "s2")
	return &countingGate{Gate: static}
}

func TestCachedGateHitsBackendOnce(t *testing.T) {
	backend := newCountingBackend()
	g := NewCachedGate(backend, newMapCache(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if n, err := g.CountEligible(ctx, "CSE", 5, "A"); err != nil || n != 2 {
			t.Fatalf("CountEligible = %d, %v", n, err)
		}
		if ok, _ := g.IsEligible(ctx, "CSE", 5, "A", "outsider"); ok {
			t.Fatal("outsider eligible")
		}
	}
	if backend.counts != 1 || backend.checks != 1 {
		t.Errorf("backend calls = %d counts, %d checks; want 1 each", backend.counts, backend.checks)
	}
}

func TestCachedGateSurvivesCacheOutage(t *testing.T) {
	backend := newCountingBackend()
	cache := newMapCache()
	cache.err = errors.New("redis down")
	g := NewCachedGate(backend, cache, zap.NewNop())

	ok, err := g.IsEligible(context.Background(), "CSE", 5, "A", "s1")
	if err != nil || !ok {
		t.Errorf("IsEligible during outage = %v, %v", ok, err)
	}
}

func TestCachedGatePropagatesBackendError(t *testing.T) {
	backend := newCountingBackend()
	backend.err = errors.New("scylla unavailable")
	g := NewCachedGate(backend, newMapCache(), zap.NewNop())

	if _, err := g.CountEligible(context.Background(), "CSE", 5, "A"); err == nil {
		t.Error("backend error swallowed")
	}
}

func TestParseStatic(t *testing.T) {
	g, err := ParseStatic("CSE:5:A=stu-1, stu-2 ;ECE:3:B=stu-9;")
	if err != nil {
		t.Fatalf("ParseStatic: %v", err)
	}
	if n, _ := g.CountEligible(context.Background(), "CSE", 5, "A"); n != 2 {
		t.Errorf("CSE/5/A count = %d, want 2", n)
	}
	if ok, _ := g.IsEligible(context.Background(), "ECE", 3, "B", "stu-9"); !ok {
		t.Error("stu-9 should be enrolled in ECE/3/B")
	}

	for _, bad := range []string{"CSE:5=stu", "CSE:x:A=stu", "nokey"} {
		if _, err := ParseStatic(bad); err == nil {
			t.Errorf("ParseStatic(%q) should fail", bad)
		}
	}
}
