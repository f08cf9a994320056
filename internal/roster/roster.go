// Package roster provides RosterGate implementations: an in-memory gate
// for development and a Redis-cached gate in front of the Scylla roster.
package roster

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Gate answers the two roster questions the attendance core asks.
type Gate interface {
	CountEligible(ctx context.Context, branch string, semester int, section string) (int, error)
	IsEligible(ctx context.Context, branch string, semester int, section, studentID string) (bool, error)
}

// Cache stores roster answers. RosterCache in repository/redis implements it.
type Cache interface {
	GetCount(ctx context.Context, branch string, semester int, section string) (int, bool, error)
	SetCount(ctx context.Context, branch string, semester int, section string, count int) error
	GetMember(ctx context.Context, branch string, semester int, section, studentID string) (bool, bool, error)
	SetMember(ctx context.Context, branch string, semester int, section, studentID string, member bool) error
}

func sectionKey(branch string, semester int, section string) string {
	return branch + ":" + strconv.Itoa(semester) + ":" + section
}

// StaticGate is a fixed in-memory roster.
type StaticGate struct {
	mu       sync.RWMutex
	sections map[string]map[string]struct{}
}

func NewStaticGate() *StaticGate {
	return &StaticGate{sections: make(map[string]map[string]struct{})}
}

// Enroll adds students to a section.
func (g *StaticGate) Enroll(branch string, semester int, section string, studentIDs ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := sectionKey(branch, semester, section)
	members, ok := g.sections[key]
	if !ok {
		members = make(map[string]struct{})
		g.sections[key] = members
	}
	for _, id := range studentIDs {
		members[id] = struct{}{}
	}
}

// ParseStatic builds a StaticGate from "branch:semester:section=id,id;...".
func ParseStatic(s string) (*StaticGate, error) {
	g := NewStaticGate()
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, ids, ok := strings.Cut(entry, "=")
		parts := strings.Split(key, ":")
		if !ok || len(parts) != 3 {
			return nil, fmt.Errorf("roster entry %q: want branch:semester:section=ids", entry)
		}
		semester, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("roster entry %q: bad semester: %w", entry, err)
		}
		var students []string
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				students = append(students, id)
			}
		}
		g.Enroll(strings.TrimSpace(parts[0]), semester, strings.TrimSpace(parts[2]), students...)
	}
	return g, nil
}

func (g *StaticGate) CountEligible(ctx context.Context, branch string, semester int, section string) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sections[sectionKey(branch, semester, section)]), nil
}

func (g *StaticGate) IsEligible(ctx context.Context, branch string, semester int, section, studentID string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.sections[sectionKey(branch, semester, section)][studentID]
	return ok, nil
}

// CachedGate answers from Cache and falls back to the backing Gate.
// Cache failures degrade to direct reads.
type CachedGate struct {
	backend Gate
	cache   Cache
	logger  *zap.Logger
}

func NewCachedGate(backend Gate, cache Cache, logger *zap.Logger) *CachedGate {
	return &CachedGate{backend: backend, cache: cache, logger: logger.Named("roster")}
}

func (g *CachedGate) CountEligible(ctx context.Context, branch string, semester int, section string) (int, error) {
	n, hit, err := g.cache.GetCount(ctx, branch, semester, section)
	if err != nil {
		g.logger.Warn("Roster cache read failed", zap.Error(err))
	} else if hit {
		return n, nil
	}

	n, err = g.backend.CountEligible(ctx, branch, semester, section)
	if err != nil {
		return 0, err
	}
	if err := g.cache.SetCount(ctx, branch, semester, section, n); err != nil {
		g.logger.Warn("Roster cache write failed", zap.Error(err))
	}
	return n, nil
}

func (g *CachedGate) IsEligible(ctx context.Context, branch string, semester int, section, studentID string) (bool, error) {
	member, hit, err := g.cache.GetMember(ctx, branch, semester, section, studentID)
	if err != nil {
		g.logger.Warn("Roster cache read failed", zap.Error(err))
	} else if hit {
		return member, nil
	}

	member, err = g.backend.IsEligible(ctx, branch, semester, section, studentID)
	if err != nil {
		return false, err
	}
	if err := g.cache.SetMember(ctx, branch, semester, section, studentID, member); err != nil {
		g.logger.Warn("Roster cache write failed", zap.Error(err))
	}
	return member, nil
}
