package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"attendance-service/internal/client"
	"attendance-service/internal/util"
)

const (
	rosterCountPrefix  = "attendance:roster_count:"
	rosterMemberPrefix = "attendance:roster_member:"
)

// RosterCache memoises roster answers. Membership is cached both ways so
// repeated scans from students outside the section stay cheap.
type RosterCache struct {
	store Store
	ttl   time.Duration
}

func NewRosterCache(store Store, ttl time.Duration) *RosterCache {
	return &RosterCache{store: store, ttl: ttl}
}

func sectionKey(branch string, semester int, section string) string {
	return branch + ":" + strconv.Itoa(semester) + ":" + section
}

// GetCount returns the cached count and whether it was present.
func (c *RosterCache) GetCount(ctx context.Context, branch string, semester int, section string) (int, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := c.store.Get(ctx, rosterCountPrefix+sectionKey(branch, semester, section))
	if errors.Is(err, client.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read roster count: %w", err)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		util.Warn("Discarding malformed roster count", zap.String("value", val))
		return 0, false, nil
	}
	return n, true, nil
}

func (c *RosterCache) SetCount(ctx context.Context, branch string, semester int, section string, count int) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return c.store.Set(ctx, rosterCountPrefix+sectionKey(branch, semester, section), strconv.Itoa(count), c.ttl)
}

// GetMember returns the cached membership answer and whether it was present.
func (c *RosterCache) GetMember(ctx context.Context, branch string, semester int, section, studentID string) (bool, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := c.store.Get(ctx, rosterMemberPrefix+sectionKey(branch, semester, section)+":"+studentID)
	if errors.Is(err, client.ErrKeyNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to read roster membership: %w", err)
	}
	return val == "1", true, nil
}

func (c *RosterCache) SetMember(ctx context.Context, branch string, semester int, section, studentID string, member bool) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	val := "0"
	if member {
		val = "1"
	}
	return c.store.Set(ctx, rosterMemberPrefix+sectionKey(branch, semester, section)+":"+studentID, val, c.ttl)
}

// Invalidate drops the cached count of a section after enrollment changes.
func (c *RosterCache) Invalidate(ctx context.Context, branch string, semester int, section string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return c.store.Del(ctx, rosterCountPrefix+sectionKey(branch, semester, section))
}
