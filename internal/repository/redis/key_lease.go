package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"attendance-service/internal/util"
)

const activeKeyPrefix = "attendance:active_key:"

// Only the holder may extend or drop a lease.
const (
	renewScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`
	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`
)

var ErrLeaseLost = errors.New("active key lease no longer held")

// KeyLease reserves session keys across replicas with SET NX leases.
type KeyLease struct {
	store Store
}

func NewKeyLease(store Store) *KeyLease {
	return &KeyLease{store: store}
}

func (l *KeyLease) Acquire(ctx context.Context, key, sessionID string, ttl time.Duration) (bool, error) {
	ok, err := l.store.SetNX(ctx, activeKeyPrefix+key, sessionID, ttl)
	if err != nil {
		util.Error("Failed to acquire active key lease", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		util.Debug("Active key lease held elsewhere", zap.String("key", key))
	}
	return ok, nil
}

func (l *KeyLease) Renew(ctx context.Context, key, sessionID string, ttl time.Duration) error {
	res, err := l.store.Eval(ctx, renewScript, []string{activeKeyPrefix + key}, sessionID, ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n, _ := res.(int64); n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, key)
	}
	return nil
}

func (l *KeyLease) Release(ctx context.Context, key, sessionID string) error {
	if _, err := l.store.Eval(ctx, releaseScript, []string{activeKeyPrefix + key}, sessionID); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	util.Debug("Active key lease released", zap.String("key", key), util.SessionID(sessionID))
	return nil
}
