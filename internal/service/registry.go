package service

import (
	"sync"
	"time"

	"attendance-service/internal/bucketing"
)

// registry holds sessions in murmur3-selected shards so lookups for
// different sessions do not share a lock.
type registry struct {
	buckets *bucketing.BucketingManager
	shards  []*registryShard

	keysMu sync.Mutex
	active map[string]string // session key -> active session id
}

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newRegistry(buckets *bucketing.BucketingManager) *registry {
	r := &registry{
		buckets: buckets,
		shards:  make([]*registryShard, buckets.SessionShards()),
		active:  make(map[string]string),
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{sessions: make(map[string]*session)}
	}
	return r
}

func (r *registry) shard(id string) *registryShard {
	return r.shards[r.buckets.SessionShard(id)]
}

func (r *registry) get(id string) *session {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.sessions[id]
}

func (r *registry) put(s *session) {
	sh := r.shard(s.id)
	sh.mu.Lock()
	sh.sessions[s.id] = s
	sh.mu.Unlock()
}

func (r *registry) remove(id string) {
	sh := r.shard(id)
	sh.mu.Lock()
	delete(sh.sessions, id)
	sh.mu.Unlock()
}

// reserveKey claims key for sessionID. False means another session holds it.
func (r *registry) reserveKey(key, sessionID string) bool {
	r.keysMu.Lock()
	defer r.keysMu.Unlock()
	if _, taken := r.active[key]; taken {
		return false
	}
	r.active[key] = sessionID
	return true
}

// releaseKey frees key only if sessionID still holds it.
func (r *registry) releaseKey(key, sessionID string) {
	r.keysMu.Lock()
	defer r.keysMu.Unlock()
	if r.active[key] == sessionID {
		delete(r.active, key)
	}
}

func (r *registry) activeCount() int {
	r.keysMu.Lock()
	defer r.keysMu.Unlock()
	return len(r.active)
}

// each calls fn for every session outside the shard locks.
func (r *registry) each(fn func(*session)) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		list := make([]*session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			list = append(list, s)
		}
		sh.mu.RUnlock()
		for _, s := range list {
			fn(s)
		}
	}
}

// sweep drops sessions closed at or before cutoff and returns how many went.
func (r *registry) sweep(cutoff time.Time) int {
	removed := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if s.closedBefore(cutoff) {
				delete(sh.sessions, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
