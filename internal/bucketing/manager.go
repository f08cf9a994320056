package bucketing

import (
	"hash"
	"sync"

	"attendance-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager maps session identifiers onto registry shards and
// event partitions with murmur3.
type BucketingManager struct {
	sessionShards int
	eventBuckets  int
	hasherPool    sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return New(cfg.Bucketing.SessionShards, cfg.Bucketing.EventBuckets)
}

// New builds a manager with explicit bucket counts. Non-positive counts become 1.
func New(sessionShards, eventBuckets int) *BucketingManager {
	if sessionShards <= 0 {
		sessionShards = 1
	}
	if eventBuckets <= 0 {
		eventBuckets = 1
	}
	bm := &BucketingManager{
		sessionShards: sessionShards,
		eventBuckets:  eventBuckets,
	}
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// SessionShard returns the registry shard (0 to sessionShards-1) owning a session.
func (bm *BucketingManager) SessionShard(sessionID string) int {
	return bm.getBucket(sessionID, bm.sessionShards)
}

// EventBucket returns the bucket used to partition history events.
func (bm *BucketingManager) EventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

func (bm *BucketingManager) SessionShards() int {
	return bm.sessionShards
}

func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
