package bucketing

import (
	"fmt"
	"testing"
)

func TestSessionShardIsStableAndInRange(t *testing.T) {
	bm := New(16, 8)
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("session-%d", i)
		first := bm.SessionShard(id)
		if first < 0 || first >= 16 {
			t.Fatalf("shard %d out of range for %s", first, id)
		}
		if again := bm.SessionShard(id); again != first {
			t.Fatalf("shard for %s changed: %d then %d", id, first, again)
		}
	}
}

func TestShardsAreSpread(t *testing.T) {
	bm := New(8, 1)
	seen := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		seen[bm.SessionShard(fmt.Sprintf("s%d", i))] = true
	}
	if len(seen) != 8 {
		t.Errorf("only %d of 8 shards used", len(seen))
	}
}

func TestNewClampsCounts(t *testing.T) {
	bm := New(0, -3)
	if bm.SessionShards() != 1 || bm.EventBuckets() != 1 {
		t.Errorf("counts = %d/%d, want 1/1", bm.SessionShards(), bm.EventBuckets())
	}
	if got := bm.SessionShard("anything"); got != 0 {
		t.Errorf("single shard returned %d", got)
	}
}
