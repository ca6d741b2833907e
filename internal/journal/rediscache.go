package journal

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/1withall/nabr/internal/core"
	"github.com/1withall/nabr/internal/infra"
)

// RedisCache is the cross-pod snapshot cache. Snapshots carry a TTL so a
// missed invalidation can only serve stale data briefly; the LastSeq check in
// Store.Snapshot catches staleness before it is ever returned.
type RedisCache struct {
	adapter *infra.RedisAdapter
	prefix  string
	ttl     time.Duration
	logger  *log.Logger
}

// NewRedisCache creates a snapshot cache on the shared Redis adapter.
func NewRedisCache(adapter *infra.RedisAdapter, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "nabr:snapshot:"
	}
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &RedisCache{
		adapter: adapter,
		prefix:  prefix,
		ttl:     ttl,
		logger:  log.New(log.Writer(), "[SNAP-CACHE] ", log.LstdFlags),
	}
}

func (rc *RedisCache) Get(ctx context.Context, subjectID string) (*core.SubjectSnapshot, bool) {
	raw, err := rc.adapter.Get(ctx, rc.prefix+subjectID)
	if err != nil {
		return nil, false
	}
	var snap core.SubjectSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		rc.logger.Printf("❌ Corrupt cached snapshot for %s, dropping: %v", subjectID, err)
		rc.Invalidate(ctx, subjectID)
		return nil, false
	}
	return &snap, true
}

func (rc *RedisCache) Put(ctx context.Context, subjectID string, snap *core.SubjectSnapshot) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := rc.adapter.Set(ctx, rc.prefix+subjectID, raw, rc.ttl); err != nil {
		rc.logger.Printf("⚠️ Snapshot cache write failed for %s: %v", subjectID, err)
	}
}

func (rc *RedisCache) Invalidate(ctx context.Context, subjectID string) {
	if err := rc.adapter.Del(ctx, rc.prefix+subjectID); err != nil {
		rc.logger.Printf("⚠️ Snapshot cache invalidate failed for %s: %v", subjectID, err)
	}
}
