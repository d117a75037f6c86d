package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotTTL bounds how stale a diff baseline can get. After the TTL a
// scan sees a cache miss and treats every available site as new, which
// only costs one redundant notification for alerts scanned less often
// than this.
const SnapshotTTL = 5 * time.Minute

const snapshotKeyPrefix = "availability:"

// RedisSeenCache keeps per-alert availability snapshots as JSON arrays of
// site ids under availability:<alertID>.
type RedisSeenCache struct {
	rdb *redis.Client
}

func NewRedisSeenCache(rdb *redis.Client) *RedisSeenCache {
	return &RedisSeenCache{rdb: rdb}
}

func (c *RedisSeenCache) Get(ctx context.Context, alertID string) ([]string, bool, error) {
	raw, err := c.rdb.Get(ctx, snapshotKeyPrefix+alertID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		// A corrupt snapshot is as good as a miss.
		return nil, false, nil
	}
	return ids, true, nil
}

func (c *RedisSeenCache) Set(ctx context.Context, alertID string, siteIDs []string) error {
	if siteIDs == nil {
		siteIDs = []string{}
	}
	body, err := json.Marshal(siteIDs)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, snapshotKeyPrefix+alertID, body, SnapshotTTL).Err()
}

func (c *RedisSeenCache) Delete(ctx context.Context, alertID string) error {
	return c.rdb.Del(ctx, snapshotKeyPrefix+alertID).Err()
}
