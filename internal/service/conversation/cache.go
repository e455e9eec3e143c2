package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"thrive/internal/models"
	"thrive/internal/redis"
)

const DefaultSummaryTTL = 30 * time.Second

// summaryCache keeps each viewer's conversation list in redis. A nil
// *summaryCache is a valid, always-missing cache.
type summaryCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func newSummaryCache(client *redis.Client, ttl time.Duration, log *zap.Logger) *summaryCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultSummaryTTL
	}
	return &summaryCache{client: client, ttl: ttl, log: log}
}

func summaryKey(userID, generation int64) string {
	return fmt.Sprintf("conversation:summaries:%d:%d", userID, generation)
}

// generationKey counts invalidations per viewer. Lists are stored under the
// generation read before the index query, so a list computed before a
// concurrent invalidate lands on a key no reader looks at anymore.
func generationKey(userID int64) string {
	return fmt.Sprintf("conversation:generation:%d", userID)
}

// generation returns the viewer's current generation, or -1 when redis
// cannot say.
func (c *summaryCache) generation(ctx context.Context, userID int64) int64 {
	raw, err := c.client.Get(ctx, generationKey(userID))
	if errors.Is(err, redis.ErrCacheMiss) {
		return 0
	}
	if err != nil {
		c.log.Warn("load conversation generation", zap.Int64("user_id", userID), zap.Error(err))
		return -1
	}
	gen, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.log.Warn("decode conversation generation", zap.Int64("user_id", userID), zap.Error(err))
		return -1
	}
	return gen
}

// load returns the cached list and the generation to pass to store on a miss.
func (c *summaryCache) load(ctx context.Context, userID int64) ([]models.ConversationSummary, int64, bool) {
	if c == nil {
		return nil, -1, false
	}
	gen := c.generation(ctx, userID)
	if gen < 0 {
		return nil, gen, false
	}
	raw, err := c.client.Get(ctx, summaryKey(userID, gen))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			c.log.Warn("load conversation summaries", zap.Int64("user_id", userID), zap.Error(err))
		}
		return nil, gen, false
	}
	var list []models.ConversationSummary
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		c.log.Warn("decode conversation summaries", zap.Int64("user_id", userID), zap.Error(err))
		return nil, gen, false
	}
	if list == nil {
		list = []models.ConversationSummary{}
	}
	return list, gen, true
}

func (c *summaryCache) store(ctx context.Context, userID, generation int64, list []models.ConversationSummary) {
	if c == nil || generation < 0 {
		return
	}
	data, err := json.Marshal(list)
	if err != nil {
		c.log.Warn("encode conversation summaries", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, summaryKey(userID, generation), data, c.ttl); err != nil {
		c.log.Warn("store conversation summaries", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// invalidate bumps each viewer's generation and drops the list it retired.
func (c *summaryCache) invalidate(ctx context.Context, userIDs ...int64) {
	if c == nil || len(userIDs) == 0 {
		return
	}
	retired := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		gen, err := c.client.Incr(ctx, generationKey(id))
		if err != nil {
			c.log.Warn("invalidate conversation summaries", zap.Int64("user_id", id), zap.Error(err))
			continue
		}
		retired = append(retired, summaryKey(id, gen-1))
	}
	if err := c.client.Del(ctx, retired...); err != nil {
		c.log.Warn("drop retired conversation summaries", zap.Int64s("user_ids", userIDs), zap.Error(err))
	}
}
