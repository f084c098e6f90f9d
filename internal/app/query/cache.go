package query

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/famlist/project/internal/domain"
)

const defaultCacheTTL = 30 * time.Second

// ActiveCache keeps one entry per family: the JSON-encoded active todo
// list. Entries are short-lived and refreshed whenever the change feed
// touches the family, so a missed invalidation self-heals at TTL.
type ActiveCache struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewActiveCache(client *redis.Client) *ActiveCache {
	return &ActiveCache{Client: client, TTL: defaultCacheTTL}
}

func activeKey(familyID string) string {
	return "family:" + familyID + ":active"
}

func (c *ActiveCache) Get(ctx context.Context, familyID string) ([]domain.Todo, bool, error) {
	raw, err := c.Client.Get(ctx, activeKey(familyID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var todos []domain.Todo
	if err := json.Unmarshal(raw, &todos); err != nil {
		return nil, false, err
	}
	return todos, true, nil
}

func (c *ActiveCache) Set(ctx context.Context, familyID string, todos []domain.Todo) error {
	raw, err := json.Marshal(todos)
	if err != nil {
		return err
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return c.Client.Set(ctx, activeKey(familyID), raw, ttl).Err()
}

func (c *ActiveCache) Invalidate(ctx context.Context, familyID string) error {
	return c.Client.Del(ctx, activeKey(familyID)).Err()
}
