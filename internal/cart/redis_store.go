package cart

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "cart:"

// RedisStore keeps each cart as a hash of product -> quantity.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore constructs a RedisStore. An empty prefix uses "cart:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(userID string) string {
	return r.prefix + userID
}

func (r *RedisStore) Add(ctx context.Context, userID, productID string, qty int) (Cart, error) {
	if err := r.client.HIncrBy(ctx, r.key(userID), productID, int64(qty)).Err(); err != nil {
		return Cart{}, fmt.Errorf("cart add: %w", err)
	}
	return r.Get(ctx, userID)
}

func (r *RedisStore) Remove(ctx context.Context, userID, productID string) (Cart, error) {
	if err := r.client.HDel(ctx, r.key(userID), productID).Err(); err != nil {
		return Cart{}, fmt.Errorf("cart remove: %w", err)
	}
	return r.Get(ctx, userID)
}

func (r *RedisStore) Get(ctx context.Context, userID string) (Cart, error) {
	fields, err := r.client.HGetAll(ctx, r.key(userID)).Result()
	if err != nil {
		return Cart{}, fmt.Errorf("cart get: %w", err)
	}
	lines := make(map[string]int, len(fields))
	for product, raw := range fields {
		qty, err := strconv.Atoi(raw)
		if err != nil {
			return Cart{}, fmt.Errorf("cart get: quantity for %s: %w", product, err)
		}
		lines[product] = qty
	}
	return snapshot(userID, lines), nil
}
