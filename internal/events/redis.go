package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher broadcasts events on a pub/sub channel. Per-auction
// channels let dashboards follow one auction without filtering.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(addr, password, channel string) *RedisPublisher {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisPublisher{client: c, channel: channel}
}

// NewRedisPublisherWithClient reuses an existing client.
func NewRedisPublisherWithClient(c *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: c, channel: channel}
}

func (r *RedisPublisher) Publish(ctx context.Context, evs ...Event) error {
	if len(evs) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, e := range evs {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("error encoding event %s: %w", e.Type, err)
		}
		pipe.Publish(ctx, r.channel, b)
		if e.AuctionID != "" {
			pipe.Publish(ctx, r.AuctionChannel(e.AuctionID), b)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("error publishing to redis: %w", err)
	}
	return nil
}

func (r *RedisPublisher) AuctionChannel(auctionID string) string {
	return r.channel + ":auction:" + auctionID
}

// Ping checks connectivity at startup.
func (r *RedisPublisher) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisPublisher) Close() error { return r.client.Close() }
