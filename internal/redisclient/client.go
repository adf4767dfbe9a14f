package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	stockStatusKeyPrefix = "stock-status:"
	seenPaymentKeyPrefix = "payment-seen:"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetStockStatus caches the catalog label for a product. The catalog reads
// this instead of hitting Postgres on every product page.
func (c *Client) SetStockStatus(ctx context.Context, productID, status string) error {
	return c.rdb.Set(ctx, stockStatusKeyPrefix+productID, status, 0).Err()
}

// GetStockStatus returns the cached catalog label for a product.
// Returns "" when nothing is cached.
func (c *Client) GetStockStatus(ctx context.Context, productID string) (string, error) {
	status, err := c.rdb.Get(ctx, stockStatusKeyPrefix+productID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

// MarkPaymentSeen records a payment reference the service has already
// reconciled. Advisory only: the fast path for webhook redeliveries.
// Correctness rests on the unique constraint in Postgres, so a Redis miss
// or flush is harmless.
func (c *Client) MarkPaymentSeen(ctx context.Context, paymentRef string, ttl time.Duration) error {
	return c.rdb.SetNX(ctx, seenPaymentKeyPrefix+paymentRef, "1", ttl).Err()
}

// IsPaymentSeen reports whether a payment reference was recently reconciled.
func (c *Client) IsPaymentSeen(ctx context.Context, paymentRef string) (bool, error) {
	n, err := c.rdb.Exists(ctx, seenPaymentKeyPrefix+paymentRef).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
