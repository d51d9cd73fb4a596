package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key namespaces. The cache is a coordination aid, not a system of record:
// losing any of these must never corrupt task state.
const (
	KeySystemMetrics      = "scheduler:metrics:system"
	KeyTaskMetrics        = "scheduler:metrics:tasks"
	KeyTaskMetricsHistory = "scheduler:metrics:tasks:history"
	KeyNotificationQueue  = "scheduler:notification:queue"
	KeyNotifyHistory      = "scheduler:notification:history"
)

var ErrNotFound = errors.New("kv: key not found")

func NotificationKey(id string) string {
	return "scheduler:notifications:" + id
}

func CooldownKey(ruleID, alertType string) string {
	return fmt.Sprintf("scheduler:notifications:cooldown:%s:%s", ruleID, alertType)
}

type Client struct {
	rdb *redis.Client
}

type Config struct {
	Addr     string
	Password string
	DB       int
}

func New(cfg Config) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	return &Client{rdb: rdb}
}

// NewFromClient wraps an existing redis client; used by tests with miniredis.
func NewFromClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetJSON stores v marshalled as JSON under key with the given TTL.
func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, b, ttl).Err()
}

func (c *Client) GetJSON(ctx context.Context, key string, out any) error {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(b, out)
}

func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// PushCapped prepends v to a list and trims it to max entries, newest first.
func (c *Client) PushCapped(ctx context.Context, key string, v any, max int64) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, key, b)
	pipe.LTrim(ctx, key, 0, max-1)
	_, err = pipe.Exec(ctx)
	return err
}

// ListJSON feeds up to n newest entries of a capped list through decode.
func (c *Client) ListJSON(ctx context.Context, key string, n int64, decode func([]byte) error) error {
	vals, err := c.rdb.LRange(ctx, key, 0, n-1).Result()
	if err != nil {
		return err
	}

	for _, v := range vals {
		if err := decode([]byte(v)); err != nil {
			return err
		}
	}
	return nil
}

// SetCooldown atomically claims a cooldown key. Returns true when the claim
// succeeded, false when a live cooldown already exists.
func (c *Client) SetCooldown(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, "1", ttl).Result()
}

func (c *Client) CooldownActive(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
