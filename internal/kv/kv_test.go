package kv

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type snapshot struct {
	CPU float64 `json:"cpu"`
	N   int     `json:"n"`
}

func testClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(rdb), mr
}

func TestSetGetJSON(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	in := snapshot{CPU: 42.5, N: 7}
	if err := c.SetJSON(ctx, KeySystemMetrics, in, time.Minute); err != nil {
		t.Fatalf("SetJSON error: %v", err)
	}

	var out snapshot
	if err := c.GetJSON(ctx, KeySystemMetrics, &out); err != nil {
		t.Fatalf("GetJSON error: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestGetJSON_Missing(t *testing.T) {
	c, _ := testClient(t)

	var out snapshot
	err := c.GetJSON(context.Background(), "scheduler:missing", &out)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetJSON_TTLExpires(t *testing.T) {
	c, mr := testClient(t)
	ctx := context.Background()

	if err := c.SetJSON(ctx, KeyTaskMetrics, snapshot{N: 1}, 5*time.Minute); err != nil {
		t.Fatalf("SetJSON error: %v", err)
	}

	mr.FastForward(6 * time.Minute)

	var out snapshot
	if err := c.GetJSON(ctx, KeyTaskMetrics, &out); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestPushCapped_TrimsToNewest(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := c.PushCapped(ctx, KeyNotifyHistory, snapshot{N: i}, 5); err != nil {
			t.Fatalf("PushCapped %d: %v", i, err)
		}
	}

	var got []snapshot
	err := c.ListJSON(ctx, KeyNotifyHistory, 100, func(b []byte) error {
		var s snapshot
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		got = append(got, s)
		return nil
	})
	if err != nil {
		t.Fatalf("ListJSON error: %v", err)
	}

	if len(got) != 5 {
		t.Fatalf("list length = %d, want 5", len(got))
	}
	// newest first
	if got[0].N != 9 || got[4].N != 5 {
		t.Fatalf("trim kept wrong entries: %+v", got)
	}
}

func TestCooldown(t *testing.T) {
	c, mr := testClient(t)
	ctx := context.Background()

	key := CooldownKey("cpu_warn", "cpu")

	ok, err := c.SetCooldown(ctx, key, 5*time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}

	// second claim within the window must lose
	ok, err = c.SetCooldown(ctx, key, 5*time.Minute)
	if err != nil || ok {
		t.Fatalf("second claim: ok=%v err=%v, want false", ok, err)
	}

	active, err := c.CooldownActive(ctx, key)
	if err != nil || !active {
		t.Fatalf("CooldownActive = %v err=%v, want true", active, err)
	}

	mr.FastForward(6 * time.Minute)

	active, err = c.CooldownActive(ctx, key)
	if err != nil || active {
		t.Fatalf("cooldown must expire, active=%v err=%v", active, err)
	}

	ok, _ = c.SetCooldown(ctx, key, time.Minute)
	if !ok {
		t.Fatalf("claim after expiry must succeed")
	}
}

func TestKeyHelpers(t *testing.T) {
	if got := NotificationKey("abc"); got != "scheduler:notifications:abc" {
		t.Fatalf("NotificationKey = %s", got)
	}
	if got := CooldownKey("r1", "cpu"); got != "scheduler:notifications:cooldown:r1:cpu" {
		t.Fatalf("CooldownKey = %s", got)
	}
}
