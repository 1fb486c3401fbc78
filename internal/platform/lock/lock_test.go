package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestLocalLocker_Exclusive(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var inside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(ctx, "2025-03-03")
			if err != nil {
				t.Errorf("Lock() error: %v", err)
				return
			}
			if n := atomic.AddInt32(&inside, 1); n != 1 {
				t.Errorf("expected 1 holder, got %d", n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	if len(l.keys) != 0 {
		t.Errorf("expected lock table to be empty, got %d keys", len(l.keys))
	}
}

func TestLocalLocker_IndependentKeys(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	r1, err := l.Lock(ctx, "2025-03-03")
	if err != nil {
		t.Fatal(err)
	}
	defer r1()

	ctx2, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	r2, err := l.Lock(ctx2, "2025-03-04")
	if err != nil {
		t.Fatalf("different key should not block: %v", err)
	}
	r2()
}

func TestLocalLocker_ContextCancel(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.Lock(context.Background(), "day")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "day"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestLocalLocker_ReleaseIdempotent(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.Lock(context.Background(), "day")
	if err != nil {
		t.Fatal(err)
	}
	release()
	release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r, err := l.Lock(ctx, "day")
	if err != nil {
		t.Fatalf("expected lock to be free: %v", err)
	}
	r()
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, RedisConfig{TTL: time.Second}, zerolog.Nop())

	release, err := l.Lock(context.Background(), "2025-03-03")
	if err != nil {
		t.Fatalf("Lock() error: %v", err)
	}
	if !mr.Exists(DefaultPrefix + "2025-03-03") {
		t.Fatal("expected lock key to exist")
	}

	release()
	if mr.Exists(DefaultPrefix + "2025-03-03") {
		t.Error("expected lock key to be deleted on release")
	}
}

func TestRedisLocker_BlocksSecondHolder(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedisLocker(client, RedisConfig{TTL: 5 * time.Second, RetryInterval: 5 * time.Millisecond}, zerolog.Nop())

	release, err := l.Lock(context.Background(), "day")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "day"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded while held, got %v", err)
	}

	release()
	r2, err := l.Lock(context.Background(), "day")
	if err != nil {
		t.Fatalf("expected lock after release: %v", err)
	}
	r2()
}

func TestRedisLocker_ReleaseDoesNotStealExpiredLock(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, RedisConfig{TTL: time.Second}, zerolog.Nop())

	release, err := l.Lock(context.Background(), "day")
	if err != nil {
		t.Fatal(err)
	}

	// Lease runs out and another process takes the key.
	mr.FastForward(2 * time.Second)
	if err := mr.Set(DefaultPrefix+"day", "other-holder"); err != nil {
		t.Fatal(err)
	}

	release()
	got, err := mr.Get(DefaultPrefix + "day")
	if err != nil {
		t.Fatalf("expected other holder's key to survive: %v", err)
	}
	if got != "other-holder" {
		t.Errorf("expected other-holder, got %s", got)
	}
}

func TestRedisLocker_Ping(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, RedisConfig{}, zerolog.Nop())

	if err := l.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
	mr.Close()
	if err := l.Ping(context.Background()); err == nil {
		t.Error("expected Ping to fail after server closed")
	}
}

func TestNewRedisClient_BadURL(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), "not a url"); err == nil {
		t.Error("expected error for invalid url")
	}
}
