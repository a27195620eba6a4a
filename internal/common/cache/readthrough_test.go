package cache

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var intCodec = Codec[int]{
	Encode: func(v int) (string, error) { return strconv.Itoa(v), nil },
	Decode: strconv.Atoi,
}

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c, err := NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c, mr
}

func TestReadThrough(t *testing.T) {
	t.Parallel()

	c, mr := newTestCache(t)
	ctx := context.Background()
	loads := 0
	load := func(found bool) func(context.Context) (int, bool, error) {
		return func(context.Context) (int, bool, error) {
			loads++
			return 7, found, nil
		}
	}

	for i := 0; i < 2; i++ {
		v, ok, err := ReadThrough(ctx, c, "k", time.Minute, time.Second, intCodec, load(true))
		if err != nil || !ok || v != 7 {
			t.Fatalf("read %d: %v %v %v", i, v, ok, err)
		}
	}
	if loads != 1 {
		t.Fatalf("expected a single load, got %d", loads)
	}

	for i := 0; i < 2; i++ {
		if _, ok, err := ReadThrough(ctx, c, "missing", time.Minute, time.Second, intCodec, load(false)); err != nil || ok {
			t.Fatalf("absent read %d: %v %v", i, ok, err)
		}
	}
	if loads != 2 {
		t.Fatalf("absent key should be cached, loads = %d", loads)
	}
	mr.FastForward(2 * time.Second)
	if _, _, err := ReadThrough(ctx, c, "missing", time.Minute, time.Second, intCodec, load(false)); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loads != 3 {
		t.Fatalf("absent marker should expire, loads = %d", loads)
	}
}

func TestReadThroughSurvivesCacheOutage(t *testing.T) {
	t.Parallel()

	c, mr := newTestCache(t)
	mr.Close()
	v, ok, err := ReadThrough(context.Background(), c, "k", time.Minute, time.Second, intCodec,
		func(context.Context) (int, bool, error) { return 3, true, nil })
	if err != nil || !ok || v != 3 {
		t.Fatalf("expected load to answer during outage: %v %v %v", v, ok, err)
	}
}

func TestReadThroughPropagatesLoadError(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t)
	boom := errors.New("db down")
	_, _, err := ReadThrough(context.Background(), c, "k", time.Minute, time.Second, intCodec,
		func(context.Context) (int, bool, error) { return 0, false, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected load error, got %v", err)
	}
}

func TestWriteThenEvict(t *testing.T) {
	t.Parallel()

	c, mr := newTestCache(t)
	ctx := context.Background()
	mr.Set("k", "1")
	if err := WriteThenEvict(ctx, c, "k", func(context.Context) error { return errors.New("no") }); err == nil {
		t.Fatalf("expected write error")
	}
	if !mr.Exists("k") {
		t.Fatalf("failed write must not evict")
	}
	if err := WriteThenEvict(ctx, c, "k", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("write: %v", err)
	}
	if mr.Exists("k") {
		t.Fatalf("expected eviction")
	}
}

func TestJitterTTL(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		got := JitterTTL(time.Minute)
		if got > time.Minute || got < 54*time.Second {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
	if JitterTTL(5) != 5 {
		t.Fatalf("tiny ttl should be unchanged")
	}
}
