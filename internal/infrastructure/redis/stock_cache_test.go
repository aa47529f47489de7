package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drfirst/go-rxgate/internal/collab"
)

type fakeKV struct {
	data    map[string]string
	ttl     time.Duration
	readErr error
}

func (f *fakeKV) Get(_ context.Context, key string) *redis.StringCmd {
	if f.readErr != nil {
		return redis.NewStringResult("", f.readErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeKV) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	f.data[key] = string(value.([]byte))
	f.ttl = ttl
	return redis.NewStatusResult("OK", nil)
}

type countingSource struct {
	calls int
	err   error
}

func (s *countingSource) CheckAvailability(_ context.Context, drug, _ string) (collab.StockResult, error) {
	s.calls++
	if s.err != nil {
		return collab.StockResult{}, s.err
	}
	return collab.StockResult{Available: true, Items: []collab.StockItem{{Drug: drug, Location: "main", Quantity: 3}}}, nil
}

func TestStockCacheReadsThrough(t *testing.T) {
	kv := &fakeKV{data: map[string]string{}}
	src := &countingSource{}
	c := newStockCache(src, kv, time.Minute, nil)

	for i := 0; i < 3; i++ {
		res, err := c.CheckAvailability(context.Background(), "Azithromycin", "500 mg")
		if err != nil || !res.Available || res.Items[0].Location != "main" {
			t.Fatalf("call %d: res = %+v err = %v", i, res, err)
		}
	}
	if src.calls != 1 {
		t.Errorf("source called %d times, want 1", src.calls)
	}
	if _, ok := kv.data["rxgate:stock:azithromycin:500mg"]; !ok || kv.ttl != time.Minute {
		t.Errorf("cache = %v ttl = %v", kv.data, kv.ttl)
	}
}

func TestStockCacheDoesNotCacheErrors(t *testing.T) {
	kv := &fakeKV{data: map[string]string{}}
	src := &countingSource{err: errors.New("stock service down")}
	c := newStockCache(src, kv, 0, nil)

	if _, err := c.CheckAvailability(context.Background(), "amoxicillin", ""); err == nil {
		t.Fatal("source error swallowed")
	}
	if len(kv.data) != 0 {
		t.Errorf("error result cached: %v", kv.data)
	}
}

func TestStockCacheFallsThroughOnRedisFailure(t *testing.T) {
	kv := &fakeKV{data: map[string]string{}, readErr: errors.New("connection refused")}
	src := &countingSource{}
	c := newStockCache(src, kv, time.Second, nil)

	if _, err := c.CheckAvailability(context.Background(), "amoxicillin", ""); err != nil {
		t.Fatalf("redis failure surfaced: %v", err)
	}
	if src.calls != 1 {
		t.Errorf("source calls = %d", src.calls)
	}
}

func TestStockCacheDiscardsCorruptEntries(t *testing.T) {
	kv := &fakeKV{data: map[string]string{cacheKey("amoxicillin", ""): "{not json"}}
	src := &countingSource{}
	c := newStockCache(src, kv, time.Second, nil)

	if res, err := c.CheckAvailability(context.Background(), "amoxicillin", ""); err != nil || !res.Available {
		t.Fatalf("res = %+v err = %v", res, err)
	}
	if src.calls != 1 {
		t.Errorf("corrupt entry served")
	}
}
