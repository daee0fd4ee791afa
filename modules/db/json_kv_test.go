package db

import (
	"context"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"
)

type mapKV struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
}

func newMapKV() *mapKV {
	return &mapKV{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *mapKV) AtomicGet(_ context.Context, key string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.data[key]; ok {
		return v, nil
	}
	return nil, nil
}

func (m *mapKV) AtomicSet(_ context.Context, key string, value any, ttl time.Duration) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.data[key]
	m.data[key] = value.([]byte)
	m.ttls[key] = ttl
	if !ok {
		return nil, nil
	}
	return prev, nil
}

func (m *mapKV) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	delete(m.data, key)
	return ok, nil
}

func (m *mapKV) Keys(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.data)), nil
}

type entry struct {
	Address string `json:"address"`
	Hits    int    `json:"hits"`
}

func TestJSONKV_SetGetAll(t *testing.T) {
	kv := newMapKV()
	j := NewJSONKV[entry](kv)
	ctx := context.Background()

	prev, err := j.Set(ctx, "a", entry{"10.0.0.1", 1}, time.Minute)
	if err != nil || prev != nil {
		t.Fatalf("first Set = %v, %v", prev, err)
	}
	prev, err = j.Set(ctx, "a", entry{"10.0.0.1", 2}, time.Minute)
	if err != nil || prev == nil || prev.Hits != 1 {
		t.Fatalf("second Set prev = %+v, %v", prev, err)
	}
	if kv.ttls["a"] != time.Minute {
		t.Fatalf("ttl not passed through: %s", kv.ttls["a"])
	}

	got, err := j.Get(ctx, "a")
	if err != nil || got.Hits != 2 {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	if got, _ := j.Get(ctx, "missing"); got != nil {
		t.Fatalf("Get(missing) = %+v, want nil", got)
	}

	_, _ = j.Set(ctx, "b", entry{"10.0.0.2", 1}, 0)
	all, err := j.All(ctx)
	if err != nil || len(all) != 2 || all["b"].Address != "10.0.0.2" {
		t.Fatalf("All = %+v, %v", all, err)
	}
}

func TestJSONKV_DecodeErrors(t *testing.T) {
	kv := newMapKV()
	kv.data["bad"] = []byte("{not json")
	j := NewJSONKV[entry](kv)

	if _, err := j.Get(context.Background(), "bad"); err == nil {
		t.Fatal("expected decode error")
	}
}
