package ratelimit

import (
	"context"
	"errors"
	"testing"
)

type memoryRepo struct {
	rows    map[Key]Policy
	saveErr error
}

func (m *memoryRepo) List(context.Context) (map[Key]Policy, error) {
	out := make(map[Key]Policy, len(m.rows))
	for k, v := range m.rows {
		out[k] = v
	}
	return out, nil
}

func (m *memoryRepo) Save(_ context.Context, key Key, p Policy) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.rows[key] = p
	return nil
}

func (m *memoryRepo) Delete(_ context.Context, key Key) error {
	delete(m.rows, key)
	return nil
}

var defaultTestPolicy = Policy{RequestsPerSecond: 10, RequestsPerMinute: 600, BurstSize: 20}

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"token bucket", Policy{RequestsPerSecond: 1, BurstSize: 1}, false},
		{"token bucket without rate", Policy{BurstSize: 1}, true},
		{"token bucket without burst", Policy{RequestsPerSecond: 1}, true},
		{"sliding window", Policy{RequestsPerMinute: 1, Algorithm: SlidingWindow}, false},
		{"fixed window without rpm", Policy{Algorithm: FixedWindow}, true},
		{"unknown algorithm", Policy{RequestsPerSecond: 1, BurstSize: 1, Algorithm: "gcra"}, true},
		{"negative ceiling", Policy{RequestsPerSecond: 1, BurstSize: 1, RequestsPerDay: -1}, true},
		{"upper case algorithm", Policy{RequestsPerMinute: 1, Algorithm: "FIXED_WINDOW"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPolicy) {
				t.Fatalf("error %v does not wrap ErrInvalidPolicy", err)
			}
		})
	}
}

func TestPolicyTable_ResolveFallsBackToDefault(t *testing.T) {
	table, err := NewPolicyTable(defaultTestPolicy)
	if err != nil {
		t.Fatal(err)
	}

	custom := Policy{RequestsPerMinute: 3, Algorithm: FixedWindow}
	if err := table.Set(context.Background(), "ip:10.0.0.1", custom); err != nil {
		t.Fatal(err)
	}

	if got := table.Resolve("ip:10.0.0.1"); got != custom {
		t.Fatalf("Resolve(custom) = %+v", got)
	}
	if got := table.Resolve("ip:10.0.0.2"); got != defaultTestPolicy {
		t.Fatalf("Resolve(other) = %+v, want default", got)
	}

	ok, err := table.Delete(context.Background(), "ip:10.0.0.1")
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	if got := table.Resolve("ip:10.0.0.1"); got != defaultTestPolicy {
		t.Fatal("deleted key should fall back to default")
	}
}

func TestPolicyTable_RejectsInvalid(t *testing.T) {
	if _, err := NewPolicyTable(Policy{}); err == nil {
		t.Fatal("expected invalid default to be rejected")
	}

	table, _ := NewPolicyTable(defaultTestPolicy)
	if err := table.Set(context.Background(), "ip:x", Policy{Algorithm: SlidingWindow}); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("err = %v, want ErrInvalidPolicy", err)
	}
	if err := table.Set(context.Background(), "", defaultTestPolicy); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("err = %v, want ErrInvalidPolicy for empty key", err)
	}
}

func TestPolicyTable_WritesThroughRepository(t *testing.T) {
	repo := &memoryRepo{rows: map[Key]Policy{
		"user:1":   {RequestsPerMinute: 5, Algorithm: SlidingWindow},
		"user:bad": {Algorithm: FixedWindow},
	}}
	table, _ := NewPolicyTable(defaultTestPolicy, WithRepository(repo))

	if err := table.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := table.Resolve("user:1"); got.RequestsPerMinute != 5 {
		t.Fatalf("stored policy not loaded: %+v", got)
	}
	if _, ok := table.Snapshot()["user:bad"]; ok {
		t.Fatal("invalid stored policy should be skipped")
	}

	p := Policy{RequestsPerSecond: 2, BurstSize: 4}
	if err := table.Set(context.Background(), "apikey:k", p); err != nil {
		t.Fatal(err)
	}
	if repo.rows["apikey:k"] != p {
		t.Fatal("Set should persist to the repository")
	}

	repo.saveErr = errors.New("db down")
	if err := table.Set(context.Background(), "apikey:z", p); err == nil {
		t.Fatal("expected repository error")
	}
	if _, ok := table.Snapshot()["apikey:z"]; ok {
		t.Fatal("failed persistence must not change the table")
	}
}
