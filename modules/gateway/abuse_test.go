package gateway

import (
	"context"
	"testing"
	"time"

	"gateway/modules/blocklist"
	"gateway/modules/clock"
	rl "gateway/modules/ratelimit"
)

func TestAbuseDetector_BlocksOnceAtThreshold(t *testing.T) {
	clk := clock.NewManual(testStart)
	blocks := blocklist.NewMemoryRegistry(clk)
	a := NewAbuseDetector(AbuseConfig{Threshold: 3, Window: time.Minute, BlockDuration: 10 * time.Minute},
		clk, rl.NewMemoryStore(clk), blocks, "test")
	ctx := context.Background()

	for i := range 5 {
		blocked, err := a.RecordDenial(ctx, "10.0.0.1")
		if err != nil {
			t.Fatal(err)
		}
		if blocked != (i == 2) {
			t.Fatalf("denial %d: blocked = %v", i+1, blocked)
		}
	}

	list, _ := blocks.List(ctx)
	if len(list) != 1 || !list[0].BlockedUntil.Equal(testStart.Add(10*time.Minute)) {
		t.Fatalf("blocks = %+v", list)
	}
}

func TestAbuseDetector_WindowResets(t *testing.T) {
	clk := clock.NewManual(testStart)
	blocks := blocklist.NewMemoryRegistry(clk)
	a := NewAbuseDetector(AbuseConfig{Threshold: 2, Window: time.Minute}, clk, rl.NewMemoryStore(clk), blocks, "test")
	ctx := context.Background()

	_, _ = a.RecordDenial(ctx, "10.0.0.1")
	clk.Advance(time.Minute)
	if blocked, _ := a.RecordDenial(ctx, "10.0.0.1"); blocked {
		t.Fatal("denials from an earlier window must not add up")
	}
}

func TestAbuseDetector_DisabledIsNil(t *testing.T) {
	a := NewAbuseDetector(AbuseConfig{}, clock.RealClock{}, nil, nil, "")
	if a != nil {
		t.Fatal("zero threshold should disable detection")
	}
	if blocked, err := a.RecordDenial(context.Background(), "10.0.0.1"); blocked || err != nil {
		t.Fatalf("nil detector: %v, %v", blocked, err)
	}
}
