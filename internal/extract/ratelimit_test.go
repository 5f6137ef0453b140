package extract

import (
	"context"
	"testing"
	"time"
)

func TestEngineLimiter_BurstAllowed(t *testing.T) {
	rl := NewEngineLimiter(3, 60)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("burst should not block, took %s", elapsed)
	}
}

func TestEngineLimiter_BlocksWhenExhausted(t *testing.T) {
	rl := NewEngineLimiter(1, 600) // refills 10/s

	ctx := context.Background()
	if err := rl.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := rl.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("expected to wait for a refill, took %s", elapsed)
	}
}

func TestEngineLimiter_ContextCancel(t *testing.T) {
	rl := NewEngineLimiter(1, 1) // refill far too slow for this test

	if err := rl.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Error("expected context deadline error")
	}
}

func TestEngineLimiter_Defaults(t *testing.T) {
	rl := NewEngineLimiter(0, 0)
	if rl.max != 10 {
		t.Errorf("default burst = %v, want 10", rl.max)
	}
	if rl.rate != 1 {
		t.Errorf("default rate = %v, want 1/s", rl.rate)
	}
}
