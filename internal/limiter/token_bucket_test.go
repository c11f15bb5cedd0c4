package limiter

import (
	"testing"
	"time"
)

func TestTokenBucket_StartsFull(t *testing.T) {
	b := NewTokenBucket(10, 1)
	if got := b.Tokens(); got != 10 {
		t.Errorf("expected bucket to start full at 10, got %v", got)
	}
}

func TestTokenBucket_ConsumeWithinCapacity(t *testing.T) {
	b := NewTokenBucket(10, 0)
	ok, wait := b.TryConsume(4)
	if !ok || wait != 0 {
		t.Fatalf("expected immediate grant, got ok=%v wait=%v", ok, wait)
	}
	if got := b.Tokens(); got != 6 {
		t.Errorf("expected 6 tokens remaining, got %v", got)
	}
}

func TestTokenBucket_RejectsOverdraw(t *testing.T) {
	b := NewTokenBucket(5, 1)
	ok, _ := b.TryConsume(5)
	if !ok {
		t.Fatal("expected first consume of exactly capacity to succeed")
	}
	ok, wait := b.TryConsume(1)
	if ok {
		t.Fatal("expected overdraw to fail")
	}
	if wait <= 0 {
		t.Errorf("expected a positive wait hint, got %v", wait)
	}
}

func TestTokenBucket_RefillOverTime(t *testing.T) {
	b := NewTokenBucket(10, 100) // 100 tokens/sec
	b.TryConsume(10)
	time.Sleep(50 * time.Millisecond)
	got := b.Tokens()
	if got < 3 || got > 10 {
		t.Errorf("expected roughly 5 tokens refilled after 50ms at 100/s, got %v", got)
	}
}

func TestTokenBucket_RefundClampsAtCapacity(t *testing.T) {
	b := NewTokenBucket(10, 0)
	b.Refund(100)
	if got := b.Tokens(); got != 10 {
		t.Errorf("expected refund to clamp at capacity 10, got %v", got)
	}
}

func TestTokenBucket_DebitExternalFloorsAtZero(t *testing.T) {
	b := NewTokenBucket(10, 0)
	b.DebitExternal(100)
	if got := b.Tokens(); got != 0 {
		t.Errorf("expected external debit to floor at zero, got %v", got)
	}
}

func TestTokenBucket_AtCapacity(t *testing.T) {
	b := NewTokenBucket(10, 0)
	if !b.AtCapacity() {
		t.Error("expected fresh bucket to be at capacity")
	}
	b.TryConsume(1)
	if b.AtCapacity() {
		t.Error("expected bucket below capacity after a consume with no refill")
	}
}
