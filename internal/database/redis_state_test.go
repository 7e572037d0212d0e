package database

import (
	"context"
	"testing"

	"futures-ai-trader/internal/engine"
)

func TestRuntimeStatusCacheMemoryOnly(t *testing.T) {
	cache := NewRuntimeStatusCache(nil)
	ctx := context.Background()

	status := &CachedStatus{
		BotConfigID: "bot-1",
		Status:      "RUNNING",
		Position: &engine.PositionView{
			Symbol:   "BTCUSDT",
			Side:     engine.SideLong,
			Quantity: 0.002,
		},
	}
	if err := cache.Publish(ctx, status); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if status.Heartbeat.IsZero() {
		t.Error("Should stamp heartbeat on publish")
	}

	got, err := cache.Load(ctx, "bot-1")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got == nil {
		t.Fatal("Should load published status from memory")
	}
	if got.Status != "RUNNING" || got.Position == nil || got.Position.Symbol != "BTCUSDT" {
		t.Errorf("Loaded status mismatch: %+v", got)
	}
}

func TestRuntimeStatusCacheLoadMissing(t *testing.T) {
	cache := NewRuntimeStatusCache(nil)

	got, err := cache.Load(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got != nil {
		t.Error("Should return nil for a bot with no published status")
	}
}

func TestRuntimeStatusCachePublishNil(t *testing.T) {
	cache := NewRuntimeStatusCache(nil)
	if err := cache.Publish(context.Background(), nil); err == nil {
		t.Error("Should reject nil status")
	}
}

func TestRuntimeStatusCacheClear(t *testing.T) {
	cache := NewRuntimeStatusCache(nil)
	ctx := context.Background()

	_ = cache.Publish(ctx, &CachedStatus{BotConfigID: "bot-1", Status: "RUNNING"})
	cache.Clear(ctx, "bot-1")

	got, _ := cache.Load(ctx, "bot-1")
	if got != nil {
		t.Error("Should remove status on clear")
	}
}
