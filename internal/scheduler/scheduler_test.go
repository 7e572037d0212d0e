package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Millisecond,
		DecisionInterval:  time.Hour,
		FallbackInterval:  time.Hour,
		ProfitInterval:    time.Hour,
		ListenKeyInterval: time.Hour,
		MaxRuntime:        time.Hour,
	}
}

func TestHeartbeatFiresImmediatelyAndRepeats(t *testing.T) {
	var beats atomic.Int32
	s := New(testConfig(), Hooks{
		Heartbeat: func(ctx context.Context) error {
			beats.Add(1)
			return nil
		},
	}, zerolog.Nop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	s.Stop()

	if n := beats.Load(); n < 2 {
		t.Errorf("Should have fired at least twice, got %d", n)
	}
}

func TestHeartbeatErrorDoesNotStopLoop(t *testing.T) {
	var beats atomic.Int32
	s := New(testConfig(), Hooks{
		Heartbeat: func(ctx context.Context) error {
			beats.Add(1)
			return errors.New("db unavailable")
		},
	}, zerolog.Nop())

	_ = s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if n := beats.Load(); n < 2 {
		t.Errorf("Loop should survive hook errors, got %d beats", n)
	}
}

func TestMaxRuntimeStopsLoop(t *testing.T) {
	done := make(chan struct{})
	cfg := testConfig()
	cfg.MaxRuntime = 20 * time.Millisecond

	s := New(cfg, Hooks{
		OnMaxRuntime: func() { close(done) },
	}, zerolog.Nop())

	_ = s.Start(context.Background())
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Max runtime hook should have fired")
	}
}

func TestListenKeyRenewalFailureNotFatal(t *testing.T) {
	var renewals atomic.Int32
	cfg := testConfig()
	cfg.ListenKeyInterval = 10 * time.Millisecond

	s := New(cfg, Hooks{
		RenewListenKey: func(ctx context.Context) error {
			renewals.Add(1)
			return errors.New("binance unavailable")
		},
	}, zerolog.Nop())

	_ = s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if n := renewals.Load(); n < 2 {
		t.Errorf("Renewal should keep retrying on failure, got %d attempts", n)
	}
}

func TestStartTwiceFails(t *testing.T) {
	s := New(testConfig(), Hooks{}, zerolog.Nop())
	_ = s.Start(context.Background())
	defer s.Stop()

	if err := s.Start(context.Background()); err == nil {
		t.Error("Second Start should fail while running")
	}
}

func TestContextCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(testConfig(), Hooks{}, zerolog.Nop())
	_ = s.Start(ctx)

	cancel()
	time.Sleep(20 * time.Millisecond)

	// Stop must not hang after the context ended the loop.
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop should return after context cancellation")
	}
}
