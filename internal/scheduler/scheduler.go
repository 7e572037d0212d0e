// Package scheduler drives the periodic work of the trading daemon. Every
// tick invokes a hook supplied by the wiring layer; hooks run sequentially
// inside one loop goroutine so timers never overlap each other.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the timer cadences.
type Config struct {
	HeartbeatInterval time.Duration
	DecisionInterval  time.Duration
	FallbackInterval  time.Duration
	ProfitInterval    time.Duration
	ListenKeyInterval time.Duration
	MaxRuntime        time.Duration
}

// DefaultConfig returns the default cadences.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		DecisionInterval:  5 * time.Minute,
		FallbackInterval:  time.Minute,
		ProfitInterval:    time.Minute,
		ListenKeyInterval: 30 * time.Minute,
		MaxRuntime:        24 * time.Hour,
	}
}

// Hooks are the periodic jobs. Any nil hook is skipped. Hook errors are
// logged and never stop the loop; only MaxRuntime ends it.
type Hooks struct {
	Heartbeat      func(ctx context.Context) error
	DecisionCycle  func(ctx context.Context)
	FallbackCheck  func(ctx context.Context)
	ProfitCheck    func(ctx context.Context)
	RenewListenKey func(ctx context.Context) error
	OnMaxRuntime   func()
}

// Scheduler owns the timer loop.
type Scheduler struct {
	config Config
	hooks  Hooks
	logger zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a Scheduler. Zero-valued intervals fall back to defaults.
func New(config Config, hooks Hooks, logger zerolog.Logger) *Scheduler {
	def := DefaultConfig()
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if config.DecisionInterval <= 0 {
		config.DecisionInterval = def.DecisionInterval
	}
	if config.FallbackInterval <= 0 {
		config.FallbackInterval = def.FallbackInterval
	}
	if config.ProfitInterval <= 0 {
		config.ProfitInterval = def.ProfitInterval
	}
	if config.ListenKeyInterval <= 0 {
		config.ListenKeyInterval = def.ListenKeyInterval
	}
	if config.MaxRuntime <= 0 {
		config.MaxRuntime = def.MaxRuntime
	}

	return &Scheduler{
		config:   config,
		hooks:    hooks,
		logger:   logger.With().Str("component", "Scheduler").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start launches the timer loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info().
		Dur("decision_interval", s.config.DecisionInterval).
		Dur("max_runtime", s.config.MaxRuntime).
		Msg("Scheduler starting")

	s.wg.Add(1)
	go s.run(ctx)

	return nil
}

// Stop ends the loop and waits for it to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()
	decision := time.NewTicker(s.config.DecisionInterval)
	defer decision.Stop()
	fallback := time.NewTicker(s.config.FallbackInterval)
	defer fallback.Stop()
	profit := time.NewTicker(s.config.ProfitInterval)
	defer profit.Stop()
	listenKey := time.NewTicker(s.config.ListenKeyInterval)
	defer listenKey.Stop()
	maxRuntime := time.NewTimer(s.config.MaxRuntime)
	defer maxRuntime.Stop()

	s.fireHeartbeat(ctx)

	for {
		select {
		case <-heartbeat.C:
			s.fireHeartbeat(ctx)

		case <-decision.C:
			if s.hooks.DecisionCycle != nil {
				s.hooks.DecisionCycle(ctx)
			}

		case <-fallback.C:
			if s.hooks.FallbackCheck != nil {
				s.hooks.FallbackCheck(ctx)
			}

		case <-profit.C:
			if s.hooks.ProfitCheck != nil {
				s.hooks.ProfitCheck(ctx)
			}

		case <-listenKey.C:
			if s.hooks.RenewListenKey != nil {
				// Renewal failure is not fatal, the key stays valid for
				// 60 minutes and the next tick retries.
				if err := s.hooks.RenewListenKey(ctx); err != nil {
					s.logger.Warn().Err(err).Msg("Listen key renewal failed")
				}
			}

		case <-maxRuntime.C:
			s.logger.Info().Msg("Max runtime reached, requesting shutdown")
			if s.hooks.OnMaxRuntime != nil {
				s.hooks.OnMaxRuntime()
			}
			return

		case <-ctx.Done():
			return

		case <-s.stopChan:
			return
		}
	}
}

func (s *Scheduler) fireHeartbeat(ctx context.Context) {
	if s.hooks.Heartbeat == nil {
		return
	}
	if err := s.hooks.Heartbeat(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Heartbeat failed")
	}
}
