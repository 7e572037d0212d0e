package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-ai-trader/internal/engine"
	"futures-ai-trader/internal/strategy"
)

// Oracle is the opaque decision function.
type Oracle interface {
	Complete(systemPrompt, userPrompt string) (string, error)
}

// InteractionRecord is one append-only row in the oracle interaction log.
type InteractionRecord struct {
	ContextHash string
	RawResponse string
	Action      string
	Outcome     string
	Note        string
	Emergency   bool
}

// InteractionRecorder appends interaction rows to durable storage.
type InteractionRecorder interface {
	RecordInteraction(ctx context.Context, rec InteractionRecord) error
}

// Interaction outcomes
const (
	OutcomeExecuted        = "EXECUTED"
	OutcomeHeld            = "HELD"
	OutcomeNoop            = "NO_OP"
	OutcomeSkippedLocked   = "SKIPPED_LOCKED"
	OutcomeRejected        = "REJECTED"
	OutcomeFailed          = "FAILED"
	OutcomeOracleError     = "ORACLE_ERROR"
	OutcomeContextAborted  = "CONTEXT_ABORTED"
	OutcomeStrategyUpdated = "STRATEGY_UPDATED"
)

const systemPrompt = `You are the decision engine of an automated USDT-margined futures trading system.
You receive one JSON context snapshot describing the account, the market and the active strategy directives.
Respond with exactly one JSON object and nothing else. Recognized forms:
{"action":"OPEN_POSITION","side":"BUY|SELL","leverage":N,"entryPrice":P,"quantity":Q,"stopLossPrice":S,"takeProfitPrice":T,"rationale":"..."}
{"action":"CLOSE_POSITION","reason":"..."}
{"action":"HOLD_POSITION","reason":"..."}
{"action":"DO_NOTHING","reason":"..."}
Optionally include "updated_trade_strategy":{"reason":"...","strategy":{...}} to propose a full directive rewrite.`

// Gateway runs decision cycles: assemble context, consult the oracle,
// validate, safety-override and execute.
type Gateway struct {
	symbol    string
	machine   *engine.Machine
	oracle    Oracle
	store     strategy.Store
	collector *Collector
	recorder  InteractionRecorder
	lastClose func() float64
	logger    zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewGateway wires a decision gateway.
func NewGateway(symbol string, machine *engine.Machine, oracle Oracle, store strategy.Store, collector *Collector, recorder InteractionRecorder, lastClose func() float64, logger zerolog.Logger) *Gateway {
	return &Gateway{
		symbol:    symbol,
		machine:   machine,
		oracle:    oracle,
		store:     store,
		collector: collector,
		recorder:  recorder,
		lastClose: lastClose,
		logger:    logger.With().Str("component", "DecisionGateway").Logger(),
	}
}

// RunCycle executes one full decision cycle. Concurrent cycles are
// dropped, not queued, matching the machine's lock semantics.
func (g *Gateway) RunCycle(ctx context.Context, emergency bool, emergencyNote string) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		g.logger.Warn().Bool("emergency", emergency).Msg("Decision cycle dropped, another cycle is running")
		return
	}
	g.running = true
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
	}()

	snap := g.machine.Snapshot()
	if snap.OperationInProgress {
		g.logger.Warn().Msg("Decision cycle skipped, trading operation in flight")
		return
	}

	// Directives are loaded fresh at the start of every cycle and held
	// immutable for its duration.
	directives, err := g.store.Load(ctx)
	if err != nil {
		g.logger.Error().Err(err).Msg("Failed to load strategy directives, cycle aborted")
		return
	}

	snapshot, err := g.collector.Collect(ctx, snap, g.lastClose(), directives, emergency, emergencyNote)
	if err != nil {
		// Partial data is never forwarded to the oracle
		g.logger.Error().Err(err).Msg("Context collection failed, cycle aborted")
		g.record(ctx, InteractionRecord{Outcome: OutcomeContextAborted, Note: err.Error(), Emergency: emergency})
		return
	}

	contextJSON, err := marshalContext(snapshot)
	if err != nil {
		g.logger.Error().Err(err).Msg("Context serialization failed, cycle aborted")
		return
	}

	started := time.Now()
	raw, err := g.oracle.Complete(systemPrompt, contextJSON)
	if err != nil {
		var oerr *OracleError
		note := err.Error()
		if errors.As(err, &oerr) {
			note = string(oerr.Kind) + ": " + oerr.Message
		}
		g.logger.Error().Err(err).Msg("Oracle consultation failed")
		g.record(ctx, InteractionRecord{
			ContextHash: snapshot.Hash(),
			Outcome:     OutcomeOracleError,
			Note:        note,
			Emergency:   emergency,
		})
		return
	}
	g.logger.Debug().Dur("took", time.Since(started)).Msg("Oracle responded")

	decision, err := ParseDecision(raw)
	if err != nil {
		g.logger.Error().Err(err).Str("raw", truncate(raw, 500)).Msg("Oracle returned malformed decision")
		g.record(ctx, InteractionRecord{
			ContextHash: snapshot.Hash(),
			RawResponse: raw,
			Outcome:     OutcomeOracleError,
			Note:        err.Error(),
			Emergency:   emergency,
		})
		return
	}

	// Overrides run against a fresh snapshot: state may have moved while
	// the oracle was thinking.
	snap = g.machine.Snapshot()
	decision, overrides := ApplySafetyOverrides(decision, snap, directives.Directives.EmergencyHoldJustification)
	for _, o := range overrides {
		g.logger.Warn().
			Str("from", string(o.From)).
			Str("to", string(o.To)).
			Str("reason", o.Reason).
			Msg("Decision overridden")
	}

	outcome, note := g.execute(ctx, decision)

	if decision.StrategyUpdate != nil {
		if g.applyStrategyUpdate(ctx, directives, decision.StrategyUpdate) {
			note = appendNote(note, "strategy updated to v"+fmt.Sprint(directives.Version+1))
		}
	}

	if len(overrides) > 0 {
		note = appendNote(note, fmt.Sprintf("overridden from %s: %s", overrides[0].From, overrides[0].Reason))
	}

	g.record(ctx, InteractionRecord{
		ContextHash: snapshot.Hash(),
		RawResponse: raw,
		Action:      string(decision.Action),
		Outcome:     outcome,
		Note:        note,
		Emergency:   emergency,
	})
}

func (g *Gateway) execute(ctx context.Context, d *Decision) (string, string) {
	switch d.Action {
	case ActionOpenPosition:
		if err := ValidateOpen(d.Open); err != nil {
			g.logger.Error().Err(err).Msg("Open rejected by validation")
			return OutcomeRejected, err.Error()
		}
		err := g.machine.OpenPosition(ctx, engine.OpenRequest{
			Side:            d.Open.Side,
			Leverage:        d.Open.Leverage,
			EntryPrice:      d.Open.EntryPrice,
			Quantity:        d.Open.Quantity,
			StopLossPrice:   d.Open.StopLossPrice,
			TakeProfitPrice: d.Open.TakeProfitPrice,
		})
		return outcomeFromErr(err, d.Open.Rationale)

	case ActionClosePosition:
		reason := d.Reason
		if reason == "" {
			reason = "oracle decision"
		}
		err := g.machine.ClosePosition(ctx, reason)
		return outcomeFromErr(err, reason)

	case ActionHoldPosition:
		g.logger.Info().Str("reason", d.Reason).Msg("Holding position")
		return OutcomeHeld, d.Reason

	default:
		g.logger.Info().Str("reason", d.Reason).Msg("No action taken")
		return OutcomeNoop, d.Reason
	}
}

func outcomeFromErr(err error, note string) (string, string) {
	switch {
	case err == nil:
		return OutcomeExecuted, note
	case errors.Is(err, engine.ErrOperationInProgress):
		return OutcomeSkippedLocked, note
	default:
		return OutcomeFailed, appendNote(note, err.Error())
	}
}

func (g *Gateway) applyStrategyUpdate(ctx context.Context, current *strategy.Versioned, update *StrategyUpdate) bool {
	next, err := strategy.ApplyUpdate(current, update.Strategy, update.Reason, "oracle", time.Now())
	if err != nil {
		g.logger.Warn().Err(err).Msg("Strategy self-update rejected")
		return false
	}
	if err := g.store.Save(ctx, next); err != nil {
		g.logger.Error().Err(err).Msg("Strategy update persistence failed")
		return false
	}
	g.logger.Info().Int("version", next.Version).Str("reason", update.Reason).Msg("Strategy directives updated")
	return true
}

func (g *Gateway) record(ctx context.Context, rec InteractionRecord) {
	if g.recorder == nil {
		return
	}
	if err := g.recorder.RecordInteraction(ctx, rec); err != nil {
		g.logger.Error().Err(err).Msg("Failed to append interaction row")
	}
}

func marshalContext(c *Context) (string, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func appendNote(base, extra string) string {
	if base == "" {
		return extra
	}
	if extra == "" {
		return base
	}
	return base + "; " + extra
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
