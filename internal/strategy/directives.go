// Package strategy holds the versioned directive document that guides the
// decision oracle, and the rules for oracle-approved self-updates.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RiskParameters bound position sizing.
type RiskParameters struct {
	TargetRiskPerTradeUSDT float64 `json:"target_risk_per_trade_usdt"`
	DefaultRRRatio         float64 `json:"default_rr_ratio"`
	MaxConcurrentPositions int     `json:"max_concurrent_positions"`
}

// LeveragePreference bounds the leverage the oracle may request.
type LeveragePreference struct {
	Min       int `json:"min"`
	Max       int `json:"max"`
	Preferred int `json:"preferred"`
}

// SRLevels are support/resistance levels the oracle maintains.
type SRLevels struct {
	Support    []float64 `json:"support"`
	Resistance []float64 `json:"resistance"`
}

// Directives is the strategy document handed to the oracle on every
// decision cycle.
type Directives struct {
	SchemaVersion              string             `json:"schema_version"`
	StrategyType               string             `json:"strategy_type"`
	CurrentMarketBias          string             `json:"current_market_bias"`
	PreferredTimeframes        []string           `json:"preferred_timeframes"`
	KeySRLevels                SRLevels           `json:"key_sr_levels"`
	RiskParameters             RiskParameters     `json:"risk_parameters"`
	EntryConditionKeywords     []string           `json:"entry_conditions_keywords"`
	ExitConditionKeywords      []string           `json:"exit_conditions_keywords"`
	LeveragePreference         LeveragePreference `json:"leverage_preference"`
	AIConfidenceThreshold      float64            `json:"ai_confidence_threshold"`
	AILearningsNotes           string             `json:"ai_learnings_notes"`
	AllowAIToUpdateSelf        bool               `json:"allow_ai_to_update_self"`
	EmergencyHoldJustification string             `json:"emergency_hold_justification"`
}

// Versioned wraps a directive document with its strictly-increasing
// version. The document is immutable for the duration of a decision cycle.
type Versioned struct {
	Version    int        `json:"version"`
	Directives Directives `json:"directives"`
	UpdatedBy  string     `json:"updated_by"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Store persists the active directive document.
type Store interface {
	// Load returns the active document, seeding defaults when missing.
	Load(ctx context.Context) (*Versioned, error)
	// Save persists a new version. The version must be exactly one above
	// the stored one.
	Save(ctx context.Context, v *Versioned) error
}

// ErrSelfUpdateForbidden rejects an oracle rewrite when the active document
// does not permit self-updates.
var ErrSelfUpdateForbidden = errors.New("directive document does not permit self-update")

// Default returns the initial directive document.
func Default() Directives {
	return Directives{
		SchemaVersion:       "1.0",
		StrategyType:        "adaptive_swing",
		CurrentMarketBias:   "NEUTRAL",
		PreferredTimeframes: []string{"5m", "15m", "1h"},
		RiskParameters: RiskParameters{
			TargetRiskPerTradeUSDT: 5.0,
			DefaultRRRatio:         1.5,
			MaxConcurrentPositions: 1,
		},
		EntryConditionKeywords: []string{"support_bounce", "resistance_break", "trend_continuation"},
		ExitConditionKeywords:  []string{"target_reached", "momentum_loss", "bias_invalidated"},
		LeveragePreference: LeveragePreference{
			Min:       5,
			Max:       20,
			Preferred: 10,
		},
		AIConfidenceThreshold: 0.7,
		AILearningsNotes:      "Initial strategy. No trades executed yet.",
		AllowAIToUpdateSelf:   true,
	}
}

// ApplyUpdate produces the successor document for an oracle-proposed
// rewrite. The version increments by exactly one and the notes field keeps
// both the new and the previous text behind a timestamped audit line.
func ApplyUpdate(current *Versioned, next Directives, reason, updatedBy string, now time.Time) (*Versioned, error) {
	if !current.Directives.AllowAIToUpdateSelf {
		return nil, ErrSelfUpdateForbidden
	}

	newVersion := current.Version + 1
	audit := fmt.Sprintf("[%s] AI Update (v%d): %s", now.UTC().Format("2006-01-02 15:04:05"), newVersion, reason)

	merged := audit + "\n" + next.AILearningsNotes
	if current.Directives.AILearningsNotes != "" {
		merged += "\n--- previous notes ---\n" + current.Directives.AILearningsNotes
	}
	next.AILearningsNotes = merged

	// The permission flag is operator-owned; the oracle cannot grant
	// itself future updates that the current document denies.
	next.AllowAIToUpdateSelf = current.Directives.AllowAIToUpdateSelf
	next.EmergencyHoldJustification = current.Directives.EmergencyHoldJustification

	return &Versioned{
		Version:    newVersion,
		Directives: next,
		UpdatedBy:  updatedBy,
		UpdatedAt:  now,
	}, nil
}
