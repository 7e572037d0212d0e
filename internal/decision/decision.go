package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"futures-ai-trader/internal/engine"
	"futures-ai-trader/internal/strategy"
)

// ActionKind is the recognized decision action set.
type ActionKind string

const (
	ActionOpenPosition  ActionKind = "OPEN_POSITION"
	ActionClosePosition ActionKind = "CLOSE_POSITION"
	ActionHoldPosition  ActionKind = "HOLD_POSITION"
	ActionDoNothing     ActionKind = "DO_NOTHING"
)

// OpenParams carries the oracle's parameters for opening a position.
type OpenParams struct {
	Side            string  `json:"side"`
	Leverage        int     `json:"leverage"`
	EntryPrice      float64 `json:"entryPrice"`
	Quantity        float64 `json:"quantity"`
	StopLossPrice   float64 `json:"stopLossPrice"`
	TakeProfitPrice float64 `json:"takeProfitPrice"`
	Rationale       string  `json:"rationale"`
}

// StrategyUpdate is the oracle's optional directive-set rewrite proposal.
type StrategyUpdate struct {
	Reason   string              `json:"reason"`
	Strategy strategy.Directives `json:"strategy"`
}

// Decision is the tagged union of recognized oracle actions. Open is
// non-nil only for OPEN_POSITION.
type Decision struct {
	Action         ActionKind
	Open           *OpenParams
	Reason         string
	StrategyUpdate *StrategyUpdate
}

// ValidationError is a locally-rejected decision. It affects no runtime
// state.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "decision rejected: " + e.Message
}

// wireDecision is the raw JSON shape the oracle must return.
type wireDecision struct {
	Action          string          `json:"action"`
	Side            string          `json:"side"`
	Leverage        int             `json:"leverage"`
	EntryPrice      float64         `json:"entryPrice"`
	Quantity        float64         `json:"quantity"`
	StopLossPrice   float64         `json:"stopLossPrice"`
	TakeProfitPrice float64         `json:"takeProfitPrice"`
	Rationale       string          `json:"rationale"`
	Reason          string          `json:"reason"`
	UpdatedStrategy *StrategyUpdate `json:"updated_trade_strategy,omitempty"`
}

// ParseDecision decodes the oracle's raw text into a Decision. Markdown
// code fences around the JSON object are tolerated. Unrecognized actions
// and undecodable payloads are malformed oracle output, never a silent
// no-op.
func ParseDecision(raw string) (*Decision, error) {
	cleaned := stripCodeFences(raw)

	var wire wireDecision
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		return nil, &OracleError{Kind: OracleMalformed, Message: fmt.Sprintf("undecodable decision JSON: %v", err)}
	}

	d := &Decision{
		Reason:         wire.Reason,
		StrategyUpdate: wire.UpdatedStrategy,
	}

	switch ActionKind(wire.Action) {
	case ActionOpenPosition:
		d.Action = ActionOpenPosition
		d.Open = &OpenParams{
			Side:            wire.Side,
			Leverage:        wire.Leverage,
			EntryPrice:      wire.EntryPrice,
			Quantity:        wire.Quantity,
			StopLossPrice:   wire.StopLossPrice,
			TakeProfitPrice: wire.TakeProfitPrice,
			Rationale:       wire.Rationale,
		}
	case ActionClosePosition:
		d.Action = ActionClosePosition
	case ActionHoldPosition:
		d.Action = ActionHoldPosition
	case ActionDoNothing:
		d.Action = ActionDoNothing
	default:
		return nil, &OracleError{Kind: OracleMalformed, Message: fmt.Sprintf("unrecognized action %q", wire.Action)}
	}

	return d, nil
}

func stripCodeFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

// Override records one safety substitution of the oracle's action.
type Override struct {
	From   ActionKind
	To     ActionKind
	Reason string
}

// ApplySafetyOverrides substitutes the oracle's action where the runtime
// state makes it unsafe or meaningless. Returned overrides are logged and
// persisted by the caller.
func ApplySafetyOverrides(d *Decision, snap engine.Snapshot, emergencyHoldJustification string) (*Decision, []Override) {
	var overrides []Override

	substitute := func(to ActionKind, reason string) {
		overrides = append(overrides, Override{From: d.Action, To: to, Reason: reason})
		d.Action = to
		d.Open = nil
	}

	// Rule 1: an unprotected position only accepts a close. A hold stands
	// solely on a pre-configured emergency justification.
	if snap.Unprotected {
		switch d.Action {
		case ActionClosePosition:
			// honored
		case ActionHoldPosition:
			if emergencyHoldJustification == "" {
				substitute(ActionClosePosition, "position unprotected and no emergency hold justification configured")
			}
		default:
			substitute(ActionClosePosition, "position unprotected; only close is honored")
		}
		return d, overrides
	}

	// Rule 2: a pending entry makes open and close meaningless
	if snap.HasPendingEntry() {
		if d.Action == ActionOpenPosition || d.Action == ActionClosePosition {
			substitute(ActionHoldPosition, "entry order already pending")
		}
		return d, overrides
	}

	// Rule 3: an open position rejects a second open and must not be
	// silently abandoned
	if snap.HasPosition() {
		if d.Action == ActionOpenPosition {
			substitute(ActionHoldPosition, "position already exists")
		} else if d.Action == ActionDoNothing {
			substitute(ActionHoldPosition, "open position must be actively held, not ignored")
		}
		return d, overrides
	}

	// Rule 4: flat state
	if d.Action == ActionClosePosition {
		substitute(ActionDoNothing, "no position to close")
	} else if d.Action == ActionHoldPosition && strings.TrimSpace(d.Reason) == "" {
		substitute(ActionDoNothing, "unjustified hold while flat")
	}
	return d, overrides
}

// maxLeverage is the exchange-enforced ceiling
const maxLeverage = 125

// minRationaleLen rejects throwaway rationales
const minRationaleLen = 10

// ValidateOpen checks an OPEN_POSITION's parameters. A failure rejects the
// action outright; nothing is partially executed.
func ValidateOpen(p *OpenParams) error {
	if p == nil {
		return &ValidationError{Message: "missing open parameters"}
	}
	if p.Side != "BUY" && p.Side != "SELL" {
		return &ValidationError{Message: fmt.Sprintf("unrecognized side %q", p.Side)}
	}
	if p.Leverage <= 0 || p.Leverage > maxLeverage {
		return &ValidationError{Message: fmt.Sprintf("leverage %d outside (0, %d]", p.Leverage, maxLeverage)}
	}
	if p.EntryPrice <= 0 || p.Quantity <= 0 || p.StopLossPrice <= 0 || p.TakeProfitPrice <= 0 {
		return &ValidationError{Message: "entry price, quantity and protective prices must be strictly positive"}
	}
	if len(strings.TrimSpace(p.Rationale)) < minRationaleLen {
		return &ValidationError{Message: "rationale too short"}
	}
	return nil
}
