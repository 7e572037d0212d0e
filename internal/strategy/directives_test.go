package strategy

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultDirectives(t *testing.T) {
	d := Default()

	if d.RiskParameters.TargetRiskPerTradeUSDT != 5.0 {
		t.Errorf("Expected 5.0 USDT risk per trade, got %f", d.RiskParameters.TargetRiskPerTradeUSDT)
	}
	if d.RiskParameters.MaxConcurrentPositions != 1 {
		t.Error("Default should allow exactly one concurrent position")
	}
	if d.LeveragePreference.Preferred != 10 {
		t.Errorf("Expected preferred leverage 10, got %d", d.LeveragePreference.Preferred)
	}
	if !d.AllowAIToUpdateSelf {
		t.Error("Default should permit self-updates")
	}
}

func TestApplyUpdateIncrementsVersion(t *testing.T) {
	current := &Versioned{Version: 3, Directives: Default()}
	next := Default()
	next.CurrentMarketBias = "BULLISH"

	updated, err := ApplyUpdate(current, next, "bias shift after breakout", "ai", time.Now())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if updated.Version != 4 {
		t.Errorf("Expected version 4, got %d", updated.Version)
	}
	if updated.Directives.CurrentMarketBias != "BULLISH" {
		t.Error("Updated document should carry the new bias")
	}
}

func TestApplyUpdateKeepsOldAndNewNotes(t *testing.T) {
	current := &Versioned{Version: 1, Directives: Default()}
	current.Directives.AILearningsNotes = "old observations"
	next := Default()
	next.AILearningsNotes = "new observations"

	updated, err := ApplyUpdate(current, next, "learned from last trade", "ai", time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	notes := updated.Directives.AILearningsNotes
	if !strings.Contains(notes, "old observations") {
		t.Error("Previous notes must be preserved")
	}
	if !strings.Contains(notes, "new observations") {
		t.Error("New notes must be present")
	}
	if !strings.Contains(notes, "AI Update (v2): learned from last trade") {
		t.Errorf("Audit line missing from notes: %q", notes)
	}
	if !strings.Contains(notes, "[2026-08-29 12:00:00]") {
		t.Errorf("Timestamp missing from audit line: %q", notes)
	}
}

func TestApplyUpdateForbiddenWhenFlagOff(t *testing.T) {
	current := &Versioned{Version: 1, Directives: Default()}
	current.Directives.AllowAIToUpdateSelf = false

	if _, err := ApplyUpdate(current, Default(), "attempt", "ai", time.Now()); err != ErrSelfUpdateForbidden {
		t.Errorf("Expected ErrSelfUpdateForbidden, got %v", err)
	}
}

func TestApplyUpdateCannotGrantItselfPermission(t *testing.T) {
	current := &Versioned{Version: 1, Directives: Default()}
	current.Directives.AllowAIToUpdateSelf = true
	current.Directives.EmergencyHoldJustification = "operator approved hedge"

	next := Default()
	next.AllowAIToUpdateSelf = false // oracle tries to flip operator-owned flags
	next.EmergencyHoldJustification = "self granted"

	updated, err := ApplyUpdate(current, next, "flip flags", "ai", time.Now())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !updated.Directives.AllowAIToUpdateSelf {
		t.Error("Permission flag is operator-owned and must survive the update")
	}
	if updated.Directives.EmergencyHoldJustification != "operator approved hedge" {
		t.Error("Emergency hold justification is operator-owned and must survive the update")
	}
}
