package pipeline

import (
	"testing"

	"github.com/shaiso/consilium/internal/domain"
)

func TestDefault_Valid(t *testing.T) {
	p := Default()
	if err := p.Validate(); err != nil {
		t.Fatalf("default plan should be valid: %v", err)
	}
	if len(p.Phases) != 4 {
		t.Errorf("expected 4 phases, got %d", len(p.Phases))
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		plan Plan
	}{
		{
			name: "empty plan",
			plan: Plan{},
		},
		{
			name: "phase without roles",
			plan: Plan{Phases: []PhaseDef{{Name: "a", Mode: ModeSequential}}},
		},
		{
			name: "duplicate phase",
			plan: Plan{Phases: []PhaseDef{
				{Name: "a", Mode: ModeSequential, Roles: []domain.Role{"x"}},
				{Name: "a", Mode: ModeSequential, Roles: []domain.Role{"y"}},
			}},
		},
		{
			name: "duplicate role",
			plan: Plan{Phases: []PhaseDef{
				{Name: "a", Mode: ModeParallel, Roles: []domain.Role{"x", "x"}},
			}},
		},
		{
			name: "debate with wrong role count",
			plan: Plan{Phases: []PhaseDef{
				{Name: "a", Mode: ModeDebate, Roles: []domain.Role{"x", "y"}, MaxRounds: 2},
			}},
		},
		{
			name: "debate without rounds",
			plan: Plan{Phases: []PhaseDef{
				{Name: "a", Mode: ModeDebate, Roles: []domain.Role{"x", "y", "z"}},
			}},
		},
		{
			name: "max_rounds on sequential",
			plan: Plan{Phases: []PhaseDef{
				{Name: "a", Mode: ModeSequential, Roles: []domain.Role{"x"}, MaxRounds: 2},
			}},
		},
		{
			name: "unknown mode",
			plan: Plan{Phases: []PhaseDef{
				{Name: "a", Mode: "chaotic", Roles: []domain.Role{"x"}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.plan.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestPlan_PhaseNavigation(t *testing.T) {
	p := Default()

	first, ok := p.FirstPhase(nil)
	if !ok || first != PhaseAnalysis {
		t.Errorf("expected first phase %q, got %q", PhaseAnalysis, first)
	}

	next, ok := p.NextPhase(PhaseAnalysis, nil)
	if !ok || next != PhaseDebate {
		t.Errorf("expected next phase %q, got %q", PhaseDebate, next)
	}

	final, ok := p.FinalPhase(nil)
	if !ok || final != PhaseRisk {
		t.Errorf("expected final phase %q, got %q", PhaseRisk, final)
	}

	if _, ok := p.NextPhase(PhaseRisk, nil); ok {
		t.Error("risk is the last phase, NextPhase should report none")
	}
}

func TestPlan_SkipOptionalPhase(t *testing.T) {
	p := Default()
	skip := []domain.Phase{PhaseRisk}

	// После trade с пропущенной risk не остаётся фаз.
	if _, ok := p.NextPhase(PhaseTrade, skip); ok {
		t.Error("trade should be last when risk is skipped")
	}

	final, ok := p.FinalPhase(skip)
	if !ok || final != PhaseTrade {
		t.Errorf("expected final phase %q with skip, got %q", PhaseTrade, final)
	}

	// Обязательные фазы skip-флаги не трогают.
	next, ok := p.NextPhase(PhaseAnalysis, []domain.Phase{PhaseDebate})
	if !ok || next != PhaseDebate {
		t.Errorf("non-optional phase must not be skippable, got %q", next)
	}
}

func TestPlan_ValidateSkip(t *testing.T) {
	p := Default()

	if err := p.ValidateSkip([]domain.Phase{PhaseRisk}); err != nil {
		t.Errorf("optional phase should be skippable: %v", err)
	}
	if err := p.ValidateSkip(nil); err != nil {
		t.Errorf("empty skip list should be valid: %v", err)
	}
	if err := p.ValidateSkip([]domain.Phase{PhaseDebate}); err == nil {
		t.Error("expected error for non-optional phase")
	}
	if err := p.ValidateSkip([]domain.Phase{"espionage"}); err == nil {
		t.Error("expected error for unknown phase")
	}
}

func TestPhaseDef_DecidingRole(t *testing.T) {
	p := Default()

	debate, _ := p.PhaseDef(PhaseDebate)
	if debate.DecidingRole() != RoleResearcher {
		t.Errorf("debate deciding role should be researcher, got %q", debate.DecidingRole())
	}

	trade, _ := p.PhaseDef(PhaseTrade)
	if trade.DecidingRole() != RoleTrader {
		t.Errorf("trade deciding role should be trader, got %q", trade.DecidingRole())
	}
}
