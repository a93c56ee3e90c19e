package pipeline

import (
	"testing"
	"time"

	"github.com/shaiso/consilium/internal/domain"
)

func result(role domain.Role, round int, outcome domain.Outcome) domain.WorkerResult {
	return domain.WorkerResult{
		Role:      role,
		Round:     round,
		Attempt:   1,
		Outcome:   outcome,
		Timestamp: time.Now(),
	}
}

func TestInitialInvocations(t *testing.T) {
	p := Default()

	analysis, _ := p.PhaseDef(PhaseAnalysis)
	if got := analysis.InitialInvocations(); len(got) != 4 {
		t.Errorf("parallel phase should invite all roles, got %d", len(got))
	}

	trade, _ := p.PhaseDef(PhaseTrade)
	got := trade.InitialInvocations()
	if len(got) != 1 || got[0].Role != RoleTrader {
		t.Errorf("sequential phase should invite first role only, got %v", got)
	}

	debate, _ := p.PhaseDef(PhaseDebate)
	got = debate.InitialInvocations()
	if len(got) != 1 || got[0].Role != RoleBull || got[0].Round != 1 {
		t.Errorf("debate phase should invite proponent round 1, got %v", got)
	}
}

func TestSequential_NextInOrder(t *testing.T) {
	d := &PhaseDef{
		Name:  "seq",
		Mode:  ModeSequential,
		Roles: []domain.Role{"a", "b", "c"},
	}
	results := make(domain.PhaseResults)

	next := d.NextInvocations(results)
	if len(next) != 1 || next[0].Role != "a" {
		t.Fatalf("expected a first, got %v", next)
	}

	results.Set("seq", result("a", 0, domain.OutcomeSuccess))
	next = d.NextInvocations(results)
	if len(next) != 1 || next[0].Role != "b" {
		t.Fatalf("expected b after a, got %v", next)
	}

	// Ошибка не останавливает последовательность: результат записан, идём дальше.
	results.Set("seq", result("b", 0, domain.OutcomeError))
	next = d.NextInvocations(results)
	if len(next) != 1 || next[0].Role != "c" {
		t.Fatalf("expected c after failed b, got %v", next)
	}

	results.Set("seq", result("c", 0, domain.OutcomeSuccess))
	if next = d.NextInvocations(results); next != nil {
		t.Fatalf("expected no invocations when phase complete, got %v", next)
	}
	if !d.Complete(results) {
		t.Error("phase should be complete")
	}
}

func TestParallel_Completion(t *testing.T) {
	p := Default()
	analysis, _ := p.PhaseDef(PhaseAnalysis)
	results := make(domain.PhaseResults)

	// Посреди фазы parallel ничего не приглашаем повторно.
	results.Set(PhaseAnalysis, result(RoleFundamentals, 0, domain.OutcomeSuccess))
	if next := analysis.NextInvocations(results); next != nil {
		t.Errorf("parallel phase must not re-invite mid-phase, got %v", next)
	}
	if analysis.Complete(results) {
		t.Error("phase should not be complete with one result of four")
	}

	results.Set(PhaseAnalysis, result(RoleTechnicals, 0, domain.OutcomeSuccess))
	results.Set(PhaseAnalysis, result(RoleSentiment, 0, domain.OutcomeError))
	results.Set(PhaseAnalysis, result(RoleNews, 0, domain.OutcomeSuccess))

	if !analysis.Complete(results) {
		t.Error("phase should be complete once every role is terminal")
	}
	if !analysis.Failed(results) {
		t.Error("phase with an error result should report Failed")
	}
}

// TestDebate_RoundBound прогоняет debate-фазу с MaxRounds=2 и проверяет,
// что выполняется ровно 2 раунда {bull, bear} перед researcher — не 1 и не 3.
func TestDebate_RoundBound(t *testing.T) {
	p := Default()
	debate, _ := p.PhaseDef(PhaseDebate)
	results := make(domain.PhaseResults)

	var sequence []RoleRound
	cur := debate.InitialInvocations()
	for steps := 0; len(cur) > 0 && steps < 10; steps++ {
		if len(cur) != 1 {
			t.Fatalf("debate invites one role at a time, got %v", cur)
		}
		rr := cur[0]
		sequence = append(sequence, rr)
		results.Set(PhaseDebate, result(rr.Role, rr.Round, domain.OutcomeSuccess))
		cur = debate.NextInvocations(results)
	}

	want := []RoleRound{
		{Role: RoleBull, Round: 1},
		{Role: RoleBear, Round: 1},
		{Role: RoleBull, Round: 2},
		{Role: RoleBear, Round: 2},
		{Role: RoleResearcher, Round: 2},
	}
	if len(sequence) != len(want) {
		t.Fatalf("expected %d invocations, got %d: %v", len(want), len(sequence), sequence)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Errorf("step %d: expected %v, got %v", i, want[i], sequence[i])
		}
	}

	if !debate.Complete(results) {
		t.Error("debate should be complete after synthesizer")
	}
}

func TestDebate_ErrorCountsAsTurn(t *testing.T) {
	p := Default()
	debate, _ := p.PhaseDef(PhaseDebate)
	results := make(domain.PhaseResults)

	results.Set(PhaseDebate, result(RoleBull, 1, domain.OutcomeError))
	next := debate.NextInvocations(results)
	if len(next) != 1 || next[0].Role != RoleBear || next[0].Round != 1 {
		t.Fatalf("failed proponent turn should still pass to opponent, got %v", next)
	}
}

func TestDebate_Idempotent(t *testing.T) {
	p := Default()
	debate, _ := p.PhaseDef(PhaseDebate)
	results := make(domain.PhaseResults)
	results.Set(PhaseDebate, result(RoleBull, 1, domain.OutcomeSuccess))

	first := debate.NextInvocations(results)
	second := debate.NextInvocations(results)
	if len(first) != 1 || len(second) != 1 || first[0] != second[0] {
		t.Errorf("recomputation on duplicate notification must match: %v vs %v", first, second)
	}
}
