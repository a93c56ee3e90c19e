package pipeline

import (
	"fmt"

	"github.com/shaiso/consilium/internal/domain"
)

// Mode — режим выполнения ролей внутри фазы.
type Mode string

const (
	// ModeParallel — все роли фазы приглашаются одновременно,
	// порядок завершения не гарантируется и не требуется.
	ModeParallel Mode = "parallel"

	// ModeSequential — роли приглашаются строго по порядку:
	// следующая — только после того, как результат предыдущей
	// надёжно записан в store.
	ModeSequential Mode = "sequential"

	// ModeDebate — ограниченный цикл {proponent, opponent} до MaxRounds
	// раундов, после чего один раз выполняется синтезирующая роль.
	ModeDebate Mode = "debate"
)

// Имена фаз эталонного плана.
const (
	PhaseAnalysis domain.Phase = "analysis"
	PhaseDebate   domain.Phase = "debate"
	PhaseTrade    domain.Phase = "trade"
	PhaseRisk     domain.Phase = "risk"
)

// Роли эталонного плана.
const (
	RoleFundamentals domain.Role = "fundamentals"
	RoleTechnicals   domain.Role = "technicals"
	RoleSentiment    domain.Role = "sentiment"
	RoleNews         domain.Role = "news"
	RoleBull         domain.Role = "bull"
	RoleBear         domain.Role = "bear"
	RoleResearcher   domain.Role = "researcher"
	RoleTrader       domain.Role = "trader"
	RoleRiskOfficer  domain.Role = "risk_officer"

	// RoleAllocator — агрегирующая роль batch (не входит в план фаз).
	RoleAllocator domain.Role = "allocator"
)

// PhaseDef — определение одной фазы плана.
type PhaseDef struct {
	// Name — имя фазы.
	Name domain.Phase

	// Mode — режим выполнения ролей.
	Mode Mode

	// Roles — упорядоченный список ролей.
	// Для ModeDebate ровно три: proponent, opponent, synthesizer.
	Roles []domain.Role

	// MaxRounds — число раундов {proponent, opponent} для ModeDebate.
	MaxRounds int

	// Hard — ошибка worker'а в этой фазе терминирует весь task.
	// По умолчанию фазы soft: ошибка записывается в артефакт,
	// конвейер продолжается.
	Hard bool

	// Optional — фазу можно пропустить через skip-флаги task/batch.
	Optional bool
}

// HasRole возвращает true, если роль принадлежит фазе.
func (d *PhaseDef) HasRole(role domain.Role) bool {
	for _, r := range d.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Proponent, Opponent, Synthesizer — роли debate-фазы по позициям.
func (d *PhaseDef) Proponent() domain.Role   { return d.Roles[0] }
func (d *PhaseDef) Opponent() domain.Role    { return d.Roles[1] }
func (d *PhaseDef) Synthesizer() domain.Role { return d.Roles[2] }

// Plan — упорядоченный список фаз конвейера.
type Plan struct {
	Phases []PhaseDef
}

// Default возвращает эталонный план анализа одного инструмента:
//
//  1. analysis (parallel): fundamentals, technicals, sentiment, news
//  2. debate (debate, 2 раунда): bull vs bear, синтез — researcher
//  3. trade (sequential): trader
//  4. risk (sequential): risk_officer — опциональная, отключается
//     skip-флагами task/batch.
func Default() *Plan {
	return &Plan{
		Phases: []PhaseDef{
			{
				Name:  PhaseAnalysis,
				Mode:  ModeParallel,
				Roles: []domain.Role{RoleFundamentals, RoleTechnicals, RoleSentiment, RoleNews},
			},
			{
				Name:      PhaseDebate,
				Mode:      ModeDebate,
				Roles:     []domain.Role{RoleBull, RoleBear, RoleResearcher},
				MaxRounds: 2,
			},
			{
				Name:  PhaseTrade,
				Mode:  ModeSequential,
				Roles: []domain.Role{RoleTrader},
			},
			{
				Name:     PhaseRisk,
				Mode:     ModeSequential,
				Roles:    []domain.Role{RoleRiskOfficer},
				Optional: true,
			},
		},
	}
}

// Validate проверяет корректность плана.
func (p *Plan) Validate() error {
	if len(p.Phases) == 0 {
		return fmt.Errorf("plan has no phases")
	}

	seen := make(map[domain.Phase]bool, len(p.Phases))
	for i := range p.Phases {
		d := &p.Phases[i]

		if d.Name == "" {
			return fmt.Errorf("phase %d has empty name", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate phase %q", d.Name)
		}
		seen[d.Name] = true

		if len(d.Roles) == 0 {
			return fmt.Errorf("phase %q has no roles", d.Name)
		}

		roles := make(map[domain.Role]bool, len(d.Roles))
		for _, r := range d.Roles {
			if roles[r] {
				return fmt.Errorf("phase %q has duplicate role %q", d.Name, r)
			}
			roles[r] = true
		}

		switch d.Mode {
		case ModeParallel, ModeSequential:
			if d.MaxRounds != 0 {
				return fmt.Errorf("phase %q: max_rounds only valid for debate mode", d.Name)
			}
		case ModeDebate:
			if len(d.Roles) != 3 {
				return fmt.Errorf("phase %q: debate mode requires exactly 3 roles (proponent, opponent, synthesizer)", d.Name)
			}
			if d.MaxRounds < 1 {
				return fmt.Errorf("phase %q: debate mode requires max_rounds >= 1", d.Name)
			}
		default:
			return fmt.Errorf("phase %q has unknown mode %q", d.Name, d.Mode)
		}
	}

	return nil
}

// ValidateSkip проверяет список пропускаемых фаз: каждая должна
// существовать в плане и быть опциональной.
func (p *Plan) ValidateSkip(skip []domain.Phase) error {
	for _, s := range skip {
		d, ok := p.PhaseDef(s)
		if !ok {
			return fmt.Errorf("unknown phase %q", s)
		}
		if !d.Optional {
			return fmt.Errorf("phase %q is not optional", s)
		}
	}
	return nil
}

// PhaseDef возвращает определение фазы по имени.
func (p *Plan) PhaseDef(name domain.Phase) (*PhaseDef, bool) {
	for i := range p.Phases {
		if p.Phases[i].Name == name {
			return &p.Phases[i], true
		}
	}
	return nil, false
}

// skipped возвращает true, если фаза опциональна и помечена к пропуску.
func (d *PhaseDef) skipped(skip []domain.Phase) bool {
	if !d.Optional {
		return false
	}
	for _, s := range skip {
		if s == d.Name {
			return true
		}
	}
	return false
}

// FirstPhase возвращает первую эффективную фазу с учётом skip-флагов.
func (p *Plan) FirstPhase(skip []domain.Phase) (domain.Phase, bool) {
	for i := range p.Phases {
		if !p.Phases[i].skipped(skip) {
			return p.Phases[i].Name, true
		}
	}
	return "", false
}

// NextPhase возвращает следующую эффективную фазу после current.
// Второе значение false — current была последней фазой.
func (p *Plan) NextPhase(current domain.Phase, skip []domain.Phase) (domain.Phase, bool) {
	idx := -1
	for i := range p.Phases {
		if p.Phases[i].Name == current {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", false
	}

	for i := idx + 1; i < len(p.Phases); i++ {
		if !p.Phases[i].skipped(skip) {
			return p.Phases[i].Name, true
		}
	}
	return "", false
}

// FinalPhase возвращает последнюю эффективную фазу с учётом skip-флагов.
func (p *Plan) FinalPhase(skip []domain.Phase) (domain.Phase, bool) {
	for i := len(p.Phases) - 1; i >= 0; i-- {
		if !p.Phases[i].skipped(skip) {
			return p.Phases[i].Name, true
		}
	}
	return "", false
}
