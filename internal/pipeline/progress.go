package pipeline

import "github.com/shaiso/consilium/internal/domain"

// RoleRound — роль и номер раунда, которые пора пригласить.
// Round равен 0 для фаз без раундов.
type RoleRound struct {
	Role  domain.Role
	Round int
}

// InitialInvocations возвращает приглашения при входе в фазу.
//
//   - parallel: все роли сразу, без порядка
//   - sequential: только первая роль
//   - debate: proponent первого раунда
func (d *PhaseDef) InitialInvocations() []RoleRound {
	switch d.Mode {
	case ModeParallel:
		out := make([]RoleRound, 0, len(d.Roles))
		for _, r := range d.Roles {
			out = append(out, RoleRound{Role: r})
		}
		return out
	case ModeSequential:
		return []RoleRound{{Role: d.Roles[0]}}
	case ModeDebate:
		return []RoleRound{{Role: d.Proponent(), Round: 1}}
	default:
		return nil
	}
}

// NextInvocations возвращает приглашения, которые стали возможны
// после записи очередного результата.
//
// Функция чистая и идемпотентная: при повторной доставке одного и того же
// уведомления она вернёт те же приглашения, а дедупликация происходит
// на уровне уникальности вызова в store.
//
// Для parallel-фаз всегда возвращает nil: все роли приглашены на входе.
func (d *PhaseDef) NextInvocations(results domain.PhaseResults) []RoleRound {
	switch d.Mode {
	case ModeParallel:
		return nil

	case ModeSequential:
		// Первая роль без результата; предыдущие обязаны быть записаны.
		for _, r := range d.Roles {
			if _, ok := results.Get(d.Name, r); !ok {
				return []RoleRound{{Role: r}}
			}
		}
		return nil

	case ModeDebate:
		return d.nextDebate(results)

	default:
		return nil
	}
}

// nextDebate вычисляет следующий ход debate-фазы.
//
// Последовательность для MaxRounds=2:
//
//	proponent(1) → opponent(1) → proponent(2) → opponent(2) → synthesizer
//
// Номер завершённого раунда каждой стороны читается из Round её
// последнего результата (результаты заменяются по ключу роли).
// Ошибочный результат считается завершением хода: debate деградирует,
// но не зависает.
func (d *PhaseDef) nextDebate(results domain.PhaseResults) []RoleRound {
	if _, ok := results.Get(d.Name, d.Synthesizer()); ok {
		return nil
	}

	propRound := 0
	if res, ok := results.Get(d.Name, d.Proponent()); ok {
		propRound = res.Round
	}
	oppRound := 0
	if res, ok := results.Get(d.Name, d.Opponent()); ok {
		oppRound = res.Round
	}

	switch {
	case propRound > oppRound:
		// Ход оппонента в текущем раунде.
		return []RoleRound{{Role: d.Opponent(), Round: propRound}}
	case propRound == oppRound && propRound < d.MaxRounds:
		// Обе стороны высказались — новый раунд.
		return []RoleRound{{Role: d.Proponent(), Round: propRound + 1}}
	case propRound == oppRound && propRound >= d.MaxRounds:
		// Раунды исчерпаны — синтез.
		return []RoleRound{{Role: d.Synthesizer(), Round: d.MaxRounds}}
	default:
		// oppRound > propRound не возникает при корректной записи;
		// на повреждённых данных безопаснее ничего не приглашать.
		return nil
	}
}

// Complete возвращает true, если все требуемые роли фазы терминальны.
func (d *PhaseDef) Complete(results domain.PhaseResults) bool {
	switch d.Mode {
	case ModeParallel, ModeSequential:
		for _, r := range d.Roles {
			if _, ok := results.Get(d.Name, r); !ok {
				return false
			}
		}
		return true

	case ModeDebate:
		_, ok := results.Get(d.Name, d.Synthesizer())
		return ok

	default:
		return false
	}
}

// Failed возвращает true, если в фазе записан хотя бы один ошибочный
// результат. Для soft-фаз это лишь деградация артефакта, для Hard-фаз —
// причина терминировать весь task.
func (d *PhaseDef) Failed(results domain.PhaseResults) bool {
	roles, ok := results[d.Name]
	if !ok {
		return false
	}
	for _, res := range roles {
		if res.IsError() {
			return true
		}
	}
	return false
}

// DecidingRole возвращает роль, чей результат считается решением фазы:
// синтезирующая роль для debate, последняя роль по порядку для остальных.
func (d *PhaseDef) DecidingRole() domain.Role {
	if d.Mode == ModeDebate {
		return d.Synthesizer()
	}
	return d.Roles[len(d.Roles)-1]
}
