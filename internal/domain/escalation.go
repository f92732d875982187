package domain

import "time"

// EscalationState é o estado de um identificador na escada de punições
type EscalationState string

const (
	StateClean   EscalationState = "clean"
	StateWarned  EscalationState = "warned"
	StateBlocked EscalationState = "blocked"
)

// EscalationPolicy controla quando violações viram aviso e quando viram bloqueio
type EscalationPolicy struct {
	WarnAfter      int
	BlockAfter     int
	Window         time.Duration
	BlockDurations []time.Duration
}

// DefaultEscalationPolicy segue as penalidades progressivas de 1, 5, 15 e 60 minutos
func DefaultEscalationPolicy() EscalationPolicy {
	return EscalationPolicy{
		WarnAfter:  3,
		BlockAfter: 5,
		Window:     24 * time.Hour,
		BlockDurations: []time.Duration{
			time.Minute,
			5 * time.Minute,
			15 * time.Minute,
			time.Hour,
		},
	}
}

// Enabled indica se a política pode gerar bloqueios
func (p EscalationPolicy) Enabled() bool {
	return p.BlockAfter > 0 && p.Window > 0 && len(p.BlockDurations) > 0
}

// StateFor traduz o número de violações dentro da janela em estado.
// O estado blocked só vale enquanto existir um bloqueio ativo; quem decide isso é o chamador.
func (p EscalationPolicy) StateFor(violations int) EscalationState {
	switch {
	case p.Enabled() && violations >= p.BlockAfter:
		return StateBlocked
	case p.WarnAfter > 0 && violations >= p.WarnAfter:
		return StateWarned
	default:
		return StateClean
	}
}

// BlockDurationFor escolhe a penalidade progressiva: a M-ésima violação usa a primeira duração,
// as seguintes sobem um degrau cada, parando na última
func (p EscalationPolicy) BlockDurationFor(violations int) time.Duration {
	if len(p.BlockDurations) == 0 {
		return 0
	}
	index := violations - p.BlockAfter
	if index < 0 {
		index = 0
	}
	if index >= len(p.BlockDurations) {
		index = len(p.BlockDurations) - 1
	}
	return p.BlockDurations[index]
}
