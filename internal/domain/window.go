package domain

import "time"

// Granularity é o tamanho de uma janela de contagem
type Granularity string

const (
	Minute Granularity = "minute"
	Hour   Granularity = "hour"
	Day    Granularity = "day"
)

// Granularities lista as janelas na ordem em que são avaliadas
var Granularities = []Granularity{Minute, Hour, Day}

// Duration retorna a duração da janela
func (g Granularity) Duration() time.Duration {
	switch g {
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Window retorna início e fim da janela fixa (alinhada ao calendário, em UTC) que contém now.
// Check e record usam sempre esta função para que os limites coincidam.
func (g Granularity) Window(now time.Time) (time.Time, time.Time) {
	now = now.UTC()

	var start time.Time
	switch g {
	case Day:
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case Hour:
		start = now.Truncate(time.Hour)
	default:
		start = now.Truncate(time.Minute)
	}

	return start, start.Add(g.Duration())
}

// CurrentResets calcula o fim das três janelas correntes
func CurrentResets(now time.Time) ResetTimes {
	_, minuteEnd := Minute.Window(now)
	_, hourEnd := Hour.Window(now)
	_, dayEnd := Day.Window(now)

	return ResetTimes{Minute: minuteEnd, Hour: hourEnd, Day: dayEnd}
}
