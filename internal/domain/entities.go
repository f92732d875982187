package domain

import (
	"strings"
	"time"
)

// IdentifierType define como o cliente foi identificado
type IdentifierType string

const (
	IdentifierIP     IdentifierType = "IP"
	IdentifierAPIKey IdentifierType = "API_KEY"
	IdentifierUser   IdentifierType = "USER"
)

// UnknownIdentifier é usado quando nenhum IP, chave ou usuário pode ser derivado
const UnknownIdentifier = "unknown"

// ParseIdentifierType converte texto livre (ip, api_key, user) no tipo correspondente
func ParseIdentifierType(value string) (IdentifierType, bool) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(IdentifierIP):
		return IdentifierIP, true
	case string(IdentifierAPIKey), "APIKEY", "TOKEN":
		return IdentifierAPIKey, true
	case string(IdentifierUser):
		return IdentifierUser, true
	default:
		return "", false
	}
}

// Curingas usados na tabela de configuração
const (
	WildcardEndpoint = "*"
	MethodAll        = "ALL"
)

// Limits agrupa os limites das três granularidades
type Limits struct {
	PerMinute int `json:"per_minute" yaml:"requests_per_minute" validate:"gt=0"`
	PerHour   int `json:"per_hour" yaml:"requests_per_hour" validate:"gt=0"`
	PerDay    int `json:"per_day" yaml:"requests_per_day" validate:"gt=0"`
}

// For retorna o limite de uma granularidade
func (l Limits) For(g Granularity) int {
	switch g {
	case Minute:
		return l.PerMinute
	case Hour:
		return l.PerHour
	case Day:
		return l.PerDay
	}
	return 0
}

// RateLimitConfig é uma linha da tabela de limites por endpoint e método
type RateLimitConfig struct {
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	Limits    Limits    `json:"limits"`
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsPattern indica se o endpoint é um prefixo terminado em "*" (exceto o curinga global)
func (c RateLimitConfig) IsPattern() bool {
	return c.Endpoint != WildcardEndpoint && strings.HasSuffix(c.Endpoint, "*")
}

// Matches verifica se a linha se aplica ao endpoint informado
func (c RateLimitConfig) Matches(endpoint string) bool {
	switch {
	case c.Endpoint == WildcardEndpoint:
		return true
	case c.IsPattern():
		return strings.HasPrefix(endpoint, strings.TrimSuffix(c.Endpoint, "*"))
	default:
		return c.Endpoint == endpoint
	}
}

// NormalizeMethod coloca o método em caixa alta, vazio vira ALL
func NormalizeMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return MethodAll
	}
	return method
}

// RequestKey identifica o alvo de contagem: quem, onde e como
type RequestKey struct {
	Identifier     string         `json:"identifier"`
	IdentifierType IdentifierType `json:"identifier_type"`
	Endpoint       string         `json:"endpoint"`
	Method         string         `json:"method"`
}

// Counts são as contagens atuais das três janelas
type Counts struct {
	Minute int `json:"minute"`
	Hour   int `json:"hour"`
	Day    int `json:"day"`
}

// For retorna a contagem de uma granularidade
func (c Counts) For(g Granularity) int {
	switch g {
	case Minute:
		return c.Minute
	case Hour:
		return c.Hour
	case Day:
		return c.Day
	}
	return 0
}

// Set altera a contagem de uma granularidade
func (c *Counts) Set(g Granularity, value int) {
	switch g {
	case Minute:
		c.Minute = value
	case Hour:
		c.Hour = value
	case Day:
		c.Day = value
	}
}

// ResetTimes guarda o fim de cada janela corrente
type ResetTimes struct {
	Minute time.Time `json:"minute_reset"`
	Hour   time.Time `json:"hour_reset"`
	Day    time.Time `json:"day_reset"`
}

// For retorna o fim da janela de uma granularidade
func (r ResetTimes) For(g Granularity) time.Time {
	switch g {
	case Hour:
		return r.Hour
	case Day:
		return r.Day
	default:
		return r.Minute
	}
}

// Decision é o resultado de check_rate_limit
type Decision struct {
	Allowed      bool        `json:"allowed"`
	Blocked      bool        `json:"blocked"`
	BlockedUntil *time.Time  `json:"blocked_until,omitempty"`
	Exceeded     Granularity `json:"limit_exceeded,omitempty"`
	Current      Counts      `json:"current"`
	Limits       Limits      `json:"limits"`
	Resets       ResetTimes  `json:"reset_times"`
	Endpoint     string      `json:"endpoint"`
	Method       string      `json:"method"`
}

// RetryAfter calcula quanto o cliente deve esperar, em segundos inteiros (mínimo 1)
func (d Decision) RetryAfter(now time.Time) int {
	var until time.Time
	switch {
	case d.Blocked && d.BlockedUntil != nil:
		until = *d.BlockedUntil
	case d.Exceeded != "":
		until = d.Resets.For(d.Exceeded)
	default:
		until = d.Resets.Minute
	}

	wait := until.Sub(now)
	seconds := int(wait / time.Second)
	if wait%time.Second != 0 {
		seconds++
	}
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// Remaining retorna quantas requisições ainda cabem na janela de minuto
func (d Decision) Remaining() int {
	return remaining(d.Limits.PerMinute, d.Current.Minute)
}

// RemainingFor retorna a folga de uma granularidade específica
func (d Decision) RemainingFor(g Granularity) int {
	return remaining(d.Limits.For(g), d.Current.For(g))
}

func remaining(limit, current int) int {
	if left := limit - current; left > 0 {
		return left
	}
	return 0
}

// ViolationBlocked marca violações causadas por um bloqueio ativo
const ViolationBlocked Granularity = "blocked"

// Escalates indica se a violação conta para a escada de punições
func (v Violation) Escalates() bool {
	return v.LimitExceeded != ViolationBlocked
}

// Violation registra uma requisição rejeitada, para auditoria
type Violation struct {
	ID             string         `json:"id"`
	Identifier     string         `json:"identifier"`
	IdentifierType IdentifierType `json:"identifier_type"`
	Endpoint       string         `json:"endpoint"`
	Method         string         `json:"method"`
	OccurredAt     time.Time      `json:"occurred_at"`
	LimitExceeded  Granularity    `json:"limit_exceeded"`
	ObservedCount  int            `json:"observed_count"`
}

// ViolationFilter restringe a listagem de violações
type ViolationFilter struct {
	Identifier     string
	IdentifierType IdentifierType
	Since          time.Time
	Limit          int
}

// Block é a suspensão temporária de um identificador
type Block struct {
	Identifier     string         `json:"identifier"`
	IdentifierType IdentifierType `json:"identifier_type"`
	BlockedUntil   time.Time      `json:"blocked_until"`
	Reason         string         `json:"reason"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ActiveAt indica se o bloqueio ainda vale no instante informado
func (b *Block) ActiveAt(now time.Time) bool {
	return b != nil && now.Before(b.BlockedUntil)
}

// IdentifierStatus é a visão administrativa de um identificador
type IdentifierStatus struct {
	Identifier       string          `json:"identifier"`
	IdentifierType   IdentifierType  `json:"identifier_type"`
	State            EscalationState `json:"state"`
	Block            *Block          `json:"block,omitempty"`
	RecentViolations int             `json:"recent_violations"`
	Decision         *Decision       `json:"decision,omitempty"`
}
