package domain

import (
	"context"
	"time"
)

// CounterStore guarda os contadores por janela.
// IncrementCounts precisa ser atômico no próprio storage (upsert/INCR), nunca ler-e-gravar no chamador.
type CounterStore interface {
	// GetCounts lê as contagens das janelas que contêm now; janelas vencidas contam 0
	GetCounts(ctx context.Context, key RequestKey, now time.Time) (Counts, error)

	// IncrementCounts soma 1 nas três janelas correntes e retorna as contagens resultantes
	IncrementCounts(ctx context.Context, key RequestKey, now time.Time) (Counts, error)

	// ResetCounts apaga todos os contadores de um identificador
	ResetCounts(ctx context.Context, identifier string, identifierType IdentifierType) error

	// PurgeCounters remove janelas encerradas antes de before
	PurgeCounters(ctx context.Context, before time.Time) (int64, error)
}

// BlockStore guarda bloqueios temporários
type BlockStore interface {
	// GetBlock retorna nil, nil quando não há bloqueio registrado
	GetBlock(ctx context.Context, identifier string, identifierType IdentifierType) (*Block, error)
	PutBlock(ctx context.Context, block Block) error
	DeleteBlock(ctx context.Context, identifier string, identifierType IdentifierType) error
	PurgeBlocks(ctx context.Context, before time.Time) (int64, error)
}

// ViolationStore é o log append-only de rejeições
type ViolationStore interface {
	AppendViolation(ctx context.Context, violation Violation) error
	// CountViolations conta só as violações que sobem a escada de punições:
	// rejeições durante um bloqueio ativo (ViolationBlocked) ficam de fora
	CountViolations(ctx context.Context, identifier string, identifierType IdentifierType, since time.Time) (int, error)
	ListViolations(ctx context.Context, filter ViolationFilter) ([]Violation, error)
	PurgeViolations(ctx context.Context, before time.Time) (int64, error)
}

// ConfigStore guarda a tabela de limites por endpoint/método
type ConfigStore interface {
	ListConfigs(ctx context.Context) ([]RateLimitConfig, error)
	// UpsertConfig grava por (endpoint, method)
	UpsertConfig(ctx context.Context, config RateLimitConfig) error
}

// RateLimiterStorage é o storage completo usado pelo motor de decisão
// Implementa o Strategy Pattern: memória, Redis ou SQL
type RateLimiterStorage interface {
	CounterStore
	BlockStore
	ViolationStore
	ConfigStore

	// Health verifica se o storage está saudável
	Health(ctx context.Context) error

	// Close fecha a conexão com o storage
	Close() error
}

// RateLimiterService é o motor de decisão consumido pelo middleware e pelos handlers
type RateLimiterService interface {
	// CheckRateLimit decide sem alterar nada
	CheckRateLimit(ctx context.Context, key RequestKey) (*Decision, error)

	// RecordRequest conta uma requisição já permitida
	RecordRequest(ctx context.Context, key RequestKey) (Counts, error)

	// RegisterViolation registra uma rejeição e aplica a escada de bloqueios
	RegisterViolation(ctx context.Context, key RequestKey, decision *Decision) (*Block, error)

	Status(ctx context.Context, key RequestKey) (*IdentifierStatus, error)
	Reset(ctx context.Context, identifier string, identifierType IdentifierType) error
	BlockIdentifier(ctx context.Context, block Block) error
	Unblock(ctx context.Context, identifier string, identifierType IdentifierType) error
	ListViolations(ctx context.Context, filter ViolationFilter) ([]Violation, error)
}

// ConfigService é a camada de configuração: lookup resolvido e update persistido
type ConfigService interface {
	Lookup(ctx context.Context, endpoint, method string) (RateLimitConfig, error)
	Update(ctx context.Context, config RateLimitConfig) (RateLimitConfig, error)
	List(ctx context.Context) ([]RateLimitConfig, error)
}

// Logger define a interface para logging estruturado
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
	WithContext(ctx context.Context) Logger
}
