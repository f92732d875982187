package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"marketplace-ratelimiter/internal/domain"
)

// memoryCounter é o contador de uma granularidade na janela corrente
type memoryCounter struct {
	windowStart time.Time
	windowEnd   time.Time
	count       int
}

// MemoryStorage implementa a interface domain.RateLimiterStorage usando memória.
// Serve para um único nó e para testes; os contadores não sobrevivem a restart.
type MemoryStorage struct {
	counters   map[string]*memoryCounter
	owners     map[string]string // chave do contador -> identificador, para Reset
	blocks     map[string]domain.Block
	violations []domain.Violation
	configs    map[string]domain.RateLimitConfig
	mutex      sync.RWMutex
	logger     domain.Logger
}

// NewMemoryStorage cria uma nova instância do MemoryStorage
func NewMemoryStorage(logger domain.Logger) *MemoryStorage {
	storage := &MemoryStorage{
		counters: make(map[string]*memoryCounter),
		owners:   make(map[string]string),
		blocks:   make(map[string]domain.Block),
		configs:  make(map[string]domain.RateLimitConfig),
		logger:   logger,
	}

	if logger != nil {
		logger.Info("Memory storage initialized", nil)
	}

	return storage
}

// GetCounts lê as contagens das janelas correntes
func (m *MemoryStorage) GetCounts(ctx context.Context, key domain.RequestKey, now time.Time) (domain.Counts, error) {
	start := time.Now()

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var counts domain.Counts
	for _, g := range domain.Granularities {
		windowStart, _ := g.Window(now)
		if counter, exists := m.counters[counterKey(key, g)]; exists && counter.windowStart.Equal(windowStart) {
			counts.Set(g, counter.count)
		}
	}

	m.logStorageOperation("GET_COUNTS", key.Identifier, true, elapsedMs(start), nil)
	return counts, nil
}

// IncrementCounts soma 1 nas três janelas sob o mesmo lock
func (m *MemoryStorage) IncrementCounts(ctx context.Context, key domain.RequestKey, now time.Time) (domain.Counts, error) {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	var counts domain.Counts
	for _, g := range domain.Granularities {
		windowStart, windowEnd := g.Window(now)
		ck := counterKey(key, g)

		counter, exists := m.counters[ck]
		if !exists || !counter.windowStart.Equal(windowStart) {
			// janela nova: o contador recomeça do zero
			counter = &memoryCounter{windowStart: windowStart, windowEnd: windowEnd}
			m.counters[ck] = counter
			m.owners[ck] = identifierKey(key.Identifier, key.IdentifierType)
		}

		counter.count++
		counts.Set(g, counter.count)
	}

	m.logStorageOperation("INCREMENT", key.Identifier, true, elapsedMs(start), nil)
	return counts, nil
}

// ResetCounts apaga os contadores do identificador em todos os endpoints
func (m *MemoryStorage) ResetCounts(ctx context.Context, identifier string, identifierType domain.IdentifierType) error {
	start := time.Now()
	owner := identifierKey(identifier, identifierType)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	for ck, o := range m.owners {
		if o == owner {
			delete(m.counters, ck)
			delete(m.owners, ck)
		}
	}

	m.logStorageOperation("RESET", identifier, true, elapsedMs(start), nil)
	return nil
}

// PurgeCounters remove janelas encerradas antes de before
func (m *MemoryStorage) PurgeCounters(ctx context.Context, before time.Time) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var removed int64
	for ck, counter := range m.counters {
		if counter.windowEnd.Before(before) {
			delete(m.counters, ck)
			delete(m.owners, ck)
			removed++
		}
	}
	return removed, nil
}

// GetBlock retorna o bloqueio registrado, mesmo que já vencido
func (m *MemoryStorage) GetBlock(ctx context.Context, identifier string, identifierType domain.IdentifierType) (*domain.Block, error) {
	start := time.Now()

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	block, exists := m.blocks[identifierKey(identifier, identifierType)]
	m.logStorageOperation("GET_BLOCK", identifier, true, elapsedMs(start), nil)
	if !exists {
		return nil, nil
	}
	return &block, nil
}

// PutBlock cria ou substitui o bloqueio do identificador
func (m *MemoryStorage) PutBlock(ctx context.Context, block domain.Block) error {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.blocks[identifierKey(block.Identifier, block.IdentifierType)] = block

	m.logStorageOperation("BLOCK", block.Identifier, true, elapsedMs(start), nil)
	return nil
}

// DeleteBlock remove o bloqueio do identificador
func (m *MemoryStorage) DeleteBlock(ctx context.Context, identifier string, identifierType domain.IdentifierType) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.blocks, identifierKey(identifier, identifierType))
	return nil
}

// PurgeBlocks remove bloqueios vencidos antes de before
func (m *MemoryStorage) PurgeBlocks(ctx context.Context, before time.Time) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var removed int64
	for key, block := range m.blocks {
		if block.BlockedUntil.Before(before) {
			delete(m.blocks, key)
			removed++
		}
	}
	return removed, nil
}

// AppendViolation acrescenta uma violação ao log
func (m *MemoryStorage) AppendViolation(ctx context.Context, violation domain.Violation) error {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.violations = append(m.violations, violation)

	m.logStorageOperation("APPEND_VIOLATION", violation.Identifier, true, elapsedMs(start), nil)
	return nil
}

// CountViolations conta as violações do identificador desde since, sem as de bloqueio
func (m *MemoryStorage) CountViolations(ctx context.Context, identifier string, identifierType domain.IdentifierType, since time.Time) (int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	count := 0
	for _, v := range m.violations {
		if v.Identifier == identifier && v.IdentifierType == identifierType && v.Escalates() && !v.OccurredAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// ListViolations retorna as violações mais recentes primeiro
func (m *MemoryStorage) ListViolations(ctx context.Context, filter domain.ViolationFilter) ([]domain.Violation, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	result := make([]domain.Violation, 0)
	for i := len(m.violations) - 1; i >= 0; i-- {
		v := m.violations[i]
		if !matchesViolationFilter(v, filter) {
			continue
		}
		result = append(result, v)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].OccurredAt.After(result[j].OccurredAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// PurgeViolations remove violações anteriores a before
func (m *MemoryStorage) PurgeViolations(ctx context.Context, before time.Time) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	kept := m.violations[:0]
	var removed int64
	for _, v := range m.violations {
		if v.OccurredAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	m.violations = kept
	return removed, nil
}

// ListConfigs retorna a tabela de limites ordenada por endpoint e método
func (m *MemoryStorage) ListConfigs(ctx context.Context) ([]domain.RateLimitConfig, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	configs := make([]domain.RateLimitConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		configs = append(configs, cfg)
	}
	sortConfigs(configs)
	return configs, nil
}

// UpsertConfig grava a linha por (endpoint, method)
func (m *MemoryStorage) UpsertConfig(ctx context.Context, config domain.RateLimitConfig) error {
	start := time.Now()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	config.Method = domain.NormalizeMethod(config.Method)
	m.configs[configKey(config.Endpoint, config.Method)] = config

	m.logStorageOperation("UPSERT_CONFIG", config.Endpoint, true, elapsedMs(start), nil)
	return nil
}

// Health verifica se o storage está saudável
func (m *MemoryStorage) Health(ctx context.Context) error {
	start := time.Now()

	if m.logger != nil {
		m.logger.Debug("Memory storage health check", m.GetStats())
	}

	m.logStorageOperation("HEALTH", "check", true, elapsedMs(start), nil)
	return nil
}

// Close limpa todos os dados (não há conexão para fechar)
func (m *MemoryStorage) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.counters = make(map[string]*memoryCounter)
	m.owners = make(map[string]string)
	m.blocks = make(map[string]domain.Block)
	m.violations = nil

	if m.logger != nil {
		m.logger.Info("Memory storage closed", nil)
	}
	return nil
}

// GetStats retorna estatísticas do storage em memória
func (m *MemoryStorage) GetStats() map[string]interface{} {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return map[string]interface{}{
		"counter_entries":   len(m.counters),
		"blocks_entries":    len(m.blocks),
		"violation_entries": len(m.violations),
		"config_entries":    len(m.configs),
		"type":              "memory",
	}
}

// logStorageOperation registra operações de storage
func (m *MemoryStorage) logStorageOperation(operation, key string, success bool, latency float64, err error) {
	logStorageOperation(m.logger, "memory", operation, key, success, latency, err)
}

// storageEventLogger é implementado pelo logger estruturado
type storageEventLogger interface {
	LogStorageEvent(backend, operation, key string, latency float64, err error)
}

// logStorageOperation é compartilhado pelos três backends
func logStorageOperation(logger domain.Logger, backend, operation, key string, success bool, latency float64, err error) {
	if logger == nil {
		return
	}

	if sl, ok := logger.(storageEventLogger); ok && (success || err != nil) {
		sl.LogStorageEvent(backend, operation, key, latency, err)
		return
	}

	fields := map[string]interface{}{
		"backend":   backend,
		"operation": operation,
		"key":       key,
		"latency":   latency,
	}

	if success {
		logger.Debug("Storage operation completed", fields)
		return
	}
	logger.Error("Storage operation failed", err, fields)
}

func matchesViolationFilter(v domain.Violation, filter domain.ViolationFilter) bool {
	if filter.Identifier != "" && v.Identifier != filter.Identifier {
		return false
	}
	if filter.IdentifierType != "" && v.IdentifierType != filter.IdentifierType {
		return false
	}
	if !filter.Since.IsZero() && v.OccurredAt.Before(filter.Since) {
		return false
	}
	return true
}

func sortConfigs(configs []domain.RateLimitConfig) {
	sort.Slice(configs, func(i, j int) bool {
		if configs[i].Endpoint != configs[j].Endpoint {
			return strings.Compare(configs[i].Endpoint, configs[j].Endpoint) < 0
		}
		return configs[i].Method < configs[j].Method
	})
}
