package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"marketplace-ratelimiter/internal/domain"

	"github.com/go-redis/redis/v8"
)

// counterGrace mantém a chave um pouco além do fim da janela, para leituras atrasadas
const counterGrace = time.Minute

// blockRetention mantém bloqueios vencidos visíveis no status administrativo
const blockRetention = 24 * time.Hour

var (
	violationsKey    = keyPrefix + ":violations"
	escalationPrefix = keyPrefix + ":escalation"
	configsKey       = keyPrefix + ":configs"
)

// RedisStorage implementa a interface domain.RateLimiterStorage usando Redis
type RedisStorage struct {
	client redis.Cmdable
	logger domain.Logger
}

// NewRedisStorage cria uma nova instância do RedisStorage
func NewRedisStorage(host, port, password string, db int, logger domain.Logger) (*RedisStorage, error) {
	// Configura cliente Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       db,

		// Configurações de performance
		PoolSize:     20,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
	})

	storage, err := NewRedisStorageWithClient(rdb, logger)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	if logger != nil {
		logger.Info("Redis connection established", map[string]interface{}{
			"host": host,
			"port": port,
			"db":   db,
		})
	}

	return storage, nil
}

// NewRedisStorageWithClient reaproveita um cliente já configurado
func NewRedisStorageWithClient(client redis.Cmdable, logger domain.Logger) (*RedisStorage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{
		client: client,
		logger: logger,
	}, nil
}

// GetCounts lê as três janelas com um único MGET
func (r *RedisStorage) GetCounts(ctx context.Context, key domain.RequestKey, now time.Time) (domain.Counts, error) {
	start := time.Now()

	keys := make([]string, len(domain.Granularities))
	for i, g := range domain.Granularities {
		windowStart, _ := g.Window(now)
		keys[i] = windowedCounterKey(key, g, windowStart)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		r.logStorageOperation("GET_COUNTS", keys[0], false, elapsedMs(start), err)
		return domain.Counts{}, fmt.Errorf("failed to get counters: %w", err)
	}

	var counts domain.Counts
	for i, g := range domain.Granularities {
		if values[i] == nil {
			continue
		}
		count, err := strconv.Atoi(fmt.Sprint(values[i]))
		if err != nil {
			r.logStorageOperation("GET_COUNTS", keys[i], false, elapsedMs(start), err)
			return domain.Counts{}, fmt.Errorf("invalid counter value for key %s: %w", keys[i], err)
		}
		counts.Set(g, count)
	}

	r.logStorageOperation("GET_COUNTS", keys[0], true, elapsedMs(start), nil)
	return counts, nil
}

// IncrementCounts executa INCR + EXPIREAT das três janelas numa transação MULTI/EXEC
func (r *RedisStorage) IncrementCounts(ctx context.Context, key domain.RequestKey, now time.Time) (domain.Counts, error) {
	start := time.Now()

	incrs := make([]*redis.IntCmd, len(domain.Granularities))
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, g := range domain.Granularities {
			windowStart, windowEnd := g.Window(now)
			k := windowedCounterKey(key, g, windowStart)
			incrs[i] = pipe.Incr(ctx, k)
			pipe.ExpireAt(ctx, k, windowEnd.Add(counterGrace))
		}
		return nil
	})
	if err != nil {
		r.logStorageOperation("INCREMENT", key.Identifier, false, elapsedMs(start), err)
		return domain.Counts{}, fmt.Errorf("failed to increment counters: %w", err)
	}

	var counts domain.Counts
	for i, g := range domain.Granularities {
		counts.Set(g, int(incrs[i].Val()))
	}

	r.logStorageOperation("INCREMENT", key.Identifier, true, elapsedMs(start), nil)
	return counts, nil
}

// ResetCounts apaga os contadores do identificador via SCAN
func (r *RedisStorage) ResetCounts(ctx context.Context, identifier string, identifierType domain.IdentifierType) error {
	start := time.Now()
	pattern := fmt.Sprintf("%s:counter:%s:*", keyPrefix, escapeGlob(identifierKey(identifier, identifierType)))

	keys, err := r.scanKeys(ctx, pattern)
	if err == nil && len(keys) > 0 {
		err = r.client.Del(ctx, keys...).Err()
	}
	if err != nil {
		r.logStorageOperation("RESET", identifier, false, elapsedMs(start), err)
		return fmt.Errorf("failed to reset counters for %s: %w", identifier, err)
	}

	r.logStorageOperation("RESET", identifier, true, elapsedMs(start), nil)
	return nil
}

// PurgeCounters não tem trabalho a fazer: cada contador expira sozinho via EXPIREAT
func (r *RedisStorage) PurgeCounters(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

// GetBlock lê o bloqueio serializado em JSON
func (r *RedisStorage) GetBlock(ctx context.Context, identifier string, identifierType domain.IdentifierType) (*domain.Block, error) {
	start := time.Now()
	key := blockKey(identifier, identifierType)

	result, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			r.logStorageOperation("GET_BLOCK", key, true, elapsedMs(start), nil)
			return nil, nil
		}
		r.logStorageOperation("GET_BLOCK", key, false, elapsedMs(start), err)
		return nil, fmt.Errorf("failed to get block %s: %w", key, err)
	}

	var block domain.Block
	if err := json.Unmarshal([]byte(result), &block); err != nil {
		r.logStorageOperation("GET_BLOCK", key, false, elapsedMs(start), err)
		return nil, fmt.Errorf("failed to unmarshal block %s: %w", key, err)
	}

	r.logStorageOperation("GET_BLOCK", key, true, elapsedMs(start), nil)
	return &block, nil
}

// PutBlock grava o bloqueio com expiração após blocked_until
func (r *RedisStorage) PutBlock(ctx context.Context, block domain.Block) error {
	start := time.Now()
	key := blockKey(block.Identifier, block.IdentifierType)

	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to marshal block %s: %w", key, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		pipe.ExpireAt(ctx, key, block.BlockedUntil.Add(blockRetention))
		return nil
	})
	if err != nil {
		r.logStorageOperation("BLOCK", key, false, elapsedMs(start), err)
		return fmt.Errorf("failed to set block %s: %w", key, err)
	}

	r.logStorageOperation("BLOCK", key, true, elapsedMs(start), nil)
	return nil
}

// DeleteBlock remove o bloqueio
func (r *RedisStorage) DeleteBlock(ctx context.Context, identifier string, identifierType domain.IdentifierType) error {
	key := blockKey(identifier, identifierType)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete block %s: %w", key, err)
	}
	return nil
}

// PurgeBlocks não tem trabalho a fazer: bloqueios expiram via EXPIREAT
func (r *RedisStorage) PurgeBlocks(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

// AppendViolation grava a violação no sorted set global e no do identificador
func (r *RedisStorage) AppendViolation(ctx context.Context, violation domain.Violation) error {
	start := time.Now()

	data, err := json.Marshal(violation)
	if err != nil {
		return fmt.Errorf("failed to marshal violation: %w", err)
	}

	member := &redis.Z{Score: violationScore(violation.OccurredAt), Member: string(data)}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, violationsKey, member)
		pipe.ZAdd(ctx, identifierViolationsKey(violation.Identifier, violation.IdentifierType), member)
		if violation.Escalates() {
			pipe.ZAdd(ctx, escalationKey(violation.Identifier, violation.IdentifierType), member)
		}
		return nil
	})
	if err != nil {
		r.logStorageOperation("APPEND_VIOLATION", violation.Identifier, false, elapsedMs(start), err)
		return fmt.Errorf("failed to append violation: %w", err)
	}

	r.logStorageOperation("APPEND_VIOLATION", violation.Identifier, true, elapsedMs(start), nil)
	return nil
}

// CountViolations usa ZCOUNT no sorted set de escalonamento do identificador
func (r *RedisStorage) CountViolations(ctx context.Context, identifier string, identifierType domain.IdentifierType, since time.Time) (int, error) {
	count, err := r.client.ZCount(ctx,
		escalationKey(identifier, identifierType),
		formatScore(violationScore(since)),
		"+inf",
	).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count violations: %w", err)
	}
	return int(count), nil
}

// ListViolations retorna as violações mais recentes primeiro
func (r *RedisStorage) ListViolations(ctx context.Context, filter domain.ViolationFilter) ([]domain.Violation, error) {
	key := violationsKey
	scoped := filter.Identifier != "" && filter.IdentifierType != ""
	if scoped {
		key = identifierViolationsKey(filter.Identifier, filter.IdentifierType)
	}

	minScore := "-inf"
	if !filter.Since.IsZero() {
		minScore = formatScore(violationScore(filter.Since))
	}

	rangeBy := &redis.ZRangeBy{Min: minScore, Max: "+inf"}
	if scoped && filter.Limit > 0 {
		rangeBy.Count = int64(filter.Limit)
	}

	members, err := r.client.ZRevRangeByScore(ctx, key, rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}

	result := make([]domain.Violation, 0, len(members))
	for _, member := range members {
		var v domain.Violation
		if err := json.Unmarshal([]byte(member), &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal violation: %w", err)
		}
		if !matchesViolationFilter(v, filter) {
			continue
		}
		result = append(result, v)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

// PurgeViolations remove por score no set global e nos sets por identificador
func (r *RedisStorage) PurgeViolations(ctx context.Context, before time.Time) (int64, error) {
	maxScore := "(" + formatScore(violationScore(before))

	removed, err := r.client.ZRemRangeByScore(ctx, violationsKey, "-inf", maxScore).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to purge violations: %w", err)
	}

	keys, err := r.scanKeys(ctx, violationsKey+":*")
	if err != nil {
		return removed, fmt.Errorf("failed to scan violation sets: %w", err)
	}
	escalationKeys, err := r.scanKeys(ctx, escalationPrefix+":*")
	if err != nil {
		return removed, fmt.Errorf("failed to scan escalation sets: %w", err)
	}
	keys = append(keys, escalationKeys...)
	for _, key := range keys {
		if err := r.client.ZRemRangeByScore(ctx, key, "-inf", maxScore).Err(); err != nil {
			return removed, fmt.Errorf("failed to purge violations in %s: %w", key, err)
		}
	}

	return removed, nil
}

// ListConfigs lê o hash de configurações
func (r *RedisStorage) ListConfigs(ctx context.Context) ([]domain.RateLimitConfig, error) {
	start := time.Now()

	values, err := r.client.HGetAll(ctx, configsKey).Result()
	if err != nil {
		r.logStorageOperation("LIST_CONFIGS", configsKey, false, elapsedMs(start), err)
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}

	configs := make([]domain.RateLimitConfig, 0, len(values))
	for field, value := range values {
		var cfg domain.RateLimitConfig
		if err := json.Unmarshal([]byte(value), &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config %s: %w", field, err)
		}
		configs = append(configs, cfg)
	}
	sortConfigs(configs)

	r.logStorageOperation("LIST_CONFIGS", configsKey, true, elapsedMs(start), nil)
	return configs, nil
}

// UpsertConfig grava a linha no hash, campo endpoint|method
func (r *RedisStorage) UpsertConfig(ctx context.Context, config domain.RateLimitConfig) error {
	start := time.Now()
	config.Method = domain.NormalizeMethod(config.Method)

	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	field := configKey(config.Endpoint, config.Method)
	if err := r.client.HSet(ctx, configsKey, field, data).Err(); err != nil {
		r.logStorageOperation("UPSERT_CONFIG", field, false, elapsedMs(start), err)
		return fmt.Errorf("failed to upsert config %s: %w", field, err)
	}

	r.logStorageOperation("UPSERT_CONFIG", field, true, elapsedMs(start), nil)
	return nil
}

// Health verifica se o storage está saudável
func (r *RedisStorage) Health(ctx context.Context) error {
	start := time.Now()

	if err := r.client.Ping(ctx).Err(); err != nil {
		r.logStorageOperation("HEALTH", "ping", false, elapsedMs(start), err)
		return fmt.Errorf("Redis health check failed: %w", err)
	}

	r.logStorageOperation("HEALTH", "ping", true, elapsedMs(start), nil)
	return nil
}

// Close fecha a conexão com o storage
func (r *RedisStorage) Close() error {
	if client, ok := r.client.(*redis.Client); ok {
		if err := client.Close(); err != nil {
			if r.logger != nil {
				r.logger.Error("Failed to close Redis connection", err, nil)
			}
			return err
		}
		if r.logger != nil {
			r.logger.Info("Redis connection closed", nil)
		}
	}
	return nil
}

func (r *RedisStorage) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// logStorageOperation registra operações de storage
func (r *RedisStorage) logStorageOperation(operation, key string, success bool, latency float64, err error) {
	logStorageOperation(r.logger, "redis", operation, key, success, latency, err)
}

func blockKey(identifier string, identifierType domain.IdentifierType) string {
	return fmt.Sprintf("%s:block:%s", keyPrefix, identifierKey(identifier, identifierType))
}

func identifierViolationsKey(identifier string, identifierType domain.IdentifierType) string {
	return fmt.Sprintf("%s:%s", violationsKey, identifierKey(identifier, identifierType))
}

// escalationKey guarda só as violações que sobem a escada de punições
func escalationKey(identifier string, identifierType domain.IdentifierType) string {
	return fmt.Sprintf("%s:%s", escalationPrefix, identifierKey(identifier, identifierType))
}

// violationScore usa milissegundos, que cabem sem perda num float64
func violationScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}

// escapeGlob neutraliza os curingas do MATCH para identificadores arbitrários
func escapeGlob(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return replacer.Replace(value)
}
