package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace-ratelimiter/internal/domain"
	"marketplace-ratelimiter/internal/metrics"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const configCacheSize = 10000

// ConfigService resolve qual linha da tabela de limites vale para (endpoint, método).
// Resoluções ficam num LRU com TTL curto; cargas simultâneas da mesma chave são unificadas.
type ConfigService struct {
	store    domain.ConfigStore
	cache    *expirable.LRU[string, domain.RateLimitConfig]
	group    singleflight.Group
	validate *validator.Validate
	metrics  *metrics.Recorder
	logger   domain.Logger
	now      func() time.Time
}

// NewConfigService cria o serviço de configuração
func NewConfigService(store domain.ConfigStore, ttl time.Duration, recorder *metrics.Recorder, logger domain.Logger) *ConfigService {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	return &ConfigService{
		store:    store,
		cache:    expirable.NewLRU[string, domain.RateLimitConfig](configCacheSize, nil, ttl),
		validate: validator.New(),
		metrics:  recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Lookup retorna a configuração efetiva
func (s *ConfigService) Lookup(ctx context.Context, endpoint, method string) (domain.RateLimitConfig, error) {
	method = domain.NormalizeMethod(method)
	cacheKey := endpoint + "|" + method

	if cfg, ok := s.cache.Get(cacheKey); ok {
		s.metrics.ObserveConfigCache("hit")
		return cfg, nil
	}
	s.metrics.ObserveConfigCache("miss")

	result, err, _ := s.group.Do(cacheKey, func() (interface{}, error) {
		configs, err := s.store.ListConfigs(ctx)
		if err != nil {
			return domain.RateLimitConfig{}, fmt.Errorf("failed to load rate limit configs: %w", err)
		}

		cfg, err := ResolveConfig(configs, endpoint, method)
		if err != nil {
			return domain.RateLimitConfig{}, err
		}

		s.cache.Add(cacheKey, cfg)
		return cfg, nil
	})
	if err != nil {
		return domain.RateLimitConfig{}, err
	}

	return result.(domain.RateLimitConfig), nil
}

// Update valida e grava a linha; o cache é descartado inteiro
func (s *ConfigService) Update(ctx context.Context, cfg domain.RateLimitConfig) (domain.RateLimitConfig, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Method = domain.NormalizeMethod(cfg.Method)

	if err := s.Validate(cfg); err != nil {
		return domain.RateLimitConfig{}, err
	}

	cfg.UpdatedAt = s.now().UTC()
	if err := s.store.UpsertConfig(ctx, cfg); err != nil {
		return domain.RateLimitConfig{}, fmt.Errorf("failed to save rate limit config: %w", err)
	}

	s.cache.Purge()

	if s.logger != nil {
		s.logger.Info("Rate limit config updated", map[string]interface{}{
			"endpoint":            cfg.Endpoint,
			"method":              cfg.Method,
			"requests_per_minute": cfg.Limits.PerMinute,
			"requests_per_hour":   cfg.Limits.PerHour,
			"requests_per_day":    cfg.Limits.PerDay,
			"is_active":           cfg.IsActive,
		})
	}

	return cfg, nil
}

// List retorna todas as linhas, ativas ou não
func (s *ConfigService) List(ctx context.Context) ([]domain.RateLimitConfig, error) {
	configs, err := s.store.ListConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list rate limit configs: %w", err)
	}
	return configs, nil
}

// Validate confere endpoint, método e limites
func (s *ConfigService) Validate(cfg domain.RateLimitConfig) error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", domain.ErrInvalidConfig)
	}
	if cfg.Endpoint != domain.WildcardEndpoint && !strings.HasPrefix(cfg.Endpoint, "/") {
		return fmt.Errorf("%w: endpoint must start with / or be *", domain.ErrInvalidConfig)
	}
	if strings.Contains(strings.TrimSuffix(cfg.Endpoint, "*"), "*") {
		return fmt.Errorf("%w: wildcard is only allowed at the end of the endpoint", domain.ErrInvalidConfig)
	}
	if err := s.validate.Struct(cfg.Limits); err != nil {
		return fmt.Errorf("%w: limits must be positive: %v", domain.ErrInvalidConfig, err)
	}
	// sem o padrão global ativo algum endpoint ficaria sem limite
	if cfg.Endpoint == domain.WildcardEndpoint && domain.NormalizeMethod(cfg.Method) == domain.MethodAll && !cfg.IsActive {
		return fmt.Errorf("%w: the global default (%s %s) cannot be deactivated", domain.ErrInvalidConfig, domain.MethodAll, domain.WildcardEndpoint)
	}
	return nil
}

// EnsureDefaults grava as linhas iniciais que ainda não existem e exige um padrão global ativo
func (s *ConfigService) EnsureDefaults(ctx context.Context, seeds []domain.RateLimitConfig) error {
	existing, err := s.store.ListConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rate limit configs: %w", err)
	}

	present := make(map[string]bool, len(existing))
	for _, cfg := range existing {
		present[cfg.Endpoint+"|"+domain.NormalizeMethod(cfg.Method)] = true
	}

	created := 0
	for _, seed := range seeds {
		if present[seed.Endpoint+"|"+domain.NormalizeMethod(seed.Method)] {
			continue
		}
		if _, err := s.Update(ctx, seed); err != nil {
			return fmt.Errorf("failed to seed config %s %s: %w", seed.Method, seed.Endpoint, err)
		}
		created++
	}

	if _, err := s.Lookup(ctx, domain.WildcardEndpoint, domain.MethodAll); err != nil {
		if errors.Is(err, domain.ErrConfigurationMissing) {
			return fmt.Errorf("no active global default (%s %s): %w", domain.MethodAll, domain.WildcardEndpoint, err)
		}
		return err
	}

	if s.logger != nil {
		s.logger.Info("Rate limit configs ready", map[string]interface{}{
			"existing": len(existing),
			"created":  created,
		})
	}
	return nil
}

// ResolveConfig aplica a ordem de precedência sobre as linhas ativas:
// exato+método, exato+ALL, maior prefixo+método, maior prefixo+ALL, *+método, *+ALL
func ResolveConfig(configs []domain.RateLimitConfig, endpoint, method string) (domain.RateLimitConfig, error) {
	method = domain.NormalizeMethod(method)

	methods := []string{method}
	if method != domain.MethodAll {
		methods = append(methods, domain.MethodAll)
	}

	// exato
	for _, m := range methods {
		for _, cfg := range configs {
			if cfg.IsActive && !cfg.IsPattern() && cfg.Endpoint != domain.WildcardEndpoint &&
				cfg.Endpoint == endpoint && domain.NormalizeMethod(cfg.Method) == m {
				return cfg, nil
			}
		}
	}

	// prefixo mais longo
	for _, m := range methods {
		var (
			best  domain.RateLimitConfig
			found bool
		)
		for _, cfg := range configs {
			if !cfg.IsActive || !cfg.IsPattern() || domain.NormalizeMethod(cfg.Method) != m || !cfg.Matches(endpoint) {
				continue
			}
			if !found || len(cfg.Endpoint) > len(best.Endpoint) {
				best, found = cfg, true
			}
		}
		if found {
			return best, nil
		}
	}

	// global
	for _, m := range methods {
		for _, cfg := range configs {
			if cfg.IsActive && cfg.Endpoint == domain.WildcardEndpoint && domain.NormalizeMethod(cfg.Method) == m {
				return cfg, nil
			}
		}
	}

	return domain.RateLimitConfig{}, domain.ErrConfigurationMissing
}
