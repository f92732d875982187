package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace-ratelimiter/internal/domain"
	"marketplace-ratelimiter/internal/metrics"

	"github.com/google/uuid"
)

const maxViolationsPage = 1000

// RateLimiterService implementa o motor de decisão.
// Separado do middleware: não conhece HTTP, só RequestKey e Decision.
type RateLimiterService struct {
	storage    domain.RateLimiterStorage
	configs    domain.ConfigService
	escalation domain.EscalationPolicy
	metrics    *metrics.Recorder
	logger     domain.Logger
	now        func() time.Time
	timeout    time.Duration
}

// Option altera dependências opcionais do serviço
type Option func(*RateLimiterService)

// WithClock troca o relógio (testes)
func WithClock(now func() time.Time) Option {
	return func(s *RateLimiterService) { s.now = now }
}

// WithEscalationPolicy troca a escada de avisos e bloqueios
func WithEscalationPolicy(policy domain.EscalationPolicy) Option {
	return func(s *RateLimiterService) { s.escalation = policy }
}

// WithMetrics liga os coletores do Prometheus
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(s *RateLimiterService) { s.metrics = recorder }
}

// WithStoreTimeout limita cada ida ao storage
func WithStoreTimeout(timeout time.Duration) Option {
	return func(s *RateLimiterService) { s.timeout = timeout }
}

// NewRateLimiterService cria uma nova instância do serviço
func NewRateLimiterService(
	storage domain.RateLimiterStorage,
	configs domain.ConfigService,
	logger domain.Logger,
	opts ...Option,
) *RateLimiterService {
	s := &RateLimiterService{
		storage:    storage,
		configs:    configs,
		escalation: domain.DefaultEscalationPolicy(),
		logger:     logger,
		now:        time.Now,
		timeout:    2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckRateLimit decide se a requisição cabe nos limites, sem contar nada
func (s *RateLimiterService) CheckRateLimit(ctx context.Context, key domain.RequestKey) (*domain.Decision, error) {
	key = normalizeKey(key)
	now := s.now()
	start := time.Now()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	block, err := s.storage.GetBlock(ctx, key.Identifier, key.IdentifierType)
	if err != nil {
		return nil, s.storeFailure("check", err)
	}

	cfg, err := s.configs.Lookup(ctx, key.Endpoint, key.Method)
	if err != nil {
		if errors.Is(err, domain.ErrConfigurationMissing) {
			return nil, err
		}
		return nil, s.storeFailure("config", err)
	}

	decision := &domain.Decision{
		Allowed:  true,
		Limits:   cfg.Limits,
		Resets:   domain.CurrentResets(now),
		Endpoint: key.Endpoint,
		Method:   key.Method,
	}

	if block.ActiveAt(now) {
		until := block.BlockedUntil
		decision.Allowed = false
		decision.Blocked = true
		decision.BlockedUntil = &until

		s.logger.Info("Request from blocked identifier", map[string]interface{}{
			"identifier_type": key.IdentifierType,
			"endpoint":        key.Endpoint,
			"blocked_until":   until,
		})
		return decision, nil
	}

	counts, err := s.storage.GetCounts(ctx, key, now)
	if err != nil {
		return nil, s.storeFailure("check", err)
	}
	s.metrics.ObserveStoreLatency("check", time.Since(start).Seconds())

	decision.Current = counts
	evaluate(decision)

	if !decision.Allowed {
		s.logger.Debug("Rate limit exceeded", map[string]interface{}{
			"identifier_type": key.IdentifierType,
			"endpoint":        key.Endpoint,
			"method":          key.Method,
			"limit_exceeded":  decision.Exceeded,
			"current":         counts.For(decision.Exceeded),
			"limit":           cfg.Limits.For(decision.Exceeded),
		})
	}

	return decision, nil
}

// RecordRequest soma 1 nas três janelas correntes.
// Se alguma contagem passar do limite (corrida entre check e record), registra uma violação.
func (s *RateLimiterService) RecordRequest(ctx context.Context, key domain.RequestKey) (domain.Counts, error) {
	key = normalizeKey(key)
	now := s.now()
	start := time.Now()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	counts, err := s.storage.IncrementCounts(ctx, key, now)
	if err != nil {
		return domain.Counts{}, s.storeFailure("record", err)
	}
	s.metrics.ObserveStoreLatency("record", time.Since(start).Seconds())

	cfg, err := s.configs.Lookup(ctx, key.Endpoint, key.Method)
	if err != nil {
		// a contagem já foi feita; sem config não há como comparar
		return counts, nil
	}

	for _, g := range domain.Granularities {
		if counts.For(g) <= cfg.Limits.For(g) {
			continue
		}
		violation := s.newViolation(key, now, g, counts.For(g))
		if err := s.storage.AppendViolation(ctx, violation); err != nil {
			s.logger.Error("Failed to append violation", err, map[string]interface{}{
				"identifier_type": key.IdentifierType,
				"endpoint":        key.Endpoint,
			})
		} else {
			s.metrics.ObserveViolation(string(g))
		}
		break
	}

	return counts, nil
}

// RegisterViolation grava a rejeição e aplica a escada de punições.
// Retorna o bloqueio criado, se houver.
func (s *RateLimiterService) RegisterViolation(ctx context.Context, key domain.RequestKey, decision *domain.Decision) (*domain.Block, error) {
	if decision == nil || decision.Allowed {
		return nil, nil
	}

	key = normalizeKey(key)
	now := s.now()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	exceeded := decision.Exceeded
	observed := decision.Current.For(exceeded)
	if decision.Blocked {
		exceeded = domain.ViolationBlocked
		observed = 0
	}

	if err := s.storage.AppendViolation(ctx, s.newViolation(key, now, exceeded, observed)); err != nil {
		return nil, s.storeFailure("violation", err)
	}
	s.metrics.ObserveViolation(string(exceeded))

	// rejeições durante o bloqueio ficam no log mas não sobem de degrau (CountViolations as ignora)
	if decision.Blocked || (!s.escalation.Enabled() && s.escalation.WarnAfter <= 0) {
		return nil, nil
	}

	count, err := s.storage.CountViolations(ctx, key.Identifier, key.IdentifierType, now.Add(-s.escalation.Window))
	if err != nil {
		return nil, s.storeFailure("violation", err)
	}

	switch s.escalation.StateFor(count) {
	case domain.StateWarned:
		s.logger.Warn("Identifier warned for repeated violations", map[string]interface{}{
			"identifier_type": key.IdentifierType,
			"violations":      count,
			"warn_after":      s.escalation.WarnAfter,
		})
		return nil, nil

	case domain.StateBlocked:
		duration := s.escalation.BlockDurationFor(count)
		block := domain.Block{
			Identifier:     key.Identifier,
			IdentifierType: key.IdentifierType,
			BlockedUntil:   now.Add(duration).UTC(),
			Reason:         fmt.Sprintf("%d violations within %s", count, s.escalation.Window),
			CreatedAt:      now.UTC(),
		}
		if err := s.storage.PutBlock(ctx, block); err != nil {
			return nil, s.storeFailure("block", err)
		}
		s.metrics.ObserveBlock(string(key.IdentifierType))

		s.logger.Warn("Identifier temporarily blocked", map[string]interface{}{
			"identifier_type": key.IdentifierType,
			"violations":      count,
			"block_duration":  duration.String(),
			"blocked_until":   block.BlockedUntil,
		})
		return &block, nil
	}

	return nil, nil
}

// Status monta a visão administrativa de um identificador.
// Com endpoint preenchido inclui a decisão atual para aquele endpoint.
func (s *RateLimiterService) Status(ctx context.Context, key domain.RequestKey) (*domain.IdentifierStatus, error) {
	if strings.TrimSpace(key.Identifier) == "" {
		return nil, domain.ErrInvalidIdentifier
	}
	key = normalizeKey(key)
	now := s.now()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	block, err := s.storage.GetBlock(ctx, key.Identifier, key.IdentifierType)
	if err != nil {
		return nil, s.storeFailure("status", err)
	}

	status := &domain.IdentifierStatus{
		Identifier:     key.Identifier,
		IdentifierType: key.IdentifierType,
		State:          domain.StateClean,
	}
	status.Block = block

	// mesma contagem da escada: violações da janela, sem as rejeições durante bloqueio
	count, err := s.storage.CountViolations(ctx, key.Identifier, key.IdentifierType, now.Add(-s.escalation.Window))
	if err != nil {
		return nil, s.storeFailure("status", err)
	}
	status.RecentViolations = count

	switch {
	case block.ActiveAt(now):
		status.State = domain.StateBlocked
	case s.escalation.WarnAfter > 0 && count >= s.escalation.WarnAfter:
		status.State = domain.StateWarned
	}

	if key.Endpoint != "" {
		decision, err := s.CheckRateLimit(ctx, key)
		if err != nil {
			return nil, err
		}
		if decision.Blocked {
			counts, err := s.storage.GetCounts(ctx, key, now)
			if err != nil {
				return nil, s.storeFailure("status", err)
			}
			decision.Current = counts
		}
		status.Decision = decision
	}

	return status, nil
}

// Reset limpa contadores e bloqueio de um identificador
func (s *RateLimiterService) Reset(ctx context.Context, identifier string, identifierType domain.IdentifierType) error {
	if strings.TrimSpace(identifier) == "" {
		return domain.ErrInvalidIdentifier
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.storage.ResetCounts(ctx, identifier, identifierType); err != nil {
		return fmt.Errorf("failed to reset counters: %w", err)
	}
	if err := s.storage.DeleteBlock(ctx, identifier, identifierType); err != nil {
		return fmt.Errorf("failed to remove block: %w", err)
	}

	s.logger.Info("Rate limit reset", map[string]interface{}{
		"identifier_type": identifierType,
	})
	return nil
}

// BlockIdentifier cria um bloqueio manual
func (s *RateLimiterService) BlockIdentifier(ctx context.Context, block domain.Block) error {
	if strings.TrimSpace(block.Identifier) == "" {
		return domain.ErrInvalidIdentifier
	}
	now := s.now()
	if !block.BlockedUntil.After(now) {
		return fmt.Errorf("%w: blocked_until must be in the future", domain.ErrInvalidIdentifier)
	}
	if block.CreatedAt.IsZero() {
		block.CreatedAt = now.UTC()
	}
	if block.Reason == "" {
		block.Reason = "manual"
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.storage.PutBlock(ctx, block); err != nil {
		return fmt.Errorf("failed to block identifier: %w", err)
	}
	s.metrics.ObserveBlock(string(block.IdentifierType))

	s.logger.Info("Identifier blocked manually", map[string]interface{}{
		"identifier_type": block.IdentifierType,
		"blocked_until":   block.BlockedUntil,
		"reason":          block.Reason,
	})
	return nil
}

// Unblock remove o bloqueio antes do prazo
func (s *RateLimiterService) Unblock(ctx context.Context, identifier string, identifierType domain.IdentifierType) error {
	if strings.TrimSpace(identifier) == "" {
		return domain.ErrInvalidIdentifier
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.storage.DeleteBlock(ctx, identifier, identifierType); err != nil {
		return fmt.Errorf("failed to unblock identifier: %w", err)
	}

	s.logger.Info("Identifier unblocked", map[string]interface{}{
		"identifier_type": identifierType,
	})
	return nil
}

// ListViolations lista o log de violações, no máximo 1000 por página
func (s *RateLimiterService) ListViolations(ctx context.Context, filter domain.ViolationFilter) ([]domain.Violation, error) {
	if filter.Limit <= 0 || filter.Limit > maxViolationsPage {
		filter.Limit = maxViolationsPage
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	violations, err := s.storage.ListViolations(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	return violations, nil
}

// evaluate aplica count < limit em cada granularidade; a primeira estourada vira Exceeded
func evaluate(decision *domain.Decision) {
	for _, g := range domain.Granularities {
		if decision.Current.For(g) >= decision.Limits.For(g) {
			decision.Allowed = false
			decision.Exceeded = g
			return
		}
	}
	decision.Allowed = true
	decision.Exceeded = ""
}

func (s *RateLimiterService) newViolation(key domain.RequestKey, now time.Time, exceeded domain.Granularity, observed int) domain.Violation {
	return domain.Violation{
		ID:             uuid.NewString(),
		Identifier:     key.Identifier,
		IdentifierType: key.IdentifierType,
		Endpoint:       key.Endpoint,
		Method:         key.Method,
		OccurredAt:     now.UTC(),
		LimitExceeded:  exceeded,
		ObservedCount:  observed,
	}
}

func (s *RateLimiterService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// storeFailure marca o erro como indisponibilidade do storage, que aciona a política de falha
func (s *RateLimiterService) storeFailure(operation string, err error) error {
	s.metrics.ObserveStoreError(operation)
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrStoreUnavailable, operation, err)
}

func normalizeKey(key domain.RequestKey) domain.RequestKey {
	key.Method = domain.NormalizeMethod(key.Method)
	if strings.TrimSpace(key.Identifier) == "" {
		key.Identifier = domain.UnknownIdentifier
	}
	if key.IdentifierType == "" {
		key.IdentifierType = domain.IdentifierIP
	}
	return key
}
