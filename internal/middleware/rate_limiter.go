package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"marketplace-ratelimiter/internal/domain"
	"marketplace-ratelimiter/internal/logger"
	"marketplace-ratelimiter/internal/metrics"
)

const rateLimitMessage = "you have reached the maximum number of requests or actions allowed within a certain time frame"

// RateLimiterMiddleware implementa o middleware de rate limiting
type RateLimiterMiddleware struct {
	service  domain.RateLimiterService
	settings domain.Settings
	metrics  *metrics.Recorder
	logger   domain.Logger
	now      func() time.Time

	// limita os logs de falha do storage durante uma queda prolongada
	failureLog *rate.Sometimes
}

// NewRateLimiterMiddleware cria uma nova instância do middleware
func NewRateLimiterMiddleware(
	service domain.RateLimiterService,
	settings domain.Settings,
	recorder *metrics.Recorder,
	logger domain.Logger,
) gin.HandlerFunc {
	return newRateLimiterMiddleware(service, settings, recorder, logger).Handle
}

func newRateLimiterMiddleware(
	service domain.RateLimiterService,
	settings domain.Settings,
	recorder *metrics.Recorder,
	logger domain.Logger,
) *RateLimiterMiddleware {
	if settings.FailMode == "" {
		settings.FailMode = domain.FailOpen
	}
	return &RateLimiterMiddleware{
		service:    service,
		settings:   settings,
		metrics:    recorder,
		logger:     logger,
		now:        time.Now,
		failureLog: &rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Handle é o handler principal do middleware
func (m *RateLimiterMiddleware) Handle(c *gin.Context) {
	requestID := m.getRequestID(c)
	endpoint := NormalizeEndpoint(c.Request.URL.Path)
	method := c.Request.Method
	route := routeLabel(c)

	// Endpoints de infraestrutura nunca são limitados nem contados
	if m.settings.IsBypassEndpoint(endpoint) {
		c.Next()
		return
	}

	if len(endpoint) > domain.MaxEndpointLength {
		c.AbortWithStatusJSON(http.StatusRequestURITooLong, gin.H{
			"error":   "invalid_request",
			"details": "Request path too long",
		})
		return
	}

	clientIP := extractClientIP(c)
	if m.settings.IsBlocklistedIP(clientIP) {
		m.logger.Warn("Blocked request from blacklisted IP", map[string]interface{}{
			"client_ip":  clientIP,
			"request_id": requestID,
		})
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"details": "IP address is blocked",
		})
		return
	}

	if m.settings.IsAllowlistedIP(clientIP) {
		m.metrics.ObserveDecision(route, method, metrics.OutcomeBypassed)
		c.Next()
		return
	}

	if m.settings.BypassActive() {
		m.metrics.ObserveDecision(route, method, metrics.OutcomeBypassed)
		c.Header("X-RateLimit-Bypass", "development")
		c.Next()
		return
	}

	identity := m.resolveIdentity(c)
	if m.settings.Environment == domain.EnvDevelopment {
		c.Header("X-Debug-Identifier", string(identity.IdentifierType)+":"+logger.MaskSecret(identity.Identifier))
	}

	if identity.APIKey != "" && m.settings.APIKeyValidation.Enabled && !identity.APIKeyValid {
		m.logger.Warn("Invalid API key", map[string]interface{}{
			"api_key":    logger.MaskSecret(identity.APIKey),
			"client_ip":  identity.ClientIP,
			"request_id": requestID,
		})
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"details": "Invalid API key",
		})
		return
	}

	if identity.Anonymous() && m.settings.RejectAnonymous() {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"details": "Authentication or API key required",
		})
		return
	}

	key := domain.RequestKey{
		Identifier:     identity.Identifier,
		IdentifierType: identity.IdentifierType,
		Endpoint:       endpoint,
		Method:         method,
	}

	ctx := logger.ContextWithRequestInfo(c.Request.Context(), requestID, key)
	log := m.logger.WithContext(ctx)

	decision, err := m.service.CheckRateLimit(ctx, key)
	if err != nil {
		m.handleFailure(c, log, key, route, "check", err)
		return
	}

	if !decision.Allowed {
		m.reject(ctx, c, log, key, route, decision)
		return
	}

	counts, err := m.service.RecordRequest(ctx, key)
	if err != nil {
		m.handleFailure(c, log, key, route, "record", err)
		return
	}
	decision.Current = counts

	// headers precisam ir antes do handler escrever o corpo
	m.setRateLimitHeaders(c, decision)
	m.metrics.ObserveDecision(route, method, metrics.OutcomeAllowed)

	logDecision(log, key, decision, map[string]interface{}{
		"remaining": decision.Remaining(),
	})

	c.Next()
}

// reject responde 429 e registra a violação
func (m *RateLimiterMiddleware) reject(ctx context.Context, c *gin.Context, log domain.Logger, key domain.RequestKey, route string, decision *domain.Decision) {
	now := m.now()

	block, err := m.service.RegisterViolation(ctx, key, decision)
	if err != nil {
		log.Error("Failed to register violation", err, map[string]interface{}{
			"identifier_type": key.IdentifierType,
		})
	}
	if block != nil {
		until := block.BlockedUntil
		decision.Blocked = true
		decision.BlockedUntil = &until
	}

	retryAfter := decision.RetryAfter(now)
	m.setRateLimitHeaders(c, decision)
	c.Header("X-RateLimit-Remaining", "0")
	c.Header("Retry-After", strconv.Itoa(retryAfter))

	outcome := metrics.OutcomeRejected
	exceeded := string(decision.Exceeded)
	if decision.Blocked {
		outcome = metrics.OutcomeBlocked
		exceeded = string(domain.ViolationBlocked)
	}
	m.metrics.ObserveDecision(route, key.Method, outcome)

	logDecision(log, key, decision, map[string]interface{}{
		"retry_after": retryAfter,
	})

	details := gin.H{
		"endpoint":    key.Endpoint,
		"method":      key.Method,
		"reset_times": decision.Resets,
	}
	response := gin.H{
		"error":          "rate_limit_exceeded",
		"message":        rateLimitMessage,
		"details":        details,
		"retry_after":    retryAfter,
		"limit_exceeded": exceeded,
		"limits":         decision.Limits,
		"current":        decision.Current,
	}
	if decision.BlockedUntil != nil {
		response["blocked_until"] = decision.BlockedUntil.UTC().Format(time.RFC3339)
		details["blocked_until"] = decision.BlockedUntil.Unix()
	}

	c.AbortWithStatusJSON(http.StatusTooManyRequests, response)
}

// handleFailure aplica a política de falha quando o storage não responde.
// Falta de configuração não é falha transitória: nunca libera sem limite.
func (m *RateLimiterMiddleware) handleFailure(c *gin.Context, log domain.Logger, key domain.RequestKey, route, operation string, err error) {
	if errors.Is(err, domain.ErrConfigurationMissing) {
		m.metrics.ObserveDecision(route, key.Method, metrics.OutcomeFailShut)
		log.Error("No rate limit configuration resolves for request", err, map[string]interface{}{
			"operation": operation,
		})
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":   "service_unavailable",
			"details": "Rate limit configuration missing",
		})
		return
	}

	if m.settings.FailMode == domain.FailClosed {
		m.metrics.ObserveDecision(route, key.Method, metrics.OutcomeFailShut)
		log.Error("Rate limiter unavailable, rejecting request", err, map[string]interface{}{
			"operation": operation,
		})
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":   "service_unavailable",
			"details": "Unable to process rate limit check",
		})
		return
	}

	m.metrics.ObserveDecision(route, key.Method, metrics.OutcomeFailOpen)
	m.failureLog.Do(func() {
		log.Error("Rate limiter unavailable, allowing request", err, map[string]interface{}{
			"operation": operation,
			"fail_mode": string(domain.FailOpen),
		})
	})
	c.Next()
}

// decisionLogger é implementado pelo logger estruturado; mocks caem no Debug/Warn simples
type decisionLogger interface {
	LogDecisionEvent(key domain.RequestKey, decision *domain.Decision, fields map[string]interface{})
}

func logDecision(log domain.Logger, key domain.RequestKey, decision *domain.Decision, fields map[string]interface{}) {
	if dl, ok := log.(decisionLogger); ok {
		dl.LogDecisionEvent(key, decision, fields)
		return
	}

	fields["identifier_type"] = key.IdentifierType
	if decision.Allowed {
		log.Debug("Rate limit check passed", fields)
		return
	}
	fields["limit_exceeded"] = decision.Exceeded
	log.Warn("Rate limit exceeded", fields)
}

// routeLabel usa o template da rota (/api/books/:id), nunca o caminho bruto,
// para o número de séries de métricas não depender do cliente
func routeLabel(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return NormalizeEndpoint(route)
	}
	return "unmatched"
}

// setRateLimitHeaders define headers informativos de rate limiting
func (m *RateLimiterMiddleware) setRateLimitHeaders(c *gin.Context, decision *domain.Decision) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limits.PerMinute))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining()))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.Resets.Minute.Unix(), 10))

	c.Header("X-RateLimit-Limit-Hour", strconv.Itoa(decision.Limits.PerHour))
	c.Header("X-RateLimit-Remaining-Hour", strconv.Itoa(decision.RemainingFor(domain.Hour)))
	c.Header("X-RateLimit-Reset-Hour", strconv.FormatInt(decision.Resets.Hour.Unix(), 10))

	c.Header("X-RateLimit-Limit-Day", strconv.Itoa(decision.Limits.PerDay))
	c.Header("X-RateLimit-Remaining-Day", strconv.Itoa(decision.RemainingFor(domain.Day)))
	c.Header("X-RateLimit-Reset-Day", strconv.FormatInt(decision.Resets.Day.Unix(), 10))
}

// getRequestID obtém ou gera um Request ID para tracking
func (m *RateLimiterMiddleware) getRequestID(c *gin.Context) string {
	if requestID := c.GetHeader("X-Request-ID"); requestID != "" {
		c.Header("X-Request-ID", requestID)
		return requestID
	}

	requestID := uuid.New().String()
	c.Header("X-Request-ID", requestID)
	return requestID
}
