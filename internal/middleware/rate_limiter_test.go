package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"marketplace-ratelimiter/internal/domain"
	"marketplace-ratelimiter/internal/metrics"
)

// MockRateLimiterService é um mock do RateLimiterService para testes
type MockRateLimiterService struct {
	mock.Mock
}

func (m *MockRateLimiterService) CheckRateLimit(ctx context.Context, key domain.RequestKey) (*domain.Decision, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Decision), args.Error(1)
}

func (m *MockRateLimiterService) RecordRequest(ctx context.Context, key domain.RequestKey) (domain.Counts, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(domain.Counts), args.Error(1)
}

func (m *MockRateLimiterService) RegisterViolation(ctx context.Context, key domain.RequestKey, decision *domain.Decision) (*domain.Block, error) {
	args := m.Called(ctx, key, decision)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Block), args.Error(1)
}

func (m *MockRateLimiterService) Status(ctx context.Context, key domain.RequestKey) (*domain.IdentifierStatus, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.IdentifierStatus), args.Error(1)
}

func (m *MockRateLimiterService) Reset(ctx context.Context, identifier string, identifierType domain.IdentifierType) error {
	return m.Called(ctx, identifier, identifierType).Error(0)
}

func (m *MockRateLimiterService) BlockIdentifier(ctx context.Context, block domain.Block) error {
	return m.Called(ctx, block).Error(0)
}

func (m *MockRateLimiterService) Unblock(ctx context.Context, identifier string, identifierType domain.IdentifierType) error {
	return m.Called(ctx, identifier, identifierType).Error(0)
}

func (m *MockRateLimiterService) ListViolations(ctx context.Context, filter domain.ViolationFilter) ([]domain.Violation, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Violation), args.Error(1)
}

// MockLogger é um mock do Logger para testes
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Debug(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Info(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Warn(msg string, fields map[string]interface{}) {
	m.Called(msg, fields)
}

func (m *MockLogger) Error(msg string, err error, fields map[string]interface{}) {
	m.Called(msg, err, fields)
}

func (m *MockLogger) WithContext(ctx context.Context) domain.Logger {
	return m
}

func newQuietLogger() *MockLogger {
	l := new(MockLogger)
	l.On("Debug", mock.Anything, mock.Anything).Maybe()
	l.On("Info", mock.Anything, mock.Anything).Maybe()
	l.On("Warn", mock.Anything, mock.Anything).Maybe()
	l.On("Error", mock.Anything, mock.Anything, mock.Anything).Maybe()
	return l
}

func productionSettings() domain.Settings {
	return domain.Settings{
		Environment:     domain.EnvProduction,
		FailMode:        domain.FailOpen,
		BypassEndpoints: domain.DefaultBypassEndpoints(),
	}
}

func validatedKeys(keys ...string) domain.APIKeyValidation {
	validation := domain.APIKeyValidation{Enabled: true, MinLength: 8, Keys: map[string]struct{}{}}
	for _, key := range keys {
		validation.Keys[key] = struct{}{}
	}
	return validation
}

// setupTestRouter cria um router Gin para testes; handlerCalls conta as execuções do handler
func setupTestRouter(middleware gin.HandlerFunc, handlerCalls *int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware)
	handler := func(c *gin.Context) {
		*handlerCalls++
		c.JSON(http.StatusOK, gin.H{"message": "success"})
	}
	router.GET("/api/test", handler)
	router.GET("/api/books/:id", handler)
	router.GET("/api/v1/books/", handler)
	router.POST("/api/books", handler)
	router.GET("/health", handler)
	return router
}

func allowedDecision(now time.Time, limits domain.Limits) *domain.Decision {
	return &domain.Decision{
		Allowed: true,
		Limits:  limits,
		Resets:  domain.CurrentResets(now),
	}
}

func keyFor(identifier string, identifierType domain.IdentifierType, endpoint, method string) interface{} {
	return mock.MatchedBy(func(key domain.RequestKey) bool {
		return key.Identifier == identifier && key.IdentifierType == identifierType &&
			key.Endpoint == endpoint && key.Method == method
	})
}

func TestRateLimiterMiddleware_AllowedRequest(t *testing.T) {
	// Arrange
	mockService := new(MockRateLimiterService)
	now := time.Now()
	limits := domain.Limits{PerMinute: 10, PerHour: 100, PerDay: 1000}
	key := keyFor("192.168.1.1", domain.IdentifierIP, "/api/test", "GET")

	mockService.On("CheckRateLimit", mock.Anything, key).Return(allowedDecision(now, limits), nil)
	mockService.On("RecordRequest", mock.Anything, key).Return(domain.Counts{Minute: 3, Hour: 3, Day: 3}, nil)

	calls := 0
	router := setupTestRouter(NewRateLimiterMiddleware(mockService, productionSettings(), nil, newQuietLogger()), &calls)

	// Act
	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("X-Forwarded-For", "192.168.1.1, 10.0.0.1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "7", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(domain.CurrentResets(now).Minute.Unix(), 10), w.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "97", w.Header().Get("X-RateLimit-Remaining-Hour"))
	assert.Equal(t, "1000", w.Header().Get("X-RateLimit-Limit-Day"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Empty(t, w.Header().Get("X-Debug-Identifier"))
	mockService.AssertExpectations(t)
}

func TestRateLimiterMiddleware_RejectedRequest(t *testing.T) {
	// Arrange
	mockService := new(MockRateLimiterService)
	now := time.Now()
	decision := &domain.Decision{
		Allowed:  false,
		Exceeded: domain.Minute,
		Limits:   domain.Limits{PerMinute: 2, PerHour: 100, PerDay: 1000},
		Current:  domain.Counts{Minute: 2, Hour: 2, Day: 2},
		Resets:   domain.CurrentResets(now),
	}

	mockService.On("CheckRateLimit", mock.Anything, mock.Anything).Return(decision, nil)
	mockService.On("RegisterViolation", mock.Anything, mock.Anything, decision).Return(nil, nil)

	calls := 0
	router := setupTestRouter(NewRateLimiterMiddleware(mockService, productionSettings(), nil, newQuietLogger()), &calls)

	// Act
	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("X-API-Key", "client-key-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// Assert
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Zero(t, calls)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))

	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)
	assert.LessOrEqual(t, retryAfter, 60)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "rate_limit_exceeded", body["error"])
	assert.Equal(t, "minute", body["limit_exceeded"])
	assert.Equal(t, float64(retryAfter), body["retry_after"])
	assert.Contains(t, body, "details")
	assert.NotContains(t, body, "blocked_until")

	mockService.AssertNotCalled(t, "RecordRequest", mock.Anything, mock.Anything)
	mockService.AssertExpectations(t)
}

func TestRateLimiterMiddleware_RejectionCreatesBlock(t *testing.T) {
	mockService := new(MockRateLimiterService)
	now := time.Now()
	decision := &domain.Decision{
		Allowed:  false,
		Exceeded: domain.Minute,
		Limits:   domain.Limits{PerMinute: 2, PerHour: 100, PerDay: 1000},
		Resets:   domain.CurrentResets(now),
	}
	block := &domain.Block{
		Identifier:     "192.0.2.1",
		IdentifierType: domain.IdentifierIP,
		BlockedUntil:   now.Add(5 * time.Minute),
	}

	mockService.On("CheckRateLimit", mock.Anything, mock.Anything).Return(decision, nil)
	mockService.On("RegisterViolation", mock.Anything, mock.Anything, mock.Anything).Return(block, nil)

	calls := 0
	router := setupTestRouter(NewRateLimiterMiddleware(mockService, productionSettings(), nil, newQuietLogger()), &calls)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/test", nil))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retryAfter, 240)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "blocked", body["limit_exceeded"])
	assert.Contains(t, body, "blocked_until")
}

func TestRateLimiterMiddleware_BypassEndpoint(t *testing.T) {
	mockService := new(MockRateLimiterService)
	calls := 0
	router := setupTestRouter(NewRateLimiterMiddleware(mockService, productionSettings(), nil, newQuietLogger()), &calls)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, calls)
	mockService.AssertNotCalled(t, "CheckRateLimit", mock.Anything, mock.Anything)
	mockService.AssertNotCalled(t, "RecordRequest", mock.Anything, mock.Anything)
}

func TestRateLimiterMiddleware_DevelopmentBypass(t *testing.T) {
	tests := []struct {
		name          string
		environment   domain.Environment
		expectService bool
	}{
		{"Should bypass in development", domain.EnvDevelopment, false},
		{"Should ignore bypass flag in production", domain.EnvProduction, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockRateLimiterService)
			settings := productionSettings()
			settings.Environment = tt.environment
			settings.BypassRateLimits = true

			if tt.expectService {
				mockService.On("CheckRateLimit", mock.Anything, mock.Anything).
					Return(allowedDecision(time.Now(), domain.Limits{PerMinute: 5, PerHour: 50, PerDay: 500}), nil)
				mockService.On("RecordRequest", mock.Anything, mock.Anything).Return(domain.Counts{Minute: 1, Hour: 1, Day: 1}, nil)
			}

			calls := 0
			router := setupTestRouter(NewRateLimiterMiddleware(mockService, settings, metrics.NewRecorder(), newQuietLogger()), &calls)

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest("GET", "/api/test", nil))

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, 1, calls)
			if tt.expectService {
				assert.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))
				mockService.AssertExpectations(t)
			} else {
				assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
				mockService.AssertNotCalled(t, "CheckRateLimit", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestRateLimiterMiddleware_NormalizesEndpointAndAddsDebugIdentifier(t *testing.T) {
	mockService := new(MockRateLimiterService)
	settings := productionSettings()
	settings.Environment = domain.EnvDevelopment
	key := keyFor("203.0.113.9", domain.IdentifierIP, "/api/books", "GET")

	mockService.On("CheckRateLimit", mock.Anything, key).
		Return(allowedDecision(time.Now(), domain.Limits{PerMinute: 5, PerHour: 50, PerDay: 500}), nil)
	mockService.On("RecordRequest", mock.Anything, key).Return(domain.Counts{Minute: 1, Hour: 1, Day: 1}, nil)

	calls := 0
	router := setupTestRouter(NewRateLimiterMiddleware(mockService, settings, nil, newQuietLogger()), &calls)

	req := httptest.NewRequest("GET", "/api/v1/books/", nil)
	req.Header.Set("X-Real-IP", "203.0.113.9")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "IP:203.0.11***", w.Header().Get("X-Debug-Identifier"))
	mockService.AssertExpectations(t)
}

func TestRateLimiterMiddleware_SecurityToggles(t *testing.T) {
	t.Run("Should reject invalid API key with 403", func(t *testing.T) {
		mockService := new(MockRateLimiterService)
		settings := productionSettings()
		settings.APIKeyValidation = domain.APIKeyValidation{
			Enabled:   true,
			MinLength: 8,
			Keys:      map[string]struct{}{"client-key-123": {}},
		}

		calls := 0
		router := setupTestRouter(NewRateLimiterMiddleware(mockService, settings, nil, newQuietLogger()), &calls)

		req := httptest.NewRequest("GET", "/api/test", nil)
		req.Header.Set("X-API-Key", "unknown-key-456")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Zero(t, calls)
		mockService.AssertNotCalled(t, "CheckRateLimit", mock.Anything, mock.Anything)
	})

	t.Run("Should reject anonymous request in production with 401", func(t *testing.T) {
		mockService := new(MockRateLimiterService)
		settings := productionSettings()
		settings.APIKeyRequiredForAnonymous = true

		calls := 0
		router := setupTestRouter(NewRateLimiterMiddleware(mockService, settings, nil, newQuietLogger()), &calls)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/api/test", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Zero(t, calls)
	})

	t.Run("Should accept request with API key when anonymous is refused", func(t *testing.T) {
		mockService := new(MockRateLimiterService)
		settings := productionSettings()
		settings.APIKeyRequiredForAnonymous = true
		settings.APIKeyValidation = validatedKeys("client-key-123")
		key := keyFor("client-key-123", domain.IdentifierAPIKey, "/api/test", "GET")

		mockService.On("CheckRateLimit", mock.Anything, key).
			Return(allowedDecision(time.Now(), domain.Limits{PerMinute: 5, PerHour: 50, PerDay: 500}), nil)
		mockService.On("RecordRequest", mock.Anything, key).Return(domain.Counts{Minute: 1, Hour: 1, Day: 1}, nil)

		calls := 0
		router := setupTestRouter(NewRateLimiterMiddleware(mockService, settings, nil, newQuietLogger()), &calls)

		req := httptest.NewRequest("GET", "/api/test?api_key=client-key-123", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		mockService.AssertExpectations(t)
	})
}

func TestRateLimiterMiddleware_UnvalidatedKeysDoNotIdentify(t *testing.T) {
	t.Run("Should count rotating keys against the client IP", func(t *testing.T) {
		mockService := new(MockRateLimiterService)
		key := keyFor("198.51.100.7", domain.IdentifierIP, "/api/test", "GET")
		mockService.On("CheckRateLimit", mock.Anything, key).
			Return(allowedDecision(time.Now(), domain.Limits{PerMinute: 5, PerHour: 50, PerDay: 500}), nil)
		mockService.On("RecordRequest", mock.Anything, key).Return(domain.Counts{Minute: 1, Hour: 1, Day: 1}, nil)

		calls := 0
		router := setupTestRouter(NewRateLimiterMiddleware(mockService, productionSettings(), nil, newQuietLogger()), &calls)

		for i := 0; i < 3; i++ {
			req := httptest.NewRequest("GET", "/api/test", nil)
			req.Header.Set("X-Forwarded-For", "198.51.100.7")
			req.Header.Set("X-API-Key", "junk-"+strconv.Itoa(i))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
		}

		mockService.AssertNumberOfCalls(t, "CheckRateLimit", 3)
		mockService.AssertExpectations(t)
	})

	t.Run("Should treat an unvalidated key as anonymous in production", func(t *testing.T) {
		mockService := new(MockRateLimiterService)
		settings := productionSettings()
		settings.APIKeyRequiredForAnonymous = true

		calls := 0
		router := setupTestRouter(NewRateLimiterMiddleware(mockService, settings, nil, newQuietLogger()), &calls)

		req := httptest.NewRequest("GET", "/api/test", nil)
		req.Header.Set("X-API-Key", "made-up-key-123")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Zero(t, calls)
		mockService.AssertNotCalled(t, "CheckRateLimit", mock.Anything, mock.Anything)
	})
}

func TestRateLimiterMiddleware_IPRestrictions(t *testing.T) {
	t.Run("Should refuse blacklisted IP with 403", func(t *testing.T) {
		mockService := new(MockRateLimiterService)
		settings := productionSettings()
		settings.IPBlocklist = []string{"203.0.113.66"}

		calls := 0
		router := setupTestRouter(NewRateLimiterMiddleware(mockService, settings, nil, newQuietLogger()), &calls)

		req := httptest.NewRequest("GET", "/api/test", nil)
		req.Header.Set("X-Real-IP", "203.0.113.66")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Zero(t, calls)
		mockService.AssertNotCalled(t, "CheckRateLimit", mock.Anything, mock.Anything)
	})

	t.Run("Should skip limiting for whitelisted IP", func(t *testing.T) {
		mockService := new(MockRateLimiterService)
		settings := productionSettings()
		settings.APIKeyRequiredForAnonymous = true
		settings.IPAllowlist = domain.DefaultIPAllowlist()

		calls := 0
		router := setupTestRouter(NewRateLimiterMiddleware(mockService, settings, nil, newQuietLogger()), &calls)

		for i := 0; i < 5; i++ {
			req := httptest.NewRequest("GET", "/api/test", nil)
			req.RemoteAddr = "127.0.0.1:40000"
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
		}

		assert.Equal(t, 5, calls)
		mockService.AssertNotCalled(t, "CheckRateLimit", mock.Anything, mock.Anything)
	})
}

func TestRateLimiterMiddleware_RejectsOversizedPath(t *testing.T) {
	mockService := new(MockRateLimiterService)
	calls := 0
	router := setupTestRouter(NewRateLimiterMiddleware(mockService, productionSettings(), nil, newQuietLogger()), &calls)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/books/"+strings.Repeat("x", domain.MaxEndpointLength), nil))

	assert.Equal(t, http.StatusRequestURITooLong, w.Code)
	assert.Zero(t, calls)
	mockService.AssertNotCalled(t, "CheckRateLimit", mock.Anything, mock.Anything)
}

func TestRateLimiterMiddleware_MetricsUseRouteTemplate(t *testing.T) {
	mockService := new(MockRateLimiterService)
	mockService.On("CheckRateLimit", mock.Anything, mock.Anything).
		Return(allowedDecision(time.Now(), domain.Limits{PerMinute: 500, PerHour: 5000, PerDay: 50000}), nil)
	mockService.On("RecordRequest", mock.Anything, mock.Anything).Return(domain.Counts{Minute: 1, Hour: 1, Day: 1}, nil)

	recorder := metrics.NewRecorder()
	calls := 0
	router := setupTestRouter(NewRateLimiterMiddleware(mockService, productionSettings(), recorder, newQuietLogger()), &calls)

	for i := 0; i < 50; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/api/books/"+strconv.Itoa(i), nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	series := 0
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if strings.HasPrefix(line, "rate_limit_decisions_total{") {
			series++
		}
	}
	assert.Equal(t, 1, series)
	assert.Contains(t, w.Body.String(), `rate_limit_decisions_total{endpoint="/api/books/:id",method="GET",outcome="allowed"} 50`)
}

func TestRateLimiterMiddleware_FailPolicy(t *testing.T) {
	storeErr := errors.Join(domain.ErrStoreUnavailable, errors.New("connection refused"))

	t.Run("Should forward when failing open", func(t *testing.T) {
		mockService := new(MockRateLimiterService)
		mockService.On("CheckRateLimit", mock.Anything, mock.Anything).Return(nil, storeErr)

		calls := 0
		router := setupTestRouter(NewRateLimiterMiddleware(mockService, productionSettings(), metrics.NewRecorder(), newQuietLogger()), &calls)

		for i := 0; i < 3; i++ {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest("GET", "/api/test", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		}
		assert.Equal(t, 3, calls)
		mockService.AssertNotCalled(t, "RecordRequest", mock.Anything, mock.Anything)
	})

	t.Run("Should answer 503 when failing closed", func(t *testing.T) {
		mockService := new(MockRateLimiterService)
		mockService.On("CheckRateLimit", mock.Anything, mock.Anything).Return(nil, storeErr)
		settings := productionSettings()
		settings.FailMode = domain.FailClosed

		calls := 0
		router := setupTestRouter(NewRateLimiterMiddleware(mockService, settings, nil, newQuietLogger()), &calls)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/api/test", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "1", w.Header().Get("Retry-After"))
		assert.Zero(t, calls)
	})

	t.Run("Should never forward when no configuration resolves", func(t *testing.T) {
		mockService := new(MockRateLimiterService)
		mockService.On("CheckRateLimit", mock.Anything, mock.Anything).Return(nil, domain.ErrConfigurationMissing)

		calls := 0
		router := setupTestRouter(NewRateLimiterMiddleware(mockService, productionSettings(), metrics.NewRecorder(), newQuietLogger()), &calls)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/api/test", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Zero(t, calls)
		mockService.AssertNotCalled(t, "RecordRequest", mock.Anything, mock.Anything)
	})

	t.Run("Should forward when record fails and policy is open", func(t *testing.T) {
		mockService := new(MockRateLimiterService)
		mockService.On("CheckRateLimit", mock.Anything, mock.Anything).
			Return(allowedDecision(time.Now(), domain.Limits{PerMinute: 5, PerHour: 50, PerDay: 500}), nil)
		mockService.On("RecordRequest", mock.Anything, mock.Anything).Return(domain.Counts{}, storeErr)

		calls := 0
		router := setupTestRouter(NewRateLimiterMiddleware(mockService, productionSettings(), nil, newQuietLogger()), &calls)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/api/books", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1, calls)
	})
}

func TestRateLimiterMiddleware_KeepsIncomingRequestID(t *testing.T) {
	mockService := new(MockRateLimiterService)
	mockService.On("CheckRateLimit", mock.Anything, mock.Anything).
		Return(allowedDecision(time.Now(), domain.Limits{PerMinute: 5, PerHour: 50, PerDay: 500}), nil)
	mockService.On("RecordRequest", mock.Anything, mock.Anything).Return(domain.Counts{Minute: 1, Hour: 1, Day: 1}, nil)

	calls := 0
	router := setupTestRouter(NewRateLimiterMiddleware(mockService, productionSettings(), nil, newQuietLogger()), &calls)

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestRateLimiterMiddleware_UserIdentityFromJWT(t *testing.T) {
	secret := "test-secret"
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "user-77"})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	mockService := new(MockRateLimiterService)
	key := keyFor("user-77", domain.IdentifierUser, "/api/test", "GET")
	mockService.On("CheckRateLimit", mock.Anything, key).
		Return(allowedDecision(time.Now(), domain.Limits{PerMinute: 5, PerHour: 50, PerDay: 500}), nil)
	mockService.On("RecordRequest", mock.Anything, key).Return(domain.Counts{Minute: 1, Hour: 1, Day: 1}, nil)

	settings := productionSettings()
	settings.JWTValidation = domain.JWTValidation{Enabled: true, Secret: secret}

	calls := 0
	router := setupTestRouter(NewRateLimiterMiddleware(mockService, settings, nil, newQuietLogger()), &calls)

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	req.Header.Set("X-API-Key", "client-key-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	mockService.AssertExpectations(t)
}
