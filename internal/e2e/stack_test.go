package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"marketplace-ratelimiter/internal/config"
	"marketplace-ratelimiter/internal/domain"
	"marketplace-ratelimiter/internal/handler"
	"marketplace-ratelimiter/internal/logger"
	"marketplace-ratelimiter/internal/metrics"
	"marketplace-ratelimiter/internal/service"
	"marketplace-ratelimiter/internal/storage"
)

var knownEnvVars = []string{
	"APP_ENV", "BYPASS_RATE_LIMITS", "API_KEY_REQUIRED_FOR_ANONYMOUS", "API_KEY_VALIDATION_ENABLED",
	"API_KEYS", "API_KEY_MIN_LENGTH", "JWT_VALIDATION_ENABLED", "JWT_SECRET", "ADMIN_API_KEY",
	"STORAGE_TYPE", "REDIS_HOST", "REDIS_PORT", "REDIS_PASSWORD", "REDIS_DB", "DATABASE_URL",
	"DEFAULT_REQUESTS_PER_MINUTE", "DEFAULT_REQUESTS_PER_HOUR", "DEFAULT_REQUESTS_PER_DAY",
	"LIMITS_CONFIG_FILE", "CONFIG_CACHE_TTL", "STORE_TIMEOUT", "FAIL_MODE", "BYPASS_ENDPOINTS",
	"ESCALATION_WARN_AFTER", "ESCALATION_BLOCK_AFTER", "ESCALATION_WINDOW", "ESCALATION_BLOCK_DURATIONS",
	"VIOLATION_RETENTION", "CLEANUP_INTERVAL", "SERVER_PORT", "GIN_MODE", "LOG_LEVEL", "LOG_FORMAT",
	"IP_WHITELIST", "IP_BLACKLIST", "TRUSTED_PROXIES",
}

// testAPIKeys são as chaves aceitas pelo serviço de teste
var testAPIKeys = []string{
	"metrics-client", "seller-memory", "seller-sqlite", "seller-redis", "production-client",
	"abusive-client", "buyer-1", "buyer-2", "buyer-3", "seller-1", "abuser",
}

// testStack é o serviço completo, montado como no cmd/api
type testStack struct {
	router  *gin.Engine
	storage domain.RateLimiterStorage
	redis   *miniredis.Miniredis
	now     time.Time
}

// newTestStack lê o ambiente pelo ConfigLoader e sobe storage, configs, engine e rotas.
// storageKind aceita memory, sqlite ou redis (miniredis).
func newTestStack(t *testing.T, storageKind string, env map[string]string) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	for _, key := range knownEnvVars {
		t.Setenv(key, "")
	}
	t.Setenv("LIMITS_CONFIG_FILE", filepath.Join("..", "..", "configs", "limits.yaml"))
	t.Setenv("APP_ENV", string(domain.EnvTest))
	t.Setenv("API_KEY_VALIDATION_ENABLED", "true")
	t.Setenv("API_KEY_MIN_LENGTH", "6")
	t.Setenv("API_KEYS", strings.Join(testAPIKeys, ","))
	t.Setenv("ADMIN_API_KEY", "admin-secret")

	stack := &testStack{now: time.Now().UTC()}

	switch storageKind {
	case "redis":
		mr, err := miniredis.Run()
		require.NoError(t, err)
		stack.redis = mr
		t.Setenv("STORAGE_TYPE", "redis")
		t.Setenv("REDIS_HOST", mr.Host())
		t.Setenv("REDIS_PORT", mr.Port())
	case "sqlite":
		t.Setenv("STORAGE_TYPE", "sqlite")
		t.Setenv("DATABASE_URL", filepath.Join(t.TempDir(), "ratelimiter.db"))
	default:
		t.Setenv("STORAGE_TYPE", "memory")
	}

	for key, value := range env {
		t.Setenv(key, value)
	}

	loader := config.NewConfigLoader()
	cfg, err := loader.LoadConfig()
	require.NoError(t, err)
	seeds, err := loader.LoadSeeds()
	require.NoError(t, err)

	appLogger := logger.NewLoggerWithOutput("error", "json", io.Discard)

	store, err := storage.NewStorageFactory().CreateStorage(cfg.StorageConfig(), appLogger)
	require.NoError(t, err)
	stack.storage = store

	recorder := metrics.NewRecorder()
	configs := service.NewConfigService(store, cfg.ConfigCacheTTL, recorder, appLogger)
	require.NoError(t, configs.EnsureDefaults(context.Background(), seeds))

	engine := service.NewRateLimiterService(store, configs, appLogger,
		service.WithClock(func() time.Time { return stack.now }),
		service.WithEscalationPolicy(cfg.EscalationPolicy()),
		service.WithMetrics(recorder),
		service.WithStoreTimeout(cfg.StoreTimeout),
	)

	handlers := handler.NewHandlers(handler.Dependencies{
		Service:     engine,
		Configs:     configs,
		Storage:     store,
		Metrics:     recorder,
		Settings:    cfg.Settings(),
		AdminAPIKey: cfg.AdminAPIKey,
		Logger:      appLogger,
	})

	stack.router = gin.New()
	stack.router.Use(gin.Recovery())
	handlers.SetupRoutes(stack.router)

	return stack
}

func (s *testStack) close() {
	if s.storage != nil {
		_ = s.storage.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
}

// send executa uma requisição contra o roteador
func (s *testStack) send(method, target string, headers map[string]string, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func statusCodes(responses []*httptest.ResponseRecorder) []int {
	codes := make([]int, len(responses))
	for i, w := range responses {
		codes[i] = w.Code
	}
	return codes
}

func repeat(n int, code int) []int {
	codes := make([]int, n)
	for i := range codes {
		codes[i] = code
	}
	return codes
}
