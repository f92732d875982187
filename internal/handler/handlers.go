package handler

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"marketplace-ratelimiter/internal/domain"
	"marketplace-ratelimiter/internal/logger"
	"marketplace-ratelimiter/internal/metrics"
	"marketplace-ratelimiter/internal/middleware"
)

const serviceName = "Marketplace Rate Limiter"

// Dependencies reúne o que os handlers precisam
type Dependencies struct {
	Service     domain.RateLimiterService
	Configs     domain.ConfigService
	Storage     domain.RateLimiterStorage
	Metrics     *metrics.Recorder
	Settings    domain.Settings
	AdminAPIKey string
	Logger      domain.Logger
}

// Handlers contém os handlers da API
type Handlers struct {
	service     domain.RateLimiterService
	configs     domain.ConfigService
	storage     domain.RateLimiterStorage
	metrics     *metrics.Recorder
	settings    domain.Settings
	adminAPIKey string
	logger      domain.Logger
	startTime   time.Time
}

// statsProvider é implementado pelos storages que expõem estatísticas internas
type statsProvider interface {
	GetStats() map[string]interface{}
}

// NewHandlers cria uma nova instância dos handlers
func NewHandlers(deps Dependencies) *Handlers {
	return &Handlers{
		service:     deps.Service,
		configs:     deps.Configs,
		storage:     deps.Storage,
		metrics:     deps.Metrics,
		settings:    deps.Settings,
		adminAPIKey: deps.AdminAPIKey,
		logger:      deps.Logger,
		startTime:   time.Now(),
	}
}

// SetupRoutes configura as rotas da API
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	// Headers de proxy só valem quando o par TCP é um proxy conhecido
	if len(h.settings.TrustedProxies) > 0 {
		if err := router.SetTrustedProxies(h.settings.TrustedProxies); err != nil && h.logger != nil {
			h.logger.Error("Invalid trusted proxies, forwarded headers ignored", err, map[string]interface{}{
				"trusted_proxies": h.settings.TrustedProxies,
			})
		}
	}

	rateLimiterMiddleware := middleware.NewRateLimiterMiddleware(h.service, h.settings, h.metrics, h.logger)

	// Rotas de infraestrutura (isentas pelo próprio middleware)
	router.GET("/health", h.HealthHandler)
	router.GET("/status", h.StatusHandler)
	router.GET("/ping", h.PingHandler)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	// Rotas do marketplace protegidas por rate limiting
	api := router.Group("/api")
	api.Use(rateLimiterMiddleware)
	{
		api.GET("/test", h.ExampleHandler)
		api.GET("/books", h.ExampleHandler)
		api.POST("/books", h.ExampleHandler)
		api.GET("/books/:id", h.ExampleHandler)
		api.GET("/messages", h.ExampleHandler)
		api.POST("/messages", h.ExampleHandler)
		api.GET("/notifications", h.ExampleHandler)
		api.POST("/auth/login", h.ExampleHandler)
		api.POST("/auth/register", h.ExampleHandler)
	}

	// Rotas versionadas caem na mesma config após a normalização
	v1 := router.Group("/api/v1")
	v1.Use(rateLimiterMiddleware)
	{
		v1.GET("/books", h.ExampleHandler)
		v1.POST("/books", h.ExampleHandler)
	}

	// Rotas administrativas (sem rate limiting)
	admin := router.Group("/admin")
	admin.Use(h.AdminAuth())
	{
		admin.GET("/configs", h.AdminListConfigsHandler)
		admin.PUT("/configs", h.AdminUpdateConfigHandler)
		admin.GET("/configs/resolve", h.AdminResolveConfigHandler)
		admin.GET("/status", h.AdminStatusHandler)
		admin.POST("/reset", h.AdminResetHandler)
		admin.POST("/blocks", h.AdminBlockHandler)
		admin.DELETE("/blocks", h.AdminUnblockHandler)
		admin.GET("/violations", h.AdminViolationsHandler)
	}
}

// HealthHandler verifica o storage
func (h *Handlers) HealthHandler(c *gin.Context) {
	response := gin.H{
		"status":    "healthy",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   "1.0.0",
	}

	if h.storage != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := h.storage.Health(ctx); err != nil {
			if h.logger != nil {
				h.logger.Error("Storage health check failed", err, nil)
			}
			response["status"] = "unhealthy"
			response["storage"] = "unavailable"
			c.JSON(http.StatusServiceUnavailable, response)
			return
		}
		response["storage"] = "ok"
	}

	c.JSON(http.StatusOK, response)
}

// PingHandler responde pong
func (h *Handlers) PingHandler(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

// StatusHandler expõe dados de runtime do processo
func (h *Handlers) StatusHandler(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	response := gin.H{
		"service":     serviceName,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"uptime":      time.Since(h.startTime).String(),
		"environment": string(h.settings.Environment),
		"fail_mode":   string(h.settings.FailMode),
		"bypass":      h.settings.BypassActive(),
		"memory": gin.H{
			"alloc":       formatBytes(m.Alloc),
			"total_alloc": formatBytes(m.TotalAlloc),
			"sys":         formatBytes(m.Sys),
			"num_gc":      m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}

	if stats, ok := h.storage.(statsProvider); ok {
		response["storage"] = stats.GetStats()
	}

	c.JSON(http.StatusOK, response)
}

// ExampleHandler simula um endpoint do marketplace protegido por rate limiting
func (h *Handlers) ExampleHandler(c *gin.Context) {
	apiKey := middleware.GetAPIKey(c)

	if h.logger != nil {
		h.logger.WithContext(c.Request.Context()).Debug("Example endpoint accessed", map[string]interface{}{
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		})
	}

	response := gin.H{
		"message":   "Hello from the marketplace API!",
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"client_ip": middleware.GetClientIP(c),
		"path":      c.Request.URL.Path,
		"method":    c.Request.Method,
	}

	if id := c.Param("id"); id != "" {
		response["id"] = id
	}
	if apiKey != "" {
		response["api_key"] = logger.MaskSecret(apiKey)
	}

	c.JSON(http.StatusOK, response)
}

// formatBytes formata bytes em formato legível
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return strconv.FormatUint(bytes, 10) + " B"
	}

	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return strconv.FormatFloat(float64(bytes)/float64(div), 'f', 1, 64) + " " + "KMGTPE"[exp:exp+1] + "B"
}
