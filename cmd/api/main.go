package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"marketplace-ratelimiter/internal/config"
	"marketplace-ratelimiter/internal/handler"
	"marketplace-ratelimiter/internal/logger"
	"marketplace-ratelimiter/internal/metrics"
	"marketplace-ratelimiter/internal/service"
	"marketplace-ratelimiter/internal/storage"
)

func main() {
	// Carregar configurações
	configLoader := config.NewConfigLoader()
	cfg, err := configLoader.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	seeds, err := configLoader.LoadSeeds()
	if err != nil {
		log.Fatalf("Failed to load rate limit seeds: %v", err)
	}

	// Inicializar logger
	appLogger := logger.NewLogger(cfg.LogLevel, cfg.LogFormat)
	appLogger.Info("Starting Marketplace Rate Limiter", map[string]interface{}{
		"environment": cfg.AppEnv,
		"storage":     cfg.StorageType,
		"fail_mode":   cfg.FailMode,
		"log_level":   cfg.LogLevel,
		"port":        cfg.ServerPort,
	})
	for _, warning := range configLoader.Warnings() {
		appLogger.Warn(warning, nil)
	}

	settings := cfg.Settings()
	if cfg.BypassRateLimits && !settings.BypassActive() {
		appLogger.Warn("BYPASS_RATE_LIMITS ignored outside development", map[string]interface{}{
			"environment": cfg.AppEnv,
		})
	}

	// Inicializar storage
	rateLimiterStorage, err := storage.NewStorageFactory().CreateStorage(cfg.StorageConfig(), appLogger)
	if err != nil {
		appLogger.Error("Failed to create storage", err, nil)
		os.Exit(1)
	}
	defer rateLimiterStorage.Close()

	recorder := metrics.NewRecorder()

	// Camada de configuração; sem o limite global o processo não sobe
	configService := service.NewConfigService(rateLimiterStorage, cfg.ConfigCacheTTL, recorder, appLogger)
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	err = configService.EnsureDefaults(startupCtx, seeds)
	cancelStartup()
	if err != nil {
		appLogger.Error("Failed to seed rate limit configuration", err, nil)
		os.Exit(1)
	}

	// Inicializar service
	rateLimiterService := service.NewRateLimiterService(
		rateLimiterStorage,
		configService,
		appLogger,
		service.WithEscalationPolicy(cfg.EscalationPolicy()),
		service.WithMetrics(recorder),
		service.WithStoreTimeout(cfg.StoreTimeout),
	)

	// Worker de limpeza
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	cleanup := service.NewCleanupWorker(rateLimiterStorage, cfg.CleanupInterval, cfg.ViolationRetention, recorder, appLogger)
	go cleanup.Run(workerCtx)

	// Inicializar handlers
	handlers := handler.NewHandlers(handler.Dependencies{
		Service:     rateLimiterService,
		Configs:     configService,
		Storage:     rateLimiterStorage,
		Metrics:     recorder,
		Settings:    settings,
		AdminAPIKey: cfg.AdminAPIKey,
		Logger:      appLogger,
	})

	// Configurar Gin
	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))

	handlers.SetupRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		appLogger.Info("Starting HTTP server", map[string]interface{}{
			"port": cfg.ServerPort,
			"addr": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Failed to start server", err, nil)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	appLogger.Info("Rate limiter is running", map[string]interface{}{
		"port":           cfg.ServerPort,
		"seeded_configs": len(seeds),
		"default_limits": map[string]interface{}{
			"per_minute": cfg.DefaultRequestsPerMinute,
			"per_hour":   cfg.DefaultRequestsPerHour,
			"per_day":    cfg.DefaultRequestsPerDay,
		},
	})

	<-quit
	appLogger.Info("Shutting down server...", nil)
	stopWorker()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", err, nil)
		return
	}

	appLogger.Info("Server stopped gracefully", nil)
}
