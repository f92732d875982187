package service

import (
	"context"
	"time"

	"marketplace-ratelimiter/internal/domain"
	"marketplace-ratelimiter/internal/metrics"
)

// staleGrace é quanto uma janela ou bloqueio encerrado ainda fica guardado
const staleGrace = 24 * time.Hour

// CleanupResult resume uma rodada de limpeza
type CleanupResult struct {
	Counters   int64 `json:"counters"`
	Violations int64 `json:"violations"`
	Blocks     int64 `json:"blocks"`
}

// CleanupWorker remove periodicamente contadores, violações e bloqueios antigos
type CleanupWorker struct {
	storage   domain.RateLimiterStorage
	interval  time.Duration
	retention time.Duration
	metrics   *metrics.Recorder
	logger    domain.Logger
	now       func() time.Time
}

// NewCleanupWorker cria o worker; retention vale para o log de violações
func NewCleanupWorker(storage domain.RateLimiterStorage, interval, retention time.Duration, recorder *metrics.Recorder, logger domain.Logger) *CleanupWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &CleanupWorker{
		storage:   storage,
		interval:  interval,
		retention: retention,
		metrics:   recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// Run executa uma limpeza a cada intervalo até o contexto ser cancelado
func (w *CleanupWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("Cleanup worker started", map[string]interface{}{
		"interval":  w.interval.String(),
		"retention": w.retention.String(),
	})

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Cleanup worker stopped", nil)
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce faz uma rodada; falhas de uma etapa não impedem as demais
func (w *CleanupWorker) RunOnce(ctx context.Context) CleanupResult {
	now := w.now()
	var result CleanupResult

	var err error
	if result.Counters, err = w.storage.PurgeCounters(ctx, now.Add(-staleGrace)); err != nil {
		w.logger.Error("Failed to purge counters", err, nil)
	}
	if result.Violations, err = w.storage.PurgeViolations(ctx, now.Add(-w.retention)); err != nil {
		w.logger.Error("Failed to purge violations", err, nil)
	}
	if result.Blocks, err = w.storage.PurgeBlocks(ctx, now.Add(-staleGrace)); err != nil {
		w.logger.Error("Failed to purge blocks", err, nil)
	}

	w.metrics.ObserveCleanup("counters", result.Counters)
	w.metrics.ObserveCleanup("violations", result.Violations)
	w.metrics.ObserveCleanup("blocks", result.Blocks)

	if result.Counters > 0 || result.Violations > 0 || result.Blocks > 0 {
		w.logger.Debug("Cleanup completed", map[string]interface{}{
			"removed_counters":   result.Counters,
			"removed_violations": result.Violations,
			"removed_blocks":     result.Blocks,
		})
	}

	return result
}
