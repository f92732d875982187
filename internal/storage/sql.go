package storage

import (
	"context"
	"fmt"
	"time"

	"marketplace-ratelimiter/internal/domain"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SQLStorage implementa a interface domain.RateLimiterStorage sobre gorm (Postgres ou SQLite)
type SQLStorage struct {
	db      *gorm.DB
	dialect string
	logger  domain.Logger
}

// NewPostgresStorage conecta no Postgres e migra as tabelas
func NewPostgresStorage(dsn string, logger domain.Logger) (*SQLStorage, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database url cannot be empty")
	}
	return openSQLStorage(postgres.Open(dsn), 0, logger)
}

// NewSQLiteStorage abre um arquivo SQLite (":memory:" nos testes).
// O SQLite só aceita um escritor por vez e cada conexão ":memory:" é um banco novo,
// então o pool fica com uma única conexão desde antes da migração.
func NewSQLiteStorage(path string, logger domain.Logger) (*SQLStorage, error) {
	if path == "" {
		path = ":memory:"
	}
	return openSQLStorage(sqlite.Open(path), 1, logger)
}

// NewSQLStorage abre a conexão com o dialeto informado e executa o AutoMigrate
func NewSQLStorage(dialector gorm.Dialector, logger domain.Logger) (*SQLStorage, error) {
	return openSQLStorage(dialector, 0, logger)
}

func openSQLStorage(dialector gorm.Dialector, maxOpenConns int, logger domain.Logger) (*SQLStorage, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if maxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access connection pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(maxOpenConns)
		sqlDB.SetMaxIdleConns(maxOpenConns)
		sqlDB.SetConnMaxLifetime(0)
	}

	models := []interface{}{
		&configRecord{},
		&counterRecord{},
		&violationRecord{},
		&blockRecord{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if logger != nil {
		logger.Info("SQL storage initialized", map[string]interface{}{
			"dialect": dialector.Name(),
		})
	}

	return &SQLStorage{db: db, dialect: dialector.Name(), logger: logger}, nil
}

// GetCounts lê as linhas das três janelas correntes
func (s *SQLStorage) GetCounts(ctx context.Context, key domain.RequestKey, now time.Time) (domain.Counts, error) {
	start := time.Now()

	counts, err := s.currentCounts(s.db.WithContext(ctx), key, now)
	if err != nil {
		s.logStorageOperation("GET_COUNTS", key.Identifier, false, elapsedMs(start), err)
		return domain.Counts{}, fmt.Errorf("failed to get counters: %w", err)
	}

	s.logStorageOperation("GET_COUNTS", key.Identifier, true, elapsedMs(start), nil)
	return counts, nil
}

// IncrementCounts faz o upsert das três janelas e relê as contagens na mesma transação
func (s *SQLStorage) IncrementCounts(ctx context.Context, key domain.RequestKey, now time.Time) (domain.Counts, error) {
	start := time.Now()
	method := domain.NormalizeMethod(key.Method)

	var counts domain.Counts
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, g := range domain.Granularities {
			windowStart, windowEnd := g.Window(now)
			record := counterRecord{
				Identifier:     key.Identifier,
				IdentifierType: string(key.IdentifierType),
				Endpoint:       key.Endpoint,
				Method:         method,
				Granularity:    string(g),
				WindowStart:    windowStart,
				WindowEnd:      windowEnd,
				RequestCount:   1,
				UpdatedAt:      now.UTC(),
			}

			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "identifier"},
					{Name: "identifier_type"},
					{Name: "endpoint"},
					{Name: "method"},
					{Name: "granularity"},
					{Name: "window_start"},
				},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"request_count": gorm.Expr("rate_limit_counters.request_count + 1"),
					"updated_at":    now.UTC(),
				}),
			}).Create(&record).Error
			if err != nil {
				return err
			}
		}

		var err error
		counts, err = s.currentCounts(tx, key, now)
		return err
	})
	if err != nil {
		s.logStorageOperation("INCREMENT", key.Identifier, false, elapsedMs(start), err)
		return domain.Counts{}, fmt.Errorf("failed to increment counters: %w", err)
	}

	s.logStorageOperation("INCREMENT", key.Identifier, true, elapsedMs(start), nil)
	return counts, nil
}

func (s *SQLStorage) currentCounts(db *gorm.DB, key domain.RequestKey, now time.Time) (domain.Counts, error) {
	minuteStart, _ := domain.Minute.Window(now)
	hourStart, _ := domain.Hour.Window(now)
	dayStart, _ := domain.Day.Window(now)

	var records []counterRecord
	err := db.
		Where("identifier = ? AND identifier_type = ? AND endpoint = ? AND method = ?",
			key.Identifier, string(key.IdentifierType), key.Endpoint, domain.NormalizeMethod(key.Method)).
		Where("(granularity = ? AND window_start = ?) OR (granularity = ? AND window_start = ?) OR (granularity = ? AND window_start = ?)",
			string(domain.Minute), minuteStart,
			string(domain.Hour), hourStart,
			string(domain.Day), dayStart).
		Find(&records).Error
	if err != nil {
		return domain.Counts{}, err
	}

	var counts domain.Counts
	for _, record := range records {
		counts.Set(domain.Granularity(record.Granularity), record.RequestCount)
	}
	return counts, nil
}

// ResetCounts apaga os contadores do identificador
func (s *SQLStorage) ResetCounts(ctx context.Context, identifier string, identifierType domain.IdentifierType) error {
	start := time.Now()

	err := s.db.WithContext(ctx).
		Where("identifier = ? AND identifier_type = ?", identifier, string(identifierType)).
		Delete(&counterRecord{}).Error
	if err != nil {
		s.logStorageOperation("RESET", identifier, false, elapsedMs(start), err)
		return fmt.Errorf("failed to reset counters for %s: %w", identifier, err)
	}

	s.logStorageOperation("RESET", identifier, true, elapsedMs(start), nil)
	return nil
}

// PurgeCounters remove janelas encerradas antes de before
func (s *SQLStorage) PurgeCounters(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("window_end < ?", before.UTC()).Delete(&counterRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge counters: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// GetBlock retorna nil, nil quando não há linha
func (s *SQLStorage) GetBlock(ctx context.Context, identifier string, identifierType domain.IdentifierType) (*domain.Block, error) {
	start := time.Now()

	var records []blockRecord
	err := s.db.WithContext(ctx).
		Where("identifier = ? AND identifier_type = ?", identifier, string(identifierType)).
		Limit(1).
		Find(&records).Error
	if err != nil {
		s.logStorageOperation("GET_BLOCK", identifier, false, elapsedMs(start), err)
		return nil, fmt.Errorf("failed to get block for %s: %w", identifier, err)
	}

	s.logStorageOperation("GET_BLOCK", identifier, true, elapsedMs(start), nil)
	if len(records) == 0 {
		return nil, nil
	}
	block := records[0].toDomain()
	return &block, nil
}

// PutBlock cria ou substitui o bloqueio
func (s *SQLStorage) PutBlock(ctx context.Context, block domain.Block) error {
	start := time.Now()

	record := blockRecord{
		Identifier:     block.Identifier,
		IdentifierType: string(block.IdentifierType),
		BlockedUntil:   block.BlockedUntil.UTC(),
		Reason:         block.Reason,
		CreatedAt:      block.CreatedAt.UTC(),
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identifier"}, {Name: "identifier_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"blocked_until", "reason", "created_at"}),
	}).Create(&record).Error
	if err != nil {
		s.logStorageOperation("BLOCK", block.Identifier, false, elapsedMs(start), err)
		return fmt.Errorf("failed to put block for %s: %w", block.Identifier, err)
	}

	s.logStorageOperation("BLOCK", block.Identifier, true, elapsedMs(start), nil)
	return nil
}

// DeleteBlock remove o bloqueio
func (s *SQLStorage) DeleteBlock(ctx context.Context, identifier string, identifierType domain.IdentifierType) error {
	err := s.db.WithContext(ctx).
		Where("identifier = ? AND identifier_type = ?", identifier, string(identifierType)).
		Delete(&blockRecord{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete block for %s: %w", identifier, err)
	}
	return nil
}

// PurgeBlocks remove bloqueios vencidos antes de before
func (s *SQLStorage) PurgeBlocks(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("blocked_until < ?", before.UTC()).Delete(&blockRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge blocks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// AppendViolation insere uma linha no log de violações
func (s *SQLStorage) AppendViolation(ctx context.Context, violation domain.Violation) error {
	start := time.Now()

	record := toViolationRecord(violation)
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logStorageOperation("APPEND_VIOLATION", violation.Identifier, false, elapsedMs(start), err)
		return fmt.Errorf("failed to append violation: %w", err)
	}

	s.logStorageOperation("APPEND_VIOLATION", violation.Identifier, true, elapsedMs(start), nil)
	return nil
}

// CountViolations conta as violações do identificador desde since, sem as de bloqueio
func (s *SQLStorage) CountViolations(ctx context.Context, identifier string, identifierType domain.IdentifierType, since time.Time) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&violationRecord{}).
		Where("identifier = ? AND identifier_type = ? AND occurred_at >= ? AND limit_exceeded <> ?",
			identifier, string(identifierType), since.UTC(), string(domain.ViolationBlocked)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count violations: %w", err)
	}
	return int(count), nil
}

// ListViolations retorna as violações mais recentes primeiro
func (s *SQLStorage) ListViolations(ctx context.Context, filter domain.ViolationFilter) ([]domain.Violation, error) {
	query := s.db.WithContext(ctx).Model(&violationRecord{})
	if filter.Identifier != "" {
		query = query.Where("identifier = ?", filter.Identifier)
	}
	if filter.IdentifierType != "" {
		query = query.Where("identifier_type = ?", string(filter.IdentifierType))
	}
	if !filter.Since.IsZero() {
		query = query.Where("occurred_at >= ?", filter.Since.UTC())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var records []violationRecord
	if err := query.Order("occurred_at DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}

	violations := make([]domain.Violation, 0, len(records))
	for _, record := range records {
		violations = append(violations, record.toDomain())
	}
	return violations, nil
}

// PurgeViolations remove violações anteriores a before
func (s *SQLStorage) PurgeViolations(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("occurred_at < ?", before.UTC()).Delete(&violationRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge violations: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListConfigs retorna a tabela de limites
func (s *SQLStorage) ListConfigs(ctx context.Context) ([]domain.RateLimitConfig, error) {
	start := time.Now()

	var records []configRecord
	if err := s.db.WithContext(ctx).Order("endpoint, method").Find(&records).Error; err != nil {
		s.logStorageOperation("LIST_CONFIGS", "configs", false, elapsedMs(start), err)
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}

	configs := make([]domain.RateLimitConfig, 0, len(records))
	for _, record := range records {
		configs = append(configs, record.toDomain())
	}

	s.logStorageOperation("LIST_CONFIGS", "configs", true, elapsedMs(start), nil)
	return configs, nil
}

// UpsertConfig grava por (endpoint, method)
func (s *SQLStorage) UpsertConfig(ctx context.Context, config domain.RateLimitConfig) error {
	start := time.Now()

	record := toConfigRecord(config)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "endpoint"}, {Name: "method"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"requests_per_minute",
			"requests_per_hour",
			"requests_per_day",
			"is_active",
			"updated_at",
		}),
	}).Create(&record).Error
	if err != nil {
		s.logStorageOperation("UPSERT_CONFIG", config.Endpoint, false, elapsedMs(start), err)
		return fmt.Errorf("failed to upsert config %s %s: %w", record.Method, record.Endpoint, err)
	}

	s.logStorageOperation("UPSERT_CONFIG", config.Endpoint, true, elapsedMs(start), nil)
	return nil
}

// Health executa um ping no pool
func (s *SQLStorage) Health(ctx context.Context) error {
	start := time.Now()

	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		s.logStorageOperation("HEALTH", "ping", false, elapsedMs(start), err)
		return fmt.Errorf("%s health check failed: %w", s.dialect, err)
	}

	s.logStorageOperation("HEALTH", "ping", true, elapsedMs(start), nil)
	return nil
}

// Close fecha o pool de conexões
func (s *SQLStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.Close(); err != nil {
		if s.logger != nil {
			s.logger.Error("Failed to close database connection", err, nil)
		}
		return err
	}
	if s.logger != nil {
		s.logger.Info("Database connection closed", map[string]interface{}{"dialect": s.dialect})
	}
	return nil
}

// logStorageOperation registra operações de storage
func (s *SQLStorage) logStorageOperation(operation, key string, success bool, latency float64, err error) {
	logStorageOperation(s.logger, s.dialect, operation, key, success, latency, err)
}
