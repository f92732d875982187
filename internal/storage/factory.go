package storage

import (
	"fmt"
	"strings"

	"marketplace-ratelimiter/internal/domain"
)

// StorageType define os tipos de storage disponíveis
type StorageType string

const (
	RedisStorageType    StorageType = "redis"
	MemoryStorageType   StorageType = "memory"
	PostgresStorageType StorageType = "postgres"
	SQLiteStorageType   StorageType = "sqlite"
)

// StorageConfig contém configurações para criação de storage
type StorageConfig struct {
	Type        StorageType
	RedisConfig *RedisConfig
	DatabaseURL string
}

// RedisConfig contém configurações específicas do Redis
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	Database int
}

// StorageFactory cria instâncias de storage seguindo Strategy Pattern
type StorageFactory struct{}

// NewStorageFactory cria uma nova instância da factory
func NewStorageFactory() *StorageFactory {
	return &StorageFactory{}
}

// CreateStorage cria uma instância de storage baseada na configuração
func (f *StorageFactory) CreateStorage(config *StorageConfig, logger domain.Logger) (domain.RateLimiterStorage, error) {
	if err := f.ValidateConfig(config); err != nil {
		return nil, err
	}

	var (
		storage domain.RateLimiterStorage
		err     error
	)

	switch normalizeStorageType(config.Type) {
	case RedisStorageType:
		rc := config.RedisConfig
		storage, err = NewRedisStorage(rc.Host, rc.Port, rc.Password, rc.Database, logger)
	case PostgresStorageType:
		storage, err = NewPostgresStorage(config.DatabaseURL, logger)
	case SQLiteStorageType:
		storage, err = NewSQLiteStorage(config.DatabaseURL, logger)
	case MemoryStorageType:
		storage = NewMemoryStorage(logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s storage: %w", config.Type, err)
	}

	if logger != nil {
		logger.Info("Storage created successfully", map[string]interface{}{
			"type": normalizeStorageType(config.Type),
		})
	}

	return storage, nil
}

// GetSupportedTypes retorna os tipos de storage suportados
func (f *StorageFactory) GetSupportedTypes() []StorageType {
	return []StorageType{MemoryStorageType, RedisStorageType, PostgresStorageType, SQLiteStorageType}
}

// ValidateConfig valida uma configuração de storage
func (f *StorageFactory) ValidateConfig(config *StorageConfig) error {
	if config == nil {
		return fmt.Errorf("storage config cannot be nil")
	}

	switch normalizeStorageType(config.Type) {
	case RedisStorageType:
		return f.validateRedisConfig(config.RedisConfig)
	case PostgresStorageType:
		if config.DatabaseURL == "" {
			return fmt.Errorf("database url cannot be empty for postgres storage")
		}
		return nil
	case MemoryStorageType, SQLiteStorageType:
		// SQLite sem caminho usa banco em memória
		return nil
	default:
		return fmt.Errorf("unsupported storage type: %s", config.Type)
	}
}

// validateRedisConfig valida configuração do Redis
func (f *StorageFactory) validateRedisConfig(config *RedisConfig) error {
	if config == nil {
		return fmt.Errorf("Redis config cannot be nil")
	}

	if config.Host == "" {
		return fmt.Errorf("Redis host cannot be empty")
	}

	if config.Port == "" {
		return fmt.Errorf("Redis port cannot be empty")
	}

	if config.Database < 0 || config.Database > 15 {
		return fmt.Errorf("Redis database must be between 0 and 15, got: %d", config.Database)
	}

	return nil
}

// BuildStorageConfig monta a configuração de storage a partir dos valores já lidos do ambiente
func BuildStorageConfig(storageType, redisHost, redisPort, redisPassword string, redisDB int, databaseURL string) *StorageConfig {
	config := &StorageConfig{
		Type:        normalizeStorageType(StorageType(storageType)),
		DatabaseURL: databaseURL,
	}

	if config.Type == RedisStorageType {
		config.RedisConfig = &RedisConfig{
			Host:     redisHost,
			Port:     redisPort,
			Password: redisPassword,
			Database: redisDB,
		}
	}

	return config
}

func normalizeStorageType(t StorageType) StorageType {
	return StorageType(strings.ToLower(strings.TrimSpace(string(t))))
}
