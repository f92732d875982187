package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"marketplace-ratelimiter/internal/domain"
	"marketplace-ratelimiter/internal/storage"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config representa todas as configurações da aplicação, lidas uma vez no start
type Config struct {
	// Ambiente e toggles de segurança
	AppEnv                     domain.Environment
	BypassRateLimits           bool
	APIKeyRequiredForAnonymous bool
	APIKeyValidationEnabled    bool
	APIKeys                    []string
	APIKeyMinLength            int
	JWTValidationEnabled       bool
	JWTSecret                  string
	AdminAPIKey                string
	IPWhitelist                []string
	IPBlacklist                []string
	TrustedProxies             []string

	// Storage
	StorageType   string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	DatabaseURL   string

	// Limites
	DefaultRequestsPerMinute int
	DefaultRequestsPerHour   int
	DefaultRequestsPerDay    int
	LimitsConfigFile         string
	ConfigCacheTTL           time.Duration
	StoreTimeout             time.Duration
	FailMode                 domain.FailMode
	BypassEndpoints          []string

	// Escada de punições
	EscalationWarnAfter      int
	EscalationBlockAfter     int
	EscalationWindow         time.Duration
	EscalationBlockDurations []time.Duration

	// Limpeza
	ViolationRetention time.Duration
	CleanupInterval    time.Duration

	// Server Configuration
	ServerPort string
	GinMode    string

	// Logging Configuration
	LogLevel  string
	LogFormat string
}

// LimitsFile é o formato do arquivo YAML de limites por endpoint
type LimitsFile struct {
	Limits []LimitEntry `yaml:"limits" validate:"dive"`
}

// LimitEntry é uma linha do arquivo de limites
type LimitEntry struct {
	Endpoint      string `yaml:"endpoint" validate:"required"`
	Method        string `yaml:"method"`
	domain.Limits `yaml:",inline"`
	IsActive      *bool `yaml:"is_active"`
}

// ConfigLoader carrega .env, variáveis de ambiente e o arquivo de limites
type ConfigLoader struct {
	config   *Config
	validate *validator.Validate
	warnings []string
}

// NewConfigLoader cria uma nova instância do ConfigLoader
func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{validate: validator.New()}
}

// LoadConfig carrega as configurações do .env e do ambiente
func (c *ConfigLoader) LoadConfig() (*Config, error) {
	// Carrega o arquivo .env se existir; sem ele valem as variáveis do sistema
	_ = godotenv.Load()

	config, err := c.loadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	c.config = config
	return config, nil
}

// GetConfig retorna a configuração atual
func (c *ConfigLoader) GetConfig() *Config {
	return c.config
}

// Warnings retorna os avisos acumulados no carregamento, para o main registrar no logger
func (c *ConfigLoader) Warnings() []string {
	return c.warnings
}

// LoadSeeds monta as configs iniciais: o limite global dos DEFAULT_* mais o arquivo YAML.
// Linhas do arquivo com o mesmo endpoint/método substituem o padrão.
func (c *ConfigLoader) LoadSeeds() ([]domain.RateLimitConfig, error) {
	if c.config == nil {
		return nil, errors.New("config not loaded")
	}

	seeds := []domain.RateLimitConfig{{
		Endpoint: domain.WildcardEndpoint,
		Method:   domain.MethodAll,
		Limits: domain.Limits{
			PerMinute: c.config.DefaultRequestsPerMinute,
			PerHour:   c.config.DefaultRequestsPerHour,
			PerDay:    c.config.DefaultRequestsPerDay,
		},
		IsActive: true,
	}}

	if c.config.LimitsConfigFile == "" {
		return seeds, nil
	}

	if _, err := os.Stat(c.config.LimitsConfigFile); os.IsNotExist(err) {
		c.warnings = append(c.warnings,
			fmt.Sprintf("limits config file %s not found, using only environment defaults", c.config.LimitsConfigFile))
		return seeds, nil
	}

	fileSeeds, err := c.LoadLimitsFile(c.config.LimitsConfigFile)
	if err != nil {
		return nil, err
	}

	for _, seed := range fileSeeds {
		replaced := false
		for i := range seeds {
			if seeds[i].Endpoint == seed.Endpoint && seeds[i].Method == seed.Method {
				seeds[i] = seed
				replaced = true
				break
			}
		}
		if !replaced {
			seeds = append(seeds, seed)
		}
	}

	return seeds, nil
}

// LoadLimitsFile lê e valida o arquivo YAML de limites
func (c *ConfigLoader) LoadLimitsFile(path string) ([]domain.RateLimitConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read limits config file: %w", err)
	}

	var file LimitsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse limits config file: %w", err)
	}

	if err := c.validate.Struct(file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidConfig, path, err)
	}

	configs := make([]domain.RateLimitConfig, 0, len(file.Limits))
	for _, entry := range file.Limits {
		active := true
		if entry.IsActive != nil {
			active = *entry.IsActive
		}
		configs = append(configs, domain.RateLimitConfig{
			Endpoint: strings.TrimSpace(entry.Endpoint),
			Method:   domain.NormalizeMethod(entry.Method),
			Limits:   entry.Limits,
			IsActive: active,
		})
	}

	return configs, nil
}

// Settings monta os toggles de processo injetados no middleware
func (c *Config) Settings() domain.Settings {
	keys := make(map[string]struct{}, len(c.APIKeys))
	for _, key := range c.APIKeys {
		keys[key] = struct{}{}
	}

	return domain.Settings{
		Environment:                c.AppEnv,
		BypassRateLimits:           c.BypassRateLimits,
		APIKeyRequiredForAnonymous: c.APIKeyRequiredForAnonymous,
		APIKeyValidation: domain.APIKeyValidation{
			Enabled:   c.APIKeyValidationEnabled,
			MinLength: c.APIKeyMinLength,
			Keys:      keys,
		},
		JWTValidation: domain.JWTValidation{
			Enabled: c.JWTValidationEnabled,
			Secret:  c.JWTSecret,
		},
		FailMode:        c.FailMode,
		StoreTimeout:    c.StoreTimeout,
		BypassEndpoints: c.BypassEndpoints,
		IPAllowlist:     c.IPWhitelist,
		IPBlocklist:     c.IPBlacklist,
		TrustedProxies:  c.TrustedProxies,
	}
}

// EscalationPolicy monta a escada de punições configurada
func (c *Config) EscalationPolicy() domain.EscalationPolicy {
	return domain.EscalationPolicy{
		WarnAfter:      c.EscalationWarnAfter,
		BlockAfter:     c.EscalationBlockAfter,
		Window:         c.EscalationWindow,
		BlockDurations: c.EscalationBlockDurations,
	}
}

// StorageConfig monta a configuração da factory de storage
func (c *Config) StorageConfig() *storage.StorageConfig {
	return storage.BuildStorageConfig(c.StorageType, c.RedisHost, c.RedisPort, c.RedisPassword, c.RedisDB, c.DatabaseURL)
}

// loadFromEnv carrega configurações das variáveis de ambiente
func (c *ConfigLoader) loadFromEnv() (*Config, error) {
	config := &Config{
		AppEnv:      domain.Environment(strings.ToLower(getEnvWithDefault("APP_ENV", string(domain.EnvDevelopment)))),
		JWTSecret:   getEnvWithDefault("JWT_SECRET", ""),
		AdminAPIKey: getEnvWithDefault("ADMIN_API_KEY", ""),
		APIKeys:     splitList(getEnvWithDefault("API_KEYS", "")),

		IPWhitelist:    splitList(getEnvWithDefault("IP_WHITELIST", strings.Join(domain.DefaultIPAllowlist(), ","))),
		IPBlacklist:    splitList(getEnvWithDefault("IP_BLACKLIST", "")),
		TrustedProxies: splitList(getEnvWithDefault("TRUSTED_PROXIES", "")),

		// Storage defaults
		StorageType:   getEnvWithDefault("STORAGE_TYPE", "memory"),
		RedisHost:     getEnvWithDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvWithDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvWithDefault("REDIS_PASSWORD", ""),
		DatabaseURL:   getEnvWithDefault("DATABASE_URL", ""),

		LimitsConfigFile: getEnvWithDefault("LIMITS_CONFIG_FILE", "configs/limits.yaml"),
		FailMode:         domain.FailMode(strings.ToLower(getEnvWithDefault("FAIL_MODE", string(domain.FailOpen)))),
		BypassEndpoints:  splitList(getEnvWithDefault("BYPASS_ENDPOINTS", strings.Join(domain.DefaultBypassEndpoints(), ","))),

		// Server defaults
		ServerPort: getEnvWithDefault("SERVER_PORT", "8080"),
		GinMode:    getEnvWithDefault("GIN_MODE", "debug"),

		// Logging defaults
		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "json"),
	}

	var err error
	parsers := []func() error{
		boolVar(&config.BypassRateLimits, "BYPASS_RATE_LIMITS", false),
		boolVar(&config.APIKeyRequiredForAnonymous, "API_KEY_REQUIRED_FOR_ANONYMOUS", true),
		// validação de chave ligada por padrão só em produção
		boolVar(&config.APIKeyValidationEnabled, "API_KEY_VALIDATION_ENABLED", config.AppEnv == domain.EnvProduction),
		boolVar(&config.JWTValidationEnabled, "JWT_VALIDATION_ENABLED", false),
		intVar(&config.APIKeyMinLength, "API_KEY_MIN_LENGTH", 32),
		intVar(&config.RedisDB, "REDIS_DB", 0),
		intVar(&config.DefaultRequestsPerMinute, "DEFAULT_REQUESTS_PER_MINUTE", 50),
		intVar(&config.DefaultRequestsPerHour, "DEFAULT_REQUESTS_PER_HOUR", 2000),
		intVar(&config.DefaultRequestsPerDay, "DEFAULT_REQUESTS_PER_DAY", 10000),
		intVar(&config.EscalationWarnAfter, "ESCALATION_WARN_AFTER", 3),
		intVar(&config.EscalationBlockAfter, "ESCALATION_BLOCK_AFTER", 5),
		durationVar(&config.ConfigCacheTTL, "CONFIG_CACHE_TTL", 30*time.Second),
		durationVar(&config.StoreTimeout, "STORE_TIMEOUT", 2*time.Second),
		durationVar(&config.EscalationWindow, "ESCALATION_WINDOW", 24*time.Hour),
		durationVar(&config.ViolationRetention, "VIOLATION_RETENTION", 720*time.Hour),
		durationVar(&config.CleanupInterval, "CLEANUP_INTERVAL", time.Hour),
	}
	for _, parse := range parsers {
		if err = parse(); err != nil {
			return nil, err
		}
	}

	config.EscalationBlockDurations, err = parseDurations(getEnvWithDefault("ESCALATION_BLOCK_DURATIONS", "1m,5m,15m,1h"))
	if err != nil {
		return nil, fmt.Errorf("invalid ESCALATION_BLOCK_DURATIONS value: %w", err)
	}

	// Valida configurações obrigatórias
	if err := c.validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateConfig valida se as configurações são válidas
func (c *ConfigLoader) validateConfig(config *Config) error {
	switch config.AppEnv {
	case domain.EnvDevelopment, domain.EnvProduction, domain.EnvTest:
	default:
		return fmt.Errorf("APP_ENV must be development, production or test")
	}

	if config.DefaultRequestsPerMinute <= 0 || config.DefaultRequestsPerHour <= 0 || config.DefaultRequestsPerDay <= 0 {
		return fmt.Errorf("DEFAULT_REQUESTS_PER_MINUTE, DEFAULT_REQUESTS_PER_HOUR and DEFAULT_REQUESTS_PER_DAY must be greater than 0")
	}

	if config.FailMode != domain.FailOpen && config.FailMode != domain.FailClosed {
		return fmt.Errorf("FAIL_MODE must be open or closed")
	}

	if config.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be greater than 0")
	}

	if config.RedisDB < 0 || config.RedisDB > 15 {
		return fmt.Errorf("REDIS_DB must be between 0 and 15")
	}

	if config.JWTValidationEnabled && config.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when JWT_VALIDATION_ENABLED is true")
	}

	if config.APIKeyValidationEnabled && len(config.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required when API_KEY_VALIDATION_ENABLED is true")
	}

	if config.AppEnv == domain.EnvProduction && config.AdminAPIKey == "" {
		return fmt.Errorf("ADMIN_API_KEY is required when APP_ENV is production")
	}

	for _, list := range [][]string{config.IPWhitelist, config.IPBlacklist} {
		for _, ip := range list {
			if net.ParseIP(ip) == nil {
				return fmt.Errorf("invalid IP address in IP_WHITELIST/IP_BLACKLIST: %s", ip)
			}
		}
	}

	for _, proxy := range config.TrustedProxies {
		if net.ParseIP(proxy) == nil {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid TRUSTED_PROXIES entry: %s", proxy)
			}
		}
	}

	if config.EscalationBlockAfter > 0 && config.EscalationWarnAfter > config.EscalationBlockAfter {
		return fmt.Errorf("ESCALATION_WARN_AFTER must not exceed ESCALATION_BLOCK_AFTER")
	}

	if err := storage.NewStorageFactory().ValidateConfig(config.StorageConfig()); err != nil {
		return err
	}

	return nil
}

// getEnvWithDefault retorna o valor da variável de ambiente ou um valor padrão
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func boolVar(target *bool, key string, defaultValue bool) func() error {
	return func() error {
		value, err := strconv.ParseBool(getEnvWithDefault(key, strconv.FormatBool(defaultValue)))
		if err != nil {
			return fmt.Errorf("invalid %s value: %w", key, err)
		}
		*target = value
		return nil
	}
}

func intVar(target *int, key string, defaultValue int) func() error {
	return func() error {
		value, err := strconv.Atoi(getEnvWithDefault(key, strconv.Itoa(defaultValue)))
		if err != nil {
			return fmt.Errorf("invalid %s value: %w", key, err)
		}
		*target = value
		return nil
	}
}

func durationVar(target *time.Duration, key string, defaultValue time.Duration) func() error {
	return func() error {
		value, err := time.ParseDuration(getEnvWithDefault(key, defaultValue.String()))
		if err != nil {
			return fmt.Errorf("invalid %s value: %w", key, err)
		}
		*target = value
		return nil
	}
}

func parseDurations(value string) ([]time.Duration, error) {
	var durations []time.Duration
	for _, item := range splitList(value) {
		d, err := time.ParseDuration(item)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("duration %s must be positive", item)
		}
		durations = append(durations, d)
	}
	return durations, nil
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
