package domain

import (
	"strings"
	"time"
)

// Environment é o modo de execução do processo
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

// FailMode define o que fazer quando o storage não responde
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// APIKeyValidation agrupa as regras de validação de chave de API
type APIKeyValidation struct {
	Enabled   bool
	MinLength int
	Keys      map[string]struct{}
}

// Valid verifica formato e pertencimento da chave
func (v APIKeyValidation) Valid(key string) bool {
	if len(key) < v.MinLength {
		return false
	}
	_, ok := v.Keys[key]
	return ok
}

// Trusted indica se a chave pode identificar o cliente: só chaves validadas contam
func (v APIKeyValidation) Trusted(key string) bool {
	return key != "" && v.Enabled && v.Valid(key)
}

// JWTValidation agrupa as regras de validação de tokens Bearer
type JWTValidation struct {
	Enabled bool
	Secret  string
}

// Settings são os toggles do processo, montados uma vez no start e injetados
type Settings struct {
	Environment                Environment
	BypassRateLimits           bool
	APIKeyRequiredForAnonymous bool
	APIKeyValidation           APIKeyValidation
	JWTValidation              JWTValidation
	FailMode                   FailMode
	StoreTimeout               time.Duration
	BypassEndpoints            []string
	IPAllowlist                []string
	IPBlocklist                []string
	TrustedProxies             []string
}

// BypassActive só é verdadeiro em desenvolvimento; em produção o flag é ignorado
func (s Settings) BypassActive() bool {
	return s.BypassRateLimits && s.Environment == EnvDevelopment
}

// RejectAnonymous indica se requisições sem usuário nem chave devem receber 401
func (s Settings) RejectAnonymous() bool {
	return s.APIKeyRequiredForAnonymous && s.Environment == EnvProduction
}

// IsBypassEndpoint verifica se o endpoint nunca é limitado nem contado
func (s Settings) IsBypassEndpoint(endpoint string) bool {
	for _, candidate := range s.BypassEndpoints {
		if strings.EqualFold(candidate, endpoint) {
			return true
		}
	}
	return false
}

// IsAllowlistedIP indica um IP que nunca é limitado
func (s Settings) IsAllowlistedIP(ip string) bool {
	return containsIP(s.IPAllowlist, ip)
}

// IsBlocklistedIP indica um IP recusado antes de qualquer contagem
func (s Settings) IsBlocklistedIP(ip string) bool {
	return containsIP(s.IPBlocklist, ip)
}

func containsIP(list []string, ip string) bool {
	if ip == "" {
		return false
	}
	for _, candidate := range list {
		if candidate == ip {
			return true
		}
	}
	return false
}

// DefaultIPAllowlist são os endereços de loopback
func DefaultIPAllowlist() []string {
	return []string{"127.0.0.1", "::1"}
}

// MaxEndpointLength limita o tamanho do caminho usado como chave de contador
const MaxEndpointLength = 1024

// DefaultBypassEndpoints são os endpoints de infraestrutura isentos de limite
func DefaultBypassEndpoints() []string {
	return []string{"/health", "/status", "/ping", "/favicon.ico", "/metrics"}
}
