package storage

import (
	"fmt"
	"time"

	"marketplace-ratelimiter/internal/domain"
)

const keyPrefix = "rl"

// identifierKey agrupa tudo que pertence a um identificador (contadores e bloqueio)
func identifierKey(identifier string, identifierType domain.IdentifierType) string {
	return fmt.Sprintf("%s:%s", identifierType, identifier)
}

// counterKey identifica o contador de uma granularidade, sem a janela
func counterKey(key domain.RequestKey, g domain.Granularity) string {
	return fmt.Sprintf("%s:%s:%s:%s",
		identifierKey(key.Identifier, key.IdentifierType),
		domain.NormalizeMethod(key.Method),
		key.Endpoint,
		g,
	)
}

// windowedCounterKey identifica o contador de uma janela específica (usado no Redis)
func windowedCounterKey(key domain.RequestKey, g domain.Granularity, windowStart time.Time) string {
	return fmt.Sprintf("%s:counter:%s:%d", keyPrefix, counterKey(key, g), windowStart.Unix())
}

func configKey(endpoint, method string) string {
	return endpoint + "|" + domain.NormalizeMethod(method)
}

// elapsedMs segue o formato de latência usado nos logs de storage
func elapsedMs(start time.Time) float64 {
	return time.Since(start).Seconds() * 1000
}
