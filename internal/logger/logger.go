package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"marketplace-ratelimiter/internal/domain"

	"github.com/sirupsen/logrus"
)

// StructuredLogger implementa a interface domain.Logger sobre logrus
type StructuredLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// contextKey define chaves para contexto
type contextKey string

const (
	RequestIDKey      contextKey = "request_id"
	IdentifierKey     contextKey = "identifier"
	IdentifierTypeKey contextKey = "identifier_type"
	EndpointKey       contextKey = "endpoint"
	MethodKey         contextKey = "method"
)

// NewLogger cria uma nova instância do logger estruturado
func NewLogger(level, format string) domain.Logger {
	return NewLoggerWithOutput(level, format, os.Stdout)
}

// NewLoggerWithOutput permite direcionar a saída (usado nos testes)
func NewLoggerWithOutput(level, format string, out io.Writer) *StructuredLogger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	switch strings.ToLower(format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
				logrus.FieldKeyFunc:  "function",
			},
		})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	logger.SetOutput(out)

	return &StructuredLogger{
		logger: logger,
		fields: make(logrus.Fields),
	}
}

// Debug registra uma mensagem de debug
func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	l.logWithFields(logrus.DebugLevel, msg, fields)
}

// Info registra uma mensagem informativa
func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.logWithFields(logrus.InfoLevel, msg, fields)
}

// Warn registra uma mensagem de warning
func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.logWithFields(logrus.WarnLevel, msg, fields)
}

// Error registra uma mensagem de erro
func (l *StructuredLogger) Error(msg string, err error, fields map[string]interface{}) {
	merged := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	if err != nil {
		merged["error"] = err.Error()
	}
	l.logWithFields(logrus.ErrorLevel, msg, merged)
}

// WithContext cria um novo logger com os dados da requisição guardados no contexto
func (l *StructuredLogger) WithContext(ctx context.Context) domain.Logger {
	return l.with(extractContextFields(ctx))
}

// WithFields cria um novo logger com campos fixos
func (l *StructuredLogger) WithFields(fields map[string]interface{}) domain.Logger {
	return l.with(logrus.Fields(fields))
}

func (l *StructuredLogger) with(extra logrus.Fields) *StructuredLogger {
	merged := make(logrus.Fields, len(l.fields)+len(extra))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}

	return &StructuredLogger{
		logger: l.logger,
		fields: merged,
	}
}

// logWithFields registra uma mensagem com campos específicos
func (l *StructuredLogger) logWithFields(level logrus.Level, msg string, fields map[string]interface{}) {
	allFields := make(logrus.Fields, len(l.fields)+len(fields)+2)

	for k, v := range l.fields {
		allFields[k] = v
	}
	for k, v := range fields {
		allFields[k] = v
	}

	allFields["component"] = "rate_limiter"
	if version := os.Getenv("APP_VERSION"); version != "" {
		allFields["version"] = version
	}

	l.logger.WithFields(allFields).Log(level, msg)
}

// extractContextFields extrai campos relevantes do contexto
func extractContextFields(ctx context.Context) logrus.Fields {
	fields := make(logrus.Fields)

	if ctx == nil {
		return fields
	}

	for _, key := range []contextKey{RequestIDKey, IdentifierTypeKey, EndpointKey, MethodKey} {
		if value := ctx.Value(key); value != nil {
			fields[string(key)] = value
		}
	}

	// chaves de API nunca vão inteiras para o log
	if identifier, ok := ctx.Value(IdentifierKey).(string); ok && identifier != "" {
		if ctx.Value(IdentifierTypeKey) == domain.IdentifierAPIKey {
			identifier = MaskSecret(identifier)
		}
		fields[string(IdentifierKey)] = identifier
	}

	return fields
}

// LogDecisionEvent registra o desfecho de uma verificação de limite
func (l *StructuredLogger) LogDecisionEvent(key domain.RequestKey, decision *domain.Decision, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}

	identifier := key.Identifier
	if key.IdentifierType == domain.IdentifierAPIKey {
		identifier = MaskSecret(identifier)
	}

	fields["identifier"] = identifier
	fields["identifier_type"] = key.IdentifierType
	fields["endpoint"] = key.Endpoint
	fields["method"] = key.Method
	fields["allowed"] = decision.Allowed
	fields["blocked"] = decision.Blocked
	fields["current_minute"] = decision.Current.Minute
	fields["limit_minute"] = decision.Limits.PerMinute

	if decision.Allowed {
		l.Debug("Rate limit check passed", fields)
		return
	}

	fields["limit_exceeded"] = decision.Exceeded
	l.Warn("Rate limit exceeded", fields)
}

// LogStorageEvent registra eventos do storage
func (l *StructuredLogger) LogStorageEvent(backend, operation, key string, latency float64, err error) {
	fields := map[string]interface{}{
		"backend":    backend,
		"operation":  operation,
		"key":        key,
		"success":    err == nil,
		"latency_ms": latency,
	}

	if err != nil {
		l.Error("Storage operation failed", err, fields)
		return
	}
	l.Debug("Storage operation completed", fields)
}

// ContextWithRequestInfo adiciona as informações da requisição ao contexto
func ContextWithRequestInfo(ctx context.Context, requestID string, key domain.RequestKey) context.Context {
	ctx = context.WithValue(ctx, RequestIDKey, requestID)
	ctx = context.WithValue(ctx, IdentifierKey, key.Identifier)
	ctx = context.WithValue(ctx, IdentifierTypeKey, key.IdentifierType)
	ctx = context.WithValue(ctx, EndpointKey, key.Endpoint)
	ctx = context.WithValue(ctx, MethodKey, key.Method)
	return ctx
}

// GetRequestID extrai o request ID do contexto
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// MaskSecret mascara chaves e tokens para logs de segurança
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return secret + "***"
	}
	return secret[:8] + "***"
}
