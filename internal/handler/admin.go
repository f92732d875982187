package handler

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"marketplace-ratelimiter/internal/domain"
	"marketplace-ratelimiter/internal/logger"
)

// AdminConfigRequest representa o corpo do upsert de config
type AdminConfigRequest struct {
	Endpoint          string `json:"endpoint" binding:"required"`
	Method            string `json:"method"`
	RequestsPerMinute int    `json:"requests_per_minute" binding:"required"`
	RequestsPerHour   int    `json:"requests_per_hour" binding:"required"`
	RequestsPerDay    int    `json:"requests_per_day" binding:"required"`
	IsActive          *bool  `json:"is_active"`
}

// AdminIdentifierRequest identifica o alvo de reset e desbloqueio
type AdminIdentifierRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Type       string `json:"type" binding:"required"`
}

// AdminBlockRequest representa o corpo do bloqueio manual
type AdminBlockRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Type       string `json:"type" binding:"required"`
	// Duration no formato de time.ParseDuration, ex.: "15m"
	Duration string `json:"duration" binding:"required"`
	Reason   string `json:"reason"`
}

// AdminAuth exige X-Admin-Key quando ADMIN_API_KEY está definida.
// Sem chave as rotas só ficam abertas fora de produção.
func (h *Handlers) AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.adminAPIKey == "" {
			if h.settings.Environment == domain.EnvProduction {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "admin API is disabled: ADMIN_API_KEY is not set",
				})
				return
			}
			c.Next()
			return
		}

		provided := c.GetHeader("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.adminAPIKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "valid X-Admin-Key header is required",
			})
			return
		}
		c.Next()
	}
}

// AdminListConfigsHandler lista a tabela de limites
func (h *Handlers) AdminListConfigsHandler(c *gin.Context) {
	configs, err := h.configs.List(c.Request.Context())
	if err != nil {
		h.internalError(c, "Failed to list rate limit configs", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"configs": configs, "count": len(configs)})
}

// AdminUpdateConfigHandler grava uma config por endpoint/método
func (h *Handlers) AdminUpdateConfigHandler(c *gin.Context) {
	var req AdminConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "Invalid request body: "+err.Error())
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	saved, err := h.configs.Update(c.Request.Context(), domain.RateLimitConfig{
		Endpoint: req.Endpoint,
		Method:   req.Method,
		Limits: domain.Limits{
			PerMinute: req.RequestsPerMinute,
			PerHour:   req.RequestsPerHour,
			PerDay:    req.RequestsPerDay,
		},
		IsActive: active,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidConfig) {
			validationError(c, err.Error())
			return
		}
		h.internalError(c, "Failed to update rate limit config", err)
		return
	}

	c.JSON(http.StatusOK, saved)
}

// AdminResolveConfigHandler mostra qual config vale para endpoint e método
func (h *Handlers) AdminResolveConfigHandler(c *gin.Context) {
	endpoint := strings.TrimSpace(c.Query("endpoint"))
	if endpoint == "" {
		validationError(c, "endpoint parameter is required")
		return
	}

	cfg, err := h.configs.Lookup(c.Request.Context(), endpoint, c.DefaultQuery("method", domain.MethodAll))
	if err != nil {
		if errors.Is(err, domain.ErrConfigurationMissing) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": err.Error(),
			})
			return
		}
		h.internalError(c, "Failed to resolve rate limit config", err)
		return
	}

	c.JSON(http.StatusOK, cfg)
}

// AdminStatusHandler implementa endpoint de status administrativo
func (h *Handlers) AdminStatusHandler(c *gin.Context) {
	identifier := strings.TrimSpace(c.Query("identifier"))
	if identifier == "" {
		validationError(c, "identifier parameter is required")
		return
	}

	identifierType, ok := domain.ParseIdentifierType(c.Query("type"))
	if !ok {
		validationError(c, "type must be 'ip', 'api_key' or 'user'")
		return
	}

	status, err := h.service.Status(c.Request.Context(), domain.RequestKey{
		Identifier:     identifier,
		IdentifierType: identifierType,
		Endpoint:       strings.TrimSpace(c.Query("endpoint")),
		Method:         c.Query("method"),
	})
	if err != nil {
		h.internalError(c, "Failed to get identifier status", err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// AdminResetHandler implementa endpoint de reset administrativo
func (h *Handlers) AdminResetHandler(c *gin.Context) {
	req, identifierType, ok := bindIdentifier(c)
	if !ok {
		return
	}

	if err := h.service.Reset(c.Request.Context(), req.Identifier, identifierType); err != nil {
		h.internalError(c, "Failed to reset rate limiter", err)
		return
	}

	h.audit("Rate limiter reset successfully", req.Identifier, identifierType)

	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"message":    "Rate limiter reset successfully",
		"identifier": maskIdentifier(req.Identifier, identifierType),
		"type":       identifierType,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// AdminBlockHandler bloqueia manualmente um identificador
func (h *Handlers) AdminBlockHandler(c *gin.Context) {
	var req AdminBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "Invalid request body: "+err.Error())
		return
	}

	identifierType, ok := domain.ParseIdentifierType(req.Type)
	if !ok {
		validationError(c, "type must be 'ip', 'api_key' or 'user'")
		return
	}

	duration, err := time.ParseDuration(req.Duration)
	if err != nil || duration <= 0 {
		validationError(c, "duration must be a positive duration such as 15m")
		return
	}

	block := domain.Block{
		Identifier:     strings.TrimSpace(req.Identifier),
		IdentifierType: identifierType,
		BlockedUntil:   time.Now().Add(duration).UTC(),
		Reason:         req.Reason,
	}
	if err := h.service.BlockIdentifier(c.Request.Context(), block); err != nil {
		if errors.Is(err, domain.ErrInvalidIdentifier) {
			validationError(c, err.Error())
			return
		}
		h.internalError(c, "Failed to block identifier", err)
		return
	}

	h.audit("Identifier blocked manually", block.Identifier, identifierType)

	c.JSON(http.StatusCreated, gin.H{
		"status":        "success",
		"identifier":    maskIdentifier(block.Identifier, identifierType),
		"type":          identifierType,
		"blocked_until": block.BlockedUntil.Format(time.RFC3339),
	})
}

// AdminUnblockHandler remove o bloqueio de um identificador
func (h *Handlers) AdminUnblockHandler(c *gin.Context) {
	identifier := strings.TrimSpace(c.Query("identifier"))
	identifierType, ok := domain.ParseIdentifierType(c.Query("type"))
	if identifier == "" || !ok {
		validationError(c, "identifier and type parameters are required")
		return
	}

	if err := h.service.Unblock(c.Request.Context(), identifier, identifierType); err != nil {
		h.internalError(c, "Failed to unblock identifier", err)
		return
	}

	h.audit("Identifier unblocked", identifier, identifierType)
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// AdminViolationsHandler lista as violações mais recentes
func (h *Handlers) AdminViolationsHandler(c *gin.Context) {
	filter := domain.ViolationFilter{
		Identifier: strings.TrimSpace(c.Query("identifier")),
	}

	if raw := c.Query("type"); raw != "" {
		identifierType, ok := domain.ParseIdentifierType(raw)
		if !ok {
			validationError(c, "type must be 'ip', 'api_key' or 'user'")
			return
		}
		filter.IdentifierType = identifierType
	}

	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			validationError(c, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = since
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			validationError(c, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	violations, err := h.service.ListViolations(c.Request.Context(), filter)
	if err != nil {
		h.internalError(c, "Failed to list violations", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"violations": violations, "count": len(violations)})
}

func bindIdentifier(c *gin.Context) (AdminIdentifierRequest, domain.IdentifierType, bool) {
	var req AdminIdentifierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "Invalid request body: "+err.Error())
		return req, "", false
	}

	req.Identifier = strings.TrimSpace(req.Identifier)
	identifierType, ok := domain.ParseIdentifierType(req.Type)
	if !ok {
		validationError(c, "type must be 'ip', 'api_key' or 'user'")
		return req, "", false
	}
	return req, identifierType, true
}

func validationError(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": message,
	})
}

func (h *Handlers) internalError(c *gin.Context, message string, err error) {
	if h.logger != nil {
		h.logger.WithContext(c.Request.Context()).Error(message, err, nil)
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_server_error",
		"message": message,
	})
}

func (h *Handlers) audit(message, identifier string, identifierType domain.IdentifierType) {
	if h.logger == nil {
		return
	}
	h.logger.Info(message, map[string]interface{}{
		"identifier":      maskIdentifier(identifier, identifierType),
		"identifier_type": identifierType,
	})
}

// chaves de API nunca voltam inteiras nas respostas
func maskIdentifier(identifier string, identifierType domain.IdentifierType) string {
	if identifierType == domain.IdentifierAPIKey {
		return logger.MaskSecret(identifier)
	}
	return identifier
}
