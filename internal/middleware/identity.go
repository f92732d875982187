package middleware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"marketplace-ratelimiter/internal/domain"
)

// Identity é quem está fazendo a requisição, do ponto de vista do limitador
type Identity struct {
	Identifier     string
	IdentifierType domain.IdentifierType
	UserID         string
	APIKey         string
	APIKeyValid    bool
	ClientIP       string
}

// Anonymous indica que não há usuário autenticado nem chave de API validada
func (i Identity) Anonymous() bool {
	return i.UserID == "" && !i.APIKeyValid
}

var errMissingUserClaim = errors.New("token has no user claim")

// resolveIdentity aplica a precedência usuário > chave de API validada > IP.
// Chave sem validação nunca vira identificador: trocar de chave não renova a cota.
func (m *RateLimiterMiddleware) resolveIdentity(c *gin.Context) Identity {
	identity := Identity{APIKey: extractAPIKey(c), ClientIP: extractClientIP(c)}
	identity.APIKeyValid = m.settings.APIKeyValidation.Trusted(identity.APIKey)

	if m.settings.JWTValidation.Enabled {
		if token := extractBearerToken(c); token != "" {
			userID, err := userIDFromToken(token, m.settings.JWTValidation.Secret)
			if err != nil {
				m.logger.Warn("Invalid bearer token", map[string]interface{}{
					"error": err.Error(),
					"path":  c.Request.URL.Path,
				})
			} else {
				identity.UserID = userID
			}
		}
	}

	switch {
	case identity.UserID != "":
		identity.Identifier = identity.UserID
		identity.IdentifierType = domain.IdentifierUser
	case identity.APIKeyValid:
		identity.Identifier = identity.APIKey
		identity.IdentifierType = domain.IdentifierAPIKey
	default:
		identity.Identifier = identity.ClientIP
		identity.IdentifierType = domain.IdentifierIP
	}

	if identity.Identifier == "" {
		identity.Identifier = domain.UnknownIdentifier
	}
	return identity
}

// userIDFromToken valida um JWT HS256 e extrai o id do usuário
func userIDFromToken(tokenString, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errMissingUserClaim
	}

	for _, name := range []string{"user_id", "sub", "id"} {
		value, exists := claims[name]
		if !exists || value == nil {
			continue
		}
		var id string
		switch v := value.(type) {
		case string:
			id = v
		case float64:
			id = fmt.Sprintf("%.0f", v)
		default:
			id = fmt.Sprint(v)
		}
		if id = strings.TrimSpace(id); id != "" {
			return id, nil
		}
	}
	return "", errMissingUserClaim
}

func extractBearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// extractAPIKey extrai a chave de API dos headers ou da query
func extractAPIKey(c *gin.Context) string {
	// Prioridade: X-API-Key > API_KEY > ?api_key=
	if key := c.GetHeader("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}

	if key := c.GetHeader("API_KEY"); key != "" {
		return strings.TrimSpace(key)
	}

	return strings.TrimSpace(c.Query("api_key"))
}

// extractClientIP extrai o IP do cliente considerando proxies e load balancers.
// X-Forwarded-For > X-Real-IP > RemoteAddr, mas os headers só valem quando o
// par TCP está em TRUSTED_PROXIES (engine.SetTrustedProxies).
func extractClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// NormalizeEndpoint remove a barra final e o segmento de versão (/api/v1/books -> /api/books)
func NormalizeEndpoint(path string) string {
	segments := strings.Split(path, "/")
	kept := segments[:0]
	for _, segment := range segments {
		if segment == "" || isVersionSegment(segment) {
			continue
		}
		kept = append(kept, segment)
	}
	if len(kept) == 0 {
		return "/"
	}
	return "/" + strings.Join(kept, "/")
}

func isVersionSegment(segment string) bool {
	if len(segment) < 2 || (segment[0] != 'v' && segment[0] != 'V') {
		return false
	}
	for _, r := range segment[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// GetClientIP é uma função utilitária exportada para uso externo
func GetClientIP(c *gin.Context) string {
	return extractClientIP(c)
}

// GetAPIKey é uma função utilitária exportada para uso externo
func GetAPIKey(c *gin.Context) string {
	return extractAPIKey(c)
}
