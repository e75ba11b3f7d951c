package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims — claims токена, который выпускает внешний IdP/шлюз.
// Группы приходят из OIDC userinfo (claim "groups").
type CustomClaims struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email,omitempty"`
	Groups []string `json:"groups"`
	jwt.RegisteredClaims
}

// OwnerID — идентификатор владельца: user_id, либо sub.
func (c *CustomClaims) OwnerID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// Caller — аутентифицированный оператор, прокинутый middleware в контекст запроса.
type Caller struct {
	ID            string
	Email         string
	Groups        []string
	SourceAddress string
}
