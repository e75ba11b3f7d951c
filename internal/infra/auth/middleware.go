package auth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/xela07ax/webasset-gate/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator — проверка bearer-токена оператора.
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

type ctxKey struct{}

// CallerFromContext достает оператора, положенного middleware.
func CallerFromContext(ctx context.Context) (domain.Caller, bool) {
	c, ok := ctx.Value(ctxKey{}).(domain.Caller)
	return c, ok
}

// WithCaller кладет оператора в контекст (middleware и тесты).
func WithCaller(ctx context.Context, c domain.Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.String("remote", r.RemoteAddr), zap.Error(err))
				unauthorized(w)
				return
			}

			// Прокидываем данные в контекст
			ctx := WithCaller(r.Context(), domain.Caller{
				ID:            claims.OwnerID(),
				Email:         claims.Email,
				Groups:        claims.Groups,
				SourceAddress: clientIP(r),
			})

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

// clientIP — RemoteAddr без порта (chi RealIP уже подставил X-Forwarded-For).
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
