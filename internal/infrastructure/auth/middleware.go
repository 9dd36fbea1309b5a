package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/honeynil/LeadMarketService/internal/infrastructure/redis"
	"github.com/honeynil/LeadMarketService/internal/models"
)

type principalKey struct{}

func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(models.Principal)
	return p, ok
}

func AuthMiddleware(redisClient redis.RedisClient, jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "authorization header missing", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := ParseToken(jwtSecret, parts[1])
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			// Check the denylist in Redis
			if claims.ID != "" {
				_, err := redisClient.Get(r.Context(), revokedPrefix+claims.ID)
				switch {
				case err == nil:
					slog.Warn("revoked token used", "security", true, "user_id", claims.UserID)
					http.Error(w, "invalid or revoked token", http.StatusUnauthorized)
					return
				case !errors.Is(err, redis.ErrKeyNotFound):
					slog.Error("failed to check token revocation", "user_id", claims.UserID, "error", err)
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
					return
				}
			}

			ctx := WithPrincipal(r.Context(), models.Principal{UserID: claims.UserID, Role: claims.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
