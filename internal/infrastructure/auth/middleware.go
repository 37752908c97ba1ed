package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/honeynil/ScanOrchestrator/internal/infrastructure/redis"
)

type contextKey struct{}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter for EventSource clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":   false,
		"error":     msg,
		"timestamp": time.Now().UTC(),
	})
}

func AuthMiddleware(redisClient redis.RedisClient, tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := bearerToken(r)
			if tokenStr == "" {
				unauthorized(w, "authorization header missing")
				return
			}

			userID, err := tokens.Validate(tokenStr)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}

			// Check token in Redis
			storedToken, err := redisClient.Get(r.Context(), redis.SessionKey(userID))
			if err != nil || storedToken != tokenStr {
				slog.Error("invalid or revoked token", "user_id", userID, "error", err)
				unauthorized(w, "invalid or revoked token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
