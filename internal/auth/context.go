package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/oscillatelabsllc/skyth/internal/models"
)

type contextKey string

const userKey contextKey = "auth_user"

// WithUser returns ctx carrying user
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the authenticated user
func UserFromContext(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(userKey).(*models.User)
	return u, ok && u != nil
}

// RequireUser rejects requests without a valid session
func (s *Service) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.Authenticate(r)
		if err != nil {
			status := http.StatusUnauthorized
			if !errors.Is(err, ErrNoSession) {
				status = http.StatusInternalServerError
				s.log.Error().Err(err).Msg("failed to resolve user")
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}
