package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rhpds/workshop-allocator/internal/domain"
)

type authContextKey string

const contextKeyParticipant authContextKey = "allocator-participant"

// requireAuth ensures the request carries a valid bearer token and stores
// the resolved participant on the context.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		participant, err := r.session.Authenticate(req.Context(), token)
		if err != nil {
			r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyParticipant, participant)
		next(w, req.WithContext(ctx))
	}
}

// participantFromContext extracts the authenticated participant.
func participantFromContext(ctx context.Context) (*domain.Participant, bool) {
	participant, ok := ctx.Value(contextKeyParticipant).(*domain.Participant)
	return participant, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
