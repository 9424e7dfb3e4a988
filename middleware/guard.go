package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/MrEthical07/regflow"
)

// TicketValidator is satisfied by *regflow.Engine.
type TicketValidator interface {
	ValidateTicket(token string) (regflow.TicketClaims, error)
}

type ticketContextKey struct{}

// TicketFromContext returns the claims RequireTicket stored.
func TicketFromContext(ctx context.Context) (regflow.TicketClaims, bool) {
	claims, ok := ctx.Value(ticketContextKey{}).(regflow.TicketClaims)
	return claims, ok
}

// RequireTicket rejects requests without a valid bearer ticket. The reason
// is never echoed to the client.
func RequireTicket(validator TicketValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r.Header.Get("Authorization"))
			if validator == nil || token == "" {
				unauthorized(w)
				return
			}
			claims, err := validator.ValidateTicket(token)
			if err != nil {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ticketContextKey{}, claims)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="regflow"`)
	http.Error(w, regflow.KindUnauthorized.String(), http.StatusUnauthorized)
}

// bearerToken returns "" unless header is "Bearer <token>", scheme matched
// case-insensitively.
func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
