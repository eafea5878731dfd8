package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const subjectKey contextKey = "auth.subject"

// Middleware validates bearer JWTs on every non-exempt path.
type Middleware struct {
	secret      []byte
	exemptPaths []string
}

// NewMiddleware constructs an auth middleware. Exempt path prefixes bypass
// token validation entirely.
func NewMiddleware(secret []byte, exemptPaths []string) *Middleware {
	return &Middleware{secret: secret, exemptPaths: exemptPaths}
}

// Wrap applies token validation to the handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil || len(m.secret) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range m.exemptPaths {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		claims, err := ParseJWT(extractBearer(r), m.secret)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), subjectKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SubjectFrom returns the authenticated subject, if any.
func SubjectFrom(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(subjectKey).(string)
	return subject, ok && subject != ""
}

func extractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
