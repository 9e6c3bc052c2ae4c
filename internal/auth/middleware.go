package auth

import (
	"context"
	"net/http"
	"strings"

	apperrors "modelsentry/internal/errors"
)

type contextKey string

const sessionContextKey contextKey = "auth_session"

const sessionCookieName = "modelsentry-session"

// KeyVerifier resolves an API key secret to a session. Implemented by the
// apikey service.
type KeyVerifier interface {
	VerifySecret(ctx context.Context, secret string) (*Session, error)
}

// Middleware validates a session token (Authorization: Bearer), an API key
// (X-API-Key), or a browser session cookie, and adds the session to the
// request context.
func (s *Service) Middleware(keys KeyVerifier) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if session := s.resolveSession(r, keys); session != nil {
				next(w, r.WithContext(withSession(r.Context(), session)))
				return
			}

			apperrors.SendError(w, apperrors.NewAuthenticationError("Authentication required"))
		}
	}
}

// OptionalMiddleware adds the session to the context when present but lets
// unauthenticated requests through.
func (s *Service) OptionalMiddleware(keys KeyVerifier) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if session := s.resolveSession(r, keys); session != nil {
				r = r.WithContext(withSession(r.Context(), session))
			}
			next(w, r)
		}
	}
}

func (s *Service) resolveSession(r *http.Request, keys KeyVerifier) *Session {
	// Bearer session token first.
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if session, err := s.ValidateToken(tokenString); err == nil {
			return session
		}
	}

	// API key.
	if keys != nil {
		if secret := r.Header.Get("X-API-Key"); secret != "" {
			if session, err := keys.VerifySecret(r.Context(), secret); err == nil && session != nil {
				return session
			}
		}
	}

	// Browser session cookie.
	if cookieSession, err := s.sessionStore.Get(r, sessionCookieName); err == nil {
		userID, _ := cookieSession.Values["user_id"].(string)
		orgID, _ := cookieSession.Values["organization_id"].(string)
		if userID != "" && orgID != "" {
			email, _ := cookieSession.Values["email"].(string)
			role, _ := cookieSession.Values["role"].(string)
			return &Session{UserID: userID, OrganizationID: orgID, Email: email, Role: role}
		}
	}

	return nil
}

func withSession(ctx context.Context, session *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// SessionFromContext retrieves the session from request context.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	session, ok := ctx.Value(sessionContextKey).(*Session)
	return session, ok
}
