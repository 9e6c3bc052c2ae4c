package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/sessions"
)

// Session is the authenticated identity attached to a request or a WebSocket
// connection.
type Session struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	Email          string `json:"email,omitempty"`
	Role           string `json:"role,omitempty"`
}

// Service issues and validates session tokens for the dashboard and the
// notification hub.
type Service struct {
	jwtSecret    []byte
	tokenTTL     time.Duration
	sessionStore *sessions.CookieStore
}

// NewService creates an authentication service.
func NewService(jwtSecret, sessionSecret string) *Service {
	return &Service{
		jwtSecret:    []byte(jwtSecret),
		tokenTTL:     24 * time.Hour,
		sessionStore: sessions.NewCookieStore([]byte(sessionSecret)),
	}
}

// GenerateToken issues a signed session token.
func (s *Service) GenerateToken(session *Session) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id":         session.UserID,
		"organization_id": session.OrganizationID,
		"email":           session.Email,
		"role":            session.Role,
		"exp":             now.Add(s.tokenTTL).Unix(),
		"iat":             now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ValidateToken validates a session token and returns the session it carries.
func (s *Service) ValidateToken(tokenString string) (*Session, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return nil, fmt.Errorf("user_id claim not found or not a string")
	}
	orgID, ok := claims["organization_id"].(string)
	if !ok || orgID == "" {
		return nil, fmt.Errorf("organization_id claim not found or not a string")
	}

	email, _ := claims["email"].(string)
	role, _ := claims["role"].(string)

	return &Session{
		UserID:         userID,
		OrganizationID: orgID,
		Email:          email,
		Role:           role,
	}, nil
}

// SessionStore exposes the cookie store for browser dashboard sessions.
func (s *Service) SessionStore() *sessions.CookieStore {
	return s.sessionStore
}
