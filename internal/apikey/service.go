package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"modelsentry/internal/auth"
	apperrors "modelsentry/internal/errors"
	"modelsentry/internal/events"
	"modelsentry/internal/store"
	"modelsentry/types"
)

// Secrets look like ms_<48 hex chars>. Only the SHA-256 hash of the full
// secret is persisted.
const (
	secretPrefix    = "ms_"
	secretRandBytes = 24

	verifyCacheTTL = 5 * time.Minute
	maxNameLen     = 128
)

// Store is the persistence surface the service depends on. *store.Store
// satisfies it; tests substitute a fake.
type Store interface {
	CreateAPIKey(ctx context.Context, k *types.APIKey) error
	GetAPIKey(ctx context.Context, orgID, id string) (*types.APIKey, error)
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*types.APIKey, error)
	ListAPIKeys(ctx context.Context, orgID string, limit, offset int) ([]*types.APIKey, int64, error)
	RevokeAPIKey(ctx context.Context, orgID, id string) (bool, error)
	TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error
	InsertAuditLog(ctx context.Context, e store.AuditEntry) error
}

// Cache is the slice of the Redis cache used for verify lookups.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Service manages API keys: creation, listing, revocation, and verification
// of incoming key secrets.
type Service struct {
	store    Store
	cache    Cache
	producer *events.Producer
	log      *logrus.Entry
}

// NewService creates the API key service.
func NewService(st Store, ca Cache, producer *events.Producer, log *logrus.Entry) *Service {
	return &Service{store: st, cache: ca, producer: producer, log: log}
}

// CreatedKey is the one-time creation response carrying the plaintext secret.
type CreatedKey struct {
	Key    *types.APIKey `json:"key"`
	Secret string        `json:"secret"`
}

// Create mints a new API key for an organization. The plaintext secret is
// returned once and never stored.
func (s *Service) Create(ctx context.Context, session *auth.Session, name string, scopes []string, expiresAt *time.Time) (*CreatedKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.NewValidationError("API key name is required", nil)
	}
	if len(name) > maxNameLen {
		return nil, apperrors.NewValidationError("API key name is too long", map[string]interface{}{
			"max_length": maxNameLen,
		})
	}
	if expiresAt != nil && expiresAt.Before(time.Now().UTC()) {
		return nil, apperrors.NewValidationError("expiry must be in the future", nil)
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, apperrors.NewInternalError("Failed to generate API key", err)
	}

	key := &types.APIKey{
		ID:             uuid.New().String(),
		OrganizationID: session.OrganizationID,
		Name:           name,
		Prefix:         secret[:len(secretPrefix)+6],
		KeyHash:        HashSecret(secret),
		Scopes:         normalizeScopes(scopes),
		ExpiresAt:      expiresAt,
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, apperrors.NewInternalError("Failed to store API key", err)
	}

	if err := s.store.InsertAuditLog(ctx, store.AuditEntry{
		OrganizationID: session.OrganizationID,
		UserID:         session.UserID,
		Action:         "api_key.create",
		Resource:       "api_key",
		ResourceID:     key.ID,
		Detail:         name,
	}); err != nil {
		s.log.WithError(err).Warn("Failed to write API key audit record")
	}

	s.producer.PublishUser(ctx, events.APIKeyCreatedEvent, session.OrganizationID, session.UserID, map[string]interface{}{
		"key_id": key.ID,
		"name":   name,
	})

	s.log.WithFields(logrus.Fields{
		"key_id":          key.ID,
		"organization_id": session.OrganizationID,
	}).Info("🔑 API key created")

	return &CreatedKey{Key: key, Secret: secret}, nil
}

// List returns a page of the organization's keys plus the total count.
func (s *Service) List(ctx context.Context, orgID string, limit, offset int) ([]*types.APIKey, int64, error) {
	keys, total, err := s.store.ListAPIKeys(ctx, orgID, limit, offset)
	if err != nil {
		return nil, 0, apperrors.NewInternalError("Failed to list API keys", err)
	}
	return keys, total, nil
}

// Revoke marks a key revoked and evicts it from the verification cache so the
// secret stops authenticating immediately.
func (s *Service) Revoke(ctx context.Context, session *auth.Session, keyID string) error {
	key, err := s.store.GetAPIKey(ctx, session.OrganizationID, keyID)
	if err != nil {
		return apperrors.NewInternalError("Failed to look up API key", err)
	}
	if key == nil {
		return apperrors.NewNotFoundError("API key")
	}

	ok, err := s.store.RevokeAPIKey(ctx, session.OrganizationID, keyID)
	if err != nil {
		return apperrors.NewInternalError("Failed to revoke API key", err)
	}
	if !ok {
		return apperrors.NewNotFoundError("API key")
	}

	if err := s.cache.Delete(ctx, "apikey:"+key.KeyHash); err != nil {
		s.log.WithError(err).Warn("Failed to evict revoked API key from verify cache")
	}

	if err := s.store.InsertAuditLog(ctx, store.AuditEntry{
		OrganizationID: session.OrganizationID,
		UserID:         session.UserID,
		Action:         "api_key.revoke",
		Resource:       "api_key",
		ResourceID:     keyID,
	}); err != nil {
		s.log.WithError(err).Warn("Failed to write API key audit record")
	}

	s.producer.PublishUser(ctx, events.APIKeyRevokedEvent, session.OrganizationID, session.UserID, map[string]interface{}{
		"key_id": keyID,
	})

	s.log.WithFields(logrus.Fields{
		"key_id":          keyID,
		"organization_id": session.OrganizationID,
	}).Info("🔑 API key revoked")
	return nil
}

// VerifySecret resolves a presented secret to a session. It satisfies
// auth.KeyVerifier. Lookups are cached briefly in Redis to keep hot paths off
// the database.
func (s *Service) VerifySecret(ctx context.Context, secret string) (*auth.Session, error) {
	if !strings.HasPrefix(secret, secretPrefix) {
		return nil, apperrors.NewAuthenticationError("Invalid API key")
	}

	hash := HashSecret(secret)

	var key *types.APIKey
	cacheKey := "apikey:" + hash
	var cached types.APIKey
	if found, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && found {
		key = &cached
	}

	if key == nil {
		stored, err := s.store.GetAPIKeyByHash(ctx, hash)
		if err != nil {
			return nil, apperrors.NewInternalError("Failed to look up API key", err)
		}
		if stored == nil {
			return nil, apperrors.NewAuthenticationError("Invalid API key")
		}
		key = stored

		if err := s.cache.Set(ctx, cacheKey, key, verifyCacheTTL); err != nil {
			s.log.WithError(err).Debug("Failed to cache API key lookup")
		}
	}

	if key.Revoked() {
		return nil, apperrors.NewAuthenticationError("API key has been revoked")
	}
	if key.Expired(time.Now().UTC()) {
		return nil, apperrors.NewAuthenticationError("API key has expired")
	}

	if err := s.store.TouchAPIKey(ctx, key.ID, time.Now().UTC()); err != nil {
		s.log.WithError(err).Debug("Failed to update API key last-used timestamp")
	}

	return &auth.Session{
		UserID:         "apikey:" + key.ID,
		OrganizationID: key.OrganizationID,
		Role:           "api",
	}, nil
}

// HashSecret returns the hex SHA-256 of a key secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func generateSecret() (string, error) {
	buf := make([]byte, secretRandBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return secretPrefix + hex.EncodeToString(buf), nil
}

func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	seen := make(map[string]struct{}, len(scopes))
	for _, sc := range scopes {
		sc = strings.ToLower(strings.TrimSpace(sc))
		if sc == "" {
			continue
		}
		if _, dup := seen[sc]; dup {
			continue
		}
		seen[sc] = struct{}{}
		out = append(out, sc)
	}
	return out
}
