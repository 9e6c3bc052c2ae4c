package apikey

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelsentry/internal/auth"
	apperrors "modelsentry/internal/errors"
	"modelsentry/internal/store"
	"modelsentry/types"
)

type fakeStore struct {
	mu          sync.Mutex
	keys        map[string]*types.APIKey
	hashLookups int
}

func newFakeStore() *fakeStore {
	return &fakeStore{keys: make(map[string]*types.APIKey)}
}

func (f *fakeStore) CreateAPIKey(_ context.Context, k *types.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *k
	f.keys[k.ID] = &cp
	return nil
}

func (f *fakeStore) GetAPIKey(_ context.Context, orgID, id string) (*types.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	if !ok || k.OrganizationID != orgID {
		return nil, nil
	}
	cp := *k
	return &cp, nil
}

func (f *fakeStore) GetAPIKeyByHash(_ context.Context, keyHash string) (*types.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashLookups++
	for _, k := range f.keys {
		if k.KeyHash == keyHash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListAPIKeys(_ context.Context, orgID string, limit, offset int) ([]*types.APIKey, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.APIKey
	for _, k := range f.keys {
		if k.OrganizationID == orgID {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeStore) RevokeAPIKey(_ context.Context, orgID, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	if !ok || k.OrganizationID != orgID || k.RevokedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	k.RevokedAt = &now
	return true, nil
}

func (f *fakeStore) TouchAPIKey(_ context.Context, id string, usedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k, ok := f.keys[id]; ok {
		ts := usedAt
		k.LastUsedAt = &ts
	}
	return nil
}

func (f *fakeStore) InsertAuditLog(context.Context, store.AuditEntry) error { return nil }

// fakeKeyCache round-trips values through JSON the way the Redis cache does,
// so cached entries are snapshots rather than live pointers.
type fakeKeyCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newFakeKeyCache() *fakeKeyCache {
	return &fakeKeyCache{entries: make(map[string][]byte)}
}

func (f *fakeKeyCache) Get(_ context.Context, key string, dest interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dest)
}

func (f *fakeKeyCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = data
	return nil
}

func (f *fakeKeyCache) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.entries, k)
	}
	return nil
}

func (f *fakeKeyCache) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func testKeyService() *Service {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewService(nil, nil, nil, logrus.NewEntry(log))
}

func TestGenerateSecretShape(t *testing.T) {
	secret, err := generateSecret()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(secret, "ms_"))
	assert.Len(t, secret, len("ms_")+secretRandBytes*2)

	other, err := generateSecret()
	require.NoError(t, err)
	assert.NotEqual(t, secret, other)
}

func TestHashSecretIsStable(t *testing.T) {
	h1 := HashSecret("ms_abc")
	h2 := HashSecret("ms_abc")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64) // hex SHA-256
	assert.NotEqual(t, h1, HashSecret("ms_abd"))
}

func TestNormalizeScopes(t *testing.T) {
	got := normalizeScopes([]string{" Read ", "write", "READ", "", "write"})
	assert.Equal(t, []string{"read", "write"}, got)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	svc := testKeyService()
	session := &auth.Session{UserID: "user-1", OrganizationID: "org-1"}
	ctx := context.Background()

	_, err := svc.Create(ctx, session, "   ", nil, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.From(err).Type)

	_, err = svc.Create(ctx, session, strings.Repeat("x", maxNameLen+1), nil, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.From(err).Type)

	past := time.Now().UTC().Add(-time.Hour)
	_, err = svc.Create(ctx, session, "ci key", nil, &past)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.From(err).Type)
}

func TestVerifySecretServesFromCache(t *testing.T) {
	st := newFakeStore()
	ca := newFakeKeyCache()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	svc := NewService(st, ca, nil, logrus.NewEntry(log))

	session := &auth.Session{UserID: "user-1", OrganizationID: "org-1"}
	ctx := context.Background()

	created, err := svc.Create(ctx, session, "ci key", []string{"scan"}, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := svc.VerifySecret(ctx, created.Secret)
		require.NoError(t, err)
		assert.Equal(t, "org-1", got.OrganizationID)
		assert.Equal(t, "apikey:"+created.Key.ID, got.UserID)
	}
	assert.Equal(t, 1, st.hashLookups, "repeat lookups must hit the cache")
}

func TestRevokeEvictsVerifyCache(t *testing.T) {
	st := newFakeStore()
	ca := newFakeKeyCache()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	svc := NewService(st, ca, nil, logrus.NewEntry(log))

	session := &auth.Session{UserID: "user-1", OrganizationID: "org-1"}
	ctx := context.Background()

	created, err := svc.Create(ctx, session, "ci key", []string{"scan"}, nil)
	require.NoError(t, err)

	_, err = svc.VerifySecret(ctx, created.Secret)
	require.NoError(t, err)
	require.Equal(t, 1, ca.size(), "verify must populate the cache")

	require.NoError(t, svc.Revoke(ctx, session, created.Key.ID))
	assert.Equal(t, 0, ca.size(), "revoke must evict the cached lookup")

	_, err = svc.VerifySecret(ctx, created.Secret)
	require.Error(t, err, "revoked key must stop authenticating immediately")
	assert.Equal(t, apperrors.ErrorTypeAuthentication, apperrors.From(err).Type)
}

func TestRevokeUnknownKeyIsNotFound(t *testing.T) {
	st := newFakeStore()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	svc := NewService(st, newFakeKeyCache(), nil, logrus.NewEntry(log))

	err := svc.Revoke(context.Background(), &auth.Session{OrganizationID: "org-1"}, "missing")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeNotFound, apperrors.From(err).Type)
}

func TestVerifySecretRejectsForeignPrefix(t *testing.T) {
	svc := testKeyService()

	_, err := svc.VerifySecret(context.Background(), "sk_something_else")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeAuthentication, apperrors.From(err).Type)
}
