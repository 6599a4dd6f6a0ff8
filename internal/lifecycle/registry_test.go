package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"example.com/pulsecal/services/telemetry/internal/models"
	"example.com/pulsecal/services/telemetry/internal/repository/mocks"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeRedis is an in-memory stand-in for the cache so nonce semantics can
// be tested without a server.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	down bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return "", errors.New("redis down")
	}
	v, ok := f.data[key]
	if !ok {
		return "", errors.New("key not found")
	}
	return v, nil
}

func (f *fakeRedis) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.New("redis down")
	}
	f.data[key] = value
	return nil
}

func (f *fakeRedis) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false, errors.New("redis down")
	}
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key] = value
	return true, nil
}

func (f *fakeRedis) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeRedis) Close() error { return nil }

func newTestRegistry(repo *mocks.Repository, redis *fakeRedis) *Registry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewRegistry(repo, redis, 10*time.Minute, log)
}

func TestRegisterActivatesDevice(t *testing.T) {
	repo := new(mocks.Repository)
	repo.On("FindDeviceByUID", mock.Anything, "dev-1").Return(nil, gorm.ErrRecordNotFound)
	repo.On("WithTransaction", mock.Anything, mock.Anything).Return(nil)
	repo.On("CreateDevice", mock.Anything, mock.AnythingOfType("*models.Device")).Return(nil)
	repo.On("UpdateDevice", mock.Anything, mock.AnythingOfType("*models.Device")).Return(nil)

	registry := newTestRegistry(repo, newFakeRedis())

	device, token, err := registry.Register(context.Background(), RegisterRequest{
		UID:        "dev-1",
		FacilityID: 7,
		WearerRef:  "wearer-42",
	})

	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, models.DeviceStatusActive, device.Status)
	require.NotEmpty(t, device.TokenHash)
	require.NotEqual(t, token, device.TokenHash, "token must be stored hashed")
	repo.AssertExpectations(t)
}

func TestRegisterRejectsExistingUID(t *testing.T) {
	repo := new(mocks.Repository)
	repo.On("FindDeviceByUID", mock.Anything, "dev-1").Return(&models.Device{
		UID:    "dev-1",
		Status: models.DeviceStatusActive,
	}, nil)

	registry := newTestRegistry(repo, newFakeRedis())

	_, _, err := registry.Register(context.Background(), RegisterRequest{UID: "dev-1"})
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegisterRejectsRevokedUID(t *testing.T) {
	repo := new(mocks.Repository)
	repo.On("FindDeviceByUID", mock.Anything, "dev-1").Return(&models.Device{
		UID:    "dev-1",
		Status: models.DeviceStatusRevoked,
	}, nil)

	registry := newTestRegistry(repo, newFakeRedis())

	// A revoked identifier can never be resurrected by re-registering
	_, _, err := registry.Register(context.Background(), RegisterRequest{UID: "dev-1"})
	require.ErrorIs(t, err, ErrDeviceRevoked)
}

func registeredDevice(t *testing.T, registry *Registry, repo *mocks.Repository, uid string) (*models.Device, string) {
	t.Helper()
	repo.On("FindDeviceByUID", mock.Anything, uid).Return(nil, gorm.ErrRecordNotFound).Once()
	repo.On("WithTransaction", mock.Anything, mock.Anything).Return(nil)
	repo.On("CreateDevice", mock.Anything, mock.AnythingOfType("*models.Device")).Return(nil)
	repo.On("UpdateDevice", mock.Anything, mock.AnythingOfType("*models.Device")).Return(nil)

	device, token, err := registry.Register(context.Background(), RegisterRequest{UID: uid})
	require.NoError(t, err)
	return device, token
}

func TestAuthorizeHappyPath(t *testing.T) {
	repo := new(mocks.Repository)
	redis := newFakeRedis()
	registry := newTestRegistry(repo, redis)

	device, token := registeredDevice(t, registry, repo, "dev-1")
	repo.On("FindDeviceByUID", mock.Anything, "dev-1").Return(device, nil)

	got, err := registry.Authorize(context.Background(), "dev-1", token, "nonce-1")
	require.NoError(t, err)
	require.Equal(t, "dev-1", got.UID)
}

func TestAuthorizeRejectsWrongToken(t *testing.T) {
	repo := new(mocks.Repository)
	registry := newTestRegistry(repo, newFakeRedis())

	device, _ := registeredDevice(t, registry, repo, "dev-1")
	repo.On("FindDeviceByUID", mock.Anything, "dev-1").Return(device, nil)

	_, err := registry.Authorize(context.Background(), "dev-1", "not-the-token", "nonce-1")
	require.ErrorIs(t, err, ErrTokenMismatch)
}

func TestAuthorizeRejectsUnknownDevice(t *testing.T) {
	repo := new(mocks.Repository)
	repo.On("FindDeviceByUID", mock.Anything, "ghost").Return(nil, gorm.ErrRecordNotFound)

	registry := newTestRegistry(repo, newFakeRedis())

	_, err := registry.Authorize(context.Background(), "ghost", "token", "nonce-1")
	require.ErrorIs(t, err, ErrDeviceUnknown)
}

func TestAuthorizeRejectsReplayedNonce(t *testing.T) {
	repo := new(mocks.Repository)
	redis := newFakeRedis()
	registry := newTestRegistry(repo, redis)

	device, token := registeredDevice(t, registry, repo, "dev-1")
	repo.On("FindDeviceByUID", mock.Anything, "dev-1").Return(device, nil)

	_, err := registry.Authorize(context.Background(), "dev-1", token, "nonce-1")
	require.NoError(t, err)

	_, err = registry.Authorize(context.Background(), "dev-1", token, "nonce-1")
	require.ErrorIs(t, err, ErrNonceReplayed)

	// A fresh nonce goes through again
	_, err = registry.Authorize(context.Background(), "dev-1", token, "nonce-2")
	require.NoError(t, err)
}

func TestAuthorizeAcceptsWhenNonceStoreDown(t *testing.T) {
	repo := new(mocks.Repository)
	redis := newFakeRedis()
	registry := newTestRegistry(repo, redis)

	device, token := registeredDevice(t, registry, repo, "dev-1")
	repo.On("FindDeviceByUID", mock.Anything, "dev-1").Return(device, nil)

	redis.down = true

	// Availability wins over replay strictness during a cache outage
	_, err := registry.Authorize(context.Background(), "dev-1", token, "nonce-1")
	require.NoError(t, err)
}

func TestAuthorizeRejectsExpiredToken(t *testing.T) {
	repo := new(mocks.Repository)
	redis := newFakeRedis()
	registry := newTestRegistry(repo, redis)

	device, token := registeredDevice(t, registry, repo, "dev-1")
	expired := time.Now().Add(-time.Hour)
	device.TokenExpiresAt = &expired
	// Evict the cached copy so the lookup sees the expired record
	require.NoError(t, redis.Delete(context.Background(), "device:dev-1"))
	repo.On("FindDeviceByUID", mock.Anything, "dev-1").Return(device, nil)

	_, err := registry.Authorize(context.Background(), "dev-1", token, "nonce-1")
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestRevokeIsTerminal(t *testing.T) {
	repo := new(mocks.Repository)
	redis := newFakeRedis()
	registry := newTestRegistry(repo, redis)

	device, token := registeredDevice(t, registry, repo, "dev-1")
	repo.On("FindDeviceByUID", mock.Anything, "dev-1").Return(device, nil)
	repo.On("UpdateDevice", mock.Anything, mock.AnythingOfType("*models.Device")).Return(nil)

	require.NoError(t, registry.Revoke(context.Background(), "dev-1", "lost device"))
	require.Equal(t, models.DeviceStatusRevoked, device.Status)
	require.Empty(t, device.TokenHash)
	require.NotNil(t, device.RevokedAt)

	// The old token can never authorize again
	_, err := registry.Authorize(context.Background(), "dev-1", token, "nonce-9")
	require.ErrorIs(t, err, ErrDeviceRevoked)

	// Revoking twice is idempotent
	require.NoError(t, registry.Revoke(context.Background(), "dev-1", "again"))
}

func TestRevokeUnknownDevice(t *testing.T) {
	repo := new(mocks.Repository)
	repo.On("FindDeviceByUID", mock.Anything, "ghost").Return(nil, gorm.ErrRecordNotFound)

	registry := newTestRegistry(repo, newFakeRedis())

	err := registry.Revoke(context.Background(), "ghost", "reason")
	require.ErrorIs(t, err, ErrDeviceUnknown)
}
