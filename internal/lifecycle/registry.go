package lifecycle

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"example.com/pulsecal/services/telemetry/internal/cache"
	"example.com/pulsecal/services/telemetry/internal/models"
	"example.com/pulsecal/services/telemetry/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Authorization failure reasons. All of them reject the request at the
// boundary; nothing is persisted or enqueued.
var (
	ErrDeviceUnknown     = errors.New("device unknown")
	ErrDeviceRevoked     = errors.New("device revoked")
	ErrDeviceNotActive   = errors.New("device not active")
	ErrTokenMismatch     = errors.New("token mismatch")
	ErrTokenExpired      = errors.New("token expired")
	ErrNonceReplayed     = errors.New("nonce replayed")
	ErrAlreadyRegistered = errors.New("device already registered")
)

const deviceCacheTTL = 5 * time.Minute

// cachedDevice re-exposes the credential field the API serialization of
// models.Device deliberately hides. Cache entries need it back: a cache
// hit without the token hash could never authorize.
type cachedDevice struct {
	models.Device
	TokenHash string `json:"token_hash"`
}

// RegisterRequest carries the attributes of a new device registration
type RegisterRequest struct {
	UID        string        `json:"uid"`
	Serial     string        `json:"serial"`
	FacilityID uint          `json:"facility_id"`
	WearerRef  string        `json:"wearer_ref"`
	TokenTTL   time.Duration `json:"-"`
}

// Registry owns the device lifecycle state machine:
//
//	(unregistered) --register--> active --revoke--> revoked
//
// Revocation is terminal; no path returns a revoked device to active.
type Registry struct {
	repo        repository.Repository
	cache       cache.RedisClient
	nonceWindow time.Duration
	log         *logrus.Logger
	now         func() time.Time
}

// NewRegistry creates a device lifecycle registry
func NewRegistry(repo repository.Repository, redis cache.RedisClient, nonceWindow time.Duration, log *logrus.Logger) *Registry {
	return &Registry{
		repo:        repo,
		cache:       redis,
		nonceWindow: nonceWindow,
		log:         log,
		now:         time.Now,
	}
}

// Register creates a device record and activates it in one transaction.
// The plaintext token is returned exactly once; only its hash is stored.
// Re-registering a revoked device identifier fails with ErrDeviceRevoked,
// never by silently recreating the record.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*models.Device, string, error) {
	if req.UID == "" {
		req.UID = uuid.New().String()
	}

	existing, err := r.repo.FindDeviceByUID(ctx, req.UID)
	if err == nil && existing != nil {
		if existing.Status == models.DeviceStatusRevoked {
			return nil, "", fmt.Errorf("device %s: %w", req.UID, ErrDeviceRevoked)
		}
		return nil, "", fmt.Errorf("device %s: %w", req.UID, ErrAlreadyRegistered)
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", fmt.Errorf("failed to look up device: %w", err)
	}

	token, tokenHash, err := generateToken()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate device token: %w", err)
	}

	ttl := req.TokenTTL
	if ttl <= 0 {
		ttl = 365 * 24 * time.Hour
	}
	expires := r.now().Add(ttl)

	device := &models.Device{
		UID:            req.UID,
		FacilityID:     req.FacilityID,
		WearerRef:      req.WearerRef,
		Status:         models.DeviceStatusLocked,
		TokenHash:      tokenHash,
		TokenExpiresAt: &expires,
	}
	if req.Serial != "" {
		device.Serial = &req.Serial
	}

	// Locked -> active happens inside the registration transaction, so the
	// locked state is never observable by authorize().
	err = r.repo.WithTransaction(ctx, func(txCtx context.Context, txRepo repository.Repository) error {
		if err := txRepo.CreateDevice(txCtx, device); err != nil {
			return fmt.Errorf("failed to create device: %w", err)
		}
		device.Status = models.DeviceStatusActive
		return txRepo.UpdateDevice(txCtx, device)
	})
	if err != nil {
		return nil, "", err
	}

	r.cacheDevice(ctx, device)

	r.log.WithFields(logrus.Fields{
		"device_uid":  device.UID,
		"facility_id": device.FacilityID,
	}).Info("Device registered")

	return device, token, nil
}

// Authorize validates device identity, token and nonce. It returns the
// device record on success so callers avoid a second lookup.
func (r *Registry) Authorize(ctx context.Context, deviceUID, presentedToken, nonce string) (*models.Device, error) {
	if deviceUID == "" {
		return nil, ErrDeviceUnknown
	}

	device, err := r.lookup(ctx, deviceUID)
	if err != nil {
		return nil, err
	}

	switch device.Status {
	case models.DeviceStatusActive:
	case models.DeviceStatusRevoked:
		return nil, ErrDeviceRevoked
	default:
		return nil, ErrDeviceNotActive
	}

	if !tokenMatches(device.TokenHash, presentedToken) {
		return nil, ErrTokenMismatch
	}

	if device.TokenExpiresAt != nil && device.TokenExpiresAt.Before(r.now()) {
		return nil, ErrTokenExpired
	}

	if err := r.checkNonce(ctx, deviceUID, nonce); err != nil {
		return nil, err
	}

	return device, nil
}

// Revoke permanently decommissions a device. The token hash is cleared so
// even a configuration rollback cannot resurrect the credential.
func (r *Registry) Revoke(ctx context.Context, deviceUID, reason string) error {
	device, err := r.repo.FindDeviceByUID(ctx, deviceUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDeviceUnknown
		}
		return fmt.Errorf("failed to look up device: %w", err)
	}

	if device.Status == models.DeviceStatusRevoked {
		return nil
	}

	now := r.now()
	device.Status = models.DeviceStatusRevoked
	device.TokenHash = ""
	device.TokenExpiresAt = nil
	device.RevokedAt = &now
	device.RevokeReason = reason

	if err := r.repo.UpdateDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to revoke device: %w", err)
	}

	// Drop the cached record immediately so a stale cache entry cannot
	// authorize a revoked device for up to the cache TTL.
	if err := r.cache.Delete(ctx, deviceCacheKey(deviceUID)); err != nil {
		r.log.WithError(err).WithField("device_uid", deviceUID).
			Warn("Failed to evict revoked device from cache")
	}

	r.log.WithFields(logrus.Fields{
		"device_uid": deviceUID,
		"reason":     reason,
	}).Info("Device revoked")

	return nil
}

// lookup implements the two-tier device lookup: cache first, database as
// the authoritative fallback.
func (r *Registry) lookup(ctx context.Context, deviceUID string) (*models.Device, error) {
	cacheKey := deviceCacheKey(deviceUID)

	if cached, err := r.cache.Get(ctx, cacheKey); err == nil {
		var cd cachedDevice
		if err := json.Unmarshal([]byte(cached), &cd); err == nil {
			device := cd.Device
			device.TokenHash = cd.TokenHash
			return &device, nil
		}
	}

	device, err := r.repo.FindDeviceByUID(ctx, deviceUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceUnknown
		}
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}

	r.cacheDevice(ctx, device)

	return device, nil
}

// checkNonce enforces nonce uniqueness per device within the sliding
// window via SETNX. A Redis outage degrades to accepting the nonce; the
// alternative is dropping all telemetry while the cache is down.
func (r *Registry) checkNonce(ctx context.Context, deviceUID, nonce string) error {
	if nonce == "" {
		return ErrNonceReplayed
	}

	key := fmt.Sprintf("nonce:%s:%s", deviceUID, nonce)
	stored, err := r.cache.SetNX(ctx, key, "1", r.nonceWindow)
	if err != nil {
		r.log.WithError(err).WithField("device_uid", deviceUID).
			Warn("Nonce store unavailable, skipping replay check")
		return nil
	}
	if !stored {
		return ErrNonceReplayed
	}

	return nil
}

func (r *Registry) cacheDevice(ctx context.Context, device *models.Device) {
	deviceJSON, err := json.Marshal(cachedDevice{
		Device:    *device,
		TokenHash: device.TokenHash,
	})
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, deviceCacheKey(device.UID), string(deviceJSON), deviceCacheTTL); err != nil {
		r.log.WithError(err).WithField("device_uid", device.UID).
			Debug("Failed to cache device record")
	}
}

func deviceCacheKey(uid string) string {
	return fmt.Sprintf("device:%s", uid)
}

func generateToken() (token, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(raw)
	return token, hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func tokenMatches(storedHash, presented string) bool {
	if storedHash == "" || presented == "" {
		return false
	}
	presentedHash := hashToken(presented)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(presentedHash)) == 1
}
