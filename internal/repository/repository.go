package repository

import (
	"context"
	"time"

	"example.com/pulsecal/services/telemetry/internal/database"
	"example.com/pulsecal/services/telemetry/internal/models"

	"gorm.io/gorm"
)

// Repository provides data access methods
type Repository interface {
	// Transaction support
	WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo Repository) error) error

	// Device lifecycle operations
	CreateDevice(ctx context.Context, device *models.Device) error
	UpdateDevice(ctx context.Context, device *models.Device) error
	FindDeviceByUID(ctx context.Context, uid string) (*models.Device, error)
	ListDevices(ctx context.Context, facilityID uint) ([]*models.Device, error)

	// Telemetry sample operations (raw store)
	SaveSample(ctx context.Context, sample *models.TelemetrySample) error
	FindSampleByUUID(ctx context.Context, uuid string) (*models.TelemetrySample, error)
	ListDeviceSamples(ctx context.Context, deviceID uint, limit int) ([]*models.TelemetrySample, error)
	MarkSamplePublished(ctx context.Context, uuid string) error
	ListUnpublishedSamples(ctx context.Context, olderThan time.Time, limit int) ([]*models.TelemetrySample, error)
	MarkSampleRepublished(ctx context.Context, uuid string) error

	// Alert store operations
	CreateAlert(ctx context.Context, alert *models.Alert) error
	FindAlertByUUID(ctx context.Context, uuid string) (*models.Alert, error)
	FindRecentAlertByIdempotencyKey(ctx context.Context, key string, since time.Time) (*models.Alert, error)
	ListDeviceAlerts(ctx context.Context, deviceUID string, limit int) ([]*models.Alert, error)
	ResolveAlert(ctx context.Context, uuid, resolvedBy string) error
	ResolveOpenAlertsByType(ctx context.Context, deviceUID, alertType, resolvedBy string) (int64, error)

	// Failure sink operations
	SaveProcessingFailure(ctx context.Context, failure *models.ProcessingFailure) error
	ListProcessingFailures(ctx context.Context, limit int) ([]*models.ProcessingFailure, error)
}

// repo is an implementation of the Repository interface
type repo struct {
	db database.DB
}

// dbWrapper adapts a transaction handle to the database.DB interface
type dbWrapper struct {
	db *gorm.DB
}

func (w *dbWrapper) DB() (*gorm.DB, error) {
	return w.db, nil
}

func (w *dbWrapper) Close() error {
	return nil
}

// NewRepository creates a new repository instance
func NewRepository(db database.DB) Repository {
	return &repo{
		db: db,
	}
}

// conn returns a handle bound to the caller's context so cancellation and
// write deadlines propagate into the driver.
func (r *repo) conn(ctx context.Context) (*gorm.DB, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}
	return gormDB.WithContext(ctx), nil
}

// WithTransaction executes the given function within a database transaction
func (r *repo) WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo Repository) error) error {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return err
	}

	return gormDB.Transaction(func(tx *gorm.DB) error {
		txRepo := &repo{
			db: &dbWrapper{db: tx},
		}
		return fn(ctx, txRepo)
	})
}

// Device lifecycle operations implementation

func (r *repo) CreateDevice(ctx context.Context, device *models.Device) error {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return err
	}

	return gormDB.Create(device).Error
}

func (r *repo) UpdateDevice(ctx context.Context, device *models.Device) error {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return err
	}

	return gormDB.Save(device).Error
}

func (r *repo) FindDeviceByUID(ctx context.Context, uid string) (*models.Device, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var device models.Device
	if err := gormDB.Where("uid = ?", uid).First(&device).Error; err != nil {
		return nil, err
	}

	return &device, nil
}

func (r *repo) ListDevices(ctx context.Context, facilityID uint) ([]*models.Device, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var devices []*models.Device
	query := gormDB.Order("created_at DESC")
	if facilityID > 0 {
		query = query.Where("facility_id = ?", facilityID)
	}

	if err := query.Find(&devices).Error; err != nil {
		return nil, err
	}

	return devices, nil
}

// Telemetry sample operations implementation

func (r *repo) SaveSample(ctx context.Context, sample *models.TelemetrySample) error {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return err
	}

	return gormDB.Create(sample).Error
}

func (r *repo) FindSampleByUUID(ctx context.Context, uuid string) (*models.TelemetrySample, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var sample models.TelemetrySample
	if err := gormDB.Where("uuid = ?", uuid).First(&sample).Error; err != nil {
		return nil, err
	}

	return &sample, nil
}

func (r *repo) ListDeviceSamples(ctx context.Context, deviceID uint, limit int) ([]*models.TelemetrySample, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var samples []*models.TelemetrySample
	query := gormDB.Where("device_id = ?", deviceID).Order("corrected_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&samples).Error; err != nil {
		return nil, err
	}

	return samples, nil
}

func (r *repo) MarkSamplePublished(ctx context.Context, uuid string) error {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	return gormDB.Model(&models.TelemetrySample{}).
		Where("uuid = ?", uuid).
		Updates(map[string]interface{}{
			"published":    true,
			"published_at": now,
		}).Error
}

// ListUnpublishedSamples returns accepted samples whose event publish never
// succeeded. Used by the reconciliation job to close the publish gap.
func (r *repo) ListUnpublishedSamples(ctx context.Context, olderThan time.Time, limit int) ([]*models.TelemetrySample, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var samples []*models.TelemetrySample
	query := gormDB.
		Where("published = ? AND created_at < ?", false, olderThan).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&samples).Error; err != nil {
		return nil, err
	}

	return samples, nil
}

func (r *repo) MarkSampleRepublished(ctx context.Context, uuid string) error {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	return gormDB.Model(&models.TelemetrySample{}).
		Where("uuid = ?", uuid).
		Updates(map[string]interface{}{
			"published":    true,
			"published_at": now,
			"republished":  true,
		}).Error
}

// Alert store operations implementation

func (r *repo) CreateAlert(ctx context.Context, alert *models.Alert) error {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return err
	}

	return gormDB.Create(alert).Error
}

func (r *repo) FindAlertByUUID(ctx context.Context, uuid string) (*models.Alert, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var alert models.Alert
	if err := gormDB.Where("uuid = ?", uuid).First(&alert).Error; err != nil {
		return nil, err
	}

	return &alert, nil
}

func (r *repo) FindRecentAlertByIdempotencyKey(ctx context.Context, key string, since time.Time) (*models.Alert, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var alert models.Alert
	err = gormDB.
		Where("idempotency_key = ? AND created_at >= ?", key, since).
		Order("created_at DESC").
		First(&alert).Error
	if err != nil {
		return nil, err
	}

	return &alert, nil
}

func (r *repo) ListDeviceAlerts(ctx context.Context, deviceUID string, limit int) ([]*models.Alert, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var alerts []*models.Alert
	query := gormDB.Order("created_at DESC")
	if deviceUID != "" {
		query = query.Where("device_uid = ?", deviceUID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&alerts).Error; err != nil {
		return nil, err
	}

	return alerts, nil
}

func (r *repo) ResolveAlert(ctx context.Context, uuid, resolvedBy string) error {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	return gormDB.Model(&models.Alert{}).
		Where("uuid = ? AND status = ?", uuid, models.AlertStatusOpen).
		Updates(map[string]interface{}{
			"status":      models.AlertStatusResolved,
			"resolved_at": now,
			"resolved_by": resolvedBy,
		}).Error
}

func (r *repo) ResolveOpenAlertsByType(ctx context.Context, deviceUID, alertType, resolvedBy string) (int64, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	result := gormDB.Model(&models.Alert{}).
		Where("device_uid = ? AND alert_type = ? AND status = ?", deviceUID, alertType, models.AlertStatusOpen).
		Updates(map[string]interface{}{
			"status":      models.AlertStatusResolved,
			"resolved_at": now,
			"resolved_by": resolvedBy,
		})

	return result.RowsAffected, result.Error
}

// Failure sink operations implementation

func (r *repo) SaveProcessingFailure(ctx context.Context, failure *models.ProcessingFailure) error {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return err
	}

	return gormDB.Create(failure).Error
}

func (r *repo) ListProcessingFailures(ctx context.Context, limit int) ([]*models.ProcessingFailure, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var failures []*models.ProcessingFailure
	query := gormDB.Where("acknowledged = ?", false).Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&failures).Error; err != nil {
		return nil, err
	}

	return failures, nil
}
