// Package mocks provides a testify mock of the repository for unit tests.
package mocks

import (
	"context"
	"time"

	"example.com/pulsecal/services/telemetry/internal/models"
	"example.com/pulsecal/services/telemetry/internal/repository"

	"github.com/stretchr/testify/mock"
)

// Repository is a mock of repository.Repository
type Repository struct {
	mock.Mock
}

func (m *Repository) WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo repository.Repository) error) error {
	args := m.Called(ctx, fn)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	return fn(ctx, m)
}

func (m *Repository) CreateDevice(ctx context.Context, device *models.Device) error {
	args := m.Called(ctx, device)
	return args.Error(0)
}

func (m *Repository) UpdateDevice(ctx context.Context, device *models.Device) error {
	args := m.Called(ctx, device)
	return args.Error(0)
}

func (m *Repository) FindDeviceByUID(ctx context.Context, uid string) (*models.Device, error) {
	args := m.Called(ctx, uid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Device), args.Error(1)
}

func (m *Repository) ListDevices(ctx context.Context, facilityID uint) ([]*models.Device, error) {
	args := m.Called(ctx, facilityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Device), args.Error(1)
}

func (m *Repository) SaveSample(ctx context.Context, sample *models.TelemetrySample) error {
	args := m.Called(ctx, sample)
	return args.Error(0)
}

func (m *Repository) FindSampleByUUID(ctx context.Context, uuid string) (*models.TelemetrySample, error) {
	args := m.Called(ctx, uuid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TelemetrySample), args.Error(1)
}

func (m *Repository) ListDeviceSamples(ctx context.Context, deviceID uint, limit int) ([]*models.TelemetrySample, error) {
	args := m.Called(ctx, deviceID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.TelemetrySample), args.Error(1)
}

func (m *Repository) MarkSamplePublished(ctx context.Context, uuid string) error {
	args := m.Called(ctx, uuid)
	return args.Error(0)
}

func (m *Repository) ListUnpublishedSamples(ctx context.Context, olderThan time.Time, limit int) ([]*models.TelemetrySample, error) {
	args := m.Called(ctx, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.TelemetrySample), args.Error(1)
}

func (m *Repository) MarkSampleRepublished(ctx context.Context, uuid string) error {
	args := m.Called(ctx, uuid)
	return args.Error(0)
}

func (m *Repository) CreateAlert(ctx context.Context, alert *models.Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

func (m *Repository) FindAlertByUUID(ctx context.Context, uuid string) (*models.Alert, error) {
	args := m.Called(ctx, uuid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Alert), args.Error(1)
}

func (m *Repository) FindRecentAlertByIdempotencyKey(ctx context.Context, key string, since time.Time) (*models.Alert, error) {
	args := m.Called(ctx, key, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Alert), args.Error(1)
}

func (m *Repository) ListDeviceAlerts(ctx context.Context, deviceUID string, limit int) ([]*models.Alert, error) {
	args := m.Called(ctx, deviceUID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Alert), args.Error(1)
}

func (m *Repository) ResolveAlert(ctx context.Context, uuid, resolvedBy string) error {
	args := m.Called(ctx, uuid, resolvedBy)
	return args.Error(0)
}

func (m *Repository) ResolveOpenAlertsByType(ctx context.Context, deviceUID, alertType, resolvedBy string) (int64, error) {
	args := m.Called(ctx, deviceUID, alertType, resolvedBy)
	return args.Get(0).(int64), args.Error(1)
}

func (m *Repository) SaveProcessingFailure(ctx context.Context, failure *models.ProcessingFailure) error {
	args := m.Called(ctx, failure)
	return args.Error(0)
}

func (m *Repository) ListProcessingFailures(ctx context.Context, limit int) ([]*models.ProcessingFailure, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.ProcessingFailure), args.Error(1)
}
