package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"example.com/pulsecal/services/telemetry/config"
	"example.com/pulsecal/services/telemetry/internal/health"
	"example.com/pulsecal/services/telemetry/internal/messaging"
	"example.com/pulsecal/services/telemetry/internal/metrics"
	"example.com/pulsecal/services/telemetry/internal/models"
	"example.com/pulsecal/services/telemetry/internal/repository/mocks"
	"example.com/pulsecal/services/telemetry/internal/sequence"
	"example.com/pulsecal/services/telemetry/internal/validation"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// mockBus is a testify mock of messaging.ServiceBusClient
type mockBus struct {
	mock.Mock
}

func (m *mockBus) SendMessage(ctx context.Context, queue string, body interface{}) error {
	args := m.Called(ctx, queue, body)
	return args.Error(0)
}

func (m *mockBus) ReceiveMessages(ctx context.Context, queue string, handler messaging.MessageHandler) error {
	args := m.Called(ctx, queue, handler)
	return args.Error(0)
}

func (m *mockBus) Close() error {
	args := m.Called()
	return args.Error(0)
}

func testConfig() *config.Config {
	return &config.Config{
		ServiceBus: config.ServiceBusConfig{
			QueueName:         "telemetry-events",
			NotificationQueue: "alert-notifications",
		},
		Validation: config.ValidationConfig{
			FutureTolerance:       60 * time.Second,
			StaleTolerance:        5 * time.Minute,
			NetworkDelayTolerance: 10 * time.Second,
			NonceWindow:           10 * time.Minute,
		},
		Sequence: config.SequenceConfig{
			WindowSize:        1000,
			GapAlertThreshold: 100,
			DeviceIdleTTL:     24 * time.Hour,
		},
		Health: config.HealthConfig{
			SweepInterval: 30 * time.Second,
			DegradedAfter: 2 * time.Minute,
			OfflineAfter:  5 * time.Minute,
			AlertCooldown: 15 * time.Minute,
		},
		Rules: config.RulesConfig{
			HeartRate: config.MetricBands{
				NormalMin: 60, NormalMax: 100,
				WarningMin: 50, WarningMax: 120,
				CriticalMin: 40, CriticalMax: 150,
				HardMin: 0, HardMax: 250,
			},
			OxygenSaturation: config.MetricBands{
				NormalMin: 94, NormalMax: 100,
				WarningMin: 90, WarningMax: 100,
				CriticalMin: 85, CriticalMax: 100,
				HardMin: 0, HardMax: 100,
			},
			Temperature: config.MetricBands{
				NormalMin: 36.1, NormalMax: 37.8,
				WarningMin: 35.5, WarningMax: 38.5,
				CriticalMin: 34, CriticalMax: 40,
				HardMin: 30, HardMax: 45,
			},
			LowBatteryBelow: 15,
			MinConfidence:   0.6,
			ConfidenceBase:  0.7,
			ValueBucket:     5.0,
			TimeBucket:      5 * time.Minute,
		},
		Processor: config.ProcessorConfig{
			Workers:           4,
			RetryAttempts:     3,
			RetryBaseBackoff:  2 * time.Second,
			DedupWindow:       5 * time.Minute,
			DedupCacheSize:    4096,
			StoreWriteTimeout: 5 * time.Second,
			ReconcileInterval: 5 * time.Minute,
		},
	}
}

func newTestService(repo *mocks.Repository, bus *mockBus) *Service {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	cfg := testConfig()

	tracker := sequence.NewTracker(cfg.Sequence, log)
	validator := validation.NewValidator(tracker, cfg.Validation, cfg.Rules, log)

	return NewService(repo, nil, validator, bus, nil, metrics.NewNop(), cfg, log)
}

func testDevice() *models.Device {
	return &models.Device{
		Model:  models.Model{ID: 1},
		UID:    "dev-1",
		Status: models.DeviceStatusActive,
	}
}

func f64(v float64) *float64 { return &v }
func u64(v uint64) *uint64   { return &v }

func TestIngestSampleHappyPath(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	svc := newTestService(repo, bus)

	repo.On("SaveSample", mock.Anything, mock.AnythingOfType("*models.TelemetrySample")).Return(nil)
	repo.On("MarkSamplePublished", mock.Anything, mock.AnythingOfType("string")).Return(nil)
	bus.On("SendMessage", mock.Anything, "telemetry-events", mock.Anything).Return(nil)

	result, err := svc.IngestSample(context.Background(), IngestInput{
		Device:     testDevice(),
		Kind:       models.SampleKindVital,
		RecordedAt: time.Now(),
		HeartRate:  f64(72),
	})

	require.NoError(t, err)
	require.NotEmpty(t, result.SampleUUID)
	require.Empty(t, result.Warnings)
	repo.AssertExpectations(t)
	bus.AssertExpectations(t)
}

func TestIngestSampleRejectsInvalid(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	svc := newTestService(repo, bus)

	_, err := svc.IngestSample(context.Background(), IngestInput{
		Device:     testDevice(),
		Kind:       models.SampleKindVital,
		RecordedAt: time.Now(),
		HeartRate:  f64(400),
	})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Errors[0], "hard bounds")

	// Rejected samples must leave no trace
	repo.AssertNotCalled(t, "SaveSample", mock.Anything, mock.Anything)
	bus.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestSampleSurvivesPublishFailure(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	svc := newTestService(repo, bus)

	repo.On("SaveSample", mock.Anything, mock.AnythingOfType("*models.TelemetrySample")).Return(nil)
	bus.On("SendMessage", mock.Anything, "telemetry-events", mock.Anything).Return(errors.New("broker down"))

	result, err := svc.IngestSample(context.Background(), IngestInput{
		Device:     testDevice(),
		Kind:       models.SampleKindVital,
		RecordedAt: time.Now(),
		HeartRate:  f64(72),
	})

	// Publish failure is not an ingestion failure; reconciliation
	// republishes unpublished samples later.
	require.NoError(t, err)
	require.NotEmpty(t, result.SampleUUID)
	repo.AssertNotCalled(t, "MarkSamplePublished", mock.Anything, mock.Anything)
}

func TestIngestSampleFailsWhenStoreFails(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	svc := newTestService(repo, bus)

	repo.On("SaveSample", mock.Anything, mock.AnythingOfType("*models.TelemetrySample")).Return(errors.New("db down"))

	_, err := svc.IngestSample(context.Background(), IngestInput{
		Device:     testDevice(),
		Kind:       models.SampleKindVital,
		RecordedAt: time.Now(),
		HeartRate:  f64(72),
	})

	require.Error(t, err)
	bus.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestSampleSequenceGapMetadata(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	svc := newTestService(repo, bus)

	repo.On("SaveSample", mock.Anything, mock.AnythingOfType("*models.TelemetrySample")).Return(nil)
	repo.On("MarkSamplePublished", mock.Anything, mock.AnythingOfType("string")).Return(nil)
	bus.On("SendMessage", mock.Anything, "telemetry-events", mock.Anything).Return(nil)

	ingest := func(seq uint64) *IngestResult {
		result, err := svc.IngestSample(context.Background(), IngestInput{
			Device:         testDevice(),
			Kind:           models.SampleKindVital,
			RecordedAt:     time.Now(),
			SequenceNumber: u64(seq),
			HeartRate:      f64(72),
		})
		require.NoError(t, err)
		return result
	}

	require.Equal(t, models.SequenceReceived, ingest(1).SequenceStatus)
	require.Equal(t, models.SequenceReceived, ingest(2).SequenceStatus)

	gapped := ingest(4)
	require.Equal(t, models.SequenceMissing, gapped.SequenceStatus)
	require.Equal(t, []uint64{3}, gapped.MissingSequenceNumbers)
	require.NotEmpty(t, gapped.Warnings)
}

func TestHandleOfflineCreatesAlert(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	svc := newTestService(repo, bus)

	repo.On("FindRecentAlertByIdempotencyKey", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, gorm.ErrRecordNotFound)
	repo.On("CreateAlert", mock.Anything, mock.AnythingOfType("*models.Alert")).Return(nil)
	bus.On("SendMessage", mock.Anything, "alert-notifications", mock.Anything).Return(nil)

	lastSeen := time.Now().Add(-10 * time.Minute)
	svc.HandleOffline(context.Background(), health.Event{
		DeviceUID:  "dev-1",
		DeviceID:   1,
		Status:     health.StatusOffline,
		LastSeenAt: lastSeen,
		At:         time.Now(),
	})

	repo.AssertCalled(t, "CreateAlert", mock.Anything, mock.MatchedBy(func(alert *models.Alert) bool {
		return alert.AlertType == "device_offline" &&
			alert.Severity == models.SeverityHigh &&
			alert.Confidence == 1.0 &&
			alert.Status == models.AlertStatusOpen
	}))
}

func TestHandleOfflineDedupsByKey(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	svc := newTestService(repo, bus)

	existing := &models.Alert{UUID: "alert-1", AlertType: "device_offline"}
	repo.On("FindRecentAlertByIdempotencyKey", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(existing, nil)

	svc.HandleOffline(context.Background(), health.Event{
		DeviceUID:  "dev-1",
		DeviceID:   1,
		LastSeenAt: time.Now().Add(-10 * time.Minute),
		At:         time.Now(),
	})

	repo.AssertNotCalled(t, "CreateAlert", mock.Anything, mock.Anything)
}

func TestHandleRecoveryResolvesOfflineAlerts(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	svc := newTestService(repo, bus)

	repo.On("ResolveOpenAlertsByType", mock.Anything, "dev-1", "device_offline", "system:recovery").
		Return(int64(1), nil)

	svc.HandleRecovery(context.Background(), health.Event{
		DeviceUID: "dev-1",
		DeviceID:  1,
		At:        time.Now(),
	})

	repo.AssertExpectations(t)
}

func TestGetSample(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	svc := newTestService(repo, bus)

	repo.On("FindSampleByUUID", mock.Anything, "s-1").
		Return(&models.TelemetrySample{UUID: "s-1", DeviceUID: "dev-1"}, nil)

	sample, err := svc.GetSample(context.Background(), "s-1")

	require.NoError(t, err)
	require.Equal(t, "s-1", sample.UUID)
	repo.AssertExpectations(t)
}

func TestListProcessingFailures(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	svc := newTestService(repo, bus)

	repo.On("ListProcessingFailures", mock.Anything, 100).
		Return([]*models.ProcessingFailure{{FailureKind: "alert_create", DeviceUID: "dev-1"}}, nil)

	failures, err := svc.ListProcessingFailures(context.Background(), 100)

	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, "alert_create", failures[0].FailureKind)
	repo.AssertExpectations(t)
}

func TestRepublishUnpublished(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	svc := newTestService(repo, bus)

	samples := []*models.TelemetrySample{
		{UUID: "s-1", DeviceUID: "dev-1", Kind: models.SampleKindVital},
		{UUID: "s-2", DeviceUID: "dev-1", Kind: models.SampleKindVital},
	}
	repo.On("ListUnpublishedSamples", mock.Anything, mock.Anything, 500).Return(samples, nil)
	bus.On("SendMessage", mock.Anything, "telemetry-events", mock.Anything).Return(nil)
	repo.On("MarkSampleRepublished", mock.Anything, "s-1").Return(nil)
	repo.On("MarkSampleRepublished", mock.Anything, "s-2").Return(nil)

	n, err := svc.RepublishUnpublished(context.Background(), 500)

	require.NoError(t, err)
	require.Equal(t, 2, n)
	repo.AssertExpectations(t)
}

func TestRepublishSkipsFailedSends(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	svc := newTestService(repo, bus)

	samples := []*models.TelemetrySample{
		{UUID: "s-1", DeviceUID: "dev-1", Kind: models.SampleKindVital},
	}
	repo.On("ListUnpublishedSamples", mock.Anything, mock.Anything, 500).Return(samples, nil)
	bus.On("SendMessage", mock.Anything, "telemetry-events", mock.Anything).Return(errors.New("broker down"))

	n, err := svc.RepublishUnpublished(context.Background(), 500)

	require.NoError(t, err)
	require.Zero(t, n)
	repo.AssertNotCalled(t, "MarkSampleRepublished", mock.Anything, mock.Anything)
}
