package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/pulsecal/services/telemetry/config"
	"example.com/pulsecal/services/telemetry/internal/health"
	"example.com/pulsecal/services/telemetry/internal/lifecycle"
	"example.com/pulsecal/services/telemetry/internal/messaging"
	"example.com/pulsecal/services/telemetry/internal/metrics"
	"example.com/pulsecal/services/telemetry/internal/models"
	"example.com/pulsecal/services/telemetry/internal/repository"
	"example.com/pulsecal/services/telemetry/internal/search"
	"example.com/pulsecal/services/telemetry/internal/validation"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	alertTypeDeviceOffline = "device_offline"
	resolvedBySystem       = "system:recovery"
)

// ValidationError is returned when a sample fails hard validation. The
// carried messages are safe to return to the device.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("sample rejected: %s", strings.Join(e.Errors, "; "))
}

// IngestInput is one sample as submitted by a device, after the auth
// middleware has resolved and authorized the device record.
type IngestInput struct {
	Device         *models.Device
	Kind           models.SampleKind
	RecordedAt     time.Time
	SequenceNumber *uint64

	HeartRate        *float64
	OxygenSaturation *float64
	Temperature      *float64
	Latitude         *float64
	Longitude        *float64
	BatteryPercent   *float64
	SignalStrength   *float64
}

// IngestResult is returned to the device on acceptance.
type IngestResult struct {
	SampleUUID             string                `json:"sample_uuid"`
	CorrectedAt            time.Time             `json:"corrected_at"`
	SequenceStatus         models.SequenceStatus `json:"sequence_status"`
	MissingSequenceNumbers []uint64              `json:"missing_sequence_numbers,omitempty"`
	Warnings               []string              `json:"warnings,omitempty"`
}

// Service orchestrates sample ingestion and the device facing operations.
// It implements health.Listener so connectivity transitions feed the same
// alert store as the rule engine.
type Service struct {
	repo      repository.Repository
	registry  *lifecycle.Registry
	validator *validation.Validator
	monitor   *health.Monitor
	bus       messaging.ServiceBusClient
	es        search.Client
	metrics   *metrics.Metrics
	cfg       *config.Config
	log       *logrus.Logger
	now       func() time.Time
}

// NewService creates the ingestion service. Attach the health monitor with
// AttachMonitor after constructing it with this service as listener.
func NewService(repo repository.Repository, registry *lifecycle.Registry, validator *validation.Validator,
	bus messaging.ServiceBusClient, es search.Client, m *metrics.Metrics, cfg *config.Config, log *logrus.Logger) *Service {
	return &Service{
		repo:      repo,
		registry:  registry,
		validator: validator,
		bus:       bus,
		es:        es,
		metrics:   m,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// AttachMonitor wires the health monitor once it exists. The monitor needs
// this service as its listener, so the two are constructed in two steps.
func (s *Service) AttachMonitor(m *health.Monitor) {
	s.monitor = m
}

// IngestSample validates, persists and publishes one telemetry sample.
// Rejections return *ValidationError; any other error is an internal
// failure and the device should retry.
func (s *Service) IngestSample(ctx context.Context, in IngestInput) (*IngestResult, error) {
	receivedAt := s.now()

	res := s.validator.Validate(validation.SampleInput{
		Device:           in.Device,
		Kind:             in.Kind,
		RecordedAt:       in.RecordedAt,
		ReceivedAt:       receivedAt,
		SequenceNumber:   in.SequenceNumber,
		HeartRate:        in.HeartRate,
		OxygenSaturation: in.OxygenSaturation,
		Temperature:      in.Temperature,
		Latitude:         in.Latitude,
		Longitude:        in.Longitude,
		BatteryPercent:   in.BatteryPercent,
		SignalStrength:   in.SignalStrength,
	})
	if !res.Valid {
		s.metrics.SamplesRejected.WithLabelValues("validation").Inc()
		return nil, &ValidationError{Errors: res.Errors}
	}

	for _, w := range res.Warnings {
		s.metrics.ValidationWarnings.WithLabelValues(warningLabel(w)).Inc()
	}
	switch res.SequenceStatus {
	case models.SequenceMissing:
		s.metrics.SequenceGaps.Inc()
	case models.SequenceDuplicate:
		s.metrics.SequenceDuplicates.Inc()
	}

	sample := &models.TelemetrySample{
		UUID:             uuid.New().String(),
		DeviceID:         in.Device.ID,
		DeviceUID:        in.Device.UID,
		Kind:             in.Kind,
		SequenceNumber:   in.SequenceNumber,
		SequenceStatus:   res.SequenceStatus,
		RecordedAt:       in.RecordedAt,
		ReceivedAt:       receivedAt,
		CorrectedAt:      res.CorrectedTimestamp,
		HeartRate:        in.HeartRate,
		OxygenSaturation: in.OxygenSaturation,
		Temperature:      in.Temperature,
		Latitude:         in.Latitude,
		Longitude:        in.Longitude,
		BatteryPercent:   in.BatteryPercent,
		SignalStrength:   in.SignalStrength,
		Warnings:         strings.Join(res.Warnings, "; "),
	}

	// The sample must be durable before the device gets its ack.
	saveCtx, cancel := context.WithTimeout(ctx, s.cfg.Processor.StoreWriteTimeout)
	defer cancel()
	if err := s.repo.SaveSample(saveCtx, sample); err != nil {
		s.metrics.SamplesRejected.WithLabelValues("store").Inc()
		return nil, fmt.Errorf("failed to persist sample: %w", err)
	}

	s.metrics.SamplesAccepted.WithLabelValues(string(in.Kind)).Inc()

	// Publishing is best effort: the reconciliation job republishes any
	// sample left with published=false.
	if err := s.publishSample(ctx, sample); err != nil {
		s.log.WithError(err).WithField("sample_uuid", sample.UUID).
			Warn("Failed to publish sample event, reconciliation will retry")
	}

	if s.monitor != nil {
		s.monitor.Touch(ctx, in.Device.UID, in.Device.ID, receivedAt)
	}

	if res.SequenceGapAlert {
		s.raiseSequenceGapAlert(ctx, in.Device, res.MissingSequenceNumbers)
	}

	return &IngestResult{
		SampleUUID:             sample.UUID,
		CorrectedAt:            sample.CorrectedAt,
		SequenceStatus:         sample.SequenceStatus,
		MissingSequenceNumbers: res.MissingSequenceNumbers,
		Warnings:               res.Warnings,
	}, nil
}

func (s *Service) publishSample(ctx context.Context, sample *models.TelemetrySample) error {
	ev := eventFromSample(sample)
	if err := s.bus.SendMessage(ctx, s.cfg.ServiceBus.QueueName, ev); err != nil {
		return err
	}
	if err := s.repo.MarkSamplePublished(ctx, sample.UUID); err != nil {
		return fmt.Errorf("failed to mark sample published: %w", err)
	}
	return nil
}

func eventFromSample(sample *models.TelemetrySample) models.SampleAcceptedEvent {
	return models.SampleAcceptedEvent{
		SampleUUID:       sample.UUID,
		DeviceID:         sample.DeviceID,
		DeviceUID:        sample.DeviceUID,
		Kind:             sample.Kind,
		CorrectedAt:      sample.CorrectedAt,
		SequenceStatus:   sample.SequenceStatus,
		HeartRate:        sample.HeartRate,
		OxygenSaturation: sample.OxygenSaturation,
		Temperature:      sample.Temperature,
		Latitude:         sample.Latitude,
		Longitude:        sample.Longitude,
		BatteryPercent:   sample.BatteryPercent,
		SignalStrength:   sample.SignalStrength,
	}
}

// raiseSequenceGapAlert records an abnormally large sequence gap. The key
// is derived from the first missing number so retransmissions of the same
// gap collapse to one alert.
func (s *Service) raiseSequenceGapAlert(ctx context.Context, device *models.Device, missing []uint64) {
	if len(missing) == 0 {
		return
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("sequence_gap|%s|%d", device.UID, missing[0])))
	key := hex.EncodeToString(sum[:])

	since := s.now().Add(-s.cfg.Processor.DedupWindow)
	if existing, err := s.repo.FindRecentAlertByIdempotencyKey(ctx, key, since); err == nil && existing != nil {
		s.metrics.AlertsDeduplicated.Inc()
		return
	}

	alert := &models.Alert{
		UUID:           uuid.New().String(),
		DeviceID:       device.ID,
		DeviceUID:      device.UID,
		AlertType:      "sequence_gap",
		Severity:       models.SeverityMedium,
		Confidence:     1.0,
		Description:    fmt.Sprintf("Large sequence gap for device %s", device.UID),
		Explanation:    fmt.Sprintf("%d sequence numbers missing starting at %d", len(missing), missing[0]),
		IdempotencyKey: key,
		Status:         models.AlertStatusOpen,
	}
	if err := s.createAlert(ctx, alert); err != nil {
		s.log.WithError(err).WithField("device_uid", device.UID).Error("Failed to create sequence gap alert")
		return
	}
	s.metrics.AlertsCreated.WithLabelValues(alert.AlertType, string(alert.Severity)).Inc()
	s.notifyAndIndex(ctx, alert)
}

// HandleOffline implements health.Listener. It persists a device_offline
// alert with full confidence; the monitor already applied its cooldown.
func (s *Service) HandleOffline(ctx context.Context, ev health.Event) {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", alertTypeDeviceOffline, ev.DeviceUID, ev.LastSeenAt.UTC().Unix())))
	key := hex.EncodeToString(sum[:])

	since := s.now().Add(-s.cfg.Health.AlertCooldown)
	if existing, err := s.repo.FindRecentAlertByIdempotencyKey(ctx, key, since); err == nil && existing != nil {
		s.metrics.AlertsDeduplicated.Inc()
		return
	}

	alert := &models.Alert{
		UUID:           uuid.New().String(),
		DeviceID:       ev.DeviceID,
		DeviceUID:      ev.DeviceUID,
		AlertType:      alertTypeDeviceOffline,
		Severity:       models.SeverityHigh,
		Confidence:     1.0,
		Description:    fmt.Sprintf("Device %s is offline", ev.DeviceUID),
		Explanation: fmt.Sprintf("no heartbeat since %s, threshold %s",
			ev.LastSeenAt.UTC().Format(time.RFC3339), s.cfg.Health.OfflineAfter),
		IdempotencyKey: key,
		Status:         models.AlertStatusOpen,
	}
	if err := s.createAlert(ctx, alert); err != nil {
		s.log.WithError(err).WithField("device_uid", ev.DeviceUID).Error("Failed to create offline alert")
		return
	}
	s.metrics.AlertsCreated.WithLabelValues(alert.AlertType, string(alert.Severity)).Inc()
	s.notifyAndIndex(ctx, alert)
}

// HandleRecovery implements health.Listener. A device coming back resolves
// its open offline alerts.
func (s *Service) HandleRecovery(ctx context.Context, ev health.Event) {
	n, err := s.repo.ResolveOpenAlertsByType(ctx, ev.DeviceUID, alertTypeDeviceOffline, resolvedBySystem)
	if err != nil {
		s.log.WithError(err).WithField("device_uid", ev.DeviceUID).Error("Failed to resolve offline alerts on recovery")
		return
	}
	if n > 0 {
		s.log.WithFields(logrus.Fields{
			"device_uid": ev.DeviceUID,
			"resolved":   n,
		}).Info("Device recovered, offline alerts resolved")
	}
}

// createAlert writes one alert under the store-write timeout.
func (s *Service) createAlert(ctx context.Context, alert *models.Alert) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.Processor.StoreWriteTimeout)
	defer cancel()
	return s.repo.CreateAlert(writeCtx, alert)
}

// notifyAndIndex pushes the alert to the notification queue and the search
// index. Both are best effort; the database row is the source of truth.
func (s *Service) notifyAndIndex(ctx context.Context, alert *models.Alert) {
	if err := s.bus.SendMessage(ctx, s.cfg.ServiceBus.NotificationQueue, alert); err != nil {
		s.log.WithError(err).WithField("alert_uuid", alert.UUID).Warn("Failed to publish alert notification")
	}
	if s.es != nil {
		doc, err := json.Marshal(alert)
		if err == nil {
			err = s.es.IndexDocument(ctx, alert.UUID, doc)
		}
		if err != nil {
			s.log.WithError(err).WithField("alert_uuid", alert.UUID).Warn("Failed to index alert")
		}
	}
}

// RegisterDevice provisions a device and returns the record plus its
// one-time plaintext token.
func (s *Service) RegisterDevice(ctx context.Context, req lifecycle.RegisterRequest) (*models.Device, string, error) {
	return s.registry.Register(ctx, req)
}

// RevokeDevice permanently disables a device.
func (s *Service) RevokeDevice(ctx context.Context, deviceUID, reason string) error {
	return s.registry.Revoke(ctx, deviceUID, reason)
}

// GetDevice returns one device with its current connectivity status.
func (s *Service) GetDevice(ctx context.Context, deviceUID string) (*models.Device, health.Status, error) {
	device, err := s.repo.FindDeviceByUID(ctx, deviceUID)
	if err != nil {
		return nil, health.StatusUnknown, err
	}
	status := health.StatusUnknown
	if s.monitor != nil {
		status = s.monitor.StatusOf(deviceUID)
	}
	return device, status, nil
}

// ListDevices returns devices, optionally filtered by facility.
func (s *Service) ListDevices(ctx context.Context, facilityID uint) ([]*models.Device, error) {
	return s.repo.ListDevices(ctx, facilityID)
}

// ListDeviceSamples returns the most recent samples for one device.
func (s *Service) ListDeviceSamples(ctx context.Context, deviceUID string, limit int) ([]*models.TelemetrySample, error) {
	device, err := s.repo.FindDeviceByUID(ctx, deviceUID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListDeviceSamples(ctx, device.ID, limit)
}

// GetSample returns one stored sample by its UUID.
func (s *Service) GetSample(ctx context.Context, sampleUUID string) (*models.TelemetrySample, error) {
	return s.repo.FindSampleByUUID(ctx, sampleUUID)
}

// ListProcessingFailures returns unacknowledged entries from the failure
// sink, oldest first, so operators can inspect what the processor gave up on.
func (s *Service) ListProcessingFailures(ctx context.Context, limit int) ([]*models.ProcessingFailure, error) {
	return s.repo.ListProcessingFailures(ctx, limit)
}

// ListDeviceAlerts returns the most recent alerts for one device.
func (s *Service) ListDeviceAlerts(ctx context.Context, deviceUID string, limit int) ([]*models.Alert, error) {
	return s.repo.ListDeviceAlerts(ctx, deviceUID, limit)
}

// ErrSearchDisabled is returned when alert search is queried without an
// Elasticsearch backend configured.
var ErrSearchDisabled = errors.New("alert search is not enabled")

// SearchAlerts runs a free-text query against the alert search index.
func (s *Service) SearchAlerts(ctx context.Context, query string, limit int) ([]json.RawMessage, error) {
	if s.es == nil {
		return nil, ErrSearchDisabled
	}
	body := map[string]interface{}{
		"size": limit,
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"device_uid", "alert_type", "severity", "description", "explanation"},
			},
		},
	}
	return s.es.SearchDocuments(ctx, body)
}

// ResolveAlert marks an alert resolved on behalf of an operator.
func (s *Service) ResolveAlert(ctx context.Context, alertUUID, resolvedBy string) error {
	if err := s.repo.ResolveAlert(ctx, alertUUID, resolvedBy); err != nil {
		return err
	}
	if s.es != nil {
		if alert, err := s.repo.FindAlertByUUID(ctx, alertUUID); err == nil {
			if doc, err := json.Marshal(alert); err == nil {
				if err := s.es.IndexDocument(ctx, alert.UUID, doc); err != nil {
					s.log.WithError(err).WithField("alert_uuid", alertUUID).Warn("Failed to reindex resolved alert")
				}
			}
		}
	}
	return nil
}

// RepublishUnpublished resends accepted samples whose event publish failed.
// It runs on a schedule and is idempotent: consumers dedup by sample UUID
// derived idempotency keys.
func (s *Service) RepublishUnpublished(ctx context.Context, limit int) (int, error) {
	olderThan := s.now().Add(-s.cfg.Processor.ReconcileInterval)
	samples, err := s.repo.ListUnpublishedSamples(ctx, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list unpublished samples: %w", err)
	}

	republished := 0
	for _, sample := range samples {
		if err := s.bus.SendMessage(ctx, s.cfg.ServiceBus.QueueName, eventFromSample(sample)); err != nil {
			s.log.WithError(err).WithField("sample_uuid", sample.UUID).Warn("Republish failed")
			continue
		}
		if err := s.repo.MarkSampleRepublished(ctx, sample.UUID); err != nil {
			s.log.WithError(err).WithField("sample_uuid", sample.UUID).Error("Failed to mark sample republished")
			continue
		}
		republished++
	}
	if republished > 0 {
		s.log.WithField("count", republished).Info("Republished unpublished sample events")
	}
	return republished, nil
}

// warningLabel collapses free-form warning text to a low-cardinality label.
func warningLabel(w string) string {
	switch {
	case strings.Contains(w, "future"):
		return "future_timestamp"
	case strings.Contains(w, "stale"):
		return "stale_timestamp"
	case strings.Contains(w, "delay"):
		return "network_delay"
	case strings.Contains(w, "sequence"):
		return "sequence"
	default:
		return "range"
	}
}
