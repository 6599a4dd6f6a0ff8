package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"example.com/pulsecal/services/telemetry/internal/messaging"
	"example.com/pulsecal/services/telemetry/internal/metrics"
	"example.com/pulsecal/services/telemetry/internal/models"
	"example.com/pulsecal/services/telemetry/internal/repository/mocks"
	"example.com/pulsecal/services/telemetry/internal/rules"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestProcessor(t *testing.T, repo *mocks.Repository, bus *mockBus) *EventProcessor {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	cfg := testConfig()

	p, err := NewEventProcessor(repo, rules.NewEngine(cfg.Rules), bus, nil, nil, metrics.NewNop(), cfg, log)
	require.NoError(t, err)

	// No real waiting in tests
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

func abnormalVitalEvent() []byte {
	hr := 130.0
	body, _ := json.Marshal(models.SampleAcceptedEvent{
		SampleUUID:  "sample-1",
		DeviceID:    1,
		DeviceUID:   "dev-1",
		Kind:        models.SampleKindVital,
		CorrectedAt: time.Date(2025, 6, 1, 12, 3, 0, 0, time.UTC),
		HeartRate:   &hr,
	})
	return body
}

func TestHandleCreatesAlertForAbnormalVital(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	p := newTestProcessor(t, repo, bus)

	repo.On("FindRecentAlertByIdempotencyKey", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, gorm.ErrRecordNotFound)
	repo.On("CreateAlert", mock.Anything, mock.AnythingOfType("*models.Alert")).Return(nil)
	bus.On("SendMessage", mock.Anything, "alert-notifications", mock.Anything).Return(nil)

	err := p.Handle(context.Background(), abnormalVitalEvent())

	require.NoError(t, err)
	repo.AssertCalled(t, "CreateAlert", mock.Anything, mock.MatchedBy(func(alert *models.Alert) bool {
		return alert.AlertType == rules.TypeHeartRateHigh &&
			alert.Severity == models.SeverityHigh &&
			alert.SampleUUID == "sample-1" &&
			alert.IdempotencyKey != ""
	}))
}

func TestHandleNormalVitalCreatesNothing(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	p := newTestProcessor(t, repo, bus)

	hr := 72.0
	body, _ := json.Marshal(models.SampleAcceptedEvent{
		SampleUUID: "sample-1",
		DeviceUID:  "dev-1",
		Kind:       models.SampleKindVital,
		HeartRate:  &hr,
	})

	require.NoError(t, p.Handle(context.Background(), body))
	repo.AssertNotCalled(t, "CreateAlert", mock.Anything, mock.Anything)
}

func TestHandleRedeliveryIsDeduplicated(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	p := newTestProcessor(t, repo, bus)

	repo.On("FindRecentAlertByIdempotencyKey", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, gorm.ErrRecordNotFound)
	repo.On("CreateAlert", mock.Anything, mock.AnythingOfType("*models.Alert")).Return(nil)
	bus.On("SendMessage", mock.Anything, "alert-notifications", mock.Anything).Return(nil)

	body := abnormalVitalEvent()
	require.NoError(t, p.Handle(context.Background(), body))
	require.NoError(t, p.Handle(context.Background(), body))

	// At-least-once delivery, exactly-once effect
	repo.AssertNumberOfCalls(t, "CreateAlert", 1)
}

func TestHandleDedupAgainstStore(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	p := newTestProcessor(t, repo, bus)

	// Another instance already persisted this key
	existing := &models.Alert{UUID: "alert-1", AlertType: rules.TypeHeartRateHigh}
	repo.On("FindRecentAlertByIdempotencyKey", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(existing, nil)

	require.NoError(t, p.Handle(context.Background(), abnormalVitalEvent()))
	repo.AssertNotCalled(t, "CreateAlert", mock.Anything, mock.Anything)
}

func TestHandleMalformedEventDeadLetters(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	p := newTestProcessor(t, repo, bus)

	repo.On("SaveProcessingFailure", mock.Anything, mock.AnythingOfType("*models.ProcessingFailure")).Return(nil)

	err := p.Handle(context.Background(), []byte("{not json"))

	require.ErrorIs(t, err, messaging.ErrMalformedMessage)
	repo.AssertCalled(t, "SaveProcessingFailure", mock.Anything, mock.MatchedBy(func(f *models.ProcessingFailure) bool {
		return f.FailureKind == "malformed"
	}))
}

func TestHandleEventMissingIdentityDeadLetters(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	p := newTestProcessor(t, repo, bus)

	repo.On("SaveProcessingFailure", mock.Anything, mock.AnythingOfType("*models.ProcessingFailure")).Return(nil)

	body, _ := json.Marshal(models.SampleAcceptedEvent{Kind: models.SampleKindVital})
	err := p.Handle(context.Background(), body)

	require.ErrorIs(t, err, messaging.ErrMalformedMessage)
}

func TestHandleRetriesThenRoutesToFailureSink(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	p := newTestProcessor(t, repo, bus)

	repo.On("FindRecentAlertByIdempotencyKey", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, gorm.ErrRecordNotFound)
	repo.On("CreateAlert", mock.Anything, mock.AnythingOfType("*models.Alert")).Return(errors.New("db down"))
	repo.On("SaveProcessingFailure", mock.Anything, mock.AnythingOfType("*models.ProcessingFailure")).Return(nil)

	// The stream must keep moving: exhausted retries are not a handler error
	require.NoError(t, p.Handle(context.Background(), abnormalVitalEvent()))

	repo.AssertNumberOfCalls(t, "CreateAlert", 3)
	repo.AssertCalled(t, "SaveProcessingFailure", mock.Anything, mock.MatchedBy(func(f *models.ProcessingFailure) bool {
		return f.FailureKind == "alert_create" && f.Attempts == 3 && f.DeviceUID == "dev-1"
	}))
}

func TestHandleReleasesClaimOnCreateFailure(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	p := newTestProcessor(t, repo, bus)
	p.redis = &claimOnceRedis{}

	repo.On("FindRecentAlertByIdempotencyKey", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, gorm.ErrRecordNotFound)
	repo.On("CreateAlert", mock.Anything, mock.AnythingOfType("*models.Alert")).
		Return(errors.New("db down")).Times(3)
	repo.On("SaveProcessingFailure", mock.Anything, mock.AnythingOfType("*models.ProcessingFailure")).Return(nil)
	repo.On("CreateAlert", mock.Anything, mock.AnythingOfType("*models.Alert")).Return(nil)
	bus.On("SendMessage", mock.Anything, "alert-notifications", mock.Anything).Return(nil)

	body := abnormalVitalEvent()
	require.NoError(t, p.Handle(context.Background(), body))

	// The failed write must not leave a stale dedup claim behind: the
	// broker's redelivery retries the write once the store recovers.
	require.NoError(t, p.Handle(context.Background(), body))
	repo.AssertNumberOfCalls(t, "CreateAlert", 4)
}

func TestCreateAlertRunsUnderStoreTimeout(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	p := newTestProcessor(t, repo, bus)

	repo.On("FindRecentAlertByIdempotencyKey", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, gorm.ErrRecordNotFound)
	repo.On("CreateAlert", mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	}), mock.AnythingOfType("*models.Alert")).Return(nil)
	bus.On("SendMessage", mock.Anything, "alert-notifications", mock.Anything).Return(nil)

	require.NoError(t, p.Handle(context.Background(), abnormalVitalEvent()))
	repo.AssertExpectations(t)
}

func TestHandleRedisClaimLostIsDedup(t *testing.T) {
	repo := new(mocks.Repository)
	bus := new(mockBus)
	p := newTestProcessor(t, repo, bus)

	claimed := &claimOnceRedis{}
	p.redis = claimed

	repo.On("FindRecentAlertByIdempotencyKey", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, gorm.ErrRecordNotFound)
	repo.On("CreateAlert", mock.Anything, mock.AnythingOfType("*models.Alert")).Return(nil)
	bus.On("SendMessage", mock.Anything, "alert-notifications", mock.Anything).Return(nil)

	require.NoError(t, p.Handle(context.Background(), abnormalVitalEvent()))

	// Simulate a second instance: fresh LRU, same Redis
	p2 := newTestProcessor(t, repo, bus)
	p2.redis = claimed
	require.NoError(t, p2.Handle(context.Background(), abnormalVitalEvent()))

	repo.AssertNumberOfCalls(t, "CreateAlert", 1)
}

// claimOnceRedis grants each SETNX key once until it is deleted
type claimOnceRedis struct {
	keys map[string]struct{}
}

func (c *claimOnceRedis) Get(ctx context.Context, key string) (string, error) {
	return "", errors.New("key not found")
}

func (c *claimOnceRedis) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	return nil
}

func (c *claimOnceRedis) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	if c.keys == nil {
		c.keys = make(map[string]struct{})
	}
	if _, ok := c.keys[key]; ok {
		return false, nil
	}
	c.keys[key] = struct{}{}
	return true, nil
}

func (c *claimOnceRedis) Delete(ctx context.Context, key string) error {
	delete(c.keys, key)
	return nil
}
func (c *claimOnceRedis) Close() error                                 { return nil }
