package validation

import (
	"testing"
	"time"

	"example.com/pulsecal/services/telemetry/config"
	"example.com/pulsecal/services/telemetry/internal/models"
	"example.com/pulsecal/services/telemetry/internal/sequence"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator() *Validator {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	tracker := sequence.NewTracker(config.SequenceConfig{
		WindowSize:        1000,
		GapAlertThreshold: 100,
		DeviceIdleTTL:     24 * time.Hour,
	}, log)

	v := NewValidator(tracker, config.ValidationConfig{
		FutureTolerance:       60 * time.Second,
		StaleTolerance:        5 * time.Minute,
		NetworkDelayTolerance: 10 * time.Second,
		NonceWindow:           10 * time.Minute,
	}, config.RulesConfig{
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
	}, log)
	v.now = func() time.Time { return testNow }
	return v
}

func activeDevice() *models.Device {
	return &models.Device{
		UID:    "dev-1",
		Status: models.DeviceStatusActive,
	}
}

func f64(v float64) *float64 { return &v }
func u64(v uint64) *uint64   { return &v }

func TestValidateAcceptsNormalVitals(t *testing.T) {
	v := newTestValidator()

	res := v.Validate(SampleInput{
		Device:     activeDevice(),
		Kind:       models.SampleKindVital,
		RecordedAt: testNow.Add(-time.Second),
		ReceivedAt: testNow,
		HeartRate:  f64(72),
	})

	require.True(t, res.Valid)
	require.Empty(t, res.Errors)
	require.Empty(t, res.Warnings)
	require.Equal(t, testNow.Add(-time.Second), res.CorrectedTimestamp)
}

func TestValidateCorrectsFutureTimestamp(t *testing.T) {
	v := newTestValidator()

	// Five minutes ahead of server time: clock skew, not fraud
	claimed := testNow.Add(5 * time.Minute)
	res := v.Validate(SampleInput{
		Device:     activeDevice(),
		Kind:       models.SampleKindVital,
		RecordedAt: claimed,
		ReceivedAt: testNow,
		HeartRate:  f64(72),
	})

	require.True(t, res.Valid, "future timestamp must correct, not reject")
	require.Equal(t, testNow, res.CorrectedTimestamp)
	require.Len(t, res.Warnings, 1)
	require.Contains(t, res.Warnings[0], "future tolerance")
}

func TestValidateFutureWithinToleranceKept(t *testing.T) {
	v := newTestValidator()

	claimed := testNow.Add(30 * time.Second)
	res := v.Validate(SampleInput{
		Device:     activeDevice(),
		Kind:       models.SampleKindVital,
		RecordedAt: claimed,
		ReceivedAt: testNow,
		HeartRate:  f64(72),
	})

	require.True(t, res.Valid)
	require.Equal(t, claimed, res.CorrectedTimestamp)
}

func TestValidateWarnsOnStaleSample(t *testing.T) {
	v := newTestValidator()

	res := v.Validate(SampleInput{
		Device:     activeDevice(),
		Kind:       models.SampleKindVital,
		RecordedAt: testNow.Add(-time.Hour),
		ReceivedAt: testNow,
		HeartRate:  f64(72),
	})

	require.True(t, res.Valid)
	require.NotEmpty(t, res.Warnings)
	require.Contains(t, res.Warnings[0], "stale")
}

func TestValidateRejectsInactiveDevice(t *testing.T) {
	v := newTestValidator()

	res := v.Validate(SampleInput{
		Device: &models.Device{
			UID:    "dev-1",
			Status: models.DeviceStatusLocked,
		},
		Kind:       models.SampleKindVital,
		RecordedAt: testNow,
		ReceivedAt: testNow,
		HeartRate:  f64(72),
	})

	require.False(t, res.Valid)
	require.Contains(t, res.Errors[0], "locked")
}

func TestValidateRejectsImpossibleHeartRate(t *testing.T) {
	v := newTestValidator()

	res := v.Validate(SampleInput{
		Device:     activeDevice(),
		Kind:       models.SampleKindVital,
		RecordedAt: testNow,
		ReceivedAt: testNow,
		HeartRate:  f64(400),
	})

	require.False(t, res.Valid)
	require.Contains(t, res.Errors[0], "hard bounds")
}

func TestValidateWarnsOnUnusualHeartRate(t *testing.T) {
	v := newTestValidator()

	// Outside the critical band but within hard bounds: ingest with a
	// warning and let the rule engine decide.
	res := v.Validate(SampleInput{
		Device:     activeDevice(),
		Kind:       models.SampleKindVital,
		RecordedAt: testNow,
		ReceivedAt: testNow,
		HeartRate:  f64(180),
	})

	require.True(t, res.Valid)
	require.NotEmpty(t, res.Warnings)
	require.Contains(t, res.Warnings[0], "unusual")
}

func TestValidateRejectsEmptyVitalSample(t *testing.T) {
	v := newTestValidator()

	res := v.Validate(SampleInput{
		Device:     activeDevice(),
		Kind:       models.SampleKindVital,
		RecordedAt: testNow,
		ReceivedAt: testNow,
	})

	require.False(t, res.Valid)
	require.Contains(t, res.Errors[0], "no measurements")
}

func TestValidateLocationBounds(t *testing.T) {
	v := newTestValidator()

	res := v.Validate(SampleInput{
		Device:     activeDevice(),
		Kind:       models.SampleKindLocation,
		RecordedAt: testNow,
		ReceivedAt: testNow,
		Latitude:   f64(91),
		Longitude:  f64(36.8),
	})
	require.False(t, res.Valid)
	require.Contains(t, res.Errors[0], "latitude")

	res = v.Validate(SampleInput{
		Device:     activeDevice(),
		Kind:       models.SampleKindLocation,
		RecordedAt: testNow,
		ReceivedAt: testNow,
		Latitude:   f64(-1.29),
		Longitude:  f64(36.82),
	})
	require.True(t, res.Valid)
}

func TestValidateSequenceGapSurfacesWarning(t *testing.T) {
	v := newTestValidator()

	first := v.Validate(SampleInput{
		Device:         activeDevice(),
		Kind:           models.SampleKindVital,
		RecordedAt:     testNow,
		ReceivedAt:     testNow,
		SequenceNumber: u64(1),
		HeartRate:      f64(72),
	})
	require.Equal(t, models.SequenceReceived, first.SequenceStatus)

	gapped := v.Validate(SampleInput{
		Device:         activeDevice(),
		Kind:           models.SampleKindVital,
		RecordedAt:     testNow,
		ReceivedAt:     testNow,
		SequenceNumber: u64(4),
		HeartRate:      f64(72),
	})

	require.True(t, gapped.Valid, "a gap is metadata, not a rejection")
	require.Equal(t, models.SequenceMissing, gapped.SequenceStatus)
	require.Equal(t, []uint64{2, 3}, gapped.MissingSequenceNumbers)
}

func TestValidateNoSequenceNumberIsUnknown(t *testing.T) {
	v := newTestValidator()

	res := v.Validate(SampleInput{
		Device:     activeDevice(),
		Kind:       models.SampleKindVital,
		RecordedAt: testNow,
		ReceivedAt: testNow,
		HeartRate:  f64(72),
	})

	require.Equal(t, models.SequenceUnknown, res.SequenceStatus)
}
