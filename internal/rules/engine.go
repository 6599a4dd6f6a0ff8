package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"example.com/pulsecal/services/telemetry/config"
	"example.com/pulsecal/services/telemetry/internal/models"
)

// Alert types produced by the engine. The health monitor owns
// device_offline separately.
const (
	TypeHeartRateHigh   = "heart_rate_high"
	TypeHeartRateLow    = "heart_rate_low"
	TypeOxygenLow       = "oxygen_saturation_low"
	TypeOxygenHigh      = "oxygen_saturation_high"
	TypeTemperatureHigh = "temperature_high"
	TypeTemperatureLow  = "temperature_low"
	TypeLowBattery      = "low_battery"
)

// Evidence records the numbers behind a candidate so downstream consumers
// can display why it fired.
type Evidence struct {
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Band      string  `json:"band_violated"`
	Threshold float64 `json:"threshold"`
	Deviation float64 `json:"deviation"`
}

// Candidate is a potential alert produced by evaluating one sample. It is
// immutable: the processor either persists it or discards it.
type Candidate struct {
	AlertType      string
	Severity       models.AlertSeverity
	Confidence     float64
	Description    string
	Explanation    string
	IdempotencyKey string
	Evidence       Evidence
}

// Engine evaluates validated samples against configured threshold bands.
// It is a pure function of the sample and its configuration: no state, no
// writes, no external calls.
type Engine struct {
	cfg config.RulesConfig
}

// NewEngine creates an alert rule engine
func NewEngine(cfg config.RulesConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate returns zero or more alert candidates for the sample, plus the
// count of candidates discarded for falling below the confidence floor.
// The discard is a false-positive filter, not an error.
func (e *Engine) Evaluate(ev models.SampleAcceptedEvent) ([]Candidate, int) {
	var (
		out       []Candidate
		discarded int
	)

	collect := func(c Candidate, fired, confident bool) {
		if !fired {
			return
		}
		if !confident {
			discarded++
			return
		}
		out = append(out, c)
	}

	if ev.HeartRate != nil {
		collect(e.evaluateMetric("heart rate", *ev.HeartRate, e.cfg.HeartRate, ev,
			TypeHeartRateHigh, TypeHeartRateLow))
	}
	if ev.OxygenSaturation != nil {
		collect(e.evaluateMetric("oxygen saturation", *ev.OxygenSaturation, e.cfg.OxygenSaturation, ev,
			TypeOxygenHigh, TypeOxygenLow))
	}
	if ev.Temperature != nil {
		collect(e.evaluateMetric("temperature", *ev.Temperature, e.cfg.Temperature, ev,
			TypeTemperatureHigh, TypeTemperatureLow))
	}
	if ev.BatteryPercent != nil {
		collect(e.evaluateBattery(*ev.BatteryPercent, ev))
	}

	return out, discarded
}

// evaluateMetric classifies a value against the three nested bands. The
// severity is the tightest band the value violates: outside normal is
// medium, outside warning is high, outside critical is critical. The
// second return reports whether any band fired, the third whether the
// candidate cleared the confidence floor.
func (e *Engine) evaluateMetric(metric string, value float64, bands config.MetricBands,
	ev models.SampleAcceptedEvent, highType, lowType string) (Candidate, bool, bool) {

	if value >= bands.NormalMin && value <= bands.NormalMax {
		return Candidate{}, false, false
	}

	var (
		severity  models.AlertSeverity
		band      string
		threshold float64
	)

	switch {
	case value > bands.CriticalMax:
		severity, band, threshold = models.SeverityCritical, "critical", bands.CriticalMax
	case value < bands.CriticalMin:
		severity, band, threshold = models.SeverityCritical, "critical", bands.CriticalMin
	case value > bands.WarningMax:
		severity, band, threshold = models.SeverityHigh, "warning", bands.WarningMax
	case value < bands.WarningMin:
		severity, band, threshold = models.SeverityHigh, "warning", bands.WarningMin
	case value > bands.NormalMax:
		severity, band, threshold = models.SeverityMedium, "normal", bands.NormalMax
	default:
		severity, band, threshold = models.SeverityMedium, "normal", bands.NormalMin
	}

	deviation := math.Abs(value - threshold)
	confidence := e.confidence(deviation, bands.NormalMax-bands.NormalMin)
	if confidence < e.cfg.MinConfidence {
		return Candidate{}, true, false
	}

	alertType := highType
	direction := "exceeds"
	boundWord := "max"
	if value < bands.NormalMin {
		alertType = lowType
		direction = "is below"
		boundWord = "min"
	}

	explanation := fmt.Sprintf("%s %.1f %s the %s band %s %.1f by %.1f",
		metric, value, direction, band, boundWord, threshold, deviation)

	return Candidate{
		AlertType:      alertType,
		Severity:       severity,
		Confidence:     confidence,
		Description:    fmt.Sprintf("Abnormal %s for device %s", metric, ev.DeviceUID),
		Explanation:    explanation,
		IdempotencyKey: e.idempotencyKey(alertType, ev.DeviceUID, value, ev.CorrectedAt),
		Evidence: Evidence{
			Metric:    metric,
			Value:     value,
			Band:      band,
			Threshold: threshold,
			Deviation: deviation,
		},
	}, true, true
}

func (e *Engine) evaluateBattery(value float64, ev models.SampleAcceptedEvent) (Candidate, bool, bool) {
	if value >= e.cfg.LowBatteryBelow {
		return Candidate{}, false, false
	}

	deviation := e.cfg.LowBatteryBelow - value
	confidence := e.confidence(deviation, e.cfg.LowBatteryBelow)
	if confidence < e.cfg.MinConfidence {
		return Candidate{}, true, false
	}

	return Candidate{
		AlertType:      TypeLowBattery,
		Severity:       models.SeverityLow,
		Confidence:     confidence,
		Description:    fmt.Sprintf("Low battery for device %s", ev.DeviceUID),
		Explanation: fmt.Sprintf("battery %.1f%% is below the %.1f%% floor by %.1f",
			value, e.cfg.LowBatteryBelow, deviation),
		IdempotencyKey: e.idempotencyKey(TypeLowBattery, ev.DeviceUID, value, ev.CorrectedAt),
		Evidence: Evidence{
			Metric:    "battery",
			Value:     value,
			Band:      "advisory",
			Threshold: e.cfg.LowBatteryBelow,
			Deviation: deviation,
		},
	}, true, true
}

// confidence grows with how far the value sits beyond the violated
// threshold, measured in units of the normal range width, capped at +0.3
// above the base and clamped to [0,1].
func (e *Engine) confidence(deviation, normalWidth float64) float64 {
	if normalWidth <= 0 {
		return e.cfg.ConfidenceBase
	}
	boost := math.Min(0.3, deviation/normalWidth*0.3)
	return math.Max(0, math.Min(1, e.cfg.ConfidenceBase+boost))
}

// idempotencyKey buckets the value and timestamp so near-identical repeated
// readings collapse to one key. Bucket widths are tunables: coarser buckets
// merge borderline-distinct events, finer ones let near-duplicates through.
func (e *Engine) idempotencyKey(alertType, deviceUID string, value float64, at time.Time) string {
	bucketed := math.Round(value/e.cfg.ValueBucket) * e.cfg.ValueBucket
	timeBucket := at.UTC().Truncate(e.cfg.TimeBucket).Unix()

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%.2f|%d", alertType, deviceUID, bucketed, timeBucket)))
	return hex.EncodeToString(sum[:])
}
