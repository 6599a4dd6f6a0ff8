package validation

import (
	"fmt"
	"time"

	"example.com/pulsecal/services/telemetry/config"
	"example.com/pulsecal/services/telemetry/internal/models"
	"example.com/pulsecal/services/telemetry/internal/sequence"

	"github.com/sirupsen/logrus"
)

// SampleInput carries one telemetry sample through validation. Device is
// the record the lifecycle registry already resolved and authorized for
// this request.
type SampleInput struct {
	Device         *models.Device
	Kind           models.SampleKind
	RecordedAt     time.Time
	ReceivedAt     time.Time
	SequenceNumber *uint64

	HeartRate        *float64
	OxygenSaturation *float64
	Temperature      *float64
	Latitude         *float64
	Longitude        *float64
	BatteryPercent   *float64
	SignalStrength   *float64
}

// Result is the outcome of validating a single sample. Errors block
// ingestion; warnings are attached as metadata and never block.
type Result struct {
	Valid                  bool
	Errors                 []string
	Warnings               []string
	CorrectedTimestamp     time.Time
	SequenceStatus         models.SequenceStatus
	MissingSequenceNumbers []uint64
	SequenceGapAlert       bool
}

// Validator performs structural, range and timestamp validation for one
// telemetry sample. It is pure given its inputs plus the sequence
// tracker's device state.
type Validator struct {
	tracker *sequence.Tracker
	cfg     config.ValidationConfig
	rules   config.RulesConfig
	log     *logrus.Logger
	now     func() time.Time
}

// NewValidator creates a packet validator
func NewValidator(tracker *sequence.Tracker, cfg config.ValidationConfig, rules config.RulesConfig, log *logrus.Logger) *Validator {
	return &Validator{
		tracker: tracker,
		cfg:     cfg,
		rules:   rules,
		log:     log,
		now:     time.Now,
	}
}

// Validate runs the validation steps in order: authorization status,
// timestamp checks and correction, sequence check, field range checks.
func (v *Validator) Validate(in SampleInput) Result {
	res := Result{
		SequenceStatus:     models.SequenceUnknown,
		CorrectedTimestamp: in.RecordedAt,
	}

	// (a) device authorization status is a hard error, not a warning
	if in.Device == nil {
		res.Errors = append(res.Errors, "device unknown")
	} else if in.Device.Status != models.DeviceStatusActive {
		res.Errors = append(res.Errors, fmt.Sprintf("device is %s", in.Device.Status))
	}

	// (b) timestamp checks. A claim too far in the future is clock skew:
	// substitute server time but keep the original claim intact.
	now := v.now()
	if in.RecordedAt.After(now.Add(v.cfg.FutureTolerance)) {
		res.CorrectedTimestamp = now
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"claimed time %s is beyond future tolerance %s, corrected to server time",
			in.RecordedAt.UTC().Format(time.RFC3339), v.cfg.FutureTolerance))
	} else {
		if now.Sub(in.RecordedAt) > v.cfg.StaleTolerance {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"sample is stale: claimed time %s is older than %s",
				in.RecordedAt.UTC().Format(time.RFC3339), v.cfg.StaleTolerance))
		}
		if in.ReceivedAt.Sub(in.RecordedAt) > v.cfg.NetworkDelayTolerance {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"network delay %s exceeds tolerance %s",
				in.ReceivedAt.Sub(in.RecordedAt).Round(time.Millisecond), v.cfg.NetworkDelayTolerance))
		}
	}

	// (c) sequence check, only when a sequence number is present
	if in.SequenceNumber != nil && in.Device != nil {
		seqRes := v.tracker.Check(in.Device.UID, *in.SequenceNumber)
		res.SequenceStatus = seqRes.Status
		res.MissingSequenceNumbers = seqRes.MissingNumbers
		res.SequenceGapAlert = seqRes.GapAlert

		switch seqRes.Status {
		case models.SequenceMissing:
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"sequence gap of %d before number %d", seqRes.GapSize, *in.SequenceNumber))
		case models.SequenceDelayed:
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"out-of-order arrival, %d behind latest", seqRes.Delay))
		case models.SequenceDuplicate:
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"duplicate sequence number %d", *in.SequenceNumber))
		}
	}

	// (d) field range checks per sample kind
	v.checkRanges(in, &res)

	res.Valid = len(res.Errors) == 0
	return res
}

// checkRanges applies hard-bound errors and unusual-value warnings. Values
// outside the critical band but within hard bounds are plausible enough to
// ingest; the alert engine decides whether they fire.
func (v *Validator) checkRanges(in SampleInput, res *Result) {
	switch in.Kind {
	case models.SampleKindVital:
		if in.HeartRate != nil {
			v.checkMetric(res, "heart rate", *in.HeartRate, v.rules.HeartRate)
		}
		if in.OxygenSaturation != nil {
			v.checkMetric(res, "oxygen saturation", *in.OxygenSaturation, v.rules.OxygenSaturation)
		}
		if in.Temperature != nil {
			v.checkMetric(res, "temperature", *in.Temperature, v.rules.Temperature)
		}
		if in.HeartRate == nil && in.OxygenSaturation == nil && in.Temperature == nil {
			res.Errors = append(res.Errors, "vital sample carries no measurements")
		}

	case models.SampleKindLocation:
		if in.Latitude == nil || in.Longitude == nil {
			res.Errors = append(res.Errors, "location sample requires latitude and longitude")
			return
		}
		if *in.Latitude < -90 || *in.Latitude > 90 {
			res.Errors = append(res.Errors, fmt.Sprintf("latitude %.4f out of range [-90,90]", *in.Latitude))
		}
		if *in.Longitude < -180 || *in.Longitude > 180 {
			res.Errors = append(res.Errors, fmt.Sprintf("longitude %.4f out of range [-180,180]", *in.Longitude))
		}

	case models.SampleKindStatus:
		if in.BatteryPercent != nil && (*in.BatteryPercent < 0 || *in.BatteryPercent > 100) {
			res.Errors = append(res.Errors, fmt.Sprintf("battery percent %.1f out of range [0,100]", *in.BatteryPercent))
		}

	default:
		res.Errors = append(res.Errors, fmt.Sprintf("unknown sample kind %q", in.Kind))
	}
}

func (v *Validator) checkMetric(res *Result, name string, value float64, bands config.MetricBands) {
	if value < bands.HardMin || value > bands.HardMax {
		res.Errors = append(res.Errors, fmt.Sprintf(
			"%s %.1f outside hard bounds [%.1f,%.1f]", name, value, bands.HardMin, bands.HardMax))
		return
	}
	if value < bands.CriticalMin || value > bands.CriticalMax {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"%s %.1f is unusual but physiologically possible", name, value))
	}
}
