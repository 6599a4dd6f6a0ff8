package models

import (
	"time"

	"gorm.io/gorm"
)

// Model is the base model with common fields for all database entities
type Model struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// DeviceStatus represents the lifecycle state of a wearable band
type DeviceStatus string

const (
	// DeviceStatusLocked represents a device created but not yet activated.
	// Registration activates the device in the same transaction, so this
	// state is never observable outside of it.
	DeviceStatusLocked DeviceStatus = "locked"
	// DeviceStatusActive represents a device allowed to submit telemetry
	DeviceStatusActive DeviceStatus = "active"
	// DeviceStatusRevoked represents a permanently decommissioned device.
	// There is no transition out of this state.
	DeviceStatusRevoked DeviceStatus = "revoked"
)

// Device model represents a wearable band and its authorization state
type Device struct {
	Model
	UID            string       `json:"uid" gorm:"uniqueIndex;Column:uid"`
	Serial         *string      `json:"serial" gorm:"Column:serial"`
	FacilityID     uint         `json:"facility_id" gorm:"Column:facility_id"`
	WearerRef      string       `json:"wearer_ref" gorm:"Column:wearer_ref"`
	Status         DeviceStatus `json:"status" gorm:"Column:status;index"`
	TokenHash      string       `json:"-" gorm:"Column:token_hash"`
	TokenExpiresAt *time.Time   `json:"token_expires_at" gorm:"Column:token_expires_at"`
	RevokedAt      *time.Time   `json:"revoked_at" gorm:"Column:revoked_at"`
	RevokeReason   string       `json:"revoke_reason" gorm:"Column:revoke_reason"`
}

// SampleKind is an enum for telemetry sample kinds
type SampleKind string

const (
	// SampleKindVital represents a vital-sign measurement
	SampleKindVital SampleKind = "vital"
	// SampleKindLocation represents a position fix
	SampleKindLocation SampleKind = "location"
	// SampleKindStatus represents a device status/connectivity heartbeat
	SampleKindStatus SampleKind = "status"
)

// SequenceStatus describes how a sample's sequence number relates to the
// per-device stream
type SequenceStatus string

const (
	// SequenceReceived is the normal in-order case
	SequenceReceived SequenceStatus = "received"
	// SequenceMissing indicates a gap before this sample
	SequenceMissing SequenceStatus = "missing"
	// SequenceDelayed indicates an out-of-order arrival filling no gap record
	SequenceDelayed SequenceStatus = "delayed"
	// SequenceDuplicate indicates a sequence number seen before
	SequenceDuplicate SequenceStatus = "duplicate"
	// SequenceUnknown is used when the sample carried no sequence number
	SequenceUnknown SequenceStatus = "unknown"
)

// TelemetrySample model represents one accepted measurement from a device.
// RecordedAt is the device's claim and is never rewritten; CorrectedAt is
// the server-derived timestamp used by all downstream consumers.
type TelemetrySample struct {
	UUID           string         `json:"uuid" gorm:"primary_key"`
	CreatedAt      time.Time      `json:"created_at" gorm:"Column:created_at"`
	UpdatedAt      time.Time      `json:"updated_at" gorm:"Column:updated_at"`
	Device         *Device        `json:"-" gorm:"foreignkey:DeviceID"`
	DeviceID       uint           `json:"device_id" gorm:"Column:device_id;index"`
	DeviceUID      string         `json:"device_uid" gorm:"Column:device_uid;index"`
	Kind           SampleKind     `json:"kind" gorm:"Column:kind"`
	SequenceNumber *uint64        `json:"sequence_number" gorm:"Column:sequence_number"`
	SequenceStatus SequenceStatus `json:"sequence_status" gorm:"Column:sequence_status"`
	RecordedAt     time.Time      `json:"recorded_at" gorm:"Column:recorded_at"`
	ReceivedAt     time.Time      `json:"received_at" gorm:"Column:received_at"`
	CorrectedAt    time.Time      `json:"corrected_at" gorm:"Column:corrected_at;index"`

	HeartRate        *float64 `json:"heart_rate,omitempty" gorm:"Column:heart_rate"`
	OxygenSaturation *float64 `json:"oxygen_saturation,omitempty" gorm:"Column:oxygen_saturation"`
	Temperature      *float64 `json:"temperature,omitempty" gorm:"Column:temperature"`
	Latitude         *float64 `json:"latitude,omitempty" gorm:"Column:latitude"`
	Longitude        *float64 `json:"longitude,omitempty" gorm:"Column:longitude"`
	BatteryPercent   *float64 `json:"battery_percent,omitempty" gorm:"Column:battery_percent"`
	SignalStrength   *float64 `json:"signal_strength,omitempty" gorm:"Column:signal_strength"`

	Warnings    string     `json:"warnings" gorm:"Column:warnings;type:text"`
	Published   bool       `json:"published" gorm:"Column:published"`
	PublishedAt *time.Time `json:"published_at" gorm:"Column:published_at"`
	Republished bool       `json:"republished" gorm:"Column:republished"`
}

// AlertSeverity represents how urgent an alert is
type AlertSeverity string

const (
	// SeverityLow represents advisory conditions (e.g. low battery)
	SeverityLow AlertSeverity = "low"
	// SeverityMedium represents a value outside its normal band
	SeverityMedium AlertSeverity = "medium"
	// SeverityHigh represents a value outside its warning band
	SeverityHigh AlertSeverity = "high"
	// SeverityCritical represents a value outside its critical band
	SeverityCritical AlertSeverity = "critical"
)

// AlertStatus represents the lifecycle state of a persisted alert
type AlertStatus string

const (
	// AlertStatusOpen is the initial state of a created alert
	AlertStatusOpen AlertStatus = "open"
	// AlertStatusResolved marks an alert cleared by recovery or an operator
	AlertStatusResolved AlertStatus = "resolved"
)

// Alert model represents a persisted alert produced by the rule engine or
// the device health monitor
type Alert struct {
	Model
	UUID           string        `json:"uuid" gorm:"uniqueIndex;Column:uuid"`
	Device         *Device       `json:"-" gorm:"foreignkey:DeviceID"`
	DeviceID       uint          `json:"device_id" gorm:"Column:device_id;index"`
	DeviceUID      string        `json:"device_uid" gorm:"Column:device_uid;index"`
	AlertType      string        `json:"alert_type" gorm:"Column:alert_type;index"`
	Severity       AlertSeverity `json:"severity" gorm:"Column:severity"`
	Confidence     float64       `json:"confidence" gorm:"Column:confidence"`
	Description    string        `json:"description" gorm:"Column:description"`
	Explanation    string        `json:"explanation" gorm:"Column:explanation;type:text"`
	IdempotencyKey string        `json:"idempotency_key" gorm:"Column:idempotency_key;index"`
	Evidence       string        `json:"evidence" gorm:"Column:evidence;type:text"`
	Status         AlertStatus   `json:"status" gorm:"Column:status;index"`
	ResolvedAt     *time.Time    `json:"resolved_at" gorm:"Column:resolved_at"`
	ResolvedBy     string        `json:"resolved_by" gorm:"Column:resolved_by"`
	SampleUUID     string        `json:"sample_uuid" gorm:"Column:sample_uuid"`
}

// ProcessingFailure model is the failure sink for queue events whose
// processing exhausted all retries
type ProcessingFailure struct {
	Model
	EventBody    string `json:"event_body" gorm:"Column:event_body;type:text"`
	DeviceUID    string `json:"device_uid" gorm:"Column:device_uid;index"`
	FailureKind  string `json:"failure_kind" gorm:"Column:failure_kind"`
	Attempts     int    `json:"attempts" gorm:"Column:attempts"`
	LastError    string `json:"last_error" gorm:"Column:last_error;type:text"`
	Acknowledged bool   `json:"acknowledged" gorm:"Column:acknowledged"`
}

// SampleAcceptedEvent is the message published to the event queue after a
// sample passes validation. The event processor consumes it asynchronously.
type SampleAcceptedEvent struct {
	SampleUUID     string         `json:"sample_uuid"`
	DeviceID       uint           `json:"device_id"`
	DeviceUID      string         `json:"device_uid"`
	Kind           SampleKind     `json:"kind"`
	CorrectedAt    time.Time      `json:"corrected_at"`
	SequenceStatus SequenceStatus `json:"sequence_status"`

	HeartRate        *float64 `json:"heart_rate,omitempty"`
	OxygenSaturation *float64 `json:"oxygen_saturation,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	Latitude         *float64 `json:"latitude,omitempty"`
	Longitude        *float64 `json:"longitude,omitempty"`
	BatteryPercent   *float64 `json:"battery_percent,omitempty"`
	SignalStrength   *float64 `json:"signal_strength,omitempty"`
}
