package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the service configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	ServiceBus    ServiceBusConfig
	Elasticsearch ElasticsearchConfig
	NewRelic      NewRelicConfig
	Validation    ValidationConfig
	Sequence      SequenceConfig
	Health        HealthConfig
	Rules         RulesConfig
	Processor     ProcessorConfig
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Port int
	Mode string // debug, release, test
}

// DatabaseConfig holds the database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds the Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// ServiceBusConfig holds the Azure Service Bus configuration
type ServiceBusConfig struct {
	ConnectionString  string
	QueueName         string
	NotificationQueue string
}

// ElasticsearchConfig holds the Elasticsearch configuration used for
// best-effort alert indexing
type ElasticsearchConfig struct {
	Enabled  bool
	URLs     []string
	Username string
	Password string
	Index    string
}

// NewRelicConfig holds the New Relic configuration
type NewRelicConfig struct {
	AppName    string
	LicenseKey string
	Enabled    bool
}

// ValidationConfig holds packet validator tolerances
type ValidationConfig struct {
	FutureTolerance       time.Duration
	StaleTolerance        time.Duration
	NetworkDelayTolerance time.Duration
	NonceWindow           time.Duration
}

// SequenceConfig holds sequence tracker tuning
type SequenceConfig struct {
	WindowSize        int
	GapAlertThreshold uint64
	DeviceIdleTTL     time.Duration
}

// HealthConfig holds device health monitor timing
type HealthConfig struct {
	SweepInterval time.Duration
	DegradedAfter time.Duration
	OfflineAfter  time.Duration
	AlertCooldown time.Duration
}

// MetricBands holds the three nested threshold bands for one metric.
// Normal is the tightest band; values outside Critical are the most severe.
// HardMin/HardMax bound physically representable values: outside them a
// sample is rejected rather than alerted on.
type MetricBands struct {
	NormalMin   float64
	NormalMax   float64
	WarningMin  float64
	WarningMax  float64
	CriticalMin float64
	CriticalMax float64
	HardMin     float64
	HardMax     float64
}

// RulesConfig holds alert rule engine thresholds
type RulesConfig struct {
	HeartRate        MetricBands
	OxygenSaturation MetricBands
	Temperature      MetricBands
	LowBatteryBelow  float64
	MinConfidence    float64
	ConfidenceBase   float64
	ValueBucket      float64
	TimeBucket       time.Duration
}

// ProcessorConfig holds event processor tuning
type ProcessorConfig struct {
	Workers           int
	RetryAttempts     int
	RetryBaseBackoff  time.Duration
	DedupWindow       time.Duration
	DedupCacheSize    int
	StoreWriteTimeout time.Duration
	ReconcileInterval time.Duration
}

// InitConfig initializes the configuration using Viper
func InitConfig(cfgFile string) error {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/telemetry-service")
		viper.SetConfigName("config")
	}

	// Environment variable overrides, e.g. TELEMETRY_SERVER_PORT
	viper.SetEnvPrefix("TELEMETRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("No config file found, using defaults and environment variables")
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8094)
	viper.SetDefault("server.mode", "debug")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "telemetry")
	viper.SetDefault("database.password", "telemetry")
	viper.SetDefault("database.dbname", "telemetry_service_db")
	viper.SetDefault("database.sslmode", "disable")

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Service Bus defaults - no default connection string for security
	viper.SetDefault("servicebus.queuename", "sample-accepted")
	viper.SetDefault("servicebus.notificationqueue", "alert-notifications")

	// Elasticsearch defaults
	viper.SetDefault("elasticsearch.enabled", false)
	viper.SetDefault("elasticsearch.urls", []string{"http://localhost:9200"})
	viper.SetDefault("elasticsearch.index", "alerts")

	// New Relic defaults
	viper.SetDefault("newrelic.appname", "Telemetry Service Local")
	viper.SetDefault("newrelic.enabled", false)

	// Packet validator tolerances
	viper.SetDefault("validation.future_tolerance", "60s")
	viper.SetDefault("validation.stale_tolerance", "5m")
	viper.SetDefault("validation.network_delay_tolerance", "10s")
	viper.SetDefault("validation.nonce_window", "10m")

	// Sequence tracker
	viper.SetDefault("sequence.window_size", 1000)
	viper.SetDefault("sequence.gap_alert_threshold", 100)
	viper.SetDefault("sequence.device_idle_ttl", "24h")

	// Device health monitor
	viper.SetDefault("health.sweep_interval", "30s")
	viper.SetDefault("health.degraded_after", "2m")
	viper.SetDefault("health.offline_after", "5m")
	viper.SetDefault("health.alert_cooldown", "15m")

	// Alert rule bands. Normal is nested inside warning, warning inside
	// critical; hard bounds reject impossible readings outright.
	viper.SetDefault("rules.heart_rate.normal_min", 60.0)
	viper.SetDefault("rules.heart_rate.normal_max", 100.0)
	viper.SetDefault("rules.heart_rate.warning_min", 50.0)
	viper.SetDefault("rules.heart_rate.warning_max", 120.0)
	viper.SetDefault("rules.heart_rate.critical_min", 40.0)
	viper.SetDefault("rules.heart_rate.critical_max", 150.0)
	viper.SetDefault("rules.heart_rate.hard_min", 0.0)
	viper.SetDefault("rules.heart_rate.hard_max", 250.0)

	viper.SetDefault("rules.oxygen_saturation.normal_min", 94.0)
	viper.SetDefault("rules.oxygen_saturation.normal_max", 100.0)
	viper.SetDefault("rules.oxygen_saturation.warning_min", 90.0)
	viper.SetDefault("rules.oxygen_saturation.warning_max", 100.0)
	viper.SetDefault("rules.oxygen_saturation.critical_min", 85.0)
	viper.SetDefault("rules.oxygen_saturation.critical_max", 100.0)
	viper.SetDefault("rules.oxygen_saturation.hard_min", 0.0)
	viper.SetDefault("rules.oxygen_saturation.hard_max", 100.0)

	viper.SetDefault("rules.temperature.normal_min", 36.1)
	viper.SetDefault("rules.temperature.normal_max", 37.8)
	viper.SetDefault("rules.temperature.warning_min", 35.5)
	viper.SetDefault("rules.temperature.warning_max", 38.5)
	viper.SetDefault("rules.temperature.critical_min", 34.0)
	viper.SetDefault("rules.temperature.critical_max", 40.0)
	viper.SetDefault("rules.temperature.hard_min", 30.0)
	viper.SetDefault("rules.temperature.hard_max", 45.0)

	viper.SetDefault("rules.low_battery_below", 15.0)
	viper.SetDefault("rules.min_confidence", 0.6)
	viper.SetDefault("rules.confidence_base", 0.7)
	viper.SetDefault("rules.value_bucket", 5.0)
	viper.SetDefault("rules.time_bucket", "5m")

	// Event processor
	viper.SetDefault("processor.workers", 4)
	viper.SetDefault("processor.retry_attempts", 3)
	viper.SetDefault("processor.retry_base_backoff", "2s")
	viper.SetDefault("processor.dedup_window", "5m")
	viper.SetDefault("processor.dedup_cache_size", 4096)
	viper.SetDefault("processor.store_write_timeout", "5s")
	viper.SetDefault("processor.reconcile_interval", "5m")
}

func loadBands(prefix string) MetricBands {
	return MetricBands{
		NormalMin:   viper.GetFloat64(prefix + ".normal_min"),
		NormalMax:   viper.GetFloat64(prefix + ".normal_max"),
		WarningMin:  viper.GetFloat64(prefix + ".warning_min"),
		WarningMax:  viper.GetFloat64(prefix + ".warning_max"),
		CriticalMin: viper.GetFloat64(prefix + ".critical_min"),
		CriticalMax: viper.GetFloat64(prefix + ".critical_max"),
		HardMin:     viper.GetFloat64(prefix + ".hard_min"),
		HardMax:     viper.GetFloat64(prefix + ".hard_max"),
	}
}

// Load loads the configuration
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetInt("server.port"),
			Mode: viper.GetString("server.mode"),
		},
		Database: DatabaseConfig{
			Host:     viper.GetString("database.host"),
			Port:     viper.GetInt("database.port"),
			User:     viper.GetString("database.user"),
			Password: viper.GetString("database.password"),
			DBName:   viper.GetString("database.dbname"),
			SSLMode:  viper.GetString("database.sslmode"),
		},
		Redis: RedisConfig{
			Host:     viper.GetString("redis.host"),
			Port:     viper.GetInt("redis.port"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		ServiceBus: ServiceBusConfig{
			ConnectionString:  viper.GetString("servicebus.connectionstring"),
			QueueName:         viper.GetString("servicebus.queuename"),
			NotificationQueue: viper.GetString("servicebus.notificationqueue"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:  viper.GetBool("elasticsearch.enabled"),
			URLs:     viper.GetStringSlice("elasticsearch.urls"),
			Username: viper.GetString("elasticsearch.username"),
			Password: viper.GetString("elasticsearch.password"),
			Index:    viper.GetString("elasticsearch.index"),
		},
		NewRelic: NewRelicConfig{
			AppName:    viper.GetString("newrelic.appname"),
			LicenseKey: viper.GetString("newrelic.licensekey"),
			Enabled:    viper.GetBool("newrelic.enabled"),
		},
		Validation: ValidationConfig{
			FutureTolerance:       viper.GetDuration("validation.future_tolerance"),
			StaleTolerance:        viper.GetDuration("validation.stale_tolerance"),
			NetworkDelayTolerance: viper.GetDuration("validation.network_delay_tolerance"),
			NonceWindow:           viper.GetDuration("validation.nonce_window"),
		},
		Sequence: SequenceConfig{
			WindowSize:        viper.GetInt("sequence.window_size"),
			GapAlertThreshold: viper.GetUint64("sequence.gap_alert_threshold"),
			DeviceIdleTTL:     viper.GetDuration("sequence.device_idle_ttl"),
		},
		Health: HealthConfig{
			SweepInterval: viper.GetDuration("health.sweep_interval"),
			DegradedAfter: viper.GetDuration("health.degraded_after"),
			OfflineAfter:  viper.GetDuration("health.offline_after"),
			AlertCooldown: viper.GetDuration("health.alert_cooldown"),
		},
		Rules: RulesConfig{
			HeartRate:        loadBands("rules.heart_rate"),
			OxygenSaturation: loadBands("rules.oxygen_saturation"),
			Temperature:      loadBands("rules.temperature"),
			LowBatteryBelow:  viper.GetFloat64("rules.low_battery_below"),
			MinConfidence:    viper.GetFloat64("rules.min_confidence"),
			ConfidenceBase:   viper.GetFloat64("rules.confidence_base"),
			ValueBucket:      viper.GetFloat64("rules.value_bucket"),
			TimeBucket:       viper.GetDuration("rules.time_bucket"),
		},
		Processor: ProcessorConfig{
			Workers:           viper.GetInt("processor.workers"),
			RetryAttempts:     viper.GetInt("processor.retry_attempts"),
			RetryBaseBackoff:  viper.GetDuration("processor.retry_base_backoff"),
			DedupWindow:       viper.GetDuration("processor.dedup_window"),
			DedupCacheSize:    viper.GetInt("processor.dedup_cache_size"),
			StoreWriteTimeout: viper.GetDuration("processor.store_write_timeout"),
			ReconcileInterval: viper.GetDuration("processor.reconcile_interval"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks invariants that would otherwise fail silently at runtime.
// A broken threshold configuration must prevent startup.
func (c *Config) Validate() error {
	bands := map[string]MetricBands{
		"heart_rate":        c.Rules.HeartRate,
		"oxygen_saturation": c.Rules.OxygenSaturation,
		"temperature":       c.Rules.Temperature,
	}
	for name, b := range bands {
		if b.NormalMin >= b.NormalMax {
			return fmt.Errorf("rules.%s: normal band is empty (min %.2f >= max %.2f)", name, b.NormalMin, b.NormalMax)
		}
		if b.WarningMin > b.NormalMin || b.WarningMax < b.NormalMax {
			return fmt.Errorf("rules.%s: warning band does not contain normal band", name)
		}
		if b.CriticalMin > b.WarningMin || b.CriticalMax < b.WarningMax {
			return fmt.Errorf("rules.%s: critical band does not contain warning band", name)
		}
		if b.HardMin > b.CriticalMin || b.HardMax < b.CriticalMax {
			return fmt.Errorf("rules.%s: hard bounds do not contain critical band", name)
		}
	}

	if c.Rules.MinConfidence < 0 || c.Rules.MinConfidence > 1 {
		return fmt.Errorf("rules.min_confidence must be within [0,1], got %.2f", c.Rules.MinConfidence)
	}
	if c.Rules.ConfidenceBase < 0 || c.Rules.ConfidenceBase > 1 {
		return fmt.Errorf("rules.confidence_base must be within [0,1], got %.2f", c.Rules.ConfidenceBase)
	}
	if c.Rules.ValueBucket <= 0 {
		return fmt.Errorf("rules.value_bucket must be positive, got %.2f", c.Rules.ValueBucket)
	}
	if c.Rules.TimeBucket <= 0 {
		return fmt.Errorf("rules.time_bucket must be positive, got %s", c.Rules.TimeBucket)
	}

	if c.Sequence.WindowSize <= 0 {
		return fmt.Errorf("sequence.window_size must be positive, got %d", c.Sequence.WindowSize)
	}
	if c.Health.DegradedAfter >= c.Health.OfflineAfter {
		return fmt.Errorf("health.degraded_after (%s) must be shorter than health.offline_after (%s)",
			c.Health.DegradedAfter, c.Health.OfflineAfter)
	}
	if c.Processor.Workers <= 0 {
		return fmt.Errorf("processor.workers must be positive, got %d", c.Processor.Workers)
	}
	if c.Processor.RetryAttempts < 1 {
		return fmt.Errorf("processor.retry_attempts must be at least 1, got %d", c.Processor.RetryAttempts)
	}

	return nil
}
