// Package config defines the engine configuration, its loader, and the
// file watcher used for hot reload.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root configuration for the shield engine.
type Config struct {
	Logging        LoggingConfig        `yaml:"logging"`
	Storage        StorageConfig        `yaml:"storage"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Throttle       ThrottleConfig       `yaml:"throttle"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Overload       OverloadConfig       `yaml:"overload"`
	Priority       PriorityConfig       `yaml:"priority"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Anomaly        AnomalyConfig        `yaml:"anomaly"`
	Cluster        ClusterConfig        `yaml:"cluster"`
	Policies       []PolicyConfig       `yaml:"policies"`
	Admin          AdminConfig          `yaml:"admin"`
}

// LoggingConfig defines logger settings.
type LoggingConfig struct {
	Level string        `yaml:"level"`
	File  LogFileConfig `yaml:"file"`
}

// LogFileConfig defines rotating file output. Empty path logs to stderr.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// StorageConfig selects and tunes the counter backend.
type StorageConfig struct {
	Type          string        `yaml:"type"` // "memory" (default) or "redis"
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Redis         RedisConfig   `yaml:"redis"`
}

// RedisConfig defines Redis connection settings, shared by the storage
// backend and the redis cluster bus.
type RedisConfig struct {
	Addrs        []string      `yaml:"addrs"`
	Password     string        `yaml:"password" redact:"true"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// RateLimitConfig defines the fixed-window rate limiter.
type RateLimitConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Points           int           `yaml:"points"`   // budget per window
	Duration         time.Duration `yaml:"duration"` // window length
	BlockDuration    time.Duration `yaml:"block_duration"`
	KeyStrategy      string        `yaml:"key_strategy"` // ip, user, header:<n>, cookie:<n>, jwt_claim:<c>
	IgnoreUserAgents []string      `yaml:"ignore_user_agents"`
	SkipSuccessful   bool          `yaml:"skip_successful"`
	SkipFailed       bool          `yaml:"skip_failed"`
}

// ThrottleConfig defines the short-window throttle.
type ThrottleConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Limit       int           `yaml:"limit"` // requests per ttl window
	TTL         time.Duration `yaml:"ttl"`
	KeyStrategy string        `yaml:"key_strategy"`
	Pacing      bool          `yaml:"pacing"` // smooth bursts instead of hard windows
}

// CircuitBreakerConfig defines default breaker thresholds. Per-resource
// breakers inherit these unless a policy overrides them.
type CircuitBreakerConfig struct {
	Enabled                  bool          `yaml:"enabled"`
	Timeout                  time.Duration `yaml:"timeout"` // per-operation deadline
	ErrorThresholdPercentage int           `yaml:"error_threshold_percentage"`
	VolumeThreshold          int           `yaml:"volume_threshold"`
	ResetTimeout             time.Duration `yaml:"reset_timeout"`
	WindowSize               time.Duration `yaml:"window_size"` // rolling window span
	NumBuckets               int           `yaml:"num_buckets"`
	AllowWarmUp              bool          `yaml:"allow_warm_up"`
	WarmUpCallVolume         int           `yaml:"warm_up_call_volume"`
}

// OverloadConfig defines the global concurrency gate and its queue.
type OverloadConfig struct {
	Enabled              bool           `yaml:"enabled"`
	MaxConcurrent        int            `yaml:"max_concurrent"`
	MaxQueueSize         int            `yaml:"max_queue_size"`
	QueueTimeout         time.Duration  `yaml:"queue_timeout"`
	ShedStrategy         string         `yaml:"shed_strategy"` // fifo, lifo, priority, random, custom
	Adaptive             AdaptiveConfig `yaml:"adaptive"`
	HealthSampleInterval time.Duration  `yaml:"health_sample_interval"`
}

// AdaptiveConfig bounds the health-driven threshold recalculation.
type AdaptiveConfig struct {
	Enabled            bool          `yaml:"enabled"`
	MinThreshold       int           `yaml:"min_threshold"`
	MaxThreshold       int           `yaml:"max_threshold"`
	AdjustmentInterval time.Duration `yaml:"adjustment_interval"`
}

// PriorityConfig defines isolated per-level admission lanes.
type PriorityConfig struct {
	Enabled      bool                  `yaml:"enabled"`
	DefaultLevel string                `yaml:"default_level"`
	Levels       []PriorityLevelConfig `yaml:"levels"`
}

// PriorityLevelConfig defines one admission lane. Levels never borrow
// capacity from each other.
type PriorityLevelConfig struct {
	Name          string        `yaml:"name"`
	Priority      int           `yaml:"priority"` // higher wins inside a queue
	MaxConcurrent int           `yaml:"max_concurrent"`
	MaxQueueSize  int           `yaml:"max_queue_size"`
	QueueTimeout  time.Duration `yaml:"queue_timeout"`
}

// MetricsConfig tunes the aggregation pipeline and its collectors.
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	WindowSize      time.Duration `yaml:"window_size"` // time-window bucket span
	MaxWindows      int           `yaml:"max_windows"` // windows retained
	RollingSize     int           `yaml:"rolling_size"`
	ReservoirSize   int           `yaml:"reservoir_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	PersistInterval time.Duration `yaml:"persist_interval"` // 0 disables snapshot persistence
	Collectors      []string      `yaml:"collectors"`       // prometheus, statsd, json
	Statsd          StatsdConfig  `yaml:"statsd"`
}

// StatsdConfig defines the statsd collector sink.
type StatsdConfig struct {
	Address string `yaml:"address"`
	Prefix  string `yaml:"prefix"`
}

// AnomalyConfig defines the detection engine.
type AnomalyConfig struct {
	Enabled            bool             `yaml:"enabled"`
	EvaluationInterval time.Duration    `yaml:"evaluation_interval"`
	HistoryLimit       int              `yaml:"history_limit"` // per metric/detector result history
	Detectors          []DetectorConfig `yaml:"detectors"`
}

// DetectorConfig configures one detector instance. Fields beyond Name and
// Type apply only to the types that read them.
type DetectorConfig struct {
	Name       string  `yaml:"name"`
	Type       string  `yaml:"type"` // zscore, threshold, statistical, seasonal, forest, composite
	Threshold  float64 `yaml:"threshold"`
	WindowSize int     `yaml:"window_size"`
	MinSamples int     `yaml:"min_samples"`

	// threshold detector
	UpperBound *float64 `yaml:"upper_bound"`
	LowerBound *float64 `yaml:"lower_bound"`
	Adaptive   bool     `yaml:"adaptive"`
	Deviations float64  `yaml:"deviations"` // k in mean +/- k*stddev

	// seasonal detector
	BucketMinutes int     `yaml:"bucket_minutes"`
	Margin        float64 `yaml:"margin"` // allowed fraction off the expected curve

	// isolation forest
	Trees         int     `yaml:"trees"`
	SampleSize    int     `yaml:"sample_size"`
	Contamination float64 `yaml:"contamination"`
	Seed          int64   `yaml:"seed"`

	// composite
	Mode      string             `yaml:"mode"` // majority, unanimous, weighted
	Detectors []string           `yaml:"detectors"`
	Weights   map[string]float64 `yaml:"weights"`
}

// ClusterConfig defines coordination between instances.
type ClusterConfig struct {
	Enabled      bool          `yaml:"enabled"`
	NodeID       string        `yaml:"node_id"` // empty generates one
	Bus          string        `yaml:"bus"`     // memory, redis, amqp
	Channel      string        `yaml:"channel"`
	SyncInterval time.Duration `yaml:"sync_interval"`
	MissedFactor int           `yaml:"missed_factor"`
	Redis        RedisConfig   `yaml:"redis"` // empty reuses storage.redis
	AMQP         AMQPConfig    `yaml:"amqp"`
}

// AMQPConfig defines the AMQP bus connection.
type AMQPConfig struct {
	URL      string `yaml:"url" redact:"true"`
	Exchange string `yaml:"exchange"`
}

// PolicyConfig attaches per-route overrides. Paths use glob patterns
// ("/api/**"). Nil sub-configs inherit the global sections.
type PolicyConfig struct {
	Name           string                `yaml:"name"`
	Paths          []string              `yaml:"paths"`
	Methods        []string              `yaml:"methods"`
	RateLimit      *RateLimitConfig      `yaml:"rate_limit"`
	Throttle       *ThrottleConfig       `yaml:"throttle"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker"`
	PriorityLevel  string                `yaml:"priority_level"`
	Priority       int                   `yaml:"priority"`
}

// AdminConfig defines the admin/export listener.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DefaultConfig returns a config with working defaults: memory storage,
// every protection enabled, metrics on, cluster off.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Storage: StorageConfig{
			Type:          "memory",
			SweepInterval: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			Points:      100,
			Duration:    time.Minute,
			KeyStrategy: "ip",
		},
		Throttle: ThrottleConfig{
			Enabled:     true,
			Limit:       20,
			TTL:         10 * time.Second,
			KeyStrategy: "ip",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:                  true,
			Timeout:                  3 * time.Second,
			ErrorThresholdPercentage: 50,
			VolumeThreshold:          20,
			ResetTimeout:             30 * time.Second,
			WindowSize:               10 * time.Second,
			NumBuckets:               10,
			AllowWarmUp:              true,
			WarmUpCallVolume:         3,
		},
		Overload: OverloadConfig{
			Enabled:       true,
			MaxConcurrent: 100,
			MaxQueueSize:  1000,
			QueueTimeout:  5 * time.Second,
			ShedStrategy:  "fifo",
			Adaptive: AdaptiveConfig{
				Enabled:            true,
				MinThreshold:       10,
				MaxThreshold:       200,
				AdjustmentInterval: 10 * time.Second,
			},
			HealthSampleInterval: 5 * time.Second,
		},
		Priority: PriorityConfig{},
		Metrics: MetricsConfig{
			Enabled:       true,
			WindowSize:    time.Minute,
			MaxWindows:    60,
			RollingSize:   100,
			ReservoirSize: 1000,
			FlushInterval: 10 * time.Second,
			Collectors:    []string{"prometheus"},
		},
		Anomaly: AnomalyConfig{
			EvaluationInterval: 30 * time.Second,
			HistoryLimit:       256,
		},
		Cluster: ClusterConfig{
			Bus:          "memory",
			Channel:      "shield:cluster",
			SyncInterval: 5 * time.Second,
			MissedFactor: 3,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":9090",
		},
	}
}

// RedactedValue is the placeholder for redacted secrets.
const RedactedValue = "[REDACTED]"

// Redacted returns a deep copy of cfg with every string field tagged
// `redact:"true"` masked, for admin output. The original is not mutated.
func (c *Config) Redacted() (*Config, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("redact: marshal failed: %w", err)
	}
	var cp Config
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("redact: unmarshal failed: %w", err)
	}
	redactStruct(reflect.ValueOf(&cp).Elem())
	return &cp, nil
}

// redactStruct walks struct fields recursively and masks tagged strings.
func redactStruct(v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := v.Field(i)
		if !f.CanSet() {
			continue
		}
		switch f.Kind() {
		case reflect.String:
			if t.Field(i).Tag.Get("redact") == "true" && f.String() != "" {
				f.SetString(RedactedValue)
			}
		case reflect.Struct:
			redactStruct(f)
		case reflect.Ptr:
			if !f.IsNil() && f.Elem().Kind() == reflect.Struct {
				redactStruct(f.Elem())
			}
		case reflect.Slice:
			for j := 0; j < f.Len(); j++ {
				if f.Index(j).Kind() == reflect.Struct {
					redactStruct(f.Index(j))
				}
			}
		}
	}
}
