package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"

	"github.com/ali-master/shield/internal/shielderrors"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

var validShedStrategies = map[string]bool{
	"fifo": true, "lifo": true, "priority": true, "random": true, "custom": true,
}

var validDetectorTypes = map[string]bool{
	"zscore": true, "threshold": true, "statistical": true,
	"seasonal": true, "forest": true, "composite": true,
}

var validCollectors = map[string]bool{
	"prometheus": true, "statsd": true, "json": true,
}

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes on top of the defaults.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, shielderrors.Wrap(err, shielderrors.CodeConfiguration, "failed to parse YAML")
	}

	if err := l.validate(cfg); err != nil {
		return nil, shielderrors.Wrap(err, shielderrors.CodeConfiguration, "configuration validation failed")
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left as-is.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	switch cfg.Storage.Type {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("invalid storage type: %s", cfg.Storage.Type)
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Points <= 0 {
			return fmt.Errorf("rate_limit: points must be > 0 when enabled")
		}
		if cfg.RateLimit.Duration <= 0 {
			return fmt.Errorf("rate_limit: duration must be > 0 when enabled")
		}
		if cfg.RateLimit.BlockDuration < 0 {
			return fmt.Errorf("rate_limit: block_duration must be >= 0")
		}
	}

	if cfg.Throttle.Enabled {
		if cfg.Throttle.Limit <= 0 {
			return fmt.Errorf("throttle: limit must be > 0 when enabled")
		}
		if cfg.Throttle.TTL <= 0 {
			return fmt.Errorf("throttle: ttl must be > 0 when enabled")
		}
	}

	if err := validateBreaker("circuit_breaker", cfg.CircuitBreaker); err != nil {
		return err
	}

	if cfg.Overload.Enabled {
		if cfg.Overload.MaxConcurrent <= 0 {
			return fmt.Errorf("overload: max_concurrent must be > 0 when enabled")
		}
		if cfg.Overload.MaxQueueSize < 0 {
			return fmt.Errorf("overload: max_queue_size must be >= 0")
		}
		if cfg.Overload.QueueTimeout < 0 {
			return fmt.Errorf("overload: queue_timeout must be >= 0")
		}
		if cfg.Overload.ShedStrategy != "" && !validShedStrategies[cfg.Overload.ShedStrategy] {
			return fmt.Errorf("overload: invalid shed_strategy %q (must be fifo, lifo, priority, random, or custom)", cfg.Overload.ShedStrategy)
		}
		if cfg.Overload.Adaptive.Enabled {
			a := cfg.Overload.Adaptive
			if a.MinThreshold <= 0 {
				return fmt.Errorf("overload: adaptive min_threshold must be > 0")
			}
			if a.MaxThreshold > 0 && a.MinThreshold > a.MaxThreshold {
				return fmt.Errorf("overload: adaptive min_threshold must be <= max_threshold")
			}
		}
	}

	if cfg.Priority.Enabled {
		if len(cfg.Priority.Levels) == 0 {
			return fmt.Errorf("priority: at least one level is required when enabled")
		}
		names := make(map[string]bool)
		for i, lvl := range cfg.Priority.Levels {
			if lvl.Name == "" {
				return fmt.Errorf("priority: level %d: name is required", i)
			}
			if names[lvl.Name] {
				return fmt.Errorf("priority: duplicate level name: %s", lvl.Name)
			}
			names[lvl.Name] = true
			if lvl.MaxConcurrent <= 0 {
				return fmt.Errorf("priority: level %s: max_concurrent must be > 0", lvl.Name)
			}
			if lvl.MaxQueueSize < 0 {
				return fmt.Errorf("priority: level %s: max_queue_size must be >= 0", lvl.Name)
			}
		}
		if cfg.Priority.DefaultLevel != "" && !names[cfg.Priority.DefaultLevel] {
			return fmt.Errorf("priority: default_level %q not found in levels", cfg.Priority.DefaultLevel)
		}
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.WindowSize <= 0 {
			return fmt.Errorf("metrics: window_size must be > 0")
		}
		if cfg.Metrics.MaxWindows <= 0 {
			return fmt.Errorf("metrics: max_windows must be > 0")
		}
		for _, c := range cfg.Metrics.Collectors {
			if !validCollectors[c] {
				return fmt.Errorf("metrics: invalid collector %q (must be prometheus, statsd, or json)", c)
			}
			if c == "statsd" && cfg.Metrics.Statsd.Address == "" {
				return fmt.Errorf("metrics: statsd collector requires statsd.address")
			}
		}
	}

	if cfg.Anomaly.Enabled {
		if err := validateDetectors(cfg.Anomaly.Detectors); err != nil {
			return err
		}
	}

	if cfg.Cluster.Enabled {
		switch cfg.Cluster.Bus {
		case "", "memory", "redis", "amqp":
		default:
			return fmt.Errorf("cluster: invalid bus %q (must be memory, redis, or amqp)", cfg.Cluster.Bus)
		}
		if cfg.Cluster.Bus == "amqp" && cfg.Cluster.AMQP.URL == "" {
			return fmt.Errorf("cluster: amqp bus requires amqp.url")
		}
		if cfg.Cluster.SyncInterval <= 0 {
			return fmt.Errorf("cluster: sync_interval must be > 0 when enabled")
		}
		if cfg.Cluster.MissedFactor < 1 {
			return fmt.Errorf("cluster: missed_factor must be >= 1")
		}
	}

	policyNames := make(map[string]bool)
	levelNames := make(map[string]bool)
	for _, lvl := range cfg.Priority.Levels {
		levelNames[lvl.Name] = true
	}
	for i, p := range cfg.Policies {
		if p.Name == "" {
			return fmt.Errorf("policy %d: name is required", i)
		}
		if policyNames[p.Name] {
			return fmt.Errorf("duplicate policy name: %s", p.Name)
		}
		policyNames[p.Name] = true

		if len(p.Paths) == 0 {
			return fmt.Errorf("policy %s: at least one path pattern is required", p.Name)
		}
		for _, pat := range p.Paths {
			if !doublestar.ValidatePattern(pat) {
				return fmt.Errorf("policy %s: invalid path pattern %q", p.Name, pat)
			}
		}
		for _, m := range p.Methods {
			if !validHTTPMethods[m] {
				return fmt.Errorf("policy %s: invalid HTTP method: %s", p.Name, m)
			}
		}
		if p.PriorityLevel != "" && cfg.Priority.Enabled && !levelNames[p.PriorityLevel] {
			return fmt.Errorf("policy %s: priority_level %q not found in priority levels", p.Name, p.PriorityLevel)
		}
		if p.RateLimit != nil && p.RateLimit.Enabled {
			if p.RateLimit.Points <= 0 {
				return fmt.Errorf("policy %s: rate_limit points must be > 0", p.Name)
			}
			if p.RateLimit.Duration <= 0 {
				return fmt.Errorf("policy %s: rate_limit duration must be > 0", p.Name)
			}
		}
		if p.Throttle != nil && p.Throttle.Enabled {
			if p.Throttle.Limit <= 0 {
				return fmt.Errorf("policy %s: throttle limit must be > 0", p.Name)
			}
			if p.Throttle.TTL <= 0 {
				return fmt.Errorf("policy %s: throttle ttl must be > 0", p.Name)
			}
		}
		if p.CircuitBreaker != nil {
			if err := validateBreaker(fmt.Sprintf("policy %s: circuit_breaker", p.Name), *p.CircuitBreaker); err != nil {
				return err
			}
		}
	}

	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin: address is required when enabled")
	}

	return nil
}

func validateBreaker(scope string, cfg CircuitBreakerConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.ErrorThresholdPercentage < 1 || cfg.ErrorThresholdPercentage > 100 {
		return fmt.Errorf("%s: error_threshold_percentage must be between 1 and 100", scope)
	}
	if cfg.VolumeThreshold < 1 {
		return fmt.Errorf("%s: volume_threshold must be >= 1", scope)
	}
	if cfg.ResetTimeout < 0 {
		return fmt.Errorf("%s: reset_timeout must be >= 0", scope)
	}
	if cfg.NumBuckets < 0 {
		return fmt.Errorf("%s: num_buckets must be >= 0", scope)
	}
	if cfg.WindowSize < 0 {
		return fmt.Errorf("%s: window_size must be >= 0", scope)
	}
	if cfg.AllowWarmUp && cfg.WarmUpCallVolume < 1 {
		return fmt.Errorf("%s: warm_up_call_volume must be >= 1 when allow_warm_up is set", scope)
	}
	return nil
}

// validateDetectors checks detector configs, including that composite
// references resolve and contain no cycles.
func validateDetectors(detectors []DetectorConfig) error {
	names := make(map[string]*DetectorConfig, len(detectors))
	for i := range detectors {
		d := &detectors[i]
		if d.Name == "" {
			return fmt.Errorf("anomaly: detector %d: name is required", i)
		}
		if names[d.Name] != nil {
			return fmt.Errorf("anomaly: duplicate detector name: %s", d.Name)
		}
		if !validDetectorTypes[d.Type] {
			return fmt.Errorf("anomaly: detector %s: invalid type %q", d.Name, d.Type)
		}
		names[d.Name] = d
	}

	for i := range detectors {
		d := &detectors[i]
		switch d.Type {
		case "threshold":
			if !d.Adaptive && d.UpperBound == nil && d.LowerBound == nil {
				return fmt.Errorf("anomaly: detector %s: static threshold requires upper_bound or lower_bound", d.Name)
			}
		case "forest":
			if d.Contamination < 0 || d.Contamination > 0.5 {
				return fmt.Errorf("anomaly: detector %s: contamination must be between 0 and 0.5", d.Name)
			}
		case "composite":
			switch d.Mode {
			case "", "majority", "unanimous", "weighted":
			default:
				return fmt.Errorf("anomaly: detector %s: invalid mode %q (must be majority, unanimous, or weighted)", d.Name, d.Mode)
			}
			if len(d.Detectors) == 0 {
				return fmt.Errorf("anomaly: detector %s: composite requires sub-detectors", d.Name)
			}
			for _, ref := range d.Detectors {
				if names[ref] == nil {
					return fmt.Errorf("anomaly: detector %s: references unknown detector %q", d.Name, ref)
				}
				if ref == d.Name {
					return fmt.Errorf("anomaly: detector %s: references itself", d.Name)
				}
			}
		}
	}

	// Composite chains must terminate
	var visit func(name string, seen map[string]bool) error
	visit = func(name string, seen map[string]bool) error {
		d := names[name]
		if d == nil || d.Type != "composite" {
			return nil
		}
		if seen[name] {
			return fmt.Errorf("anomaly: composite detector cycle through %q", name)
		}
		seen[name] = true
		for _, ref := range d.Detectors {
			if err := visit(ref, seen); err != nil {
				return err
			}
		}
		delete(seen, name)
		return nil
	}
	for name := range names {
		if err := visit(name, make(map[string]bool)); err != nil {
			return err
		}
	}

	return nil
}
