// Package config parses the flat, string-valued property bag a caller
// supplies for one endpoint (e.g. keys read from a YAML document or an
// environment) into an endpoint.Config, and separately loads the demo
// binary's two-file YAML bootstrap (driver.yaml + endpoints.yaml), whose
// endpoints are validated through pool.NewConfig. ParseProperties itself
// does not validate.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjgratacos/dynamopool/internal/pool"
	"github.com/cjgratacos/dynamopool/pkg/endpoint"
)

// ParseProperties fills endpoint.Config's pool-sizing fields from a flat
// property bag and returns the result without validating it. Keys not starting with
// "pool." are forwarded verbatim into ConnectionProperties. Unrecognized
// or unparseable values silently retain whatever default cfg already
// carries — this mirrors the teacher's applyDefaults pass, generalized
// from a fixed struct to an open-ended property bag.
func ParseProperties(props map[string]string, base endpoint.Config) endpoint.Config {
	cfg := base
	connProps := make(map[string]string, len(props))

	for k, v := range props {
		if !strings.HasPrefix(k, "pool.") {
			connProps[k] = v
			continue
		}
		applyPoolKey(&cfg, k, v)
	}

	cfg.ConnectionProperties = connProps
	return cfg
}

func applyPoolKey(cfg *endpoint.Config, key, raw string) {
	switch key {
	case "pool.minSize":
		if n, ok := parseInt(raw); ok {
			cfg.MinSize = n
		}
	case "pool.maxSize":
		if n, ok := parseInt(raw); ok {
			cfg.MaxSize = n
		}
	case "pool.initialSize":
		if n, ok := parseInt(raw); ok {
			cfg.InitialSize = n
		}
	case "pool.connectionTimeout":
		if d, ok := ParseDuration(raw); ok {
			cfg.ConnectTimeout = d
		}
	case "pool.idleTimeout":
		if d, ok := ParseDuration(raw); ok {
			cfg.IdleTimeout = d
		}
	case "pool.maxLifetime":
		if d, ok := ParseDuration(raw); ok {
			cfg.MaxLifetime = d
		}
	case "pool.validationTimeout":
		if d, ok := ParseDuration(raw); ok {
			cfg.ValidationTimeout = d
		}
	case "pool.timeBetweenEvictionRuns":
		if d, ok := ParseDuration(raw); ok {
			cfg.EvictionInterval = d
		}
	case "pool.maxWaitTime":
		if d, ok := ParseDuration(raw); ok {
			cfg.MaxWait = d
		}
	case "pool.numTestsPerEvictionRun":
		if n, ok := parseInt(raw); ok {
			cfg.NumTestsPerEvictionRun = n
		}
	case "pool.testOnBorrow":
		if b, ok := parseBool(raw); ok {
			cfg.TestOnBorrow = b
		}
	case "pool.testOnReturn":
		if b, ok := parseBool(raw); ok {
			cfg.TestOnReturn = b
		}
	case "pool.testWhileIdle":
		if b, ok := parseBool(raw); ok {
			cfg.TestWhileIdle = b
		}
	case "pool.blockWhenExhausted":
		if b, ok := parseBool(raw); ok {
			cfg.BlockWhenExhausted = b
		}
	case "pool.lifo":
		if b, ok := parseBool(raw); ok {
			if b {
				cfg.Ordering = endpoint.LIFO
			} else {
				cfg.Ordering = endpoint.FIFO
			}
		}
	}
}

func parseInt(raw string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseBool(raw string) (bool, bool) {
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, false
	}
	return b, true
}

var iso8601Pattern = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseDuration parses a configuration duration value: a bare integer means
// seconds; otherwise it is parsed as an ISO-8601 duration (e.g. "PT1M30S");
// anything else fails and the caller should retain its existing default.
func ParseDuration(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}

	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, true
	}

	m := iso8601Pattern.FindStringSubmatch(raw)
	if m == nil {
		return 0, false
	}
	var total time.Duration
	if m[1] != "" {
		days, _ := strconv.Atoi(m[1])
		total += time.Duration(days) * 24 * time.Hour
	}
	if m[2] != "" {
		hours, _ := strconv.Atoi(m[2])
		total += time.Duration(hours) * time.Hour
	}
	if m[3] != "" {
		mins, _ := strconv.Atoi(m[3])
		total += time.Duration(mins) * time.Minute
	}
	if m[4] != "" {
		secs, _ := strconv.ParseFloat(m[4], 64)
		total += time.Duration(secs * float64(time.Second))
	}
	if total == 0 && raw != "PT0S" {
		return 0, false
	}
	return total, true
}

// ── YAML bootstrap for cmd/dynamopool-demo ───────────────────────────────

// DriverConfig mirrors the teacher's ProxyConfig: process-wide knobs that
// apply to every endpoint (ports, instance identity, and the optional
// distributed-ceiling block).
type DriverConfig struct {
	InstanceID      string        `yaml:"instance_id"`
	HealthCheckPort int           `yaml:"health_check_port"`
	MetricsPort     int           `yaml:"metrics_port"`
	LogDebug        bool          `yaml:"log_debug"`
	BorrowTimeout   time.Duration `yaml:"borrow_timeout"`

	Redis    RedisConfig    `yaml:"redis"`
	Fallback FallbackConfig `yaml:"fallback"`
}

// RedisConfig mirrors the teacher's RedisConfig, backing the distributed
// ceiling coordinator.
type RedisConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	PoolSize          int           `yaml:"pool_size"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`

	// BlockingCeiling makes borrowers wait on the distributed ceiling via
	// Pub/Sub-notified polling instead of failing fast the first time the
	// global limit is at capacity. WaitTimeout bounds that wait.
	BlockingCeiling bool          `yaml:"blocking_ceiling"`
	WaitTimeout     time.Duration `yaml:"wait_timeout"`
}

// FallbackConfig mirrors the teacher's FallbackConfig for local-limit mode
// when Redis is unreachable.
type FallbackConfig struct {
	Enabled           bool `yaml:"enabled"`
	LocalLimitDivisor int  `yaml:"local_limit_divisor"`
}

// driverFile mirrors driver.yaml's top-level shape.
type driverFile struct {
	Driver DriverConfig `yaml:"driver"`
}

// endpointsFile mirrors endpoints.yaml's top-level shape.
type endpointsFile struct {
	Endpoints []endpoint.Config `yaml:"endpoints"`
}

// LoadDemoConfig reads driver.yaml and endpoints.yaml and returns the
// parsed, defaulted DriverConfig and endpoint list. Every endpoint's pool
// knobs are already validated via pool.NewConfig before this returns.
func LoadDemoConfig(driverPath, endpointsPath string) (DriverConfig, []endpoint.Config, error) {
	driverData, err := os.ReadFile(driverPath)
	if err != nil {
		return DriverConfig{}, nil, fmt.Errorf("reading driver config %s: %w", driverPath, err)
	}
	var df driverFile
	if err := yaml.Unmarshal(driverData, &df); err != nil {
		return DriverConfig{}, nil, fmt.Errorf("parsing driver config %s: %w", driverPath, err)
	}

	endpointsData, err := os.ReadFile(endpointsPath)
	if err != nil {
		return DriverConfig{}, nil, fmt.Errorf("reading endpoints config %s: %w", endpointsPath, err)
	}
	var ef endpointsFile
	if err := yaml.Unmarshal(endpointsData, &ef); err != nil {
		return DriverConfig{}, nil, fmt.Errorf("parsing endpoints config %s: %w", endpointsPath, err)
	}

	applyDriverDefaults(&df.Driver)

	for i := range ef.Endpoints {
		applyEndpointDefaults(&ef.Endpoints[i])
		if _, err := pool.NewConfig(poolConfigFromEndpointForValidation(ef.Endpoints[i])); err != nil {
			return DriverConfig{}, nil, fmt.Errorf("endpoint[%d] %q: %w", i, ef.Endpoints[i].ID, err)
		}
	}

	if len(ef.Endpoints) == 0 {
		return DriverConfig{}, nil, fmt.Errorf("at least one endpoint must be configured")
	}

	return df.Driver, ef.Endpoints, nil
}

func applyDriverDefaults(d *DriverConfig) {
	if d.HealthCheckPort == 0 {
		d.HealthCheckPort = 8080
	}
	if d.MetricsPort == 0 {
		d.MetricsPort = 9090
	}
	if d.BorrowTimeout == 0 {
		d.BorrowTimeout = 30 * time.Second
	}
	if d.InstanceID == "" {
		hostname, _ := os.Hostname()
		d.InstanceID = hostname
	}
	if d.Redis.Addr == "" {
		d.Redis.Addr = "redis:6379"
	}
	if d.Redis.PoolSize == 0 {
		d.Redis.PoolSize = 20
	}
	if d.Redis.DialTimeout == 0 {
		d.Redis.DialTimeout = 5 * time.Second
	}
	if d.Redis.ReadTimeout == 0 {
		d.Redis.ReadTimeout = 3 * time.Second
	}
	if d.Redis.WriteTimeout == 0 {
		d.Redis.WriteTimeout = 3 * time.Second
	}
	if d.Redis.HeartbeatInterval == 0 {
		d.Redis.HeartbeatInterval = 10 * time.Second
	}
	if d.Redis.HeartbeatTTL == 0 {
		d.Redis.HeartbeatTTL = 30 * time.Second
	}
	if d.Redis.WaitTimeout == 0 {
		d.Redis.WaitTimeout = 10 * time.Second
	}
	if d.Fallback.LocalLimitDivisor == 0 {
		d.Fallback.LocalLimitDivisor = 3
	}
}

func applyEndpointDefaults(e *endpoint.Config) {
	def := pool.DefaultConfig()
	if e.MinSize == 0 {
		e.MinSize = def.MinSize
	}
	if e.MaxSize == 0 {
		e.MaxSize = def.MaxSize
	}
	if e.InitialSize == 0 {
		e.InitialSize = e.MinSize
	}
	if e.ConnectTimeout == 0 {
		e.ConnectTimeout = def.ConnectTimeout
	}
	if e.IdleTimeout == 0 {
		e.IdleTimeout = def.IdleTimeout
	}
	if e.MaxLifetime == 0 {
		e.MaxLifetime = def.MaxLifetime
	}
	if e.ValidationTimeout == 0 {
		e.ValidationTimeout = def.ValidationTimeout
	}
	if e.EvictionInterval == 0 {
		e.EvictionInterval = def.EvictionInterval
	}
	if e.MaxWait == 0 {
		e.MaxWait = def.MaxWait
	}
	if e.NumTestsPerEvictionRun == 0 {
		e.NumTestsPerEvictionRun = def.NumTestsPerEvictionRun
	}
	if !e.TestOnBorrow {
		e.TestOnBorrow = def.TestOnBorrow
	}
	if !e.TestWhileIdle {
		e.TestWhileIdle = def.TestWhileIdle
	}
	if !e.BlockWhenExhausted {
		e.BlockWhenExhausted = def.BlockWhenExhausted
	}
	// TestOnReturn's default is false, the same as the zero value, so it
	// needs no backfill here.

	switch strings.ToLower(strings.TrimSpace(e.OrderingMode)) {
	case "fifo":
		e.Ordering = endpoint.FIFO
	default:
		e.Ordering = endpoint.LIFO
	}
}

// poolConfigFromEndpointForValidation lifts an endpoint.Config's pool
// knobs into a pool.Config purely so LoadDemoConfig can validate it
// through the library's own constructor; internal/pool.Manager does the
// same lift for real use.
func poolConfigFromEndpointForValidation(e endpoint.Config) pool.Config {
	return pool.Config{
		MinSize:                e.MinSize,
		MaxSize:                e.MaxSize,
		InitialSize:            e.InitialSize,
		ConnectTimeout:         e.ConnectTimeout,
		IdleTimeout:            e.IdleTimeout,
		MaxLifetime:            e.MaxLifetime,
		ValidationTimeout:      e.ValidationTimeout,
		EvictionInterval:       e.EvictionInterval,
		MaxWait:                e.MaxWait,
		TestOnBorrow:           e.TestOnBorrow,
		TestOnReturn:           e.TestOnReturn,
		TestWhileIdle:          e.TestWhileIdle,
		NumTestsPerEvictionRun: e.NumTestsPerEvictionRun,
		BlockWhenExhausted:     e.BlockWhenExhausted,
		Ordering:               pool.Ordering(e.Ordering),
		ConnectionProperties:   e.ConnectionProperties,
	}
}
