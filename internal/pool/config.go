package pool

import (
	"fmt"
	"time"
)

// Ordering selects which idle session the pool hands out first.
type Ordering int

const (
	// LIFO returns the most recently released session first.
	LIFO Ordering = iota
	// FIFO returns the oldest released session first.
	FIFO
)

// Config is the immutable, validated parameter block a Pool is built from.
// It replaces the builder-with-mutable-defaults pattern: there is no setter
// surface, only NewConfig, which either returns a value that already
// satisfies every invariant below or an *Error of kind
// ErrConfigurationInvalid.
type Config struct {
	MinSize                int
	MaxSize                int
	InitialSize            int
	ConnectTimeout         time.Duration
	IdleTimeout            time.Duration
	MaxLifetime            time.Duration
	ValidationTimeout      time.Duration
	EvictionInterval       time.Duration
	MaxWait                time.Duration
	TestOnBorrow           bool
	TestOnReturn           bool
	TestWhileIdle          bool
	NumTestsPerEvictionRun int
	BlockWhenExhausted     bool
	Ordering               Ordering
	ConnectionProperties   map[string]string
}

// DefaultConfig mirrors the §6 configuration-key defaults.
func DefaultConfig() Config {
	return Config{
		MinSize:                5,
		MaxSize:                20,
		InitialSize:            5,
		ConnectTimeout:         30 * time.Second,
		IdleTimeout:            10 * time.Minute,
		MaxLifetime:            30 * time.Minute,
		ValidationTimeout:      5 * time.Second,
		EvictionInterval:       time.Minute,
		MaxWait:                30 * time.Second,
		TestOnBorrow:           true,
		TestOnReturn:           false,
		TestWhileIdle:          true,
		NumTestsPerEvictionRun: 3,
		BlockWhenExhausted:     true,
		Ordering:               LIFO,
	}
}

// NewConfig validates cfg and returns it unchanged on success. Any size
// relation violation, or a non-positive duration in a field that must be
// positive, fails with ErrConfigurationInvalid.
func NewConfig(cfg Config) (Config, error) {
	if cfg.MinSize < 0 {
		return Config{}, newError(ErrConfigurationInvalid, "minSize must be >= 0", nil)
	}
	if cfg.MaxSize < 1 {
		return Config{}, newError(ErrConfigurationInvalid, "maxSize must be >= 1", nil)
	}
	if cfg.MinSize > cfg.MaxSize {
		return Config{}, newError(ErrConfigurationInvalid, "minSize must be <= maxSize", nil)
	}
	if cfg.InitialSize < cfg.MinSize || cfg.InitialSize > cfg.MaxSize {
		return Config{}, newError(ErrConfigurationInvalid, "initialSize must be within [minSize, maxSize]", nil)
	}
	for name, d := range map[string]time.Duration{
		"connectTimeout":    cfg.ConnectTimeout,
		"idleTimeout":       cfg.IdleTimeout,
		"maxLifetime":       cfg.MaxLifetime,
		"validationTimeout": cfg.ValidationTimeout,
		"evictionInterval":  cfg.EvictionInterval,
		"maxWait":           cfg.MaxWait,
	} {
		if d <= 0 {
			return Config{}, newError(ErrConfigurationInvalid, fmt.Sprintf("%s must be positive", name), nil)
		}
	}
	if cfg.NumTestsPerEvictionRun < 1 {
		return Config{}, newError(ErrConfigurationInvalid, "numTestsPerEvictionRun must be >= 1", nil)
	}
	return cfg, nil
}
