// Package ratelimit limits how many send attempts a campaign may make in a trailing window.
package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// Default configuration values for send rate limiting.
const (
	DefaultHourlyLimit = 100       // Attempts per campaign per trailing window
	DefaultWindow      = time.Hour // Trailing window length
	DefaultBucketSize  = time.Minute
)

// Config holds send rate limiting configuration.
type Config struct {
	// HourlyLimit is the per-campaign attempt cap in the trailing window. Default: 100.
	HourlyLimit int

	// GlobalHourlyLimit caps attempts across all campaigns. 0 disables the global cap.
	GlobalHourlyLimit int

	// Window is the trailing window length. Default: 1h.
	Window time.Duration
}

// NewConfig creates a Config with default values.
func NewConfig() *Config {
	return &Config{
		HourlyLimit: DefaultHourlyLimit,
		Window:      DefaultWindow,
	}
}

// Validate ensures configuration is valid.
func (c *Config) Validate() error {
	if c.HourlyLimit <= 0 {
		return errors.New("HourlyLimit must be positive")
	}
	if c.GlobalHourlyLimit < 0 {
		return errors.New("GlobalHourlyLimit cannot be negative")
	}
	if c.Window <= 0 {
		return errors.New("Window must be positive")
	}
	return nil
}

// withDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) withDefaults() Config {
	if c.HourlyLimit == 0 {
		c.HourlyLimit = DefaultHourlyLimit
	}
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	return c
}

// String returns a string representation of the configuration for logging.
func (c *Config) String() string {
	return fmt.Sprintf("ratelimit.Config{HourlyLimit: %d, GlobalHourlyLimit: %d, Window: %s}",
		c.HourlyLimit, c.GlobalHourlyLimit, c.Window)
}

// remaining applies the per-campaign cap and the optional global cap, floored at zero.
func remaining(cfg Config, campaignUsed, globalUsed int) int {
	left := cfg.HourlyLimit - campaignUsed
	if cfg.GlobalHourlyLimit > 0 {
		if g := cfg.GlobalHourlyLimit - globalUsed; g < left {
			left = g
		}
	}
	if left < 0 {
		return 0
	}
	return left
}
