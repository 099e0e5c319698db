package config

import "time"

// TestConfig returns a config suitable for testing
func TestConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:  "bolt",
			Path:    ":memory:",
			Timeout: 1 * time.Second,
		},
		Feed: FeedConfig{
			HTTPTimeout:       5 * time.Second,
			UserAgent:         "rssreader-test/1.0",
			MaxBodyBytes:      1 << 20,
			SyncConcurrency:   2,
			AllowPrivateHosts: true,
		},
		Log:     LogConfig{Level: "off"},
		Metrics: MetricsConfig{Job: "rssreader-test"},
	}
}
