// Package config handles loading and persisting the I²C sensor core's
// runtime configuration (spec.md §6's configuration surface).
package config

import (
	"time"

	"github.com/fieldsense/i2csensors/internal/models"
)

// Config is the runtime-tunable surface consumed by the bus loop and
// by individual drivers. Fields and defaults mirror spec.md §6.
type Config struct {
	UpdateIntervalMs    int64
	RescanIntervalMs    int64
	MaxRescanIntervalMs int64
	StaleStateTimeoutMs int64
	SensorReadDelayMs   int64

	Scan models.ScanConfig

	// DriverMinReadIntervalMs holds the per-driver minimum read
	// interval (spec.md §6): SHT40 10000ms, AS7341 2000ms, AS7343 unset
	// (polled every iteration).
	DriverMinReadIntervalMs map[models.SensorKind]int64
}

// Default returns the configuration with spec.md §6's documented
// defaults.
func Default() Config {
	c := Config{
		UpdateIntervalMs:    5000,
		RescanIntervalMs:    15000,
		MaxRescanIntervalMs: 150000,
		SensorReadDelayMs:   100,
		Scan:                models.DefaultScanConfig(),
		DriverMinReadIntervalMs: map[models.SensorKind]int64{
			models.KindSHT40:  10000,
			models.KindAS7341: 2000,
		},
	}
	c.StaleStateTimeoutMs = 3 * c.UpdateIntervalMs
	return c
}

// MinReadInterval returns the configured minimum read interval for a
// driver kind, or 0 if the driver has none (polled every iteration).
func (c Config) MinReadInterval(kind models.SensorKind) time.Duration {
	ms, ok := c.DriverMinReadIntervalMs[kind]
	if !ok {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Store persists a Config across process restarts.
type Store interface {
	// Load loads the current config. Returns Default() if no file exists.
	Load() (Config, error)

	// Save persists the config. Implementations may debounce rapid saves.
	Save(cfg Config) error

	// Path returns the file path used by this store.
	Path() string

	// Flush forces an immediate write of any pending config.
	Flush() error
}
