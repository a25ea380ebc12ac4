package config

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	configFileName = "i2csensors.json"
	debounceDelay  = 500 * time.Millisecond
)

// JSONStore is an atomic JSON file store with debounced writes.
type JSONStore struct {
	mu      sync.Mutex
	path    string
	timer   *time.Timer
	pending *Config
}

// NewJSONStore creates a new JSON store in the given config directory.
func NewJSONStore(configDir string) *JSONStore {
	return &JSONStore{
		path: filepath.Join(configDir, configFileName),
	}
}

// Path returns the file path used by this store.
func (s *JSONStore) Path() string { return s.path }

// Load reads the config from disk. Returns Default() on ENOENT or parse errors.
func (s *JSONStore) Load() (Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		slog.Warn("config: corrupt JSON config, using defaults", "path", s.path, "err", err)
		return Default(), nil
	}
	applyZeroDefaults(&cfg)
	return cfg, nil
}

// applyZeroDefaults fills in zero-valued fields (e.g. from an older
// config file predating a new field) with the documented defaults.
func applyZeroDefaults(cfg *Config) {
	def := Default()
	if cfg.UpdateIntervalMs == 0 {
		cfg.UpdateIntervalMs = def.UpdateIntervalMs
	}
	if cfg.RescanIntervalMs == 0 {
		cfg.RescanIntervalMs = def.RescanIntervalMs
	}
	if cfg.MaxRescanIntervalMs == 0 {
		cfg.MaxRescanIntervalMs = def.MaxRescanIntervalMs
	}
	if cfg.StaleStateTimeoutMs == 0 {
		cfg.StaleStateTimeoutMs = def.StaleStateTimeoutMs
	}
	if cfg.SensorReadDelayMs == 0 {
		cfg.SensorReadDelayMs = def.SensorReadDelayMs
	}
	if cfg.Scan.EndAddress == 0 {
		cfg.Scan = def.Scan
	}
	if cfg.DriverMinReadIntervalMs == nil {
		cfg.DriverMinReadIntervalMs = def.DriverMinReadIntervalMs
	}
}

// Save schedules a debounced write of the config to disk.
// The actual write happens after 500ms of no further Save calls.
func (s *JSONStore) Save(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = &cfg

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(debounceDelay, func() {
		s.mu.Lock()
		c := s.pending
		s.mu.Unlock()
		if c != nil {
			if err := s.writeAtomic(*c); err != nil {
				slog.Error("config: failed to write config", "path", s.path, "err", err)
			}
		}
	})
	return nil
}

// Flush forces an immediate write of any pending config.
func (s *JSONStore) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	c := s.pending
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return s.writeAtomic(*c)
}

func (s *JSONStore) writeAtomic(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}

var _ Store = (*JSONStore)(nil)
