// Package maintenance runs the daemon's background housekeeping
// goroutines: a slow-poll fallback for bus presence (in case an
// fsnotify event is dropped), a once-a-minute housekeeping tick, and
// nightly config backups.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fieldsense/i2csensors/internal/identity"
)

// Service manages background maintenance goroutines.
type Service struct {
	configDir     string
	busPaths      []string
	pollInterval  time.Duration
	onBusPresence func(busPath string, present bool) // fired on a presence change
	onTick        func(nowMs int64)                  // fired once a minute for periodic housekeeping
	presence      identity.BusPresence
}

// New creates a new maintenance Service. pollInterval governs how
// often bus presence is re-checked; 0 selects a 30 second default.
func New(configDir string, busPaths []string, pollInterval time.Duration, onBusPresence func(string, bool), onTick func(int64)) *Service {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Service{
		configDir:     configDir,
		busPaths:      busPaths,
		pollInterval:  pollInterval,
		onBusPresence: onBusPresence,
		onTick:        onTick,
		presence:      identity.StatPresence{},
	}
}

// Start launches all background maintenance goroutines.
// Blocks until ctx is cancelled; all goroutines respect the context.
func (s *Service) Start(ctx context.Context) {
	go s.runCheckBuses(ctx)
	go s.runTick(ctx)
	go s.runBackup(ctx)

	<-ctx.Done()
}

// RunBackupNow performs a backup immediately and returns the backup file path or error.
func (s *Service) RunBackupNow() (string, error) {
	return runBackup(s.configDir)
}

// ListBackups returns available backup files sorted by name (newest last).
func ListBackups() ([]string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	backupDir := filepath.Join(home, "backups")

	entries, err := os.ReadDir(backupDir)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "i2csensord-config-") && strings.HasSuffix(e.Name(), ".tar.gz") {
			files = append(files, filepath.Join(backupDir, e.Name()))
		}
	}
	return files, nil
}

// runCheckBuses re-polls every configured bus path's device node on a
// slow cadence and fires onBusPresence on a change. This exists as a
// fallback for watchdog's fsnotify watch, whose event queue can drop
// events under load; it is not the primary presence signal.
func (s *Service) runCheckBuses(ctx context.Context) {
	if len(s.busPaths) == 0 {
		return
	}
	last := make(map[string]bool, len(s.busPaths))

	check := func() {
		for _, bp := range s.busPaths {
			present := s.presence.Present(bp)
			if prev, ok := last[bp]; !ok || prev != present {
				last[bp] = present
				if s.onBusPresence != nil {
					s.onBusPresence(bp, present)
				}
			}
		}
	}

	check() // immediate first check

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// runTick fires onTick once a minute for periodic housekeeping the
// caller wants to run on a steady cadence (e.g. logging aggregate
// sensor counts) without its own ticker.
func (s *Service) runTick(ctx context.Context) {
	if s.onTick == nil {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.onTick(time.Now().UnixMilli())
		}
	}
}

// runBackup performs daily backups at 2am.
func (s *Service) runBackup(ctx context.Context) {
	for {
		now := time.Now()
		next2am := time.Date(now.Year(), now.Month(), now.Day(), 2, 0, 0, 0, now.Location())
		if !next2am.After(now) {
			next2am = next2am.Add(24 * time.Hour)
		}
		delay := next2am.Sub(now)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			path, err := runBackup(s.configDir)
			if err != nil {
				slog.Error("maintenance: backup failed", "err", err)
			} else {
				slog.Info("maintenance: backup created", "file", path)
			}
		}
	}
}

// runBackup creates a timestamped backup of the config directory.
func runBackup(configDir string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}

	backupDir := filepath.Join(home, "backups")
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	src := configDir
	if src == "" {
		src = filepath.Join(home, ".config", "i2csensord")
	}

	date := time.Now().Format("2006-01-02")
	destFile := filepath.Join(backupDir, fmt.Sprintf("i2csensord-config-%s.tar.gz", date))

	cmd := exec.Command("tar", "-czf", destFile, src)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("tar: %w: %s", err, out)
	}

	pruneOldBackups(backupDir, 90*24*time.Hour)

	return destFile, nil
}

// pruneOldBackups deletes backup files older than maxAge from backupDir.
func pruneOldBackups(backupDir string, maxAge time.Duration) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.HasPrefix(e.Name(), "i2csensord-config-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(backupDir, e.Name())
			if err := os.Remove(path); err != nil {
				slog.Warn("maintenance: failed to prune old backup", "file", path, "err", err)
			} else {
				slog.Info("maintenance: pruned old backup", "file", path)
			}
		}
	}
}
