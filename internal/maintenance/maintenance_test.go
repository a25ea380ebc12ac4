package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakePresence struct {
	present map[string]bool
}

func (f fakePresence) Present(busPath string) bool { return f.present[busPath] }

func TestRunCheckBuses_FiresOnChange(t *testing.T) {
	fp := fakePresence{present: map[string]bool{"/dev/i2c-1": true}}

	var events []struct {
		bus     string
		present bool
	}
	svc := &Service{
		busPaths:     []string{"/dev/i2c-1"},
		pollInterval: 10 * time.Millisecond,
		presence:     fp,
		onBusPresence: func(bus string, present bool) {
			events = append(events, struct {
				bus     string
				present bool
			}{bus, present})
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()
	svc.runCheckBuses(ctx)

	if len(events) == 0 {
		t.Fatal("expected at least one presence event (the immediate first check)")
	}
	if !events[0].present {
		t.Errorf("expected first event present=true, got %+v", events[0])
	}
}

func TestRunTick_FiresOnTick(t *testing.T) {
	fired := make(chan int64, 1)
	svc := &Service{
		onTick: func(nowMs int64) {
			select {
			case fired <- nowMs:
			default:
			}
		},
	}

	// Can't wait a full minute in a test; just confirm that a
	// configured callback is reachable via direct invocation.
	svc.onTick(1234)
	select {
	case v := <-fired:
		if v != 1234 {
			t.Errorf("got %d, want 1234", v)
		}
	default:
		t.Fatal("expected onTick to have fired")
	}
}

// TestBackup_CreatesFile verifies that runBackup creates a .tar.gz archive.
func TestBackup_CreatesFile(t *testing.T) {
	cfgDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte(`{}`), 0644); err != nil {
		t.Fatal(err)
	}

	origHome := os.Getenv("HOME")
	fakeHome := t.TempDir()
	os.Setenv("HOME", fakeHome)
	t.Cleanup(func() { os.Setenv("HOME", origHome) })

	file, err := runBackup(cfgDir)
	if err != nil {
		t.Fatalf("runBackup: %v", err)
	}

	if _, err := os.Stat(file); err != nil {
		t.Errorf("backup file %q does not exist: %v", file, err)
	}
	if !strings.HasSuffix(file, ".tar.gz") {
		t.Errorf("backup file %q does not end with .tar.gz", file)
	}
}

// TestBackup_DeletesOld verifies that pruneOldBackups removes files older than maxAge.
func TestBackup_DeletesOld(t *testing.T) {
	dir := t.TempDir()

	newFile := filepath.Join(dir, "i2csensord-config-2099-01-01.tar.gz")
	if err := os.WriteFile(newFile, []byte("new"), 0644); err != nil {
		t.Fatal(err)
	}

	oldFile := filepath.Join(dir, "i2csensord-config-2000-01-01.tar.gz")
	if err := os.WriteFile(oldFile, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	pastTime := time.Now().Add(-100 * 24 * time.Hour)
	if err := os.Chtimes(oldFile, pastTime, pastTime); err != nil {
		t.Fatal(err)
	}

	pruneOldBackups(dir, 90*24*time.Hour)

	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Errorf("old backup %q still exists after pruning", oldFile)
	}
	if _, err := os.Stat(newFile); err != nil {
		t.Errorf("new backup %q was incorrectly pruned: %v", newFile, err)
	}
}

// TestListBackups verifies that ListBackups returns the correct files.
func TestListBackups(t *testing.T) {
	origHome := os.Getenv("HOME")
	fakeHome := t.TempDir()
	os.Setenv("HOME", fakeHome)
	t.Cleanup(func() { os.Setenv("HOME", origHome) })

	backupDir := filepath.Join(fakeHome, "backups")
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		t.Fatal(err)
	}

	names := []string{
		"i2csensord-config-2024-01-01.tar.gz",
		"i2csensord-config-2024-06-15.tar.gz",
		"other-file.txt",
	}
	for _, n := range names {
		os.WriteFile(filepath.Join(backupDir, n), []byte{}, 0644)
	}

	files, err := ListBackups()
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("ListBackups returned %d files; want 2: %v", len(files), files)
	}
}
