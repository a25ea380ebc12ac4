package busmgr_test

import (
	"context"
	"testing"

	"github.com/fieldsense/i2csensors/internal/busmgr"
	"github.com/fieldsense/i2csensors/internal/models"
	"github.com/fieldsense/i2csensors/internal/transport/simulate"
)

func TestOpenBus_SameBusSharesHandle(t *testing.T) {
	sim := simulate.New()
	m := busmgr.New(sim)

	h1, err := m.OpenBus(context.Background(), "/dev/i2c-1", 0x39)
	if err != nil {
		t.Fatalf("OpenBus: %v", err)
	}
	h2, err := m.OpenBus(context.Background(), "/dev/i2c-1", 0x44)
	if err != nil {
		t.Fatalf("second OpenBus: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected shared handle, got %d and %d", h1, h2)
	}
}

func TestOpenBus_DuplicateAddressRejected(t *testing.T) {
	sim := simulate.New()
	m := busmgr.New(sim)

	if _, err := m.OpenBus(context.Background(), "/dev/i2c-1", 0x39); err != nil {
		t.Fatalf("OpenBus: %v", err)
	}
	_, err := m.OpenBus(context.Background(), "/dev/i2c-1", 0x39)
	if err == nil {
		t.Fatal("expected ConfigurationConflict for duplicate address, got nil")
	}
	if !models.IsKind(err, models.KindConfigurationConflict) {
		t.Fatalf("expected KindConfigurationConflict, got %v", err)
	}
}

func TestIsAddressInUse(t *testing.T) {
	sim := simulate.New()
	m := busmgr.New(sim)

	if m.IsAddressInUse("/dev/i2c-1", 0x39) {
		t.Fatal("address should not be in use before OpenBus")
	}
	if _, err := m.OpenBus(context.Background(), "/dev/i2c-1", 0x39); err != nil {
		t.Fatalf("OpenBus: %v", err)
	}
	if !m.IsAddressInUse("/dev/i2c-1", 0x39) {
		t.Fatal("address should be in use after OpenBus")
	}
}

func TestCloseBus_FreshHandleAfterFullClose(t *testing.T) {
	sim := simulate.New()
	m := busmgr.New(sim)

	h1, err := m.OpenBus(context.Background(), "/dev/i2c-1", 0x39)
	if err != nil {
		t.Fatalf("OpenBus: %v", err)
	}
	m.CloseBus("/dev/i2c-1", 0x39)

	if m.IsOpen(h1) {
		t.Fatal("handle should no longer be registered after refcount reaches zero")
	}

	h2, err := m.OpenBus(context.Background(), "/dev/i2c-1", 0x39)
	if err != nil {
		t.Fatalf("re-OpenBus: %v", err)
	}
	if h1 == h2 {
		t.Fatal("expected a fresh handle after full close, got the same one")
	}
}

func TestCloseBus_PartialCloseKeepsHandleAlive(t *testing.T) {
	sim := simulate.New()
	m := busmgr.New(sim)

	h1, _ := m.OpenBus(context.Background(), "/dev/i2c-1", 0x39)
	_, _ = m.OpenBus(context.Background(), "/dev/i2c-1", 0x44)

	m.CloseBus("/dev/i2c-1", 0x39)
	if !m.IsOpen(h1) {
		t.Fatal("handle should remain open while another address still references it")
	}
	if m.IsAddressInUse("/dev/i2c-1", 0x39) {
		t.Fatal("closed address should no longer be marked in use")
	}
}

func TestGetLock_SameHandleSameLock(t *testing.T) {
	sim := simulate.New()
	m := busmgr.New(sim)

	h, _ := m.OpenBus(context.Background(), "/dev/i2c-1", 0x39)
	l1, ok := m.GetLock(h)
	if !ok {
		t.Fatal("expected lock for valid handle")
	}
	l2, ok := m.GetLock(h)
	if !ok || l1 != l2 {
		t.Fatal("expected identical lock instance for the same handle")
	}
}

func TestGetLock_UnknownHandle(t *testing.T) {
	sim := simulate.New()
	m := busmgr.New(sim)

	if _, ok := m.GetLock(models.FileHandle(999)); ok {
		t.Fatal("expected ok=false for unknown handle")
	}
}

func TestCurrentSubDevice_TrackingAndClear(t *testing.T) {
	sim := simulate.New()
	m := busmgr.New(sim)

	h, _ := m.OpenBus(context.Background(), "/dev/i2c-1", 0x39)

	addr, ok := m.CurrentSubDevice(h)
	if !ok || addr != 0x39 {
		t.Fatalf("expected initial current sub-device 0x39, got %v ok=%v", addr, ok)
	}

	m.SetCurrentSubDevice(h, 0x70)
	addr, ok = m.CurrentSubDevice(h)
	if !ok || addr != 0x70 {
		t.Fatalf("expected updated sub-device 0x70, got %v ok=%v", addr, ok)
	}

	m.ClearCurrentSubDevice(h)
	if _, ok := m.CurrentSubDevice(h); ok {
		t.Fatal("expected haveCurrent=false after ClearCurrentSubDevice")
	}
}

func TestForceClose(t *testing.T) {
	sim := simulate.New()
	m := busmgr.New(sim)

	h, _ := m.OpenBus(context.Background(), "/dev/i2c-1", 0x39)
	_, _ = m.OpenBus(context.Background(), "/dev/i2c-1", 0x44) // second ref

	m.ForceClose("/dev/i2c-1")
	if m.IsOpen(h) {
		t.Fatal("ForceClose must tear down the handle regardless of refcount")
	}
	if _, ok := m.CurrentHandle("/dev/i2c-1"); ok {
		t.Fatal("expected no current handle after ForceClose")
	}
}
