//go:build linux

package transport_test

import (
	"context"
	"testing"

	"github.com/fieldsense/i2csensors/internal/models"
	"github.com/fieldsense/i2csensors/internal/transport"
)

// These tests exercise Linux transport paths that are safe without
// real hardware present — mirroring the teacher's i2c_safe_test.go,
// which tests the same category of "no hardware required" behavior.

func TestLinux_OpenMissingDevice(t *testing.T) {
	l := transport.NewLinux(nil)
	_, err := l.Open(context.Background(), "/dev/i2c-nonexistent-999", 0x39)
	if err == nil {
		t.Fatal("Open() on nonexistent device path: want error, got nil")
	}
}

func TestLinux_InvalidHandleOperations(t *testing.T) {
	l := transport.NewLinux(nil)
	bogus := models.FileHandle(12345)

	if err := l.SwitchAddress(bogus, 0x39); err == nil {
		t.Error("SwitchAddress on invalid handle: want error")
	}
	if err := l.SMBusWriteByte(bogus, 0x80, 1); err == nil {
		t.Error("SMBusWriteByte on invalid handle: want error")
	}
	if _, err := l.SMBusReadByte(bogus, 0x80); err == nil {
		t.Error("SMBusReadByte on invalid handle: want error")
	}
	if _, err := l.SMBusReadWord(bogus, 0x80); err == nil {
		t.Error("SMBusReadWord on invalid handle: want error")
	}
	if l.Probe(bogus, 0x39) {
		t.Error("Probe on invalid handle: want false")
	}
}

func TestLinux_CloseUnknownHandle_NoPanic(t *testing.T) {
	l := transport.NewLinux(nil)
	l.Close(models.FileHandle(999)) // should not panic
}

func TestLinux_ImplementsTransport(t *testing.T) {
	var _ transport.Transport = transport.NewLinux(nil)
}
