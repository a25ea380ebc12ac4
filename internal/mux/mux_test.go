package mux_test

import (
	"context"
	"errors"
	"testing"

	"github.com/fieldsense/i2csensors/internal/models"
	"github.com/fieldsense/i2csensors/internal/mux"
	"github.com/fieldsense/i2csensors/internal/transport/simulate"
)

// muxDevice simulates the TCA9548's one-byte mask register: writes set
// it, reads return it.
type muxDevice struct {
	simulate.NopDevice
	mask *byte
}

func (d muxDevice) RawWriteByte(val byte) error {
	*d.mask = val
	return nil
}

func (d muxDevice) RawRead(buf []byte) (int, error) {
	buf[0] = *d.mask
	return 1, nil
}

func newTestMux(t *testing.T) (*mux.Mux, *simulate.Simulator, *byte) {
	t.Helper()
	sim := simulate.New()
	mask := new(byte)
	sim.AddDevice("/dev/i2c-1", 0x70, muxDevice{mask: mask})
	h, err := sim.Open(context.Background(), "/dev/i2c-1", 0x70)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	m := mux.New(sim, h, 0x70, mux.MaxChannels)
	return m, sim, mask
}

func TestInitialize_AllOffAndCached(t *testing.T) {
	m, _, mask := newTestMux(t)
	*mask = 0xFF // simulate garbage power-on state
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if *mask != 0x00 {
		t.Errorf("expected all-off write, got mask=%#x", *mask)
	}
	cached, ok := m.CurrentMask()
	if !ok || cached != 0x00 {
		t.Errorf("expected cached mask 0x00, got %#x ok=%v", cached, ok)
	}
}

func TestSetMask_SkipsRedundantWrite(t *testing.T) {
	m, sim, _ := newTestMux(t)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	before := len(sim.CallLog)
	if err := m.SetMask(0x00); err != nil {
		t.Fatalf("SetMask: %v", err)
	}
	if len(sim.CallLog) != before {
		t.Errorf("expected no new transport calls for redundant mask write, log grew by %d", len(sim.CallLog)-before)
	}
}

func TestSelectChannel_Exclusive(t *testing.T) {
	m, _, mask := newTestMux(t)
	if err := m.SelectChannel(3); err != nil {
		t.Fatalf("SelectChannel: %v", err)
	}
	if *mask != 1<<3 {
		t.Errorf("expected exclusive mask 0x08, got %#x", *mask)
	}
}

func TestEnableDisableChannel(t *testing.T) {
	m, _, mask := newTestMux(t)
	if err := m.EnableChannel(0); err != nil {
		t.Fatalf("EnableChannel(0): %v", err)
	}
	if err := m.EnableChannel(2); err != nil {
		t.Fatalf("EnableChannel(2): %v", err)
	}
	if *mask != 0x05 {
		t.Fatalf("expected mask 0x05 after enabling 0 and 2, got %#x", *mask)
	}
	if err := m.DisableChannel(0); err != nil {
		t.Fatalf("DisableChannel(0): %v", err)
	}
	if *mask != 0x04 {
		t.Errorf("expected mask 0x04 after disabling channel 0, got %#x", *mask)
	}
}

func TestChannelValidity_OutOfRangeRejected(t *testing.T) {
	m, _, _ := newTestMux(t)
	err := m.SelectChannel(8)
	if err == nil {
		t.Fatal("expected argument error for channel 8 on an 8-channel mux")
	}
	if !models.IsKind(err, models.KindArgumentError) {
		t.Fatalf("expected KindArgumentError, got %v", err)
	}
}

func TestChannelValidity_NarrowedMaxChannels(t *testing.T) {
	sim := simulate.New()
	mask := new(byte)
	sim.AddDevice("/dev/i2c-1", 0x70, muxDevice{mask: mask})
	h, _ := sim.Open(context.Background(), "/dev/i2c-1", 0x70)
	m4 := mux.New(sim, h, 0x70, 4)

	if err := m4.SelectChannel(3); err != nil {
		t.Errorf("expected channel 3 valid on a 4-channel mux, got %v", err)
	}
	if err := m4.SelectChannel(4); err == nil {
		t.Error("expected channel 4 invalid on a 4-channel mux")
	}
}

func TestScopedOnChannel_RestoresMaskEvenOnFailure(t *testing.T) {
	m, _, mask := newTestMux(t)
	if err := m.SelectChannel(5); err != nil {
		t.Fatalf("SelectChannel: %v", err)
	}
	before := *mask

	boom := errors.New("boom")
	err := m.ScopedOnChannel(1, func() error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected ScopedOnChannel to propagate inner error, got %v", err)
	}
	if *mask != before {
		t.Errorf("expected mask restored to %#x after failing op, got %#x", before, *mask)
	}
}

func TestScopedWithChannels_RestoresMask(t *testing.T) {
	m, _, mask := newTestMux(t)
	if err := m.SelectChannel(2); err != nil {
		t.Fatalf("SelectChannel: %v", err)
	}
	before := *mask

	ran := false
	err := m.ScopedWithChannels(0x0F, func() error {
		ran = true
		if *mask != 0x0F {
			t.Errorf("expected mask 0x0F during scoped op, got %#x", *mask)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ScopedWithChannels: %v", err)
	}
	if !ran {
		t.Fatal("expected op to run")
	}
	if *mask != before {
		t.Errorf("expected mask restored to %#x, got %#x", before, *mask)
	}
}

func TestScanChannel_FiltersMuxOwnAddressAndTagsChannel(t *testing.T) {
	sim := simulate.New()
	mask := new(byte)
	sim.AddDevice("/dev/i2c-1", 0x70, muxDevice{mask: mask})
	sim.AddDevice("/dev/i2c-1", 0x44, simulate.NopDevice{})
	h, _ := sim.Open(context.Background(), "/dev/i2c-1", 0x70)
	m := mux.New(sim, h, 0x70, mux.MaxChannels)

	devices, err := m.ScanChannel(3, models.DefaultScanConfig())
	if err != nil {
		t.Fatalf("ScanChannel: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected exactly 1 device (mux's own address filtered), got %v", devices)
	}
	if devices[0].Address != 0x44 || devices[0].Channel != models.Channel(3) {
		t.Errorf("expected 0x44 tagged Channel=3, got %+v", devices[0])
	}
}

func TestScanAllChannels_PreservesInitialMask(t *testing.T) {
	sim := simulate.New()
	mask := new(byte)
	sim.AddDevice("/dev/i2c-1", 0x70, muxDevice{mask: mask})
	h, _ := sim.Open(context.Background(), "/dev/i2c-1", 0x70)
	m := mux.New(sim, h, 0x70, mux.MaxChannels)

	if err := m.SelectChannel(6); err != nil {
		t.Fatalf("SelectChannel: %v", err)
	}
	before := *mask

	_ = m.ScanAllChannels(models.DefaultScanConfig(), 1000)
	if *mask != before {
		t.Errorf("expected mask restored to %#x after full sweep, got %#x", before, *mask)
	}
}

func TestFindDevice_ReturnsMatchingChannels(t *testing.T) {
	sim := simulate.New()
	mask := new(byte)
	sim.AddDevice("/dev/i2c-1", 0x70, muxDevice{mask: mask})
	sim.AddDevice("/dev/i2c-1", 0x44, simulate.NopDevice{})
	h, _ := sim.Open(context.Background(), "/dev/i2c-1", 0x70)
	m := mux.New(sim, h, 0x70, mux.MaxChannels)

	chans := m.FindDevice(0x44, models.DefaultScanConfig(), 1000)
	if len(chans) != mux.MaxChannels {
		t.Fatalf("expected device visible on every channel (single shared bus sim), got %v", chans)
	}
}

func TestIsDeviceOnChannel(t *testing.T) {
	sim := simulate.New()
	mask := new(byte)
	sim.AddDevice("/dev/i2c-1", 0x70, muxDevice{mask: mask})
	sim.AddDevice("/dev/i2c-1", 0x44, simulate.NopDevice{})
	h, _ := sim.Open(context.Background(), "/dev/i2c-1", 0x70)
	m := mux.New(sim, h, 0x70, mux.MaxChannels)

	ok, err := m.IsDeviceOnChannel(0x44, 2, models.DefaultScanConfig())
	if err != nil {
		t.Fatalf("IsDeviceOnChannel: %v", err)
	}
	if !ok {
		t.Error("expected 0x44 reported present on channel 2")
	}
	ok, err = m.IsDeviceOnChannel(0x55, 2, models.DefaultScanConfig())
	if err != nil {
		t.Fatalf("IsDeviceOnChannel: %v", err)
	}
	if ok {
		t.Error("expected 0x55 reported absent on channel 2")
	}
}
