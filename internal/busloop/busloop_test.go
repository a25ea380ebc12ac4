package busloop_test

import (
	"context"
	"testing"
	"time"

	"github.com/fieldsense/i2csensors/internal/busloop"
	"github.com/fieldsense/i2csensors/internal/busmgr"
	"github.com/fieldsense/i2csensors/internal/config"
	"github.com/fieldsense/i2csensors/internal/models"
	"github.com/fieldsense/i2csensors/internal/sensor/as7341"
	"github.com/fieldsense/i2csensors/internal/sensor/sht40"
	"github.com/fieldsense/i2csensors/internal/transport/simulate"
)

// fakeSpectral models just enough of an AS7341 register file to survive
// power-on reset and a two-phase SMUX read.
type fakeSpectral struct {
	simulate.NopDevice
	regs [256]byte
}

func newFakeSpectral(idReg byte) *fakeSpectral {
	f := &fakeSpectral{}
	f.regs[idReg] = 0x09
	return f
}

func (f *fakeSpectral) SMBusReadByte(reg byte) (byte, error) {
	switch reg {
	case 0xA3, 0x90: // STATUS2 for AS7341 / AS7343 respectively: AVALID always set
		return 1 << 6, nil
	case 0xBC: // AS7343 SAI verify register: bit6 always clear
		return 0, nil
	default:
		return f.regs[reg], nil
	}
}

func (f *fakeSpectral) SMBusWriteByte(reg byte, v byte) error {
	f.regs[reg] = v
	if reg == 0x80 && v&(1<<4) != 0 {
		f.regs[reg] = v &^ (1 << 4) // SMUXEN self-clears
	}
	return nil
}

func (f *fakeSpectral) SMBusReadBlock(reg byte, buf []byte) (int, error) {
	for i := range buf {
		buf[i] = byte(i + 1)
	}
	return len(buf), nil
}

type fakeSHT40 struct{ simulate.NopDevice }

func (fakeSHT40) RawWriteByte(byte) error { return nil }
func (fakeSHT40) RawRead(buf []byte) (int, error) {
	t := []byte{0x55, 0x55}
	h := []byte{0x55, 0x55}
	buf[0], buf[1], buf[2] = t[0], t[1], crc8(t)
	buf[3], buf[4], buf[5] = h[0], h[1], crc8(h)
	return 6, nil
}

func crc8(data []byte) byte {
	crc := byte(0xFF)
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func fastConfig() config.Config {
	cfg := config.Default()
	cfg.UpdateIntervalMs = 40
	cfg.SensorReadDelayMs = 1
	cfg.RescanIntervalMs = 1000
	cfg.MaxRescanIntervalMs = 5000
	cfg.StaleStateTimeoutMs = 60000
	return cfg
}

func TestStartCancel_DiscoversAndPublishesDirectSensors(t *testing.T) {
	sim := simulate.New()
	sim.AddDevice("/dev/i2c-1", as7341.Address, newFakeSpectral(0x92))
	sim.AddDevice("/dev/i2c-1", sht40.Address, fakeSHT40{})

	bm := busmgr.New(sim)
	l := busloop.GetInstance("/dev/i2c-1", sim, bm, fastConfig())
	l.Expect([]models.SensorKind{models.KindAS7341, models.KindSHT40})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	waitForCount(t, l, 2, 2*time.Second)
	l.Cancel()

	states := l.GetAllSensorState()
	if len(states) != 2 {
		t.Fatalf("expected 2 published sensor states, got %d: %+v", len(states), states)
	}
	for _, s := range states {
		if !s.Connected {
			t.Errorf("expected %s Connected=true, got state %+v", s.SensorID, s)
		}
	}
}

func TestCancel_IsIdempotentAndDisconnectsCleanly(t *testing.T) {
	sim := simulate.New()
	sim.AddDevice("/dev/i2c-2", sht40.Address, fakeSHT40{})

	bm := busmgr.New(sim)
	l := busloop.GetInstance("/dev/i2c-2", sim, bm, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	waitForCount(t, l, 1, 2*time.Second)

	l.Cancel()
	l.Cancel() // must not block or panic a second time

	if _, ok := bm.CurrentHandle("/dev/i2c-2"); ok {
		t.Error("expected no live handle for the bus after shutdown's force-close")
	}
}

func waitForCount(t *testing.T, l *busloop.Loop, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(l.GetAllSensorState()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d published sensor states, got %d", n, len(l.GetAllSensorState()))
}
