// Package sht40 drives the Sensirion SHT40 temperature/humidity
// sensor. Unlike the spectral family it has no register model: every
// operation is a raw command byte followed by a raw multi-byte read,
// each half independently protected by a CRC-8.
package sht40

import (
	"context"
	"time"

	"github.com/fieldsense/i2csensors/internal/busmgr"
	"github.com/fieldsense/i2csensors/internal/models"
	"github.com/fieldsense/i2csensors/internal/mux"
	"github.com/fieldsense/i2csensors/internal/sensor"
	"github.com/fieldsense/i2csensors/internal/transport"
)

// Address is the SHT40's fixed 7-bit I²C address.
const Address models.Address = 0x44

const (
	cmdSoftReset  = 0x94
	cmdMeasureHi  = 0xFD // high-precision measurement
	softResetWait = 100 * time.Millisecond
	measureWait   = 15 * time.Millisecond

	// MinReadInterval is the minimum time the bus loop should leave
	// between reads for this driver (low-priority channel).
	MinReadInterval = 10 * time.Second

	errorSentinel = -9999.0
)

// crcTable-free CRC-8: polynomial 0x31 (x^8+x^5+x^4+1), init 0xFF, MSB
// first, no reflection, no final XOR.
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

// Driver is one SHT40 instance.
type Driver struct {
	*sensor.Base
}

// New constructs an SHT40 driver at Address on busPath, optionally
// reached through a multiplexer channel.
func New(tr transport.Transport, bm *busmgr.Manager, busPath models.BusPath, muxDriver *mux.Mux, channel models.Channel) *Driver {
	d := &Driver{}
	d.Base = sensor.New(tr, bm, d, busPath, Address, models.KindSHT40, muxDriver, channel)
	return d
}

func (d *Driver) Connect(ctx context.Context) (bool, error) {
	return d.Base.Connect(ctx)
}

// Initialize implements sensor.Hooks: soft-reset with no readback,
// invoked under Base.Connect's transaction lock.
func (d *Driver) Initialize() error {
	if err := d.rawWriteDirect(cmdSoftReset); err != nil {
		return err
	}
	time.Sleep(softResetWait)
	return nil
}

// PowerDown implements sensor.Hooks: SHT40 has no power control the
// driver owns (it draws negligible standby current), so this is a
// no-op.
func (d *Driver) PowerDown() error { return nil }

func (d *Driver) rawWriteDirect(cmd byte) error {
	return d.Transport().RawWriteByte(d.Handle(), cmd)
}

// Reading is the decoded temperature/humidity pair, or the sentinel
// error values if either half failed its CRC.
type Reading struct {
	TemperatureC float64
	HumidityRH   float64
	Valid        bool
}

func (d *Driver) readOnceLocked() (Reading, error) {
	if err := d.Transport().RawWriteByte(d.Handle(), cmdMeasureHi); err != nil {
		return Reading{}, models.TransportFailure("sht40.readOnce: write command", err)
	}
	time.Sleep(measureWait)

	buf := make([]byte, 6)
	n, err := d.Transport().RawRead(d.Handle(), buf)
	if err != nil || n < 6 {
		return Reading{}, models.TransportFailure("sht40.readOnce: read result", err)
	}

	tempOK := crc8(buf[0:2]) == buf[2]
	humOK := crc8(buf[3:5]) == buf[5]
	if !tempOK || !humOK {
		return Reading{TemperatureC: errorSentinel, HumidityRH: errorSentinel}, nil
	}

	rawT := uint16(buf[0])<<8 | uint16(buf[1])
	rawH := uint16(buf[3])<<8 | uint16(buf[4])
	tempC := -45.0 + 175.0*float64(rawT)/65535.0
	humRH := -6.0 + 125.0*float64(rawH)/65535.0

	return Reading{TemperatureC: tempC, HumidityRH: humRH, Valid: true}, nil
}

// Read performs the measurement transaction and returns the decoded
// Reading. CRC failure on either half is reported via Reading.Valid,
// not as an error — only transport failures are errors.
func (d *Driver) Read() (Reading, error) {
	var reading Reading
	err := d.ExecuteTransaction(func() error {
		var err error
		reading, err = d.readOnceLocked()
		return err
	})
	return reading, err
}

// GetSensorState shapes a Reading (or error) into the snapshot-ready
// SensorState.
func (d *Driver) GetSensorState(reading Reading, nowMs int64, readErr error) models.SensorState {
	s := models.SensorState{
		Kind:              models.KindSHT40,
		SensorID:          d.UniqueID(),
		Connected:         d.IsReady(),
		UpdateTimestampMs: nowMs,
	}
	if readErr != nil || !reading.Valid {
		s.ErrorMessage = "ERROR"
		if readErr != nil {
			s.ErrorMessage = readErr.Error()
		}
		s.TemperatureC = errorSentinel
		s.HumidityRH = errorSentinel
		return s
	}
	s.TemperatureC = reading.TemperatureC
	s.HumidityRH = reading.HumidityRH
	return s
}
