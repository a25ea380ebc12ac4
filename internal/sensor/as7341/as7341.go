// Package as7341 drives the AMS AS7341 10-channel spectral sensor: a
// bank-switched register space, a two-phase SMUX photodiode-routing
// load, and a progressive I/O-failure recovery ladder.
package as7341

import (
	"context"
	"time"

	"github.com/fieldsense/i2csensors/internal/busmgr"
	"github.com/fieldsense/i2csensors/internal/models"
	"github.com/fieldsense/i2csensors/internal/mux"
	"github.com/fieldsense/i2csensors/internal/resetline"
	"github.com/fieldsense/i2csensors/internal/sensor"
	"github.com/fieldsense/i2csensors/internal/transport"
)

// Address is the AS7341's fixed 7-bit I²C address.
const Address models.Address = 0x39

const (
	regEnable  = 0x80 // bit0 PON, bit1 SP_EN, bit4 SMUXEN
	regATime   = 0x81
	regConfig0 = 0xA9 // bit4: bank select (0 = Bank 0, 1 = Bank 1)
	regStatus2 = 0xA3 // bit6 AVALID
	regCfg6    = 0xAF // write 0x10 to load SMUX from RAM
	regAStepL  = 0xCA
	regGain    = 0xAA // bits[4:0]
	regControl = 0xEF // bit3 SW_RESET
	regID      = 0x92
	regData0L  = 0x95

	cfg6LoadSMUX = 0x10
	swResetBit   = 3
	smuxEnBit    = 4
	powerBit     = 0
	measureBit   = 1
	avalidBit    = 6

	smuxLoadTimeout   = 100 * time.Millisecond
	avalidTimeout     = 2 * time.Second
	pollInterval      = 10 * time.Millisecond
	maxReadAttempts   = 3
	initialBackoff    = 50 * time.Millisecond
	maxBackoff        = 500 * time.Millisecond
	blockReadLen      = 12
)

// smuxPhase1 and smuxPhase2 are the literal photodiode-routing vectors
// written to registers 0x00..0x13 before a measurement.
var (
	smuxPhase1 = [20]byte{0x30, 0x01, 0x00, 0x00, 0x00, 0x42, 0x00, 0x00, 0x50, 0x00, 0x00, 0x00, 0x20, 0x04, 0x00, 0x30, 0x01, 0x50, 0x00, 0x06}
	smuxPhase2 = [20]byte{0x00, 0x00, 0x00, 0x40, 0x02, 0x00, 0x10, 0x03, 0x50, 0x10, 0x03, 0x00, 0x00, 0x00, 0x24, 0x00, 0x00, 0x50, 0x00, 0x06}
)

// Driver is one AS7341 instance.
type Driver struct {
	*sensor.Base
	recovering bool
	resetLine  resetline.Line
}

// SetResetLine attaches an optional GPIO power-cycle assist, tried as
// the last rung of the recovery ladder when the register-level power
// bit alone doesn't bring the part back. A nil Driver.resetLine (the
// default) just skips that rung.
func (d *Driver) SetResetLine(line resetline.Line) {
	d.resetLine = line
}

// New constructs an AS7341 driver at Address on busPath, optionally
// reached through a multiplexer channel.
func New(tr transport.Transport, bm *busmgr.Manager, busPath models.BusPath, muxDriver *mux.Mux, channel models.Channel) *Driver {
	d := &Driver{}
	d.Base = sensor.New(tr, bm, d, busPath, Address, models.KindAS7341, muxDriver, channel)
	return d
}

// Connect opens the bus and runs the power-on reset sequence.
func (d *Driver) Connect(ctx context.Context) (bool, error) {
	return d.Base.Connect(ctx)
}

// Initialize implements sensor.Hooks; it runs under the transaction
// lock already held by Base.Connect, so it uses the Direct helpers.
func (d *Driver) Initialize() error {
	return d.powerOnResetLocked()
}

// PowerDown implements sensor.Hooks: spectral sensors power off on
// disconnect.
func (d *Driver) PowerDown() error {
	return d.EnableBitDirect(regEnable, powerBit, false)
}

func (d *Driver) selectBankLocked(bank int) error {
	return d.EnableBitDirect(regConfig0, 4, bank == 1)
}

// powerOnResetLocked implements spec's power-on reset sequence. Caller
// must already hold the transaction lock (Initialize is invoked from
// within one by Base.Connect; each recovery step re-enters it inside
// its own ExecuteTransaction).
func (d *Driver) powerOnResetLocked() error {
	if err := d.selectBankLocked(0); err != nil {
		return err
	}
	if err := d.EnableBitDirect(regEnable, powerBit, false); err != nil {
		return err
	}
	time.Sleep(5 * time.Millisecond)
	if err := d.EnableBitDirect(regEnable, powerBit, true); err != nil {
		return err
	}
	time.Sleep(1 * time.Millisecond)
	if _, err := d.ReadByteRegDirect(regID); err != nil {
		return err
	}
	if err := d.WriteByteRegDirect(regATime, 0); err != nil {
		return err
	}
	if err := d.WriteWordRegDirect(regAStepL, 65534); err != nil {
		return err
	}
	if err := d.SetRegisterBitsDirect(regGain, 0, 5, 10); err != nil {
		return err
	}
	if _, err := d.ReadByteRegDirect(regID); err != nil {
		return err
	}
	return nil
}

func (d *Driver) pollBitClearLocked(reg byte, bit uint, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		v, err := d.ReadByteRegDirect(reg)
		if err != nil {
			return err
		}
		if v&(1<<bit) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return models.ProtocolTimeout("as7341.pollBitClear")
		}
		time.Sleep(pollInterval)
	}
}

func (d *Driver) pollBitSetLocked(reg byte, bit uint, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		v, err := d.ReadByteRegDirect(reg)
		if err != nil {
			return err
		}
		if v&(1<<bit) != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return models.ProtocolTimeout("as7341.pollBitSet")
		}
		time.Sleep(pollInterval)
	}
}

func (d *Driver) readPhaseLocked(vector [20]byte) ([6]uint16, error) {
	var out [6]uint16
	for i, b := range vector {
		if err := d.WriteByteRegDirect(byte(i), b); err != nil {
			return out, err
		}
	}
	if err := d.WriteByteRegDirect(regCfg6, cfg6LoadSMUX); err != nil {
		return out, err
	}
	if err := d.EnableBitDirect(regEnable, smuxEnBit, true); err != nil {
		return out, err
	}
	if err := d.pollBitClearLocked(regEnable, smuxEnBit, smuxLoadTimeout); err != nil {
		return out, err
	}
	if err := d.EnableBitDirect(regEnable, measureBit, true); err != nil {
		return out, err
	}
	if err := d.pollBitSetLocked(regStatus2, avalidBit, avalidTimeout); err != nil {
		return out, err
	}

	buf := make([]byte, blockReadLen)
	n, err := d.ReadDataBlockDirect(regData0L, buf)
	if err != nil || n < blockReadLen {
		// Fall back to individual byte-paired reads.
		for i := range out {
			lo, err := d.ReadByteRegDirect(regData0L + byte(2*i))
			if err != nil {
				return out, err
			}
			hi, err := d.ReadByteRegDirect(regData0L + byte(2*i+1))
			if err != nil {
				return out, err
			}
			out[i] = uint16(lo) | uint16(hi)<<8
		}
	} else {
		for i := range out {
			out[i] = uint16(buf[2*i]) | uint16(buf[2*i+1])<<8
		}
	}

	if err := d.EnableBitDirect(regEnable, measureBit, false); err != nil {
		return out, err
	}
	return out, nil
}

// ReadData performs the two-phase SMUX read with retry and the
// progressive recovery ladder.
func (d *Driver) ReadData() (map[string]int, error) {
	var lastErr error
	for attempt := 1; attempt <= maxReadAttempts; attempt++ {
		result, err := d.readOnce()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if models.IsKind(err, models.KindTransportFailure) && !d.recovering {
			if recErr := d.recover(); recErr != nil {
				lastErr = recErr
			}
		}
		if attempt < maxReadAttempts {
			time.Sleep(backoffFor(attempt))
		}
	}
	return nil, lastErr
}

func backoffFor(attempt int) time.Duration {
	d := initialBackoff * time.Duration(1<<uint(attempt-1))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (d *Driver) readOnce() (map[string]int, error) {
	var phase1, phase2 [6]uint16
	err := d.ExecuteTransaction(func() error {
		var err error
		phase1, err = d.readPhaseLocked(smuxPhase1)
		if err != nil {
			return err
		}
		phase2, err = d.readPhaseLocked(smuxPhase2)
		return err
	})
	if err != nil {
		return nil, err
	}
	return map[string]int{
		"F1":    int(phase1[0]),
		"F2":    int(phase1[1]),
		"F3":    int(phase1[2]),
		"F4":    int(phase1[3]),
		"Clear": int(phase1[4]),
		"NIR":   int(phase1[5]),
		"F5":    int(phase2[0]),
		"F6":    int(phase2[1]),
		"F7":    int(phase2[2]),
		"F8":    int(phase2[3]),
	}, nil
}

// recover runs the progressive recovery ladder, probing liveness after
// each step, and re-running initialize on the step that succeeds. The
// recovering flag prevents the recovery path from re-entering itself.
func (d *Driver) recover() error {
	d.recovering = true
	defer func() { d.recovering = false }()

	// Step 1 (software reset).
	if err := d.ExecuteTransaction(func() error {
		if err := d.EnableBitDirect(regControl, swResetBit, true); err != nil {
			return err
		}
		time.Sleep(5 * time.Millisecond)
		return d.powerOnResetLocked()
	}); err == nil {
		if _, probeErr := d.ReadByteReg(regID); probeErr == nil {
			return nil
		}
	}

	// Step 2 (power cycle).
	err := d.ExecuteTransaction(func() error {
		if err := d.EnableBitDirect(regEnable, powerBit, false); err != nil {
			return err
		}
		time.Sleep(10 * time.Millisecond)
		if err := d.EnableBitDirect(regEnable, powerBit, true); err != nil {
			return err
		}
		time.Sleep(5 * time.Millisecond)
		return d.powerOnResetLocked()
	})
	if err == nil {
		if _, probeErr := d.ReadByteReg(regID); probeErr == nil {
			return nil
		}
	}

	// Step 3 (physical power cycle), only if a GPIO assist is configured.
	if d.resetLine == nil {
		return err
	}
	if cycleErr := d.resetLine.Cycle(); cycleErr != nil {
		return cycleErr
	}
	return d.ExecuteTransaction(func() error {
		if perr := d.powerOnResetLocked(); perr != nil {
			return perr
		}
		_, probeErr := d.ReadByteRegDirect(regID)
		return probeErr
	})
}

// GetSensorState produces the snapshot-ready SensorState from the most recent
// ReadData output and lifecycle state. Callers (the bus loop) supply
// the timestamp; this just shapes the color map.
func (d *Driver) GetSensorState(data map[string]int, nowMs int64, readErr error) models.SensorState {
	s := models.SensorState{
		Kind:              models.KindAS7341,
		SensorID:          d.UniqueID(),
		Connected:         d.IsReady(),
		UpdateTimestampMs: nowMs,
	}
	if readErr != nil {
		s.ErrorMessage = readErr.Error()
		return s
	}
	s.Color = data
	return s
}
