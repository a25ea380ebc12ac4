// Package as7343 drives the AMS AS7343 14-channel spectral sensor:
// bank-switched registers (with an LED control bank), fixed-routing
// auto-SMUX 18-channel reads, and a progressive I/O-failure recovery
// ladder that additionally clears SAI-active state before resorting to
// SMUX/software/power-cycle recovery.
package as7343

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

// Address is the AS7343's fixed 7-bit I²C address.
const Address models.Address = 0x39

const (
	regEnable  = 0x80 // bit0 PON, bit1 SP_EN, bit4 SMUXEN
	regConfig0 = 0xBF // bit4: bank select (0 = Bank 0, 1 = Bank 1, LED control)
	regStatus2 = 0x90 // bit6 AVALID
	regAStepL  = 0xD4
	regGain    = 0xC6 // bits[4:0]
	regAutoSMUX = 0xD6 // bits[6:5]
	regSAI     = 0xFA // bit0 SAI-active clear, bit4 SW_RESET
	regSAIVerify = 0xBC // bit6 must clear after SAI-clear
	regID      = 0x5A
	regAStatus = 0x94
	regData0L  = 0x95

	swResetBit = 4
	smuxEnBit  = 4
	powerBit   = 0
	measureBit = 1
	avalidBit  = 6
	saiBit     = 0

	autoSMUXTimeout   = 100 * time.Millisecond
	avalidTimeout     = 2 * time.Second
	pollInterval      = 10 * time.Millisecond
	maxReadAttempts   = 3
	initialBackoff    = 50 * time.Millisecond
	maxBackoff        = 500 * time.Millisecond
	blockReadLen      = 36 // 18 channels * 2 bytes
)

// dataOrder maps DATA_0..DATA_17 (auto_smux=3) to logical channel
// labels, in register order.
var dataOrder = [18]string{
	"FZ", "FY", "FXL", "NIR", "VIS_C1", "FD_C1",
	"F2", "F3", "F4", "F6", "VIS_C2", "FD_C2",
	"F1", "F7", "F8", "F5", "VIS", "FD",
}

// primaryOrder is the caller-facing channel ordering.
var primaryOrder = []string{"F1", "F2", "F3", "F4", "F5", "F6", "F7", "F8", "FZ", "FY", "FXL", "NIR", "VIS", "FD"}

// Driver is one AS7343 instance.
type Driver struct {
	*sensor.Base
	recovering bool
	resetLine  resetline.Line
}

// SetResetLine attaches an optional GPIO power-cycle assist, tried as
// the last rung of the recovery ladder when the register-level steps
// alone don't bring the part back. A nil resetLine (the default) just
// skips that rung.
func (d *Driver) SetResetLine(line resetline.Line) {
	d.resetLine = line
}

// New constructs an AS7343 driver at Address on busPath, optionally
// reached through a multiplexer channel.
func New(tr transport.Transport, bm *busmgr.Manager, busPath models.BusPath, muxDriver *mux.Mux, channel models.Channel) *Driver {
	d := &Driver{}
	d.Base = sensor.New(tr, bm, d, busPath, Address, models.KindAS7343, muxDriver, channel)
	return d
}

func (d *Driver) Connect(ctx context.Context) (bool, error) {
	return d.Base.Connect(ctx)
}

// Initialize implements sensor.Hooks, invoked under Base.Connect's
// transaction lock.
func (d *Driver) Initialize() error {
	return d.powerOnResetLocked()
}

// PowerDown implements sensor.Hooks.
func (d *Driver) PowerDown() error {
	return d.EnableBitDirect(regEnable, powerBit, false)
}

func (d *Driver) selectBankLocked(bank int) error {
	return d.EnableBitDirect(regConfig0, 4, bank == 1)
}

func (d *Driver) clearSAILocked() error {
	if err := d.EnableBitDirect(regSAI, saiBit, true); err != nil {
		return err
	}
	v, err := d.ReadByteRegDirect(regSAIVerify)
	if err != nil {
		return err
	}
	if v&(1<<6) != 0 {
		return models.ProtocolTimeout("as7343.clearSAI: bit did not clear")
	}
	return nil
}

func (d *Driver) setAutoSMUXLocked() error {
	return d.SetRegisterBitsDirect(regAutoSMUX, 5, 2, 3)
}

// powerOnResetLocked implements the power-on reset sequence shared with
// AS7341, plus the AS7343-only SAI-clear and auto_smux steps.
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
	if err := d.clearSAILocked(); err != nil {
		return err
	}
	if err := d.WriteByteRegDirect(0x81, 0); err != nil { // ATIME
		return err
	}
	if err := d.WriteWordRegDirect(regAStepL, 65534); err != nil {
		return err
	}
	if err := d.SetRegisterBitsDirect(regGain, 0, 5, 10); err != nil {
		return err
	}
	if err := d.setAutoSMUXLocked(); err != nil {
		return err
	}
	if _, err := d.ReadByteRegDirect(regID); err != nil {
		return err
	}
	return nil
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
			return models.ProtocolTimeout("as7343.pollBitSet")
		}
		time.Sleep(pollInterval)
	}
}

func (d *Driver) pollSMUXEnClearLocked(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		v, err := d.ReadByteRegDirect(regEnable)
		if err != nil {
			return err
		}
		if v&(1<<smuxEnBit) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return models.ProtocolTimeout("as7343.pollSMUXEnClear")
		}
		time.Sleep(pollInterval)
	}
}

func (d *Driver) readOnceLocked() (map[string]int, error) {
	if err := d.EnableBitDirect(regEnable, measureBit, true); err != nil {
		return nil, err
	}
	if err := d.pollBitSetLocked(regStatus2, avalidBit, avalidTimeout); err != nil {
		return nil, err
	}
	if _, err := d.ReadByteRegDirect(regAStatus); err != nil {
		return nil, err
	}

	buf := make([]byte, blockReadLen)
	n, err := d.ReadDataBlockDirect(regData0L, buf)
	raw := make(map[string]uint16, 18)
	if err != nil || n < blockReadLen {
		for i, label := range dataOrder {
			lo, err := d.ReadByteRegDirect(regData0L + byte(2*i))
			if err != nil {
				return nil, err
			}
			hi, err := d.ReadByteRegDirect(regData0L + byte(2*i+1))
			if err != nil {
				return nil, err
			}
			raw[label] = uint16(lo) | uint16(hi)<<8
		}
	} else {
		for i, label := range dataOrder {
			raw[label] = uint16(buf[2*i]) | uint16(buf[2*i+1])<<8
		}
	}

	if err := d.EnableBitDirect(regEnable, measureBit, false); err != nil {
		return nil, err
	}

	out := make(map[string]int, len(primaryOrder))
	for _, label := range primaryOrder {
		out[label] = int(raw[label])
	}
	return out, nil
}

// ReadData performs the auto-SMUX 18-channel read with retry and the
// progressive recovery ladder.
func (d *Driver) ReadData() (map[string]int, error) {
	var lastErr error
	for attempt := 1; attempt <= maxReadAttempts; attempt++ {
		var result map[string]int
		err := d.ExecuteTransaction(func() error {
			var err error
			result, err = d.readOnceLocked()
			return err
		})
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

// recover runs the progressive recovery ladder (SAI clear, SMUX reset,
// software reset, power-bit cycle, and finally an optional GPIO power
// cycle), probing liveness after each step. The recovering flag
// prevents re-entry.
func (d *Driver) recover() error {
	d.recovering = true
	defer func() { d.recovering = false }()

	// Step 1: clear SAI-active (least invasive).
	if err := d.ExecuteTransaction(func() error { return d.clearSAILocked() }); err == nil {
		if _, probeErr := d.ReadByteReg(regID); probeErr == nil {
			return nil
		}
	}

	// Step 2: SMUX reset (pulse SMUXEN, wait for self-clear).
	if err := d.ExecuteTransaction(func() error {
		if err := d.EnableBitDirect(regEnable, smuxEnBit, true); err != nil {
			return err
		}
		return d.pollSMUXEnClearLocked(autoSMUXTimeout)
	}); err == nil {
		if _, probeErr := d.ReadByteReg(regID); probeErr == nil {
			return nil
		}
	}

	// Step 3: software reset, then re-run initialize.
	if err := d.ExecuteTransaction(func() error {
		if err := d.EnableBitDirect(regSAI, swResetBit, true); err != nil {
			return err
		}
		time.Sleep(5 * time.Millisecond)
		return d.powerOnResetLocked()
	}); err == nil {
		if _, probeErr := d.ReadByteReg(regID); probeErr == nil {
			return nil
		}
	}

	// Step 4: power cycle, then re-run initialize.
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

	// Step 5: physical power cycle, only if a GPIO assist is configured.
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

// GetSensorState shapes the most recent ReadData output (or error)
// into the snapshot-ready SensorState.
func (d *Driver) GetSensorState(data map[string]int, nowMs int64, readErr error) models.SensorState {
	s := models.SensorState{
		Kind:              models.KindAS7343,
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
