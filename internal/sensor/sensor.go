// Package sensor provides the shared lifecycle and register-access
// primitives that every concrete sensor driver (AS7341, AS7343, SHT40)
// builds on: connect/initialize/disconnect, transaction-scoped mutual
// exclusion, multiplexer channel switching, and bit-level register
// helpers.
package sensor

import (
	"context"
	"sync"

	"github.com/fieldsense/i2csensors/internal/busmgr"
	"github.com/fieldsense/i2csensors/internal/models"
	"github.com/fieldsense/i2csensors/internal/mux"
	"github.com/fieldsense/i2csensors/internal/transport"
)

// Hooks are the driver-specific lifecycle callbacks a concrete driver
// supplies to Base. Initialize runs once per Connect, under the same
// transaction scope as everything else the driver does. PowerDown runs
// best-effort during Disconnect; drivers with nothing to power down
// return nil.
type Hooks interface {
	Initialize() error
	PowerDown() error
}

// Base is embedded by every concrete sensor driver. It is not usable on
// its own — New requires a Hooks implementation, which in practice is
// the embedding driver itself.
type Base struct {
	tr   transport.Transport
	bm   *busmgr.Manager
	hook Hooks

	BusPath models.BusPath
	Addr    models.Address
	Kind    models.SensorKind

	// Optional multiplexer wiring. Channel is models.ChannelNone when
	// the sensor sits directly on the main bus.
	MuxDriver *mux.Mux
	Channel   models.Channel

	mu        sync.Mutex
	connected bool
	handle    models.FileHandle
}

// New constructs a Base. hook is typically the embedding driver value
// itself, supplied after it has initialized its own fields.
func New(tr transport.Transport, bm *busmgr.Manager, hook Hooks, busPath models.BusPath, addr models.Address, kind models.SensorKind, muxDriver *mux.Mux, channel models.Channel) *Base {
	return &Base{
		tr:        tr,
		bm:        bm,
		hook:      hook,
		BusPath:   busPath,
		Addr:      addr,
		Kind:      kind,
		MuxDriver: muxDriver,
		Channel:   channel,
	}
}

// UniqueID is the canonical sensor identity used as a snapshot map key.
func (b *Base) UniqueID() string {
	return models.SensorUniqueID(b.BusPath, b.Channel, b.Addr)
}

// Connect opens the bus (or reuses an already-open, still-ready
// connection) and runs the driver's Initialize hook once, all under
// the transaction lock. On any failure after a successful open, the
// bus reference is released before returning.
func (b *Base) Connect(ctx context.Context) (bool, error) {
	b.mu.Lock()
	if b.connected && b.isReadyLocked() {
		b.mu.Unlock()
		return true, nil
	}
	b.mu.Unlock()

	if b.MuxDriver != nil {
		if _, have := b.MuxDriver.CurrentMask(); !have {
			if err := b.MuxDriver.Initialize(); err != nil {
				return false, err
			}
		}
	}

	h, err := b.bm.OpenBus(ctx, b.BusPath, b.Addr)
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	b.handle = h
	b.connected = true
	b.mu.Unlock()

	if err := b.ExecuteTransaction(b.hook.Initialize); err != nil {
		b.bm.CloseBus(b.BusPath, b.Addr)
		b.mu.Lock()
		b.connected = false
		b.mu.Unlock()
		return false, err
	}
	return true, nil
}

// Disconnect powers the device down (best-effort) and releases the
// shared bus handle.
func (b *Base) Disconnect() {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return
	}
	b.connected = false
	b.mu.Unlock()

	_ = b.ExecuteTransaction(b.hook.PowerDown)
	b.bm.CloseBus(b.BusPath, b.Addr)
}

// IsReady performs the liveness check: a sensor that thinks its handle
// is open transitions to not-ready the moment the Bus Manager's handle
// for this BusPath no longer matches (someone force-closed and reopened
// the bus out from under it).
func (b *Base) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isReadyLocked()
}

func (b *Base) isReadyLocked() bool {
	if !b.connected {
		return false
	}
	cur, ok := b.bm.CurrentHandle(b.BusPath)
	if !ok || cur != b.handle {
		b.connected = false
		return false
	}
	return true
}

// Handle returns the current bus handle. Only valid while IsReady().
func (b *Base) Handle() models.FileHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handle
}

// Transport exposes the underlying transport for drivers (SHT40) whose
// protocol is raw command/result bytes rather than register access.
func (b *Base) Transport() transport.Transport {
	return b.tr
}

// switchToDevice ensures any governing multiplexer channel is selected
// and the Bus Manager's cached sub-device address matches this driver's
// address, switching only when necessary.
func (b *Base) switchToDevice() error {
	if b.MuxDriver != nil && b.Channel != models.ChannelNone {
		mask, have := b.MuxDriver.CurrentMask()
		if !have {
			if err := b.MuxDriver.Initialize(); err != nil {
				return err
			}
			mask, _ = b.MuxDriver.CurrentMask()
		}
		bit := byte(1) << uint(b.Channel)
		if mask&bit == 0 {
			if err := b.MuxDriver.SelectChannel(int(b.Channel)); err != nil {
				return err
			}
		}
	}

	cur, ok := b.bm.CurrentSubDevice(b.handle)
	if !ok || cur != b.Addr {
		if err := b.tr.SwitchAddress(b.handle, b.Addr); err != nil {
			return err
		}
		b.bm.SetCurrentSubDevice(b.handle, b.Addr)
	}
	return nil
}

// ExecuteTransaction acquires the per-handle lock once, switches to
// this device once, then runs op. This is the primary correctness
// primitive for multi-step register protocols: drivers use the Direct
// helper variants inside op so they don't re-switch or re-lock.
func (b *Base) ExecuteTransaction(op func() error) error {
	lock, ok := b.bm.GetLock(b.handle)
	if !ok {
		return models.BusClosed("sensor.ExecuteTransaction")
	}
	lock.Lock()
	defer lock.Unlock()

	if err := b.switchToDevice(); err != nil {
		return err
	}
	return op()
}

// ReadByteReg reads one register, under a fresh transaction.
func (b *Base) ReadByteReg(reg byte) (byte, error) {
	var v byte
	err := b.ExecuteTransaction(func() error {
		var err error
		v, err = b.ReadByteRegDirect(reg)
		return err
	})
	return v, err
}

// WriteByteReg writes one register, under a fresh transaction.
func (b *Base) WriteByteReg(reg byte, value byte) error {
	return b.ExecuteTransaction(func() error { return b.WriteByteRegDirect(reg, value) })
}

// WriteWordReg writes a 16-bit value as two adjacent byte registers,
// LSB first at reg, MSB at reg+1, under a fresh transaction.
func (b *Base) WriteWordReg(reg byte, value uint16) error {
	return b.ExecuteTransaction(func() error { return b.WriteWordRegDirect(reg, value) })
}

// EnableBit sets or clears one bit of reg, writing back only if the
// bit's current state differs, under a fresh transaction.
func (b *Base) EnableBit(reg byte, bit uint, on bool) error {
	return b.ExecuteTransaction(func() error { return b.EnableBitDirect(reg, bit, on) })
}

// SetRegisterBits performs a masked read-modify-write of width bits of
// reg starting at shift, under a fresh transaction.
func (b *Base) SetRegisterBits(reg byte, shift, width uint, value byte) error {
	return b.ExecuteTransaction(func() error { return b.SetRegisterBitsDirect(reg, shift, width, value) })
}

// ReadDataBlock reads an SMBus block starting at reg into buf, under a
// fresh transaction, returning the byte count actually read.
func (b *Base) ReadDataBlock(reg byte, buf []byte) (int, error) {
	var n int
	err := b.ExecuteTransaction(func() error {
		var err error
		n, err = b.ReadDataBlockDirect(reg, buf)
		return err
	})
	return n, err
}

// --- Direct (recovery-safe) variants: no locking, no re-switching.
// Callers must already hold the transaction lock (i.e. be running
// inside an op passed to ExecuteTransaction, or inside a driver's own
// recovery routine that has taken the lock itself). These exist so
// recovery logic invoked from within a transaction doesn't recurse back
// into locking or device switching.

func (b *Base) ReadByteRegDirect(reg byte) (byte, error) {
	return b.tr.SMBusReadByte(b.handle, reg)
}

func (b *Base) WriteByteRegDirect(reg byte, value byte) error {
	return b.tr.SMBusWriteByte(b.handle, reg, value)
}

func (b *Base) WriteWordRegDirect(reg byte, value uint16) error {
	if err := b.tr.SMBusWriteByte(b.handle, reg, byte(value)); err != nil {
		return err
	}
	return b.tr.SMBusWriteByte(b.handle, reg+1, byte(value>>8))
}

func (b *Base) EnableBitDirect(reg byte, bit uint, on bool) error {
	cur, err := b.ReadByteRegDirect(reg)
	if err != nil {
		return err
	}
	mask := byte(1) << bit
	var next byte
	if on {
		next = cur | mask
	} else {
		next = cur &^ mask
	}
	if next == cur {
		return nil
	}
	return b.WriteByteRegDirect(reg, next)
}

func (b *Base) SetRegisterBitsDirect(reg byte, shift, width uint, value byte) error {
	cur, err := b.ReadByteRegDirect(reg)
	if err != nil {
		return err
	}
	mask := byte((1<<width)-1) << shift
	next := (cur &^ mask) | ((value << shift) & mask)
	if next == cur {
		return nil
	}
	return b.WriteByteRegDirect(reg, next)
}

func (b *Base) ReadDataBlockDirect(reg byte, buf []byte) (int, error) {
	return b.tr.SMBusReadBlock(b.handle, reg, buf)
}
