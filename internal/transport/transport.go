// Package transport is the thin wrapper over the Linux I²C character
// device (/dev/i2c-N): open/close, sub-device address switching, SMBus
// byte/word/block transactions, raw byte I/O, and presence probing.
// It holds no state beyond the file handle — all callers serialize
// access themselves (see internal/busmgr).
package transport

import (
	"context"

	"github.com/fieldsense/i2csensors/internal/models"
)

// Transport is the interface implemented by the real Linux ioctl
// backend and by the in-memory simulator used in tests.
type Transport interface {
	// Open opens busPath read/write and asserts the initial sub-device
	// address. Returns a handle valid for subsequent calls.
	Open(ctx context.Context, busPath models.BusPath, initial models.Address) (models.FileHandle, error)

	// Close releases a handle. Safe to call with an already-closed handle.
	Close(h models.FileHandle)

	// SwitchAddress changes the kernel-side selected sub-device for h.
	SwitchAddress(h models.FileHandle, addr models.Address) error

	SMBusWriteByte(h models.FileHandle, reg byte, value byte) error
	SMBusReadByte(h models.FileHandle, reg byte) (byte, error)
	SMBusWriteWord(h models.FileHandle, reg byte, value uint16) error
	SMBusReadWord(h models.FileHandle, reg byte) (uint16, error)
	// SMBusReadBlock reads up to len(buf) bytes (max 32) starting at reg
	// and returns the number of bytes actually read.
	SMBusReadBlock(h models.FileHandle, reg byte, buf []byte) (int, error)

	// RawWriteByte writes one byte to the currently selected sub-device
	// with no register prefix (SHT40 commands, multiplexer mask writes).
	RawWriteByte(h models.FileHandle, value byte) error
	// RawRead reads len(buf) bytes (max 32) from the currently selected
	// sub-device with no register prefix (SHT40 result fetch).
	RawRead(h models.FileHandle, buf []byte) (int, error)

	// Probe performs a minimal transaction sufficient to detect ACK
	// presence of a device at addr, without disturbing its state.
	Probe(h models.FileHandle, addr models.Address) bool
}

// MaxBlockLen is the largest block transfer SMBus supports.
const MaxBlockLen = 32
