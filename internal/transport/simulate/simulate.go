// Package simulate provides an in-memory Transport implementation.
// It plays two roles: it is the backend behind the daemon's --mock
// flag (no real I²C adapter required), and it is the harness the rest
// of this module's packages use to test register protocols and
// polling behavior without real hardware — mirroring the teacher's
// hardware.Mock, which serves the identical dual purpose.
package simulate

import (
	"context"
	"fmt"
	"sync"

	"github.com/fieldsense/i2csensors/internal/models"
	"github.com/fieldsense/i2csensors/internal/transport"
)

// Device models one simulated I²C device's response to the operations
// a real chip would support. A Simulator dispatches every transport
// call to the Device registered at the handle's currently-selected
// address. Device implementations only need to implement the methods
// their protocol actually uses; embed NopDevice to default the rest to
// "not supported".
type Device interface {
	SMBusReadByte(reg byte) (byte, error)
	SMBusReadWord(reg byte) (uint16, error)
	SMBusWriteByte(reg byte, val byte) error
	SMBusWriteWord(reg byte, val uint16) error
	SMBusReadBlock(reg byte, buf []byte) (int, error)
	RawWriteByte(val byte) error
	RawRead(buf []byte) (int, error)
}

// NopDevice returns this package's "not supported" error from every method; embed
// it in a Device implementation and override only what's needed.
type NopDevice struct{}

func (NopDevice) SMBusReadByte(reg byte) (byte, error)               { return 0, errUnsupported }
func (NopDevice) SMBusReadWord(reg byte) (uint16, error)             { return 0, errUnsupported }
func (NopDevice) SMBusWriteByte(reg byte, val byte) error            { return errUnsupported }
func (NopDevice) SMBusWriteWord(reg byte, val uint16) error          { return errUnsupported }
func (NopDevice) SMBusReadBlock(reg byte, buf []byte) (int, error)   { return 0, errUnsupported }
func (NopDevice) RawWriteByte(val byte) error                        { return errUnsupported }
func (NopDevice) RawRead(buf []byte) (int, error)                    { return 0, errUnsupported }

var errUnsupported = fmt.Errorf("simulate: operation not supported by this device")

type handleState struct {
	busPath models.BusPath
	current models.Address
}

// Simulator is a process-local, thread-safe fake I²C bus set. Devices
// are registered per (BusPath, Address) so a test can model a
// multiplexer's downstream channels as distinct buses if needed, or
// simply register every device on one shared BusPath.
type Simulator struct {
	mu      sync.Mutex
	devices map[models.BusPath]map[models.Address]Device
	handles map[models.FileHandle]*handleState
	nextID  int32

	// CallLog records the (BusPath, Address) pair of every SMBus and raw
	// read/write call in issue order (Open, Close, SwitchAddress and
	// Probe are not logged), for the no-overlapping-calls invariant (spec.md §8
	// property 2) — a test can assert no two intervals for different
	// sensors on the same handle interleave by checking this slice
	// against its own locking around Simulator calls.
	CallLog []CallRecord
}

// CallRecord is one logged transport call.
type CallRecord struct {
	Bus     models.BusPath
	Addr    models.Address
	Op      string
}

// New creates an empty Simulator.
func New() *Simulator {
	return &Simulator{
		devices: make(map[models.BusPath]map[models.Address]Device),
		handles: make(map[models.FileHandle]*handleState),
	}
}

// AddDevice registers dev to respond at (bus, addr).
func (s *Simulator) AddDevice(bus models.BusPath, addr models.Address, dev Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.devices[bus] == nil {
		s.devices[bus] = make(map[models.Address]Device)
	}
	s.devices[bus][addr] = dev
}

// RemoveDevice un-registers a device, simulating it being unplugged.
func (s *Simulator) RemoveDevice(bus models.BusPath, addr models.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices[bus], addr)
}

func (s *Simulator) Open(ctx context.Context, busPath models.BusPath, initial models.Address) (models.FileHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := models.FileHandle(s.nextID)
	s.handles[id] = &handleState{busPath: busPath, current: initial}
	return id, nil
}

func (s *Simulator) Close(h models.FileHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, h)
}

func (s *Simulator) get(h models.FileHandle) (*handleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs, ok := s.handles[h]
	if !ok {
		return nil, models.InvalidHandle("simulate.get")
	}
	return hs, nil
}

func (s *Simulator) SwitchAddress(h models.FileHandle, addr models.Address) error {
	hs, err := s.get(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	hs.current = addr
	s.mu.Unlock()
	return nil
}

func (s *Simulator) device(hs *handleState) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[hs.busPath][hs.current]
	if !ok {
		return nil, models.BusClosed("simulate.device")
	}
	return dev, nil
}

func (s *Simulator) log(hs *handleState, op string) {
	s.mu.Lock()
	s.CallLog = append(s.CallLog, CallRecord{Bus: hs.busPath, Addr: hs.current, Op: op})
	s.mu.Unlock()
}

func (s *Simulator) SMBusWriteByte(h models.FileHandle, reg byte, value byte) error {
	hs, err := s.get(h)
	if err != nil {
		return err
	}
	dev, err := s.device(hs)
	if err != nil {
		return err
	}
	s.log(hs, "write_byte")
	return dev.SMBusWriteByte(reg, value)
}

func (s *Simulator) SMBusWriteWord(h models.FileHandle, reg byte, value uint16) error {
	hs, err := s.get(h)
	if err != nil {
		return err
	}
	dev, err := s.device(hs)
	if err != nil {
		return err
	}
	s.log(hs, "write_word")
	return dev.SMBusWriteWord(reg, value)
}

func (s *Simulator) SMBusReadByte(h models.FileHandle, reg byte) (byte, error) {
	hs, err := s.get(h)
	if err != nil {
		return 0, err
	}
	dev, err := s.device(hs)
	if err != nil {
		return 0, err
	}
	s.log(hs, "read_byte")
	return dev.SMBusReadByte(reg)
}

func (s *Simulator) SMBusReadWord(h models.FileHandle, reg byte) (uint16, error) {
	hs, err := s.get(h)
	if err != nil {
		return 0, err
	}
	dev, err := s.device(hs)
	if err != nil {
		return 0, err
	}
	s.log(hs, "read_word")
	return dev.SMBusReadWord(reg)
}

func (s *Simulator) SMBusReadBlock(h models.FileHandle, reg byte, buf []byte) (int, error) {
	hs, err := s.get(h)
	if err != nil {
		return 0, err
	}
	dev, err := s.device(hs)
	if err != nil {
		return 0, err
	}
	s.log(hs, "read_block")
	return dev.SMBusReadBlock(reg, buf)
}

func (s *Simulator) RawWriteByte(h models.FileHandle, value byte) error {
	hs, err := s.get(h)
	if err != nil {
		return err
	}
	dev, err := s.device(hs)
	if err != nil {
		return err
	}
	s.log(hs, "raw_write")
	return dev.RawWriteByte(value)
}

func (s *Simulator) RawRead(h models.FileHandle, buf []byte) (int, error) {
	hs, err := s.get(h)
	if err != nil {
		return 0, err
	}
	dev, err := s.device(hs)
	if err != nil {
		return 0, err
	}
	s.log(hs, "raw_read")
	return dev.RawRead(buf)
}

func (s *Simulator) Probe(h models.FileHandle, addr models.Address) bool {
	hs, err := s.get(h)
	if err != nil {
		return false
	}
	s.mu.Lock()
	_, ok := s.devices[hs.busPath][addr]
	s.mu.Unlock()
	return ok
}

var _ transport.Transport = (*Simulator)(nil)
