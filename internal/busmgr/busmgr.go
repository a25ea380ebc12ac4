// Package busmgr is the process-wide registry of open I²C bus handles.
// It owns exactly one FileHandle per BusPath (reference-counted across
// the sensors sharing it), the per-handle serialization lock, and the
// per-handle "currently addressed sub-device" cache that lets sensor
// drivers skip redundant address switches.
package busmgr

import (
	"context"
	"sync"

	"github.com/fieldsense/i2csensors/internal/models"
	"github.com/fieldsense/i2csensors/internal/transport"
)

// entry tracks one open BusPath.
type entry struct {
	handle      models.FileHandle
	refCount    int
	active      map[models.Address]bool
	lock        *sync.Mutex
	currentAddr models.Address
	haveCurrent bool
}

// Manager is the process-wide bus registry. It is safe for concurrent
// use: a single mutex serializes registry operations, while each
// entry's own lock (handed out via GetLock) serializes the I²C
// transactions performed through that entry's handle.
type Manager struct {
	mu      sync.Mutex
	byPath  map[models.BusPath]*entry
	byHand  map[models.FileHandle]*entry
	tr      transport.Transport
}

// New creates a Manager backed by the given Transport.
func New(tr transport.Transport) *Manager {
	return &Manager{
		byPath: make(map[models.BusPath]*entry),
		byHand: make(map[models.FileHandle]*entry),
		tr:     tr,
	}
}

// OpenBus opens busPath for addr. If the path is already open, it
// increments the reference count and records addr as active instead
// of opening a second file descriptor. Returns ConfigurationConflict
// if addr is already in use on this BusPath (duplicate-driver bug).
func (m *Manager) OpenBus(ctx context.Context, busPath models.BusPath, addr models.Address) (models.FileHandle, error) {
	m.mu.Lock()
	e, ok := m.byPath[busPath]
	if ok {
		if e.active[addr] {
			m.mu.Unlock()
			return 0, models.ConfigurationConflict("busmgr.OpenBus",
				"address already in use on this bus")
		}
		e.refCount++
		e.active[addr] = true
		h := e.handle
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	// Open outside the registry lock — I/O should not block other buses.
	h, err := m.tr.Open(ctx, busPath, addr)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-check: another goroutine may have opened this path while we
	// were performing the syscall above.
	if existing, ok := m.byPath[busPath]; ok {
		m.tr.Close(h) // discard the handle we just opened, use the winner's
		if existing.active[addr] {
			return 0, models.ConfigurationConflict("busmgr.OpenBus",
				"address already in use on this bus")
		}
		existing.refCount++
		existing.active[addr] = true
		return existing.handle, nil
	}

	e = &entry{
		handle:      h,
		refCount:    1,
		active:      map[models.Address]bool{addr: true},
		lock:        &sync.Mutex{},
		currentAddr: addr,
		haveCurrent: true,
	}
	m.byPath[busPath] = e
	m.byHand[h] = e
	return h, nil
}

// CloseBus removes addr from the active set for busPath. When the
// reference count reaches zero the underlying handle is closed via
// Transport and forgotten entirely — a subsequent OpenBus on the same
// path gets a fresh FileHandle.
func (m *Manager) CloseBus(busPath models.BusPath, addr models.Address) {
	m.mu.Lock()
	e, ok := m.byPath[busPath]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(e.active, addr)
	e.refCount--
	if e.refCount > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.byPath, busPath)
	delete(m.byHand, e.handle)
	h := e.handle
	m.mu.Unlock()

	m.tr.Close(h)
}

// IsAddressInUse reports whether addr is currently active on busPath.
func (m *Manager) IsAddressInUse(busPath models.BusPath, addr models.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byPath[busPath]
	if !ok {
		return false
	}
	return e.active[addr]
}

// GetLock returns the mutual-exclusion primitive serializing every
// I²C operation performed through h. Callers hold it for the duration
// of a transaction (see internal/sensor's ExecuteTransaction).
func (m *Manager) GetLock(h models.FileHandle) (*sync.Mutex, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byHand[h]
	if !ok {
		return nil, false
	}
	return e.lock, true
}

// CurrentSubDevice returns the cached "currently selected sub-device"
// for h, and whether a value has been recorded at all.
func (m *Manager) CurrentSubDevice(h models.FileHandle) (models.Address, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byHand[h]
	if !ok {
		return 0, false
	}
	return e.currentAddr, e.haveCurrent
}

// SetCurrentSubDevice records that addr is now the kernel-side selected
// sub-device for h.
func (m *Manager) SetCurrentSubDevice(h models.FileHandle, addr models.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byHand[h]
	if !ok {
		return
	}
	e.currentAddr = addr
	e.haveCurrent = true
}

// ClearCurrentSubDevice forgets the cached sub-device for h, forcing
// the next operation to re-switch explicitly. Used after a forced
// close/reopen so a stale cache can't mask a real handle change.
func (m *Manager) ClearCurrentSubDevice(h models.FileHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byHand[h]
	if !ok {
		return
	}
	e.haveCurrent = false
}

// IsOpen reports whether h still refers to a live registry entry — used
// by the sensor base's liveness check (spec.md §4.E is_ready) to detect
// a handle that was force-closed out from under a sensor.
func (m *Manager) IsOpen(h models.FileHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byHand[h]
	return ok
}

// CurrentHandle returns the live FileHandle for busPath, if any. Used
// by sensors to detect that the bus was closed and reopened under a
// new handle since they last connected.
func (m *Manager) CurrentHandle(busPath models.BusPath) (models.FileHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byPath[busPath]
	if !ok {
		return 0, false
	}
	return e.handle, true
}

// ForceClose closes busPath's handle unconditionally (used by the bus
// loop's shutdown sequence, spec.md §4.H step 7), regardless of
// reference count.
func (m *Manager) ForceClose(busPath models.BusPath) {
	m.mu.Lock()
	e, ok := m.byPath[busPath]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byPath, busPath)
	delete(m.byHand, e.handle)
	h := e.handle
	m.mu.Unlock()
	m.tr.Close(h)
}
