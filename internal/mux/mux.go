// Package mux drives a TCA9548-style 8-channel I²C multiplexer: an
// analog switch addressed at 0x70-0x77 whose entire control surface is
// a single channel-mask byte (no internal registers).
package mux

import (
	"sync"

	"github.com/fieldsense/i2csensors/internal/detect"
	"github.com/fieldsense/i2csensors/internal/models"
	"github.com/fieldsense/i2csensors/internal/transport"
)

// MaxChannels is the channel count of a full TCA9548A. Narrower parts
// (TCA9544, TCA9546) pass a smaller value to New.
const MaxChannels = 8

// Mux is one multiplexer instance. It caches the last mask it wrote so
// repeat selects of the same channel skip the bus write entirely.
type Mux struct {
	tr          transport.Transport
	h           models.FileHandle
	addr        models.Address
	maxChannels int

	mu       sync.Mutex
	mask     byte
	haveMask bool
}

// New creates a multiplexer driver at addr on the bus reachable via h.
func New(tr transport.Transport, h models.FileHandle, addr models.Address, maxChannels int) *Mux {
	if maxChannels <= 0 || maxChannels > MaxChannels {
		maxChannels = MaxChannels
	}
	return &Mux{tr: tr, h: h, addr: addr, maxChannels: maxChannels}
}

func (m *Mux) validChannel(i int) error {
	if i < 0 || i >= m.maxChannels {
		return models.ArgumentError("mux.validChannel", "channel out of range")
	}
	return nil
}

// Initialize writes an all-off mask and reads it back to seed the
// cache, confirming the device is actually present and responsive.
func (m *Mux) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.tr.SwitchAddress(m.h, m.addr); err != nil {
		return err
	}
	if err := m.tr.RawWriteByte(m.h, 0x00); err != nil {
		return err
	}
	var buf [1]byte
	if _, err := m.tr.RawRead(m.h, buf[:]); err != nil {
		return err
	}
	m.mask = buf[0]
	m.haveMask = true
	return nil
}

// SetMask writes mask only if it differs from the cached value.
func (m *Mux) SetMask(mask byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setMaskLocked(mask)
}

func (m *Mux) setMaskLocked(mask byte) error {
	if m.haveMask && m.mask == mask {
		return nil
	}
	if err := m.tr.SwitchAddress(m.h, m.addr); err != nil {
		return err
	}
	if err := m.tr.RawWriteByte(m.h, mask); err != nil {
		return err
	}
	m.mask = mask
	m.haveMask = true
	return nil
}

// CurrentMask returns the cached mask and whether it is known yet.
func (m *Mux) CurrentMask() (byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mask, m.haveMask
}

func (m *Mux) EnableChannel(i int) error {
	if err := m.validChannel(i); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setMaskLocked(m.mask | (1 << uint(i)))
}

func (m *Mux) DisableChannel(i int) error {
	if err := m.validChannel(i); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setMaskLocked(m.mask &^ (1 << uint(i)))
}

// SelectChannel switches to channel i exclusively, disabling every
// other channel.
func (m *Mux) SelectChannel(i int) error {
	if err := m.validChannel(i); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setMaskLocked(1 << uint(i))
}

func (m *Mux) EnableAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	full := byte((1 << uint(m.maxChannels)) - 1)
	return m.setMaskLocked(full)
}

func (m *Mux) DisableAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setMaskLocked(0)
}

// ScopedOnChannel selects channel i exclusively, runs op, and restores
// the mask that was in effect before the call — even if op fails or
// panics in the caller's goroutine (the restore runs from a defer).
func (m *Mux) ScopedOnChannel(i int, op func() error) error {
	if err := m.validChannel(i); err != nil {
		return err
	}
	m.mu.Lock()
	prevMask, havePrev := m.mask, m.haveMask
	if err := m.setMaskLocked(1 << uint(i)); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if havePrev {
			_ = m.setMaskLocked(prevMask)
		}
		m.mu.Unlock()
	}()

	return op()
}

// ScopedWithChannels selects an arbitrary mask, runs op, and restores
// the previous mask on every exit path.
func (m *Mux) ScopedWithChannels(mask byte, op func() error) error {
	m.mu.Lock()
	prevMask, havePrev := m.mask, m.haveMask
	if err := m.setMaskLocked(mask); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if havePrev {
			_ = m.setMaskLocked(prevMask)
		}
		m.mu.Unlock()
	}()

	return op()
}

// ScanChannel selects channel i exclusively, runs the Detector on the
// underlying bus, re-tags every result with Channel=i, filters out the
// multiplexer's own address, and restores the prior mask.
func (m *Mux) ScanChannel(i int, cfg models.ScanConfig) ([]models.DeviceInfo, error) {
	var devices []models.DeviceInfo
	err := m.ScopedOnChannel(i, func() error {
		result := detect.Perform(m.tr, m.h, cfg)
		for _, d := range result.Devices {
			if d.Address == m.addr {
				continue
			}
			d.Channel = models.Channel(i)
			devices = append(devices, d)
		}
		return nil
	})
	return devices, err
}

// ChannelDeviceMap is the result of a full multi-channel sweep.
type ChannelDeviceMap struct {
	Address         models.Address
	Channels        map[models.Channel][]models.DeviceInfo
	ScanTimestampMs int64
}

// ScanAllChannels sweeps every channel in turn, preserving the mask
// that was active before the call. A failure on one channel does not
// abort the sweep of the others.
func (m *Mux) ScanAllChannels(cfg models.ScanConfig, nowMs int64) ChannelDeviceMap {
	result := ChannelDeviceMap{Address: m.addr, Channels: make(map[models.Channel][]models.DeviceInfo)}
	for i := 0; i < m.maxChannels; i++ {
		devices, err := m.ScanChannel(i, cfg)
		if err != nil {
			continue
		}
		result.Channels[models.Channel(i)] = devices
	}
	result.ScanTimestampMs = nowMs
	return result
}

// FindDevice returns every channel on which addr currently answers.
func (m *Mux) FindDevice(addr models.Address, cfg models.ScanConfig, nowMs int64) []models.Channel {
	snapshot := m.ScanAllChannels(cfg, nowMs)
	var chans []models.Channel
	for ch, devices := range snapshot.Channels {
		for _, d := range devices {
			if d.Address == addr {
				chans = append(chans, ch)
				break
			}
		}
	}
	return chans
}

// IsDeviceOnChannel reports whether addr answers on channel i.
func (m *Mux) IsDeviceOnChannel(addr models.Address, i int, cfg models.ScanConfig) (bool, error) {
	devices, err := m.ScanChannel(i, cfg)
	if err != nil {
		return false, err
	}
	for _, d := range devices {
		if d.Address == addr {
			return true, nil
		}
	}
	return false, nil
}

// ScanComprehensive unions a direct main-bus scan with a full
// multi-channel sweep.
func (m *Mux) ScanComprehensive(cfg models.ScanConfig, nowMs int64) (direct []models.DeviceInfo, behind ChannelDeviceMap) {
	direct = detect.Perform(m.tr, m.h, cfg).Devices
	behind = m.ScanAllChannels(cfg, nowMs)
	return direct, behind
}
