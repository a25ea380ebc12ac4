// Package models defines the shared value types passed between the
// transport, bus manager, detector, multiplexer, sensor, and bus-loop
// layers of the I²C sensor core.
package models

import "fmt"

// Address is a 7-bit I²C device address in [0x08, 0x77].
type Address uint8

func (a Address) String() string { return fmt.Sprintf("0x%02x", uint8(a)) }

// Valid reports whether the address falls in the addressable 7-bit
// window used by this library (0x08-0x77; 0x00-0x07 and 0x78-0x7F are
// reserved by the I²C specification).
func (a Address) Valid() bool { return a >= 0x08 && a <= 0x77 }

// BusPath identifies an I²C bus device node, e.g. "/dev/i2c-1".
type BusPath string

// FileHandle is an opaque handle to an open bus, returned by the
// transport layer. Exactly one FileHandle exists per BusPath at a time.
type FileHandle int32

// Channel identifies a multiplexer channel. ChannelNone means "the
// device sits directly on the main bus, not behind a multiplexer".
type Channel int8

const ChannelNone Channel = -1

func (c Channel) String() string {
	if c == ChannelNone {
		return "*"
	}
	return fmt.Sprintf("%d", int8(c))
}

// DeviceType tags a recognized device at a given address.
type DeviceType string

const (
	DeviceUnknown     DeviceType = ""
	DeviceAS7341      DeviceType = "AS7341"
	DeviceAS7343      DeviceType = "AS7343"
	DeviceSHT40       DeviceType = "SHT40"
	DeviceTCA9548     DeviceType = "TCA9548"
	DeviceBMP280      DeviceType = "BMP280"
)

// DeviceInfo describes one device discovered during a scan.
type DeviceInfo struct {
	Address    Address
	Channel    Channel // ChannelNone for direct-bus scans
	DeviceType DeviceType
}

// SensorKind tags the kind of driver a sensor instance uses; it is the
// key used to bind discovered devices to Expectations and to the
// per-driver factory table in the bus loop.
type SensorKind string

const (
	KindAS7341 SensorKind = "as7341"
	KindAS7343 SensorKind = "as7343"
	KindSHT40  SensorKind = "sht40"
	KindMux    SensorKind = "tca9548"
)

// SensorState is the immutable snapshot of a sensor's most recent
// reading. It is a sum type over color, temperature/humidity, and
// multiplexer-summary variants; only the fields relevant to Kind are
// populated, matching spec.md's SensorState sum type.
type SensorState struct {
	Kind              SensorKind
	SensorID          string // BusPath:Channel-or-*:Address
	Connected         bool
	UpdateTimestampMs int64
	ErrorMessage      string

	// ColorSensorState: channel label -> raw sample.
	Color map[string]int

	// TemperatureSensorState.
	TemperatureC float64
	HumidityRH   float64

	// MultiplexerState.
	MuxSummary string
}

// ScanConfig configures a Detector sweep.
type ScanConfig struct {
	StartAddress      Address
	EndAddress        Address
	SkipAddresses     map[Address]bool
	TimeoutMs         int64
	IncludeMultiplexer bool
}

// DefaultScanConfig matches spec.md §6's documented defaults.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		StartAddress:  0x08,
		EndAddress:    0x77,
		SkipAddresses: map[Address]bool{},
		TimeoutMs:     100,
	}
}

// Expectation binds a driver kind to an optional discovered sensor
// instance. The bus loop keeps an ordered list of Expectations and
// binds the first unbound matching entry to each concrete discovery.
type Expectation struct {
	Kind  SensorKind
	Bound string // sensor unique-id once bound, "" until then
}

// SensorUniqueID formats the canonical sensor identity used as the
// snapshot map key: "BusPath:Channel-or-*:Address".
func SensorUniqueID(bus BusPath, ch Channel, addr Address) string {
	return fmt.Sprintf("%s:%s:%s", bus, ch, addr)
}
