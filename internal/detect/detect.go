// Package detect scans the I²C 7-bit address space for present devices
// and classifies recognized addresses by DeviceType.
package detect

import (
	"strings"

	"github.com/fieldsense/i2csensors/internal/models"
	"github.com/fieldsense/i2csensors/internal/transport"
)

// knownAddresses is the static Address → DeviceType table used to tag
// devices discovered during a scan. Multiplexers occupy the whole
// 0x70-0x77 block.
//
// The AS7341 and AS7343 are address-ambiguous: both answer at 0x39, so
// a scan alone can't tell them apart. 0x39 classifies as DeviceAS7343
// (the newer, auto-SMUX part); the bus loop's attach step overrides
// this to AS7341 when an unbound Expectation asks for one.
var knownAddresses = map[models.Address]models.DeviceType{
	0x39: models.DeviceAS7343,
	0x44: models.DeviceSHT40,
	0x76: models.DeviceBMP280,
	0x77: models.DeviceBMP280,
}

func classify(addr models.Address) models.DeviceType {
	if addr >= 0x70 && addr <= 0x77 {
		return models.DeviceTCA9548
	}
	if t, ok := knownAddresses[addr]; ok {
		return t
	}
	return models.DeviceUnknown
}

// Result is the outcome of one Perform call: the devices found plus a
// rendered i2cdetect-style table for human inspection.
type Result struct {
	Devices []models.DeviceInfo
	Table   string
}

// Perform probes every address in [cfg.StartAddress, cfg.EndAddress]
// not listed in cfg.SkipAddresses, via tr.Probe on h, and returns every
// address that ACKed along with the rendered table. Discovered devices
// always carry Channel = models.ChannelNone — callers scanning behind a
// multiplexer channel re-tag the Channel themselves.
func Perform(tr transport.Transport, h models.FileHandle, cfg models.ScanConfig) Result {
	present := make(map[models.Address]bool)
	var devices []models.DeviceInfo

	for a := int(cfg.StartAddress); a <= int(cfg.EndAddress); a++ {
		addr := models.Address(a)
		if cfg.SkipAddresses[addr] {
			continue
		}
		if !tr.Probe(h, addr) {
			continue
		}
		present[addr] = true

		dt := classify(addr)
		if dt == models.DeviceTCA9548 && !cfg.IncludeMultiplexer {
			// The table still shows the ACK; the caller just doesn't get
			// it back as a DeviceInfo unless it opted into multiplexer
			// discovery (the bus loop's initial scan always does).
			continue
		}
		devices = append(devices, models.DeviceInfo{
			Address:    addr,
			Channel:    models.ChannelNone,
			DeviceType: dt,
		})
	}

	return Result{Devices: devices, Table: renderTable(present)}
}

// renderTable renders the classic i2cdetect 16-column, 8-row layout:
// "--" for absent, two-digit lowercase hex for present, blank outside
// the valid 0x08-0x77 window.
func renderTable(present map[models.Address]bool) string {
	var b strings.Builder
	b.WriteString("     0  1  2  3  4  5  6  7  8  9  a  b  c  d  e  f\n")
	for row := 0; row < 8; row++ {
		b.WriteString(strings.TrimSuffix(hexDigit(row), "\n"))
		b.WriteString("0: ")
		for col := 0; col < 16; col++ {
			addr := models.Address(row*16 + col)
			switch {
			case addr < 0x08 || addr > 0x77:
				b.WriteString("   ")
			case present[addr]:
				b.WriteString(hexByte(uint8(addr)))
				b.WriteString(" ")
			default:
				b.WriteString("-- ")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func hexDigit(n int) string {
	const digits = "0123456789abcdef"
	return string(digits[n])
}

func hexByte(v uint8) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[v>>4], digits[v&0xf]})
}
