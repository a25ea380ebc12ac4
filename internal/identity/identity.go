// Package identity resolves which I²C buses exist on this device and
// lets callers observe a bus's device node coming or going without
// touching the bus itself.
package identity

import "os"

// BusPresence answers whether a bus's device node currently exists.
// Swappable for tests; StatPresence is the real implementation.
type BusPresence interface {
	Present(busPath string) bool
}

// StatPresence checks presence via a plain os.Stat on the device node
// path (e.g. "/dev/i2c-1"). A missing node, a permission error, or any
// other stat failure all count as "not present" — the caller only
// needs to know whether it can try to open the bus.
type StatPresence struct{}

func (StatPresence) Present(busPath string) bool {
	_, err := os.Stat(busPath)
	return err == nil
}

// GetHostname returns the system hostname, used to tag log lines and
// the mDNS service instance name. Falls back to a fixed name rather
// than failing outright — a daemon with no network identity yet still
// needs to be able to log and bind.
func GetHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "i2csensord"
	}
	return h
}
