//go:build linux

// Package resetline drives an optional GPIO line that can physically
// power-cycle a sensor when register-level recovery isn't enough to
// bring it back.
package resetline

import (
	"fmt"
	"log/slog"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Line asserts then releases a sensor's VDD-enable/reset pin. Cycle
// blocks for the hold and settle durations, so callers run it off the
// polling goroutine's critical path only as a last-resort recovery step.
type Line interface {
	Cycle() error
}

// GPIOLine drives a named GPIO pin low for holdLow, then high, then
// waits settle before returning — giving the sensor time to complete
// its own power-on sequence before the caller touches the bus again.
type GPIOLine struct {
	pin     gpio.PinIO
	holdLow time.Duration
	settle  time.Duration
}

// Open initializes the periph.io GPIO host driver and resolves pinName
// (e.g. "GPIO17") to a pin handle. Returns an error if the pin doesn't
// exist on this host — callers treat a missing Line as "no GPIO assist
// configured" and fall back to register-level recovery only.
func Open(pinName string, holdLow, settle time.Duration) (*GPIOLine, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("resetline: gpio host init failed: %w", err)
	}
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return nil, fmt.Errorf("resetline: no such pin %q", pinName)
	}
	return &GPIOLine{pin: pin, holdLow: holdLow, settle: settle}, nil
}

// Cycle drives the line low, holds, drives it high, then waits settle.
func (l *GPIOLine) Cycle() error {
	if err := l.pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("resetline: assert low failed: %w", err)
	}
	time.Sleep(l.holdLow)
	if err := l.pin.Out(gpio.High); err != nil {
		return fmt.Errorf("resetline: release high failed: %w", err)
	}
	time.Sleep(l.settle)
	slog.Debug("resetline: power-cycle complete", "pin", l.pin.Name())
	return nil
}
