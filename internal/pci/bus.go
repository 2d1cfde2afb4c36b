// Package pci models the device/bus topology of the machine as ownership
// and attachment order. Register-level device behavior is out of scope; the
// machine core only needs to construct devices in a fixed order, wire shared
// resources between them, and tear everything down in reverse.
package pci

import (
	"fmt"
	"log/slog"
)

// Device is anything attached to a Bus.
type Device interface {
	Name() string

	// Reset reinitializes device state without detaching it.
	Reset() error

	// Close releases device resources. Devices are closed in reverse
	// attachment order.
	Close() error
}

// Bus is an ordered collection of attached devices.
type Bus struct {
	name    string
	devices []Device
}

// NewBus returns an empty bus.
func NewBus(name string) *Bus {
	return &Bus{name: name}
}

// Name returns the bus name.
func (b *Bus) Name() string { return b.name }

// Attach appends dev to the bus. Attachment order determines reset order and
// (reversed) teardown order.
func (b *Bus) Attach(dev Device) error {
	if dev == nil {
		return fmt.Errorf("pci: attach nil device to %q", b.name)
	}
	for _, existing := range b.devices {
		if existing == dev {
			return fmt.Errorf("pci: device %q already attached to %q", dev.Name(), b.name)
		}
	}
	b.devices = append(b.devices, dev)
	slog.Debug("device attached", "bus", b.name, "device", dev.Name())
	return nil
}

// Devices returns the attached devices in attachment order.
func (b *Bus) Devices() []Device {
	out := make([]Device, len(b.devices))
	copy(out, b.devices)
	return out
}

// Reset resets all attached devices in attachment order.
func (b *Bus) Reset() error {
	for _, dev := range b.devices {
		if err := dev.Reset(); err != nil {
			return fmt.Errorf("pci: reset %q: %w", dev.Name(), err)
		}
	}
	return nil
}

// Close releases all attached devices in reverse attachment order.
func (b *Bus) Close() error {
	var firstErr error
	for i := len(b.devices) - 1; i >= 0; i-- {
		if err := b.devices[i].Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pci: close %q: %w", b.devices[i].Name(), err)
		}
	}
	b.devices = nil
	return firstErr
}
