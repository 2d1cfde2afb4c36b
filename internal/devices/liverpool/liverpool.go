// Package liverpool models the Liverpool APU complex: the host bridge that
// roots the machine's PCI topology and the on-die function devices. These
// are topology stubs; register semantics are external to the machine core.
package liverpool

import (
	"fmt"

	"github.com/gorbis/gorbis/internal/pci"
)

// Host is the host bridge. It owns the root bus every other device of the
// machine attaches to.
type Host struct {
	bus *pci.Bus
}

// NewHost creates the host bridge and its root bus.
func NewHost() *Host {
	return &Host{bus: pci.NewBus("lvp")}
}

// Bus returns the root bus.
func (h *Host) Bus() *pci.Bus { return h.bus }

// Reset resets every device on the root bus in attachment order.
func (h *Host) Reset() error { return h.bus.Reset() }

// Close tears the topology down in reverse attachment order.
func (h *Host) Close() error { return h.bus.Close() }

type stubDevice struct {
	name string
}

func (d *stubDevice) Name() string { return d.name }
func (d *stubDevice) Reset() error { return nil }
func (d *stubDevice) Close() error { return nil }

func attachStub(bus *pci.Bus, name string) (*stubDevice, error) {
	dev := &stubDevice{name: name}
	if err := bus.Attach(dev); err != nil {
		return nil, err
	}
	return dev, nil
}

// RCDevice is the root complex function.
type RCDevice struct{ *stubDevice }

func NewRC(bus *pci.Bus) (*RCDevice, error) {
	dev, err := attachStub(bus, "lvp/rc")
	if err != nil {
		return nil, err
	}
	return &RCDevice{dev}, nil
}

// GCDevice is the graphics core.
type GCDevice struct{ *stubDevice }

func NewGC(bus *pci.Bus) (*GCDevice, error) {
	dev, err := attachStub(bus, "lvp/gc")
	if err != nil {
		return nil, err
	}
	return &GCDevice{dev}, nil
}

// HDACDevice is the HD audio controller.
type HDACDevice struct{ *stubDevice }

func NewHDAC(bus *pci.Bus) (*HDACDevice, error) {
	dev, err := attachStub(bus, "lvp/hdac")
	if err != nil {
		return nil, err
	}
	return &HDACDevice{dev}, nil
}

// IOMMUDevice is the I/O memory management unit.
type IOMMUDevice struct{ *stubDevice }

func NewIOMMU(bus *pci.Bus) (*IOMMUDevice, error) {
	dev, err := attachStub(bus, "lvp/iommu")
	if err != nil {
		return nil, err
	}
	return &IOMMUDevice{dev}, nil
}

// RPDevice is the root port.
type RPDevice struct{ *stubDevice }

func NewRP(bus *pci.Bus) (*RPDevice, error) {
	dev, err := attachStub(bus, "lvp/rp")
	if err != nil {
		return nil, err
	}
	return &RPDevice{dev}, nil
}

// NBFuncDevice is one of the north-bridge function devices (functions 0-5).
type NBFuncDevice struct {
	*stubDevice
	fn int
}

func NewNBFunc(bus *pci.Bus, fn int) (*NBFuncDevice, error) {
	if fn < 0 || fn > 5 {
		return nil, fmt.Errorf("liverpool: north-bridge function %d out of range", fn)
	}
	dev, err := attachStub(bus, fmt.Sprintf("lvp/nb-fnc%d", fn))
	if err != nil {
		return nil, err
	}
	return &NBFuncDevice{stubDevice: dev, fn: fn}, nil
}

// Func returns the north-bridge function index.
func (d *NBFuncDevice) Func() int { return d.fn }
