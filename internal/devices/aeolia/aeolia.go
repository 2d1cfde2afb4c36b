// Package aeolia models the Aeolia southbridge companion devices. These are
// topology stubs except where the machine core needs real behavior: the Mem
// device owns the southbridge scratch-pad memory, and the PCIe bridge
// carries the UART char backends and consumes the scratch-pad in an
// explicit wire phase after all devices exist.
package aeolia

import (
	"fmt"
	"io"

	"github.com/gorbis/gorbis/internal/memory"
	"github.com/gorbis/gorbis/internal/pci"
)

// SPMSize is the size of the southbridge scratch-pad memory.
const SPMSize = 0x40000

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

// ACPIDevice is the Aeolia ACPI function.
type ACPIDevice struct{ *stubDevice }

func NewACPI(bus *pci.Bus) (*ACPIDevice, error) {
	dev, err := attachStub(bus, "aeolia/acpi")
	if err != nil {
		return nil, err
	}
	return &ACPIDevice{dev}, nil
}

// GBEDevice is the gigabit ethernet controller.
type GBEDevice struct{ *stubDevice }

func NewGBE(bus *pci.Bus) (*GBEDevice, error) {
	dev, err := attachStub(bus, "aeolia/gbe")
	if err != nil {
		return nil, err
	}
	return &GBEDevice{dev}, nil
}

// AHCIDevice is the SATA controller.
type AHCIDevice struct{ *stubDevice }

func NewAHCI(bus *pci.Bus) (*AHCIDevice, error) {
	dev, err := attachStub(bus, "aeolia/ahci")
	if err != nil {
		return nil, err
	}
	return &AHCIDevice{dev}, nil
}

// SDHCIDevice is the SD host controller.
type SDHCIDevice struct{ *stubDevice }

func NewSDHCI(bus *pci.Bus) (*SDHCIDevice, error) {
	dev, err := attachStub(bus, "aeolia/sdhci")
	if err != nil {
		return nil, err
	}
	return &SDHCIDevice{dev}, nil
}

// DMACDevice is the DMA controller.
type DMACDevice struct{ *stubDevice }

func NewDMAC(bus *pci.Bus) (*DMACDevice, error) {
	dev, err := attachStub(bus, "aeolia/dmac")
	if err != nil {
		return nil, err
	}
	return &DMACDevice{dev}, nil
}

// XHCIDevice is the USB 3 controller.
type XHCIDevice struct{ *stubDevice }

func NewXHCI(bus *pci.Bus) (*XHCIDevice, error) {
	dev, err := attachStub(bus, "aeolia/xhci")
	if err != nil {
		return nil, err
	}
	return &XHCIDevice{dev}, nil
}

// MemDevice owns the southbridge scratch-pad memory (SPM). Other devices
// borrow it through the machine's wire phase; the Mem device keeps
// ownership and releases it on Close.
type MemDevice struct {
	name string
	spm  *memory.MemorySpace
}

func NewMem(bus *pci.Bus) (*MemDevice, error) {
	spm, err := memory.NewMemorySpace(SPMSize, memory.FlagsRW)
	if err != nil {
		return nil, fmt.Errorf("aeolia: allocate SPM: %w", err)
	}
	dev := &MemDevice{name: "aeolia/mem", spm: spm}
	if err := bus.Attach(dev); err != nil {
		spm.Close()
		return nil, err
	}
	return dev, nil
}

func (d *MemDevice) Name() string { return d.name }
func (d *MemDevice) Reset() error { return nil }

func (d *MemDevice) Close() error {
	if d.spm == nil {
		return nil
	}
	err := d.spm.Close()
	d.spm = nil
	return err
}

// SPM returns the scratch-pad memory space.
func (d *MemDevice) SPM() *memory.MemorySpace { return d.spm }

// PCIeConfig carries the backend parameters of the PCIe bridge: the char
// backends its two UARTs write to. Nil writers discard output.
type PCIeConfig struct {
	UART0 io.Writer
	UART1 io.Writer
}

// PCIeDevice is the Aeolia PCIe glue function. It hosts the UARTs and,
// once wired, a borrowed reference to the Mem device's scratch-pad.
type PCIeDevice struct {
	name string
	cfg  PCIeConfig
	spm  *memory.MemorySpace // borrowed from MemDevice, set in the wire phase
}

func NewPCIe(bus *pci.Bus, cfg PCIeConfig) (*PCIeDevice, error) {
	if cfg.UART0 == nil {
		cfg.UART0 = io.Discard
	}
	if cfg.UART1 == nil {
		cfg.UART1 = io.Discard
	}
	dev := &PCIeDevice{name: "aeolia/pcie", cfg: cfg}
	if err := bus.Attach(dev); err != nil {
		return nil, err
	}
	return dev, nil
}

func (d *PCIeDevice) Name() string { return d.name }
func (d *PCIeDevice) Reset() error { return nil }
func (d *PCIeDevice) Close() error { return nil }

// UART0 returns the primary UART char backend.
func (d *PCIeDevice) UART0() io.Writer { return d.cfg.UART0 }

// UART1 returns the secondary UART char backend.
func (d *PCIeDevice) UART1() io.Writer { return d.cfg.UART1 }

// SetSPM wires the scratch-pad memory borrowed from the Mem device. Called
// once during the machine's wire phase, after all devices are constructed.
func (d *PCIeDevice) SetSPM(spm *memory.MemorySpace) error {
	if spm == nil {
		return fmt.Errorf("aeolia: wiring nil SPM into %s", d.name)
	}
	if d.spm != nil {
		return fmt.Errorf("aeolia: SPM already wired into %s", d.name)
	}
	d.spm = spm
	return nil
}

// SPM returns the wired scratch-pad memory, or nil before the wire phase.
func (d *PCIeDevice) SPM() *memory.MemorySpace { return d.spm }
