package machine

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gorbis/gorbis/internal/firmware"
	"github.com/gorbis/gorbis/internal/memory"
)

// Recover performs a cold-boot load from a recovery image on disk.
func (m *Machine) Recover(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("machine: open recovery image: %w", err)
	}
	defer f.Close()

	return m.RecoverFrom(f)
}

// RecoverFrom resets the machine, extracts the kernel segment from the
// recovery image, and writes it into guest memory twice: into main RAM at
// its declared physical address, and into the UBIOS firmware-shadow window
// at offset zero. Any pipeline or address-space failure aborts the boot;
// there is no partial rollback of completed RAM writes, so callers retry
// with Reset followed by another RecoverFrom.
func (m *Machine) RecoverFrom(src io.ReaderAt) error {
	if err := m.Reset(); err != nil {
		return fmt.Errorf("machine: reset before recovery: %w", err)
	}

	seg, err := firmware.ExtractKernel(src)
	if err != nil {
		return fmt.Errorf("machine: recovery: %w", err)
	}

	if err := m.mem.Write(seg.PhysAddr, seg.Data); err != nil {
		return fmt.Errorf("machine: load kernel at 0x%x: %w", seg.PhysAddr, err)
	}

	shadow := seg.Data
	if uint64(len(shadow)) > m.ubios.Size() {
		shadow = shadow[:m.ubios.Size()]
	}
	if err := m.ubios.Write(0, shadow); err != nil {
		return fmt.Errorf("machine: mirror kernel into firmware shadow: %w", err)
	}

	// Version-specific cosmetic patches, applied directly on the RAM
	// backing store. Never a failure source.
	if m.cfg.FirmwareVersion != "" {
		if off, err := m.ramOffset(seg.PhysAddr); err == nil {
			img := m.ram.Bytes()[off : off+uint64(len(seg.Data))]
			m.cfg.Patches.Apply(m.cfg.FirmwareVersion, img)
		} else {
			slog.Warn("kernel segment not in RAM, patches skipped", "err", err)
		}
	}

	slog.Info("recovery image loaded",
		"paddr", fmt.Sprintf("0x%x", seg.PhysAddr),
		"size", len(seg.Data),
		"firmware_version", m.cfg.FirmwareVersion)

	// Exposing the source image to the guest as USB mass storage is not
	// implemented; the recovery kernel runs without it for now.
	return nil
}

// ramOffset translates a guest-physical address into an offset inside the
// contiguous RAM backing store, via whichever alias window owns it.
func (m *Machine) ramOffset(addr uint64) (uint64, error) {
	sub, off, err := m.mem.Resolve(addr)
	if err != nil {
		return 0, err
	}
	alias, ok := sub.Space.(*memory.AliasSpace)
	if !ok || alias.Parent() != m.ram {
		return 0, fmt.Errorf("machine: address 0x%x is not backed by RAM", addr)
	}
	return alias.Offset() + off, nil
}
