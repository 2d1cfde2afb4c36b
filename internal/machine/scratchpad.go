package machine

import (
	"fmt"

	"github.com/gorbis/gorbis/internal/memory"
)

// ScratchPadBase is the RAM offset of the boot scratch-pad region.
const ScratchPadBase = 0x600000

// ScratchEntry is one pre-populated byte run inside the scratch-pad.
type ScratchEntry struct {
	// Offset is relative to the scratch-pad base.
	Offset uint64 `yaml:"offset"`
	Data   []byte `yaml:"data"`
	// Note records what the bytes stand in for. Several meanings are
	// only partially understood; the notes keep that explicit.
	Note string `yaml:"note,omitempty"`
}

// ScratchPad is the table of values a secure co-processor would normally
// leave in RAM before the kernel starts. It is applied once at machine
// construction, after RAM allocation and before any CPU or device exists.
// The table is configuration data and swappable per target firmware
// version.
type ScratchPad struct {
	Base    uint64         `yaml:"base"`
	Entries []ScratchEntry `yaml:"entries"`
}

// DefaultScratchPad returns the table for the stock target firmware.
func DefaultScratchPad() *ScratchPad {
	// The SHA-1 preimage satisfies the kernel's randomization-disabling
	// check; only the first two bytes are significant, the rest is zero.
	kaslrPreimage := make([]byte, 20)
	kaslrPreimage[0] = 0xF8
	kaslrPreimage[1] = 0x6F

	return &ScratchPad{
		Base: ScratchPadBase,
		Entries: []ScratchEntry{
			{Offset: 0x000, Data: []byte{0x06}, Note: "secure processor firmware version (uncertain)"},
			{Offset: 0x006, Data: []byte{0x04}, Note: "SL debugger allowance flag (uncertain)"},
			{Offset: 0x009, Data: []byte{0x02}, Note: "SL debugger allowance flag (uncertain)"},
			{Offset: 0x00C, Data: []byte{0x01}, Note: "consumed by product-mode queries, always 0x01 (uncertain)"},
			{Offset: 0x00D, Data: []byte{0x82}, Note: "target id"},
			{Offset: 0x160, Data: kaslrPreimage, Note: "SHA-1 preimage, disables address randomization"},
			{Offset: 0x1C8, Data: []byte("W5C21"), Note: "secure processor id (uncertain)"},
		},
	}
}

// Apply writes every entry into ram at Base+Offset. Entries must land
// inside RAM; the table is validated rather than silently truncated.
func (s *ScratchPad) Apply(ram *memory.MemorySpace) error {
	if s == nil {
		return nil
	}
	for _, ent := range s.Entries {
		if err := ram.Write(s.Base+ent.Offset, ent.Data); err != nil {
			return fmt.Errorf("machine: scratch-pad entry at +0x%x: %w", ent.Offset, err)
		}
	}
	return nil
}
