package machine

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

// PatchOp is the operation a Patch performs on a 32-bit little-endian word.
type PatchOp string

const (
	// PatchOpOr32 ORs Value into the word at Offset.
	PatchOpOr32 PatchOp = "or32"
	// PatchOpSet32 overwrites the word at Offset with Value.
	PatchOpSet32 PatchOp = "set32"
)

// Patch is one binary edit applied to the loaded kernel image. Offset is
// relative to the segment's physical load address.
type Patch struct {
	Offset uint64  `yaml:"offset"`
	Op     PatchOp `yaml:"op"`
	Value  uint32  `yaml:"value"`
	Note   string  `yaml:"note,omitempty"`
}

// PatchSet maps a firmware version to the patches valid for it. Patching is
// disabled by selecting a version with no table (the default), not by dead
// code.
type PatchSet map[string][]Patch

// DefaultPatchSet returns the built-in per-version patch tables.
func DefaultPatchSet() PatchSet {
	return PatchSet{
		"5.00": {
			{Offset: 0x3B341E, Op: PatchOpOr32, Value: 0x800, Note: "boothowto: enable verbose boot"},
		},
	}
}

// Apply runs the table selected by version over img, the kernel segment's
// bytes inside RAM. Patch application is best-effort cosmetic behavior:
// problems are logged and skipped, never returned.
func (ps PatchSet) Apply(version string, img []byte) {
	patches, ok := ps[version]
	if !ok || len(patches) == 0 {
		return
	}

	slog.Info("applying kernel patches", "version", version, "count", len(patches))
	for _, p := range patches {
		if p.Offset+4 > uint64(len(img)) {
			slog.Warn("patch outside loaded segment, skipped",
				"offset", fmt.Sprintf("0x%x", p.Offset), "segment_size", len(img))
			continue
		}
		word := img[p.Offset : p.Offset+4]
		old := binary.LittleEndian.Uint32(word)
		switch p.Op {
		case PatchOpOr32:
			binary.LittleEndian.PutUint32(word, old|p.Value)
		case PatchOpSet32:
			binary.LittleEndian.PutUint32(word, p.Value)
		default:
			slog.Warn("unknown patch op, skipped", "op", string(p.Op))
			continue
		}
		slog.Debug("patched kernel word",
			"offset", fmt.Sprintf("0x%x", p.Offset),
			"old", fmt.Sprintf("0x%08x", old),
			"new", fmt.Sprintf("0x%08x", binary.LittleEndian.Uint32(word)))
	}
}
