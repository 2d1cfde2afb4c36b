// Package fwtest builds well-formed recovery-image fixtures for tests:
// nested BLS/PUP/SELF containers with known payloads. The binary layouts
// mirror the parsers in internal/firmware.
package fwtest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

const (
	blsMagic     = 0x32424C53
	blsBlockSize = 512
	sceMagic     = 0x1D3D154F

	selfSegIndexShift = 20
	selfHasData       = 0x800
	pupIDShift        = 20
)

// BLSEntry is a named payload for BuildBLS.
type BLSEntry struct {
	Name string
	Data []byte
}

// BuildBLS serializes an SLB2 container with the given entries.
func BuildBLS(entries ...BLSEntry) []byte {
	var buf bytes.Buffer

	headerLen := 32 + len(entries)*48
	block := uint32((headerLen + blsBlockSize - 1) / blsBlockSize)
	type placed struct {
		block uint32
		size  uint32
	}
	placements := make([]placed, len(entries))
	for i, ent := range entries {
		placements[i] = placed{block: block, size: uint32(len(ent.Data))}
		block += uint32((len(ent.Data) + blsBlockSize - 1) / blsBlockSize)
	}

	le := binary.LittleEndian
	w := func(v any) { binary.Write(&buf, le, v) }

	w(uint32(blsMagic))        // magic
	w(uint32(1))               // version
	w(uint32(0))               // flags
	w(uint32(len(entries)))    // entry count
	w(block)                   // block count
	w([3]uint32{})             // reserved
	for i, ent := range entries {
		w(placements[i].block)
		w(placements[i].size)
		w([2]uint32{})
		var name [32]byte
		copy(name[:], ent.Name)
		w(name)
	}

	for i, ent := range entries {
		pad := int(placements[i].block)*blsBlockSize - buf.Len()
		buf.Write(make([]byte, pad))
		buf.Write(ent.Data)
	}

	return buf.Bytes()
}

// PUPEntry is a numbered payload for BuildPUP.
type PUPEntry struct {
	ID   uint64
	Data []byte
}

// BuildPUP serializes an update package with the given entries.
func BuildPUP(entries ...PUPEntry) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	w := func(v any) { binary.Write(&buf, le, v) }

	w(uint32(sceMagic))
	w(uint32(0)) // flags
	w(uint32(len(entries)))
	w(uint32(0)) // reserved

	offset := uint64(16 + len(entries)*32)
	for _, ent := range entries {
		w(ent.ID << pupIDShift)
		w(offset)
		w(uint64(len(ent.Data)))
		w(uint64(len(ent.Data)))
		offset += uint64(len(ent.Data))
	}
	for _, ent := range entries {
		buf.Write(ent.Data)
	}

	return buf.Bytes()
}

// SELFSegment describes one program header (and its payload) for BuildSELF.
type SELFSegment struct {
	Type  elf.ProgType
	Paddr uint64
	Data  []byte
}

// BuildSELF serializes a signed executable embedding an ELF64 header with
// one program header per segment.
func BuildSELF(segments ...SELFSegment) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	w := func(v any) { binary.Write(&buf, le, v) }

	n := len(segments)
	const (
		selfHeaderSize = 32
		selfEntrySize  = 32
		ehdrSize       = 64
		phdrSize       = 56
	)
	elfOffset := selfHeaderSize + n*selfEntrySize
	dataOffset := uint64(elfOffset + ehdrSize + n*phdrSize)

	// SCE header
	w(uint32(sceMagic))
	w(uint8(0))  // version
	w(uint8(0))  // mode
	w(uint8(1))  // endian
	w(uint8(0))  // attr
	w(uint32(0)) // key type
	w(uint16(selfHeaderSize))
	w(uint16(0)) // meta size
	w(uint64(0)) // file size, unused by the parser
	w(uint16(n))
	w(uint16(0)) // flags
	w(uint32(0)) // reserved

	// Segment entries
	off := dataOffset
	for i, seg := range segments {
		w(uint64(i)<<selfSegIndexShift | selfHasData)
		w(off)
		w(uint64(len(seg.Data)))
		w(uint64(len(seg.Data)))
		off += uint64(len(seg.Data))
	}

	// Embedded ELF header
	var ident [16]byte
	ident[0], ident[1], ident[2], ident[3] = 0x7f, 'E', 'L', 'F'
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	w(elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     ehdrSize,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     uint16(n),
	})

	// Program headers. File offsets refer to the decrypted layout and are
	// not used for data access, so a running offset is fine.
	var fileOff uint64
	for _, seg := range segments {
		w(elf.Prog64{
			Type:   uint32(seg.Type),
			Flags:  uint32(elf.PF_R | elf.PF_X),
			Off:    fileOff,
			Vaddr:  seg.Paddr,
			Paddr:  seg.Paddr,
			Filesz: uint64(len(seg.Data)),
			Memsz:  uint64(len(seg.Data)),
			Align:  0x1000,
		})
		fileOff += uint64(len(seg.Data))
	}

	for _, seg := range segments {
		buf.Write(seg.Data)
	}

	return buf.Bytes()
}

// BuildRecoveryImage nests a single-loadable-segment kernel into the full
// four-level container chain used by the extraction pipeline.
func BuildRecoveryImage(physAddr uint64, kernel []byte) []byte {
	return BuildRecoveryImageSELF(BuildSELF(SELFSegment{
		Type:  elf.PT_LOAD,
		Paddr: physAddr,
		Data:  kernel,
	}))
}

// BuildRecoveryImageSELF wraps an already-built signed executable into the
// outer three container levels.
func BuildRecoveryImageSELF(self []byte) []byte {
	coreOS := BuildBLS(BLSEntry{Name: "80010002", Data: self})
	pup := BuildPUP(PUPEntry{ID: 0x5, Data: coreOS})
	return BuildBLS(BLSEntry{Name: "PS4UPDATE1.PUP", Data: pup})
}
