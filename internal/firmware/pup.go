package firmware

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	sceMagic = 0x1D3D154F

	pupHeaderSize = 16
	pupEntrySize  = 32

	// pupEntryIDShift extracts the domain-specific entry identifier from
	// an entry's flags word.
	pupEntryIDShift = 20
)

// PUPEntryCoreOS identifies the payload holding the core OS archive.
const PUPEntryCoreOS = 0x5

type pupHeader struct {
	Magic      uint32
	Flags      uint32
	EntryCount uint32
	Reserved   uint32
}

type pupRawEntry struct {
	Flags      uint64
	DataOffset uint64
	DataSize   uint64
	MemSize    uint64
}

// PUPEntry describes one numbered payload of an update package.
type PUPEntry struct {
	ID     uint64
	Offset int64
	Size   int64
}

// PUP is a parsed update package: a mapping from numeric entry identifier
// to a byte range within its source.
type PUP struct {
	src     io.ReaderAt
	entries []PUPEntry
}

// ParsePUP reads the header and segment table of an update package.
func ParsePUP(src io.ReaderAt) (*PUP, error) {
	sr := io.NewSectionReader(src, 0, pupHeaderSize)
	var hdr pupHeader
	if err := binary.Read(sr, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("firmware: read PUP header: %w", err)
	}
	if hdr.Magic != sceMagic {
		return nil, fmt.Errorf("firmware: PUP magic 0x%08x: %w", hdr.Magic, ErrBadContainer)
	}

	tr := io.NewSectionReader(src, pupHeaderSize, int64(hdr.EntryCount)*pupEntrySize)
	entries := make([]PUPEntry, 0, hdr.EntryCount)
	for i := uint32(0); i < hdr.EntryCount; i++ {
		var raw pupRawEntry
		if err := binary.Read(tr, binary.LittleEndian, &raw); err != nil {
			return nil, fmt.Errorf("firmware: read PUP entry %d: %w", i, err)
		}
		entries = append(entries, PUPEntry{
			ID:     raw.Flags >> pupEntryIDShift,
			Offset: int64(raw.DataOffset),
			Size:   int64(raw.DataSize),
		})
	}

	return &PUP{src: src, entries: entries}, nil
}

// Entries returns the package's segment table in file order.
func (p *PUP) Entries() []PUPEntry { return p.entries }

// Get returns a reader over the payload with the given entry identifier.
func (p *PUP) Get(id uint64) (*io.SectionReader, error) {
	for _, ent := range p.entries {
		if ent.ID == id {
			return io.NewSectionReader(p.src, ent.Offset, ent.Size), nil
		}
	}
	return nil, fmt.Errorf("firmware: PUP entry 0x%x: %w", id, ErrEntryNotFound)
}
