// Package firmware parses the nested container formats of a recovery image
// (BLS archive, PUP update package, SELF signed executable) and chains them
// into the kernel-extraction pipeline.
//
// All parsers are read-only views over an io.ReaderAt; entry payloads are
// exposed as section readers without copying.
package firmware

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrEntryNotFound reports a failed named or numbered lookup in a
	// container.
	ErrEntryNotFound = errors.New("firmware: entry not found")
	// ErrUnsupportedImage reports an executable that violates the
	// single loadable segment assumption.
	ErrUnsupportedImage = errors.New("firmware: unsupported image")
	// ErrBadContainer reports a malformed container header or entry
	// table.
	ErrBadContainer = errors.New("firmware: malformed container")
)

const (
	blsMagic      = 0x32424C53 // "SLB2"
	blsBlockSize  = 512
	blsHeaderSize = 32
	blsEntrySize  = 48
	blsNameLen    = 32
)

type blsHeader struct {
	Magic      uint32
	Version    uint32
	Flags      uint32
	EntryCount uint32
	BlockCount uint32
	Reserved   [3]uint32
}

type blsRawEntry struct {
	BlockOffset uint32
	FileSize    uint32
	Reserved    [2]uint32
	Name        [blsNameLen]byte
}

// BLSEntry describes one named payload of a BLS archive.
type BLSEntry struct {
	Name   string
	Offset int64 // byte offset from the start of the archive
	Size   int64
}

// BLS is a parsed SLB2 container: a mapping from entry name to a byte range
// within its source.
type BLS struct {
	src     io.ReaderAt
	entries []BLSEntry
}

// ParseBLS reads the header and entry table of an SLB2 container.
func ParseBLS(src io.ReaderAt) (*BLS, error) {
	sr := io.NewSectionReader(src, 0, blsHeaderSize)
	var hdr blsHeader
	if err := binary.Read(sr, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("firmware: read BLS header: %w", err)
	}
	if hdr.Magic != blsMagic {
		return nil, fmt.Errorf("firmware: BLS magic 0x%08x: %w", hdr.Magic, ErrBadContainer)
	}

	tr := io.NewSectionReader(src, blsHeaderSize, int64(hdr.EntryCount)*blsEntrySize)
	entries := make([]BLSEntry, 0, hdr.EntryCount)
	for i := uint32(0); i < hdr.EntryCount; i++ {
		var raw blsRawEntry
		if err := binary.Read(tr, binary.LittleEndian, &raw); err != nil {
			return nil, fmt.Errorf("firmware: read BLS entry %d: %w", i, err)
		}
		name := raw.Name[:]
		if idx := bytes.IndexByte(name, 0); idx >= 0 {
			name = name[:idx]
		}
		entries = append(entries, BLSEntry{
			Name:   string(name),
			Offset: int64(raw.BlockOffset) * blsBlockSize,
			Size:   int64(raw.FileSize),
		})
	}

	return &BLS{src: src, entries: entries}, nil
}

// Entries returns the archive's entry table in file order.
func (b *BLS) Entries() []BLSEntry { return b.entries }

// Get returns a reader over the payload of the named entry.
func (b *BLS) Get(name string) (*io.SectionReader, error) {
	for _, ent := range b.entries {
		if ent.Name == name {
			return io.NewSectionReader(b.src, ent.Offset, ent.Size), nil
		}
	}
	return nil, fmt.Errorf("firmware: BLS entry %q: %w", name, ErrEntryNotFound)
}
