package firmware

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	selfHeaderSize = 32
	selfEntrySize  = 32

	// selfPropsSegIndexShift extracts the program header index a segment
	// entry carries data for.
	selfPropsSegIndexShift = 20
	// selfPropsHasData marks segment entries that reference payload
	// bytes in the file (as opposed to metadata-only entries).
	selfPropsHasData = 0x800

	elfIdentSize = 16
)

type selfHeader struct {
	Magic      uint32
	Version    uint8
	Mode       uint8
	Endian     uint8
	Attr       uint8
	KeyType    uint32
	HeaderSize uint16
	MetaSize   uint16
	FileSize   uint64
	EntryCount uint16
	Flags      uint16
	Reserved   uint32
}

type selfRawEntry struct {
	Props      uint64
	DataOffset uint64
	DataSize   uint64
	MemSize    uint64
}

// SELF is a parsed signed executable: an ELF-style header, an ordered
// sequence of program headers, and per program header its raw data.
type SELF struct {
	src       io.ReaderAt
	hdr       selfHeader
	entries   []selfRawEntry
	elfOffset int64
	ehdr      elf.Header64
}

// ParseSELF reads the SCE header, the segment entry table and the embedded
// ELF header of a signed executable.
func ParseSELF(src io.ReaderAt) (*SELF, error) {
	sr := io.NewSectionReader(src, 0, selfHeaderSize)
	var hdr selfHeader
	if err := binary.Read(sr, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("firmware: read SELF header: %w", err)
	}
	if hdr.Magic != sceMagic {
		return nil, fmt.Errorf("firmware: SELF magic 0x%08x: %w", hdr.Magic, ErrBadContainer)
	}

	tr := io.NewSectionReader(src, selfHeaderSize, int64(hdr.EntryCount)*selfEntrySize)
	entries := make([]selfRawEntry, 0, hdr.EntryCount)
	for i := uint16(0); i < hdr.EntryCount; i++ {
		var raw selfRawEntry
		if err := binary.Read(tr, binary.LittleEndian, &raw); err != nil {
			return nil, fmt.Errorf("firmware: read SELF entry %d: %w", i, err)
		}
		entries = append(entries, raw)
	}

	s := &SELF{
		src:       src,
		hdr:       hdr,
		entries:   entries,
		elfOffset: selfHeaderSize + int64(hdr.EntryCount)*selfEntrySize,
	}
	if err := s.readEhdr(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SELF) readEhdr() error {
	er := io.NewSectionReader(s.src, s.elfOffset, int64(binary.Size(s.ehdr)))
	if err := binary.Read(er, binary.LittleEndian, &s.ehdr); err != nil {
		return fmt.Errorf("firmware: read embedded ELF header: %w", err)
	}
	ident := s.ehdr.Ident
	if ident[0] != 0x7f || ident[1] != 'E' || ident[2] != 'L' || ident[3] != 'F' {
		return fmt.Errorf("firmware: embedded ELF ident %x: %w", ident[:4], ErrBadContainer)
	}
	if elf.Class(ident[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return fmt.Errorf("firmware: embedded ELF is not 64-bit: %w", ErrBadContainer)
	}
	return nil
}

// Ehdr returns the embedded ELF header.
func (s *SELF) Ehdr() elf.Header64 { return s.ehdr }

// Phdr returns the i-th program header. Offsets inside the header refer to
// the decrypted segment layout, not to positions in the SELF stream; use
// Pdata to reach the actual bytes.
func (s *SELF) Phdr(i int) (elf.Prog64, error) {
	var phdr elf.Prog64
	if i < 0 || i >= int(s.ehdr.Phnum) {
		return phdr, fmt.Errorf("firmware: program header %d of %d: %w", i, s.ehdr.Phnum, ErrBadContainer)
	}
	off := s.elfOffset + int64(s.ehdr.Phoff) + int64(i)*int64(binary.Size(phdr))
	pr := io.NewSectionReader(s.src, off, int64(binary.Size(phdr)))
	if err := binary.Read(pr, binary.LittleEndian, &phdr); err != nil {
		return phdr, fmt.Errorf("firmware: read program header %d: %w", i, err)
	}
	return phdr, nil
}

// Pdata returns a reader over the raw data of the i-th program header.
func (s *SELF) Pdata(i int) (*io.SectionReader, error) {
	for _, ent := range s.entries {
		if ent.Props&selfPropsHasData == 0 {
			continue
		}
		if int(ent.Props>>selfPropsSegIndexShift) == i {
			return io.NewSectionReader(s.src, int64(ent.DataOffset), int64(ent.DataSize)), nil
		}
	}
	return nil, fmt.Errorf("firmware: data for program header %d: %w", i, ErrEntryNotFound)
}
