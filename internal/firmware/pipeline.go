package firmware

import (
	"debug/elf"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Fixed entry names and identifiers of the recovery image layout. Each level
// of the nesting is addressed by exactly one of these.
const (
	// UpdateEntryName is the BLS entry holding the update package.
	UpdateEntryName = "PS4UPDATE1.PUP"
	// KernelEntryName is the inner BLS entry holding the kernel
	// executable.
	KernelEntryName = "80010002"
)

// Segment is the single loadable program segment extracted from a recovery
// image: its guest-physical load address and its raw bytes.
type Segment struct {
	PhysAddr uint64
	Data     []byte
}

// ExtractKernel narrows a recovery image down to its kernel segment:
// BLS archive -> update package (core OS entry) -> BLS archive (kernel
// entry) -> signed executable with exactly one loadable program header.
// Every step is a hard precondition; any failure aborts the extraction.
func ExtractKernel(src io.ReaderAt) (Segment, error) {
	bls, err := ParseBLS(src)
	if err != nil {
		return Segment{}, fmt.Errorf("parse outer archive: %w", err)
	}
	pupStream, err := bls.Get(UpdateEntryName)
	if err != nil {
		return Segment{}, err
	}

	pup, err := ParsePUP(pupStream)
	if err != nil {
		return Segment{}, fmt.Errorf("parse update package: %w", err)
	}
	coreOS, err := pup.Get(PUPEntryCoreOS)
	if err != nil {
		return Segment{}, err
	}

	coreBLS, err := ParseBLS(coreOS)
	if err != nil {
		return Segment{}, fmt.Errorf("parse core OS archive: %w", err)
	}
	kernelStream, err := coreBLS.Get(KernelEntryName)
	if err != nil {
		return Segment{}, err
	}

	kernel, err := ParseSELF(kernelStream)
	if err != nil {
		return Segment{}, fmt.Errorf("parse kernel executable: %w", err)
	}

	// The pipeline targets single-segment kernels only. Additional
	// program headers are an explicit unsupported-format error, never
	// silently ignored.
	ehdr := kernel.Ehdr()
	if ehdr.Phnum != 1 {
		return Segment{}, fmt.Errorf("firmware: kernel has %d program headers, want 1: %w",
			ehdr.Phnum, ErrUnsupportedImage)
	}
	phdr, err := kernel.Phdr(0)
	if err != nil {
		return Segment{}, err
	}
	if elf.ProgType(phdr.Type) != elf.PT_LOAD {
		return Segment{}, fmt.Errorf("firmware: kernel program header type %v is not loadable: %w",
			elf.ProgType(phdr.Type), ErrUnsupportedImage)
	}

	pdata, err := kernel.Pdata(0)
	if err != nil {
		return Segment{}, err
	}
	data := make([]byte, pdata.Size())
	if _, err := io.ReadFull(io.NewSectionReader(pdata, 0, pdata.Size()), data); err != nil {
		return Segment{}, fmt.Errorf("firmware: read kernel segment: %w", err)
	}

	slog.Debug("extracted kernel segment",
		"paddr", fmt.Sprintf("0x%x", phdr.Paddr), "size", len(data))

	return Segment{PhysAddr: phdr.Paddr, Data: data}, nil
}

// ExtractKernelFile is ExtractKernel over a file on disk.
func ExtractKernelFile(path string) (Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return Segment{}, fmt.Errorf("open recovery image: %w", err)
	}
	defer f.Close()

	return ExtractKernel(f)
}
