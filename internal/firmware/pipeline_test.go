package firmware_test

import (
	"bytes"
	"debug/elf"
	"errors"
	"io"
	"testing"

	"github.com/gorbis/gorbis/internal/firmware"
	"github.com/gorbis/gorbis/internal/firmware/fwtest"
)

func TestExtractKernel(t *testing.T) {
	kernel := bytes.Repeat([]byte("gorbis-kernel-payload "), 64)
	const physAddr = 0x200000

	img := fwtest.BuildRecoveryImage(physAddr, kernel)

	seg, err := firmware.ExtractKernel(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("ExtractKernel: %v", err)
	}
	if seg.PhysAddr != physAddr {
		t.Errorf("PhysAddr: got 0x%x, want 0x%x", seg.PhysAddr, physAddr)
	}
	if !bytes.Equal(seg.Data, kernel) {
		t.Errorf("Data: got %d bytes, want the fixture payload", len(seg.Data))
	}
}

func TestExtractKernelMissingEntries(t *testing.T) {
	kernel := []byte("payload")
	self := fwtest.BuildSELF(fwtest.SELFSegment{Type: elf.PT_LOAD, Paddr: 0x1000, Data: kernel})

	tests := []struct {
		name string
		img  []byte
	}{
		{
			"update package missing",
			fwtest.BuildBLS(fwtest.BLSEntry{Name: "SOMETHING.ELSE", Data: []byte{1}}),
		},
		{
			"core OS entry missing",
			fwtest.BuildBLS(fwtest.BLSEntry{
				Name: "PS4UPDATE1.PUP",
				Data: fwtest.BuildPUP(fwtest.PUPEntry{ID: 0x9, Data: []byte{1}}),
			}),
		},
		{
			"kernel entry missing",
			fwtest.BuildBLS(fwtest.BLSEntry{
				Name: "PS4UPDATE1.PUP",
				Data: fwtest.BuildPUP(fwtest.PUPEntry{
					ID:   0x5,
					Data: fwtest.BuildBLS(fwtest.BLSEntry{Name: "80010001", Data: self}),
				}),
			}),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := firmware.ExtractKernel(bytes.NewReader(tc.img))
			if !errors.Is(err, firmware.ErrEntryNotFound) {
				t.Fatalf("got %v, want ErrEntryNotFound", err)
			}
		})
	}
}

func TestExtractKernelUnsupportedImages(t *testing.T) {
	tests := []struct {
		name string
		self []byte
	}{
		{
			"two program headers",
			fwtest.BuildSELF(
				fwtest.SELFSegment{Type: elf.PT_LOAD, Paddr: 0x1000, Data: []byte("one")},
				fwtest.SELFSegment{Type: elf.PT_LOAD, Paddr: 0x2000, Data: []byte("two")},
			),
		},
		{
			"zero program headers",
			fwtest.BuildSELF(),
		},
		{
			"not loadable",
			fwtest.BuildSELF(fwtest.SELFSegment{Type: elf.PT_NOTE, Paddr: 0x1000, Data: []byte("note")}),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			img := fwtest.BuildRecoveryImageSELF(tc.self)
			_, err := firmware.ExtractKernel(bytes.NewReader(img))
			if !errors.Is(err, firmware.ErrUnsupportedImage) {
				t.Fatalf("got %v, want ErrUnsupportedImage", err)
			}
		})
	}
}

func TestExtractKernelBadMagic(t *testing.T) {
	_, err := firmware.ExtractKernel(bytes.NewReader(make([]byte, 64)))
	if !errors.Is(err, firmware.ErrBadContainer) {
		t.Fatalf("got %v, want ErrBadContainer", err)
	}
}

func TestBLSLookup(t *testing.T) {
	img := fwtest.BuildBLS(
		fwtest.BLSEntry{Name: "first", Data: []byte("alpha")},
		fwtest.BLSEntry{Name: "second", Data: bytes.Repeat([]byte{0xAA}, 1000)},
	)

	bls, err := firmware.ParseBLS(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("ParseBLS: %v", err)
	}
	if got := len(bls.Entries()); got != 2 {
		t.Fatalf("entry count: got %d, want 2", got)
	}

	sr, err := bls.Get("second")
	if err != nil {
		t.Fatalf("Get(second): %v", err)
	}
	data, err := io.ReadAll(sr)
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if len(data) != 1000 || data[0] != 0xAA {
		t.Fatalf("entry payload mismatch: %d bytes", len(data))
	}

	if _, err := bls.Get("third"); !errors.Is(err, firmware.ErrEntryNotFound) {
		t.Fatalf("Get(third): got %v, want ErrEntryNotFound", err)
	}
}

func TestPUPLookup(t *testing.T) {
	img := fwtest.BuildPUP(
		fwtest.PUPEntry{ID: 0x3, Data: []byte("three")},
		fwtest.PUPEntry{ID: 0x5, Data: []byte("core-os")},
	)

	pup, err := firmware.ParsePUP(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("ParsePUP: %v", err)
	}

	sr, err := pup.Get(0x5)
	if err != nil {
		t.Fatalf("Get(0x5): %v", err)
	}
	data, err := io.ReadAll(sr)
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if string(data) != "core-os" {
		t.Fatalf("entry payload: got %q", data)
	}

	if _, err := pup.Get(0x7); !errors.Is(err, firmware.ErrEntryNotFound) {
		t.Fatalf("Get(0x7): got %v, want ErrEntryNotFound", err)
	}
}

func TestSELFHeaders(t *testing.T) {
	payload := []byte("segment-bytes")
	img := fwtest.BuildSELF(fwtest.SELFSegment{Type: elf.PT_LOAD, Paddr: 0xABC000, Data: payload})

	self, err := firmware.ParseSELF(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("ParseSELF: %v", err)
	}

	ehdr := self.Ehdr()
	if ehdr.Phnum != 1 {
		t.Fatalf("Phnum: got %d, want 1", ehdr.Phnum)
	}

	phdr, err := self.Phdr(0)
	if err != nil {
		t.Fatalf("Phdr(0): %v", err)
	}
	if elf.ProgType(phdr.Type) != elf.PT_LOAD {
		t.Errorf("phdr type: got %v, want PT_LOAD", elf.ProgType(phdr.Type))
	}
	if phdr.Paddr != 0xABC000 {
		t.Errorf("phdr paddr: got 0x%x, want 0xabc000", phdr.Paddr)
	}

	if _, err := self.Phdr(1); err == nil {
		t.Error("Phdr(1) succeeded for a single-segment image")
	}

	pdata, err := self.Pdata(0)
	if err != nil {
		t.Fatalf("Pdata(0): %v", err)
	}
	data, err := io.ReadAll(pdata)
	if err != nil {
		t.Fatalf("read pdata: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatalf("pdata: got %q, want %q", data, payload)
	}
}
