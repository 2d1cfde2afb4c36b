package memory

import (
	"bytes"
	"errors"
	"testing"
)

func buildComposite(t *testing.T) (*CompositeSpace, *MemorySpace, *MemorySpace) {
	t.Helper()

	// Miniature version of the machine layout: one backing store aliased
	// into a low and a high window, plus a separate shadow region.
	ram := mustSpace(t, 0x2000)
	low, err := NewAliasSpace(ram, 0, 0x1000)
	if err != nil {
		t.Fatalf("low alias: %v", err)
	}
	high, err := NewAliasSpace(ram, 0x1000, 0x1000)
	if err != nil {
		t.Fatalf("high alias: %v", err)
	}
	shadow := mustSpace(t, 0x800)

	c := NewCompositeSpace()
	if err := c.AddSubspace(low, 0); err != nil {
		t.Fatalf("add low: %v", err)
	}
	if err := c.AddSubspace(high, 0x10000); err != nil {
		t.Fatalf("add high: %v", err)
	}
	if err := c.AddSubspace(shadow, 0x8000); err != nil {
		t.Fatalf("add shadow: %v", err)
	}
	return c, ram, shadow
}

func TestAddSubspaceOverlap(t *testing.T) {
	tests := []struct {
		name    string
		base    uint64
		size    uint64
		overlap bool
	}{
		{"disjoint above", 0x3000, 0x1000, false},
		{"touching end", 0x2000, 0x1000, false},
		{"identical", 0x1000, 0x1000, true},
		{"straddles start", 0x800, 0x1000, true},
		{"straddles end", 0x1800, 0x1000, true},
		{"contained", 0x1400, 0x100, true},
		{"containing", 0x800, 0x2000, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCompositeSpace()
			if err := c.AddSubspace(mustSpace(t, 0x1000), 0x1000); err != nil {
				t.Fatalf("seed subspace: %v", err)
			}
			err := c.AddSubspace(mustSpace(t, tc.size), tc.base)
			if tc.overlap && !errors.Is(err, ErrOverlap) {
				t.Fatalf("AddSubspace(0x%x, 0x%x): got %v, want ErrOverlap", tc.base, tc.size, err)
			}
			if !tc.overlap && err != nil {
				t.Fatalf("AddSubspace(0x%x, 0x%x): %v", tc.base, tc.size, err)
			}
		})
	}
}

func TestAddSubspaceWraps(t *testing.T) {
	c := NewCompositeSpace()
	err := c.AddSubspace(mustSpace(t, 0x2000), ^uint64(0)-0xfff)
	if err == nil {
		t.Fatal("AddSubspace wrapping the address space succeeded")
	}
}

func TestResolve(t *testing.T) {
	c, _, _ := buildComposite(t)

	tests := []struct {
		name    string
		addr    uint64
		wantOff uint64
		mapped  bool
	}{
		{"low start", 0, 0, true},
		{"low last", 0xfff, 0xfff, true},
		{"gap after low", 0x1000, 0, false},
		{"shadow start", 0x8000, 0, true},
		{"shadow middle", 0x8123, 0x123, true},
		{"gap after shadow", 0x8800, 0, false},
		{"high start", 0x10000, 0, true},
		{"high last", 0x10fff, 0xfff, true},
		{"past everything", 0x11000, 0, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sub, off, err := c.Resolve(tc.addr)
			if !tc.mapped {
				if !errors.Is(err, ErrUnmapped) {
					t.Fatalf("Resolve(0x%x): got %v, want ErrUnmapped", tc.addr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(0x%x): %v", tc.addr, err)
			}
			if off != tc.wantOff {
				t.Fatalf("Resolve(0x%x): offset 0x%x, want 0x%x", tc.addr, off, tc.wantOff)
			}
			if addr := tc.addr - off; addr != sub.Base {
				t.Fatalf("Resolve(0x%x): base 0x%x, want 0x%x", tc.addr, sub.Base, addr)
			}
		})
	}
}

func TestCompositeReadWrite(t *testing.T) {
	c, ram, _ := buildComposite(t)

	// A write through the high window lands in the second half of RAM.
	want := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := c.Write(0x10020, want); err != nil {
		t.Fatalf("composite write: %v", err)
	}
	got := make([]byte, len(want))
	if err := ram.Read(0x1020, got); err != nil {
		t.Fatalf("ram read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("ram bytes: got %x, want %x", got, want)
	}

	if err := c.Read(0x10020, got); err != nil {
		t.Fatalf("composite read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("composite bytes: got %x, want %x", got, want)
	}
}

func TestCompositeAccessContainment(t *testing.T) {
	c, _, _ := buildComposite(t)

	// The access starts inside the low window but runs past its end.
	// Cross-subspace accesses are not permitted.
	err := c.Write(0xff8, make([]byte, 16))
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("cross-boundary write: got %v, want ErrOutOfBounds", err)
	}

	err = c.Read(0x87f8, make([]byte, 16))
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("cross-boundary read: got %v, want ErrOutOfBounds", err)
	}

	// Unmapped start address.
	err = c.Write(0x4000, []byte{1})
	if !errors.Is(err, ErrUnmapped) {
		t.Fatalf("unmapped write: got %v, want ErrUnmapped", err)
	}
}

func TestCompositeEachOrder(t *testing.T) {
	c, _, _ := buildComposite(t)

	var bases []uint64
	if err := c.Each(func(sub Subspace) error {
		bases = append(bases, sub.Base)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	want := []uint64{0, 0x8000, 0x10000}
	if len(bases) != len(want) {
		t.Fatalf("Each visited %d subspaces, want %d", len(bases), len(want))
	}
	for i := range want {
		if bases[i] != want[i] {
			t.Fatalf("Each order: got %#x, want %#x", bases, want)
		}
	}
}
