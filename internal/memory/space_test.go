package memory

import (
	"bytes"
	"errors"
	"testing"
)

func mustSpace(t *testing.T, size uint64) *MemorySpace {
	t.Helper()
	m, err := NewMemorySpace(size, FlagsRW)
	if err != nil {
		t.Fatalf("NewMemorySpace(%d): %v", size, err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMemorySpaceBounds(t *testing.T) {
	m := mustSpace(t, 0x1000)

	tests := []struct {
		name string
		off  uint64
		n    int
		ok   bool
	}{
		{"start", 0, 16, true},
		{"end exact", 0xff0, 16, true},
		{"whole", 0, 0x1000, true},
		{"cross end", 0xff8, 16, false},
		{"past end", 0x1000, 1, false},
		{"far past end", 0x10000, 1, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, tc.n)
			err := m.Read(tc.off, buf)
			if tc.ok && err != nil {
				t.Fatalf("Read(0x%x, %d): %v", tc.off, tc.n, err)
			}
			if !tc.ok && !errors.Is(err, ErrOutOfBounds) {
				t.Fatalf("Read(0x%x, %d): got %v, want ErrOutOfBounds", tc.off, tc.n, err)
			}

			err = m.Write(tc.off, buf)
			if tc.ok && err != nil {
				t.Fatalf("Write(0x%x, %d): %v", tc.off, tc.n, err)
			}
			if !tc.ok && !errors.Is(err, ErrOutOfBounds) {
				t.Fatalf("Write(0x%x, %d): got %v, want ErrOutOfBounds", tc.off, tc.n, err)
			}
		})
	}
}

func TestMemorySpaceReadOnly(t *testing.T) {
	m, err := NewMemorySpace(0x100, FlagsR)
	if err != nil {
		t.Fatalf("NewMemorySpace: %v", err)
	}
	defer m.Close()

	if err := m.Write(0, []byte{1}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("write to read-only space: got %v, want ErrReadOnly", err)
	}
	if err := m.Read(0, make([]byte, 1)); err != nil {
		t.Fatalf("read from read-only space: %v", err)
	}
}

func TestAliasSpaceConstruction(t *testing.T) {
	m := mustSpace(t, 0x1000)

	tests := []struct {
		name   string
		off    uint64
		size   uint64
		wantOK bool
	}{
		{"whole parent", 0, 0x1000, true},
		{"tail", 0x800, 0x800, true},
		{"past parent", 0x800, 0x801, false},
		{"offset past parent", 0x1001, 0, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAliasSpace(m, tc.off, tc.size)
			if tc.wantOK && err != nil {
				t.Fatalf("NewAliasSpace(0x%x, 0x%x): %v", tc.off, tc.size, err)
			}
			if !tc.wantOK && !errors.Is(err, ErrOutOfBounds) {
				t.Fatalf("NewAliasSpace(0x%x, 0x%x): got %v, want ErrOutOfBounds", tc.off, tc.size, err)
			}
		})
	}
}

// Writing through an alias and reading the parent at the translated offset
// must observe identical bytes, in both directions.
func TestAliasConsistency(t *testing.T) {
	m := mustSpace(t, 0x1000)
	a, err := NewAliasSpace(m, 0x400, 0x200)
	if err != nil {
		t.Fatalf("NewAliasSpace: %v", err)
	}

	want := []byte("through the alias")
	if err := a.Write(0x10, want); err != nil {
		t.Fatalf("alias write: %v", err)
	}
	got := make([]byte, len(want))
	if err := m.Read(0x410, got); err != nil {
		t.Fatalf("parent read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("parent read after alias write: got %q, want %q", got, want)
	}

	want = []byte("through the parent")
	got = make([]byte, len(want))
	if err := m.Write(0x500, want); err != nil {
		t.Fatalf("parent write: %v", err)
	}
	if err := a.Read(0x100, got[:len(want)]); err != nil {
		t.Fatalf("alias read: %v", err)
	}
	if !bytes.Equal(got[:len(want)], want) {
		t.Fatalf("alias read after parent write: got %q, want %q", got[:len(want)], want)
	}
}

func TestAliasBounds(t *testing.T) {
	m := mustSpace(t, 0x1000)
	a, err := NewAliasSpace(m, 0x400, 0x200)
	if err != nil {
		t.Fatalf("NewAliasSpace: %v", err)
	}

	// Access inside the parent but outside the alias window must fail.
	if err := a.Read(0x1f8, make([]byte, 16)); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("alias read past window: got %v, want ErrOutOfBounds", err)
	}
	if err := a.Write(0x200, []byte{1}); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("alias write past window: got %v, want ErrOutOfBounds", err)
	}
}

func TestAliasBytesZeroCopy(t *testing.T) {
	m := mustSpace(t, 0x100)
	a, err := NewAliasSpace(m, 0x40, 0x40)
	if err != nil {
		t.Fatalf("NewAliasSpace: %v", err)
	}

	a.Bytes()[0] = 0xAB
	if got := m.Bytes()[0x40]; got != 0xAB {
		t.Fatalf("parent byte after alias mutation: got 0x%x, want 0xab", got)
	}
}
