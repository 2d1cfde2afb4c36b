// Package memory implements the guest-physical address space model: owned
// backing stores, zero-copy alias windows into them, and a composite space
// that routes guest-physical addresses to the subspace that owns them.
package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfBounds reports an access outside a space's [0, size) range.
	ErrOutOfBounds = errors.New("memory: access out of bounds")
	// ErrReadOnly reports a write to a space without the write flag.
	ErrReadOnly = errors.New("memory: space is read-only")
)

// Flags describe the access permissions of a space.
type Flags uint8

const (
	FlagsR  Flags = 1 << 0
	FlagsW  Flags = 1 << 1
	FlagsRW Flags = FlagsR | FlagsW
)

// Space is a bounded, byte-addressable region. Offsets are local to the
// space; an access must lie entirely within [0, Size()).
type Space interface {
	Size() uint64

	Read(off uint64, p []byte) error
	Write(off uint64, p []byte) error
}

// MemorySpace owns a fixed-size backing store. On Linux the store is a
// page-aligned anonymous mapping so the same bytes can be handed to a
// hypervisor backend without copying.
type MemorySpace struct {
	buf   []byte
	flags Flags
}

// NewMemorySpace allocates a backing store of the given size.
func NewMemorySpace(size uint64, flags Flags) (*MemorySpace, error) {
	if size == 0 {
		return nil, fmt.Errorf("memory: zero-size space")
	}
	buf, err := allocBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("memory: allocate %d bytes: %w", size, err)
	}
	return &MemorySpace{buf: buf, flags: flags}, nil
}

// Size implements Space.
func (m *MemorySpace) Size() uint64 { return uint64(len(m.buf)) }

// Bytes returns the host-visible backing store. The slice aliases guest
// memory; callers must not grow it.
func (m *MemorySpace) Bytes() []byte { return m.buf }

func (m *MemorySpace) checkRange(off uint64, n int) error {
	if off > m.Size() || uint64(n) > m.Size()-off {
		return fmt.Errorf("memory: [0x%x, 0x%x) outside space of size 0x%x: %w",
			off, off+uint64(n), m.Size(), ErrOutOfBounds)
	}
	return nil
}

// Read implements Space.
func (m *MemorySpace) Read(off uint64, p []byte) error {
	if err := m.checkRange(off, len(p)); err != nil {
		return err
	}
	copy(p, m.buf[off:])
	return nil
}

// Write implements Space.
func (m *MemorySpace) Write(off uint64, p []byte) error {
	if m.flags&FlagsW == 0 {
		return ErrReadOnly
	}
	if err := m.checkRange(off, len(p)); err != nil {
		return err
	}
	copy(m.buf[off:], p)
	return nil
}

// Close releases the backing store. The space must not be used afterwards.
func (m *MemorySpace) Close() error {
	if m.buf == nil {
		return nil
	}
	err := freeBuffer(m.buf)
	m.buf = nil
	return err
}

// AliasSpace exposes a sub-range of a parent MemorySpace at offset zero. It
// owns no bytes; writes through the alias are visible in the parent and vice
// versa. The alias must not outlive its parent.
type AliasSpace struct {
	parent *MemorySpace
	offset uint64
	size   uint64
}

// NewAliasSpace creates a window of the given size at offset into parent.
func NewAliasSpace(parent *MemorySpace, offset, size uint64) (*AliasSpace, error) {
	if parent == nil {
		return nil, fmt.Errorf("memory: alias of nil parent")
	}
	if offset > parent.Size() || size > parent.Size()-offset {
		return nil, fmt.Errorf("memory: alias [0x%x, 0x%x) outside parent of size 0x%x: %w",
			offset, offset+size, parent.Size(), ErrOutOfBounds)
	}
	return &AliasSpace{parent: parent, offset: offset, size: size}, nil
}

// Size implements Space.
func (a *AliasSpace) Size() uint64 { return a.size }

// Parent returns the backing space the alias forwards to.
func (a *AliasSpace) Parent() *MemorySpace { return a.parent }

// Offset returns the alias window's offset into the parent.
func (a *AliasSpace) Offset() uint64 { return a.offset }

// Bytes returns the host-visible bytes of the alias window.
func (a *AliasSpace) Bytes() []byte {
	return a.parent.buf[a.offset : a.offset+a.size]
}

func (a *AliasSpace) checkRange(off uint64, n int) error {
	if off > a.size || uint64(n) > a.size-off {
		return fmt.Errorf("memory: [0x%x, 0x%x) outside alias of size 0x%x: %w",
			off, off+uint64(n), a.size, ErrOutOfBounds)
	}
	return nil
}

// Read implements Space.
func (a *AliasSpace) Read(off uint64, p []byte) error {
	if err := a.checkRange(off, len(p)); err != nil {
		return err
	}
	return a.parent.Read(a.offset+off, p)
}

// Write implements Space.
func (a *AliasSpace) Write(off uint64, p []byte) error {
	if err := a.checkRange(off, len(p)); err != nil {
		return err
	}
	return a.parent.Write(a.offset+off, p)
}

var (
	_ Space = (*MemorySpace)(nil)
	_ Space = (*AliasSpace)(nil)
)
