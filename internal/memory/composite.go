package memory

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrOverlap reports a subspace registration that intersects an
	// existing range.
	ErrOverlap = errors.New("memory: subspace ranges overlap")
	// ErrUnmapped reports a guest-physical address no subspace owns.
	ErrUnmapped = errors.New("memory: unmapped address")
)

// Subspace is a registered region of a CompositeSpace.
type Subspace struct {
	Base  uint64
	Space Space
}

// End returns the first guest-physical address after the subspace.
func (s Subspace) End() uint64 { return s.Base + s.Space.Size() }

// CompositeSpace routes guest-physical addresses to registered subspaces.
// The layout is built once during machine construction and read-mostly
// afterwards; concurrent registration is not supported.
type CompositeSpace struct {
	subspaces []Subspace // sorted by Base
}

// NewCompositeSpace returns an empty composite space.
func NewCompositeSpace() *CompositeSpace {
	return &CompositeSpace{}
}

// AddSubspace registers space at the given guest-physical base. The range
// [base, base+size) must not intersect any registered range.
func (c *CompositeSpace) AddSubspace(space Space, base uint64) error {
	if space == nil {
		return fmt.Errorf("memory: nil subspace at 0x%x", base)
	}
	size := space.Size()
	if size == 0 {
		return fmt.Errorf("memory: zero-size subspace at 0x%x", base)
	}
	end := base + size
	if end < base {
		return fmt.Errorf("memory: subspace [0x%x, +0x%x) wraps the address space", base, size)
	}
	for _, sub := range c.subspaces {
		if base < sub.End() && sub.Base < end {
			return fmt.Errorf("memory: [0x%x, 0x%x) intersects [0x%x, 0x%x): %w",
				base, end, sub.Base, sub.End(), ErrOverlap)
		}
	}

	c.subspaces = append(c.subspaces, Subspace{Base: base, Space: space})
	sort.Slice(c.subspaces, func(i, j int) bool {
		return c.subspaces[i].Base < c.subspaces[j].Base
	})
	return nil
}

// Resolve returns the subspace owning addr and the offset local to it.
func (c *CompositeSpace) Resolve(addr uint64) (Subspace, uint64, error) {
	i := sort.Search(len(c.subspaces), func(i int) bool {
		return c.subspaces[i].End() > addr
	})
	if i < len(c.subspaces) && c.subspaces[i].Base <= addr {
		return c.subspaces[i], addr - c.subspaces[i].Base, nil
	}
	return Subspace{}, 0, fmt.Errorf("memory: address 0x%x: %w", addr, ErrUnmapped)
}

// Read copies len(p) bytes starting at the guest-physical address addr. The
// access must be fully contained in a single subspace; crossing a subspace
// boundary fails with ErrOutOfBounds.
func (c *CompositeSpace) Read(addr uint64, p []byte) error {
	sub, off, err := c.Resolve(addr)
	if err != nil {
		return err
	}
	return sub.Space.Read(off, p)
}

// Write copies p into guest memory starting at addr, with the same
// containment rule as Read.
func (c *CompositeSpace) Write(addr uint64, p []byte) error {
	sub, off, err := c.Resolve(addr)
	if err != nil {
		return err
	}
	return sub.Space.Write(off, p)
}

// Each calls fn for every registered subspace in ascending base order.
func (c *CompositeSpace) Each(fn func(Subspace) error) error {
	for _, sub := range c.subspaces {
		if err := fn(sub); err != nil {
			return err
		}
	}
	return nil
}
