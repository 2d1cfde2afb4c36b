// Package hv defines the hypervisor abstraction the machine model is built
// on: a backend factory creates virtual-machine contexts, guest memory is
// registered zero-copy from host buffers, and virtual CPUs run under the
// backend's own scheduling.
package hv

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrVMHalted is returned from VirtualCPU.Run when the guest executed
	// a halt.
	ErrVMHalted = errors.New("hv: virtual machine halted")
	// ErrGuestShutdown is returned when the guest triple-faulted or
	// otherwise requested shutdown.
	ErrGuestShutdown = errors.New("hv: guest shutdown")
	// ErrHypervisorUnsupported is returned by the factory on hosts
	// without a usable backend.
	ErrHypervisorUnsupported = errors.New("hv: hypervisor unsupported on this platform")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

// VirtualCPU is a single hypervisor-backed processor. Run blocks until the
// guest halts, the context is cancelled, or an unhandled exit occurs; it is
// expected to be called from a dedicated goroutine.
type VirtualCPU interface {
	ID() int
	Run(ctx context.Context) error

	io.Closer
}

// VirtualMachine is one guest context. Guest memory is registered with
// MapMemory before any vCPU is created; the host buffer is shared with the
// guest, not copied.
type VirtualMachine interface {
	Hypervisor() Hypervisor

	MapMemory(guestPhysAddr uint64, host []byte) error
	CreateVCPU(id int) (VirtualCPU, error)

	io.Closer
}

// Hypervisor is a backend capable of creating virtual machines.
type Hypervisor interface {
	Architecture() CpuArchitecture
	NewVirtualMachine() (VirtualMachine, error)

	io.Closer
}
