//go:build linux

// Package kvm implements the hv interfaces on top of the Linux KVM API.
// It covers exactly what the machine core needs: creating a VM, registering
// guest memory zero-copy from host buffers, and running vCPUs. Device
// register emulation is out of scope, so unhandled MMIO and port I/O exits
// are reported as errors.
package kvm

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"unsafe"

	"github.com/gorbis/gorbis/internal/hv"
	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

type hypervisor struct {
	fd int
}

// Open opens /dev/kvm and validates the API version.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: open /dev/kvm: %w", err)
	}

	version, err := ioctlWithRetry(uintptr(fd), kvmGetApiVersion, 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: get API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: API version %d, want %d", version, kvmApiVersion)
	}

	return &hypervisor{fd: fd}, nil
}

// Architecture implements hv.Hypervisor.
func (h *hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

// Close implements hv.Hypervisor.
func (h *hypervisor) Close() error {
	if h.fd < 0 {
		return nil
	}
	err := unix.Close(h.fd)
	h.fd = -1
	return err
}

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine() (hv.VirtualMachine, error) {
	vmFd, err := ioctlWithRetry(uintptr(h.fd), kvmCreateVm, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}
	vm := &virtualMachine{hv: h, fd: int(vmFd)}

	// Required on x86 before any vCPU runs; the address is carved out of
	// the I/O hole below 4GB.
	if _, err := ioctlWithRetry(uintptr(vm.fd), kvmSetTssAddr, kvmTssAddr); err != nil {
		vm.Close()
		return nil, fmt.Errorf("kvm: set TSS address: %w", err)
	}

	mmapSize, err := ioctlWithRetry(uintptr(h.fd), kvmGetVcpuMmapSize, 0)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("kvm: get vCPU mmap size: %w", err)
	}
	vm.vcpuMmapSize = int(mmapSize)

	return vm, nil
}

type virtualMachine struct {
	hv           *hypervisor
	fd           int
	vcpuMmapSize int
	nextSlot     uint32
	vcpus        []*virtualCPU
}

// Hypervisor implements hv.VirtualMachine.
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

// MapMemory implements hv.VirtualMachine. The host buffer must be page
// aligned (internal/memory allocates its backing stores with mmap for this
// reason) and stays shared with the guest for the life of the VM.
func (v *virtualMachine) MapMemory(guestPhysAddr uint64, host []byte) error {
	if len(host) == 0 {
		return fmt.Errorf("kvm: map zero-length region at 0x%x", guestPhysAddr)
	}
	if len(host)%int(unix.Getpagesize()) != 0 {
		return fmt.Errorf("kvm: region at 0x%x size 0x%x is not page aligned", guestPhysAddr, len(host))
	}

	region := kvmUserspaceMemoryRegion{
		Slot:          v.nextSlot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    uint64(len(host)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&host[0]))),
	}
	if _, err := ioctlWithRetry(uintptr(v.fd), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region))); err != nil {
		return fmt.Errorf("kvm: set user memory region at 0x%x: %w", guestPhysAddr, err)
	}
	v.nextSlot++

	slog.Debug("mapped guest memory",
		"gpa", fmt.Sprintf("0x%x", guestPhysAddr), "size", fmt.Sprintf("0x%x", len(host)))
	return nil
}

// CreateVCPU implements hv.VirtualMachine.
func (v *virtualMachine) CreateVCPU(id int) (hv.VirtualCPU, error) {
	fd, err := ioctlWithRetry(uintptr(v.fd), kvmCreateVcpu, uintptr(id))
	if err != nil {
		return nil, fmt.Errorf("kvm: create vCPU %d: %w", id, err)
	}

	run, err := unix.Mmap(int(fd), 0, v.vcpuMmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("kvm: map vCPU %d run structure: %w", id, err)
	}

	vcpu := &virtualCPU{vm: v, id: id, fd: int(fd), run: run}
	v.vcpus = append(v.vcpus, vcpu)
	return vcpu, nil
}

// Close implements hv.VirtualMachine. vCPUs are released first.
func (v *virtualMachine) Close() error {
	for _, vcpu := range v.vcpus {
		vcpu.Close()
	}
	v.vcpus = nil

	if v.fd < 0 {
		return nil
	}
	err := unix.Close(v.fd)
	v.fd = -1
	return err
}

type virtualCPU struct {
	vm  *virtualMachine
	id  int
	fd  int
	run []byte
}

// ID implements hv.VirtualCPU.
func (c *virtualCPU) ID() int { return c.id }

func (c *virtualCPU) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&c.run[0]))
}

// Run implements hv.VirtualCPU. It drives KVM_RUN on a locked OS thread
// until the guest halts, shuts down, the context is cancelled, or an
// unhandled exit occurs. Cancellation sets the run structure's
// immediate-exit flag and signals the vCPU thread so a blocking KVM_RUN
// returns with EINTR.
func (c *virtualCPU) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tid := unix.Gettid()
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			c.runData().immediate_exit = 1
			unix.Tgkill(unix.Getpid(), tid, unix.SIGURG)
		case <-stopWatch:
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := ioctl(uintptr(c.fd), kvmRun, 0); err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return fmt.Errorf("kvm: run vCPU %d: %w", c.id, err)
		}

		run := c.runData()
		switch reason := kvmExitReason(run.exit_reason); reason {
		case kvmExitHlt:
			return hv.ErrVMHalted
		case kvmExitShutdown, kvmExitSystemEvent:
			return hv.ErrGuestShutdown
		case kvmExitIntr:
			continue
		case kvmExitIo:
			io := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
			return fmt.Errorf("kvm: vCPU %d: unhandled I/O port 0x%04x (size %d)", c.id, io.port, io.size)
		case kvmExitMmio:
			mmio := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))
			return fmt.Errorf("kvm: vCPU %d: unhandled MMIO at 0x%016x (len %d, write %d)",
				c.id, mmio.physAddr, mmio.len, mmio.isWrite)
		default:
			return fmt.Errorf("kvm: vCPU %d: unexpected exit %v", c.id, reason)
		}
	}
}

// Close implements hv.VirtualCPU.
func (c *virtualCPU) Close() error {
	if c.run != nil {
		unix.Munmap(c.run)
		c.run = nil
	}
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

var (
	_ hv.Hypervisor     = (*hypervisor)(nil)
	_ hv.VirtualMachine = (*virtualMachine)(nil)
	_ hv.VirtualCPU     = (*virtualCPU)(nil)
)
