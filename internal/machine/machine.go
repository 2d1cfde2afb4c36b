// Package machine composes the guest-physical address space, the
// hypervisor-backed CPUs and the device topology into one orchestrated
// machine, and implements the recovery boot flow on top of them.
package machine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorbis/gorbis/internal/devices/aeolia"
	"github.com/gorbis/gorbis/internal/devices/liverpool"
	"github.com/gorbis/gorbis/internal/hv"
	"github.com/gorbis/gorbis/internal/memory"
)

// RunState is the aggregate machine state derived from CPU events.
type RunState int

const (
	RunStateOff RunState = iota
	RunStateRunning
	RunStateHalted
	RunStateFaulted
)

func (s RunState) String() string {
	switch s {
	case RunStateOff:
		return "off"
	case RunStateRunning:
		return "running"
	case RunStateHalted:
		return "halted"
	case RunStateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("RunState(%d)", int(s))
	}
}

// Machine owns the composite address space, the CPU devices, and the
// Liverpool/Aeolia topology. Construction order is address space, then
// CPUs, then devices; teardown is the strict reverse.
type Machine struct {
	cfg Config

	hyp hv.Hypervisor
	vm  hv.VirtualMachine

	mem        *memory.CompositeSpace
	ram        *memory.MemorySpace
	ramBelow4G *memory.AliasSpace
	ramAbove4G *memory.AliasSpace
	ubios      *memory.MemorySpace

	cpus      []*CPUDevice
	events    chan CPUEvent
	drainDone chan struct{}

	lvpHost    *liverpool.Host
	aeoliaMem  *aeolia.MemDevice
	aeoliaPCIe *aeolia.PCIeDevice

	// Aggregate run-state. CPU events arrive from hypervisor-scheduled
	// goroutines; only the drain goroutine mutates this, under mu.
	mu        sync.Mutex
	cpuStates []CPUState
	runState  RunState
	firstErr  error
}

// New constructs a machine from cfg on the given hypervisor backend.
func New(cfg Config, hyp hv.Hypervisor) (*Machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if hyp == nil {
		return nil, fmt.Errorf("machine: nil hypervisor backend")
	}

	m := &Machine{
		cfg:       cfg,
		hyp:       hyp,
		mem:       memory.NewCompositeSpace(),
		events:    make(chan CPUEvent, cfg.CPUs*4),
		drainDone: make(chan struct{}),
		cpuStates: make([]CPUState, cfg.CPUs),
	}
	go m.drainEvents()

	if err := m.buildAddressSpace(); err != nil {
		m.Close()
		return nil, err
	}
	if err := m.buildVM(); err != nil {
		m.Close()
		return nil, err
	}
	if err := cfg.ScratchPad.Apply(m.ram); err != nil {
		m.Close()
		return nil, err
	}
	if err := m.buildCPUs(); err != nil {
		m.Close()
		return nil, err
	}
	if err := m.buildTopology(); err != nil {
		m.Close()
		return nil, err
	}

	slog.Info("machine constructed",
		"cpus", cfg.CPUs,
		"ram", fmt.Sprintf("0x%x", RAMSize),
		"devices", len(m.lvpHost.Bus().Devices()))
	return m, nil
}

// buildAddressSpace creates the RAM backing store, its two alias windows
// around the 4GB boundary, and the UBIOS shadow region, and registers them
// with the composite space. The backing store is never split; the windows
// alias disjoint byte ranges of it.
func (m *Machine) buildAddressSpace() error {
	ram, err := memory.NewMemorySpace(RAMSize, memory.FlagsRW)
	if err != nil {
		return err
	}
	m.ram = ram

	if m.ramBelow4G, err = memory.NewAliasSpace(ram, 0, RAMSizeBelow4G); err != nil {
		return err
	}
	if m.ramAbove4G, err = memory.NewAliasSpace(ram, RAMSizeBelow4G, RAMSizeAbove4G); err != nil {
		return err
	}
	if m.ubios, err = memory.NewMemorySpace(UBIOSSize, memory.FlagsRW); err != nil {
		return err
	}

	if err := m.mem.AddSubspace(m.ramBelow4G, 0); err != nil {
		return err
	}
	if err := m.mem.AddSubspace(m.ramAbove4G, HighWindowBase); err != nil {
		return err
	}
	if err := m.mem.AddSubspace(m.ubios, UBIOSBase); err != nil {
		return err
	}
	return nil
}

// buildVM creates the hypervisor VM context and registers every composite
// subspace's host bytes with it, zero-copy.
func (m *Machine) buildVM() error {
	vm, err := m.hyp.NewVirtualMachine()
	if err != nil {
		return fmt.Errorf("machine: create VM: %w", err)
	}
	m.vm = vm

	return m.mem.Each(func(sub memory.Subspace) error {
		var host []byte
		switch s := sub.Space.(type) {
		case *memory.MemorySpace:
			host = s.Bytes()
		case *memory.AliasSpace:
			host = s.Bytes()
		default:
			return fmt.Errorf("machine: subspace at 0x%x has no host bytes", sub.Base)
		}
		if err := vm.MapMemory(sub.Base, host); err != nil {
			return fmt.Errorf("machine: map subspace at 0x%x: %w", sub.Base, err)
		}
		return nil
	})
}

func (m *Machine) buildCPUs() error {
	for i := 0; i < m.cfg.CPUs; i++ {
		cpu, err := newCPUDevice(m.vm, i, m.events)
		if err != nil {
			return err
		}
		m.cpus = append(m.cpus, cpu)
	}
	return nil
}

// buildTopology constructs the Liverpool host bridge, its function devices
// and the Aeolia southbridge, then runs the wire phase that passes shared
// resources between already-constructed devices.
func (m *Machine) buildTopology() error {
	m.lvpHost = liverpool.NewHost()
	bus := m.lvpHost.Bus()

	if _, err := liverpool.NewRC(bus); err != nil {
		return err
	}
	if _, err := liverpool.NewGC(bus); err != nil {
		return err
	}
	if _, err := liverpool.NewHDAC(bus); err != nil {
		return err
	}
	if _, err := liverpool.NewIOMMU(bus); err != nil {
		return err
	}
	if _, err := liverpool.NewRP(bus); err != nil {
		return err
	}
	for fn := 0; fn <= 5; fn++ {
		if _, err := liverpool.NewNBFunc(bus, fn); err != nil {
			return err
		}
	}

	if _, err := aeolia.NewACPI(bus); err != nil {
		return err
	}
	if _, err := aeolia.NewGBE(bus); err != nil {
		return err
	}
	if _, err := aeolia.NewAHCI(bus); err != nil {
		return err
	}
	if _, err := aeolia.NewSDHCI(bus); err != nil {
		return err
	}
	pcie, err := aeolia.NewPCIe(bus, aeolia.PCIeConfig{UART0: m.cfg.UART0, UART1: m.cfg.UART1})
	if err != nil {
		return err
	}
	m.aeoliaPCIe = pcie
	if _, err := aeolia.NewDMAC(bus); err != nil {
		return err
	}
	mem, err := aeolia.NewMem(bus)
	if err != nil {
		return err
	}
	m.aeoliaMem = mem
	if _, err := aeolia.NewXHCI(bus); err != nil {
		return err
	}

	// Wire phase: all devices exist, now pass shared resources between
	// them. The PCIe bridge borrows the Mem device's scratch-pad.
	if err := m.aeoliaPCIe.SetSPM(m.aeoliaMem.SPM()); err != nil {
		return err
	}
	return nil
}

// drainEvents is the machine's single consumer of CPU state changes. It
// runs until the event channel closes during teardown.
func (m *Machine) drainEvents() {
	defer close(m.drainDone)
	for ev := range m.events {
		m.mu.Lock()
		if ev.CPU >= 0 && ev.CPU < len(m.cpuStates) {
			m.cpuStates[ev.CPU] = ev.State
		}
		if ev.Err != nil && m.firstErr == nil {
			m.firstErr = ev.Err
		}
		m.recomputeRunState()
		state := m.runState
		m.mu.Unlock()

		if ev.Err != nil {
			slog.Error("CPU fault", "cpu", ev.CPU, "err", ev.Err)
		} else {
			slog.Debug("CPU state change", "cpu", ev.CPU, "state", ev.State, "machine", state)
		}
	}
}

// recomputeRunState derives the aggregate state. Callers hold mu.
func (m *Machine) recomputeRunState() {
	anyRunning := false
	anyFaulted := false
	anyStarted := false
	for _, s := range m.cpuStates {
		switch s {
		case CPUStateRunning:
			anyRunning = true
			anyStarted = true
		case CPUStateFaulted:
			anyFaulted = true
			anyStarted = true
		case CPUStateHalted, CPUStateShutdown:
			anyStarted = true
		}
	}
	switch {
	case anyRunning:
		m.runState = RunStateRunning
	case anyFaulted:
		m.runState = RunStateFaulted
	case anyStarted:
		m.runState = RunStateHalted
	default:
		m.runState = RunStateOff
	}
}

// RunState returns the aggregate machine state.
func (m *Machine) RunState() RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runState
}

// Err returns the first CPU fault observed, if any.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firstErr
}

// AddressSpace returns the machine's composite guest-physical space.
func (m *Machine) AddressSpace() *memory.CompositeSpace { return m.mem }

// RAM returns the contiguous RAM backing store.
func (m *Machine) RAM() *memory.MemorySpace { return m.ram }

// UBIOS returns the firmware-shadow region.
func (m *Machine) UBIOS() *memory.MemorySpace { return m.ubios }

// Host returns the Liverpool host bridge rooting the device topology.
func (m *Machine) Host() *liverpool.Host { return m.lvpHost }

// Start launches all CPU devices.
func (m *Machine) Start() error {
	for _, cpu := range m.cpus {
		if err := cpu.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops all CPU devices and waits for their run goroutines.
func (m *Machine) Stop() {
	for _, cpu := range m.cpus {
		cpu.Stop()
	}
}

// Reset reinitializes CPU and device state. The address-space layout and
// RAM contents are untouched.
func (m *Machine) Reset() error {
	m.Stop()

	m.mu.Lock()
	for i := range m.cpuStates {
		m.cpuStates[i] = CPUStateStopped
	}
	m.firstErr = nil
	m.recomputeRunState()
	m.mu.Unlock()

	if m.lvpHost != nil {
		if err := m.lvpHost.Reset(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases everything in strict reverse construction order: device
// topology, CPUs, the VM context, then the address spaces (aliases before
// their parent).
func (m *Machine) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if m.lvpHost != nil {
		record(m.lvpHost.Close())
		m.lvpHost = nil
	}

	for i := len(m.cpus) - 1; i >= 0; i-- {
		record(m.cpus[i].Close())
	}
	m.cpus = nil

	// All event producers are stopped; release the drain goroutine.
	if m.events != nil {
		close(m.events)
		<-m.drainDone
		m.events = nil
	}

	if m.vm != nil {
		record(m.vm.Close())
		m.vm = nil
	}

	if m.ubios != nil {
		record(m.ubios.Close())
		m.ubios = nil
	}
	m.ramAbove4G = nil
	m.ramBelow4G = nil
	if m.ram != nil {
		record(m.ram.Close())
		m.ram = nil
	}

	return firstErr
}
