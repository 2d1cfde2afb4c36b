package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorbis/gorbis/internal/hv"
)

// CPUState is the lifecycle state of a single CPU device.
type CPUState int

const (
	CPUStateStopped CPUState = iota
	CPUStateRunning
	CPUStateHalted
	CPUStateShutdown
	CPUStateFaulted
)

func (s CPUState) String() string {
	switch s {
	case CPUStateStopped:
		return "stopped"
	case CPUStateRunning:
		return "running"
	case CPUStateHalted:
		return "halted"
	case CPUStateShutdown:
		return "shutdown"
	case CPUStateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("CPUState(%d)", int(s))
	}
}

// CPUEvent is a state-change notification from a CPU device. Events are
// produced on the CPU's run goroutine, which executes under the hypervisor's
// scheduling; consumers must treat them as arriving from another thread.
type CPUEvent struct {
	CPU   int
	State CPUState
	Err   error
}

// CPUDevice is one hypervisor-backed virtual processor bound to the
// machine's composite address space (via the guest memory registered with
// the VM at construction time).
type CPUDevice struct {
	id     int
	vcpu   hv.VirtualCPU
	events chan<- CPUEvent

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func newCPUDevice(vm hv.VirtualMachine, id int, events chan<- CPUEvent) (*CPUDevice, error) {
	vcpu, err := vm.CreateVCPU(id)
	if err != nil {
		return nil, fmt.Errorf("machine: create vCPU %d: %w", id, err)
	}
	return &CPUDevice{id: id, vcpu: vcpu, events: events}, nil
}

// ID returns the CPU index.
func (c *CPUDevice) ID() int { return c.id }

// Start launches the CPU's run goroutine. It is an error to start a CPU
// that is already running.
func (c *CPUDevice) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("machine: CPU %d already running", c.id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go func() {
		defer close(c.done)
		c.events <- CPUEvent{CPU: c.id, State: CPUStateRunning}

		err := c.vcpu.Run(ctx)
		switch {
		case errors.Is(err, hv.ErrVMHalted):
			c.events <- CPUEvent{CPU: c.id, State: CPUStateHalted}
		case errors.Is(err, hv.ErrGuestShutdown):
			c.events <- CPUEvent{CPU: c.id, State: CPUStateShutdown}
		case errors.Is(err, context.Canceled):
			c.events <- CPUEvent{CPU: c.id, State: CPUStateStopped}
		default:
			c.events <- CPUEvent{CPU: c.id, State: CPUStateFaulted, Err: err}
		}
	}()

	return nil
}

// Stop cancels the run goroutine and waits for it to exit.
func (c *CPUDevice) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.running = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Close stops the CPU and releases the underlying vCPU.
func (c *CPUDevice) Close() error {
	c.Stop()
	return c.vcpu.Close()
}
