package pci

import (
	"errors"
	"testing"
)

type recordDevice struct {
	name   string
	log    *[]string
	closeE error
	resetE error
}

func (d *recordDevice) Name() string { return d.name }

func (d *recordDevice) Reset() error {
	*d.log = append(*d.log, "reset:"+d.name)
	return d.resetE
}

func (d *recordDevice) Close() error {
	*d.log = append(*d.log, "close:"+d.name)
	return d.closeE
}

func TestBusAttach(t *testing.T) {
	var log []string
	bus := NewBus("test")

	a := &recordDevice{name: "a", log: &log}
	b := &recordDevice{name: "b", log: &log}
	for _, dev := range []*recordDevice{a, b} {
		if err := bus.Attach(dev); err != nil {
			t.Fatalf("Attach(%s): %v", dev.name, err)
		}
	}

	if err := bus.Attach(nil); err == nil {
		t.Error("Attach(nil) succeeded")
	}
	if err := bus.Attach(a); err == nil {
		t.Error("duplicate Attach succeeded")
	}

	devs := bus.Devices()
	if len(devs) != 2 || devs[0] != Device(a) || devs[1] != Device(b) {
		t.Fatalf("Devices(): %v", devs)
	}
}

func TestBusResetForwardCloseReverse(t *testing.T) {
	var log []string
	bus := NewBus("test")
	for _, name := range []string{"a", "b", "c"} {
		if err := bus.Attach(&recordDevice{name: name, log: &log}); err != nil {
			t.Fatal(err)
		}
	}

	if err := bus.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want := []string{"reset:a", "reset:b", "reset:c", "close:c", "close:b", "close:a"}
	if len(log) != len(want) {
		t.Fatalf("log %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("log %v, want %v", log, want)
		}
	}

	if len(bus.Devices()) != 0 {
		t.Error("devices survive Close")
	}
}

func TestBusCloseCollectsFirstError(t *testing.T) {
	var log []string
	errBoom := errors.New("boom")
	bus := NewBus("test")
	bus.Attach(&recordDevice{name: "a", log: &log, closeE: errBoom})
	bus.Attach(&recordDevice{name: "b", log: &log})

	err := bus.Close()
	if !errors.Is(err, errBoom) {
		t.Fatalf("Close: got %v, want wrapped boom", err)
	}
	// Both devices still closed despite the failure.
	if len(log) != 2 {
		t.Fatalf("close log %v", log)
	}
}

func TestBusResetStopsOnError(t *testing.T) {
	var log []string
	errBad := errors.New("bad reset")
	bus := NewBus("test")
	bus.Attach(&recordDevice{name: "a", log: &log, resetE: errBad})
	bus.Attach(&recordDevice{name: "b", log: &log})

	if err := bus.Reset(); !errors.Is(err, errBad) {
		t.Fatalf("Reset: got %v, want wrapped bad reset", err)
	}
	if len(log) != 1 {
		t.Fatalf("reset continued past the failure: %v", log)
	}
}
