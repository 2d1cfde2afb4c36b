// Command gorbis boots a recovery image inside a hardware-accelerated
// virtual machine modeled on the PS4's Liverpool/Aeolia topology.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/gorbis/gorbis/internal/hv/factory"
	"github.com/gorbis/gorbis/internal/machine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gorbis: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Machine configuration file (YAML)")
	cpus := flag.Int("cpus", 0, "Number of vCPUs (default: configuration value)")
	firmware := flag.String("firmware", "", "Firmware version selecting the kernel patch table")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <recovery-image>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot a recovery image in a virtual machine.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s recovery.img\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --firmware 5.00 --cpus 8 recovery.img\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	args := flag.Args()
	if len(args) != 1 {
		flag.Usage()
		return fmt.Errorf("recovery image required")
	}
	imagePath := args[0]

	cfg := machine.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = machine.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	if *cpus > 0 {
		cfg.CPUs = *cpus
	}
	if *firmware != "" {
		cfg.FirmwareVersion = *firmware
	}
	cfg.UART0 = os.Stdout
	cfg.UART1 = io.Discard

	img, err := readImage(imagePath)
	if err != nil {
		return err
	}

	hyp, err := factory.Open()
	if err != nil {
		return fmt.Errorf("open hypervisor: %w", err)
	}
	defer hyp.Close()

	m, err := machine.New(cfg, hyp)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.RecoverFrom(bytes.NewReader(img)); err != nil {
		return err
	}

	// Guest serial output shares the terminal; raw mode keeps it intact.
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set raw terminal: %w", err)
		}
		defer term.Restore(fd, oldState)
	}

	if err := m.Start(); err != nil {
		return err
	}
	defer m.Stop()

	return waitForExit(m)
}

// readImage loads the recovery image into memory with read progress on
// stderr. Images are a few hundred MB; holding one in memory is fine next to
// the guest's 8GB backing store.
func readImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recovery image: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat recovery image: %w", err)
	}

	bar := progressbar.DefaultBytes(fi.Size(), "reading recovery image")
	var buf bytes.Buffer
	buf.Grow(int(fi.Size()))
	if _, err := io.Copy(io.MultiWriter(&buf, bar), f); err != nil {
		return nil, fmt.Errorf("read recovery image: %w", err)
	}
	return buf.Bytes(), nil
}

// waitForExit blocks until the guest halts or faults, or the process is
// interrupted.
func waitForExit(m *machine.Machine) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case s := <-sig:
			slog.Info("interrupted", "signal", s)
			return nil
		case <-ticker.C:
			switch m.RunState() {
			case machine.RunStateHalted:
				slog.Info("guest halted")
				return nil
			case machine.RunStateFaulted:
				return fmt.Errorf("guest faulted: %w", m.Err())
			}
		}
	}
}
