package machine

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Guest-physical layout. One contiguous 8GB backing store is exposed through
// two alias windows around the 4GB boundary, with the UBIOS firmware-shadow
// window sitting immediately below 4GB.
const (
	RAMSize        = 0x2_0000_0000 // 8GB
	RAMSizeBelow4G = 0x8000_0000   // 2GB low window
	RAMSizeAbove4G = RAMSize - RAMSizeBelow4G

	HighWindowBase = 0x1_0000_0000 // 4GB

	UBIOSSize = 0x80000
	UBIOSBase = HighWindowBase - UBIOSSize
)

// DefaultCPUCount matches the target hardware's eight cores.
const DefaultCPUCount = 8

// Config is the immutable machine configuration. A Machine is constructed
// once from it; changing a Config after construction has no effect.
type Config struct {
	// CPUs is the number of virtual CPUs.
	CPUs int `yaml:"cpus"`

	// FirmwareVersion selects the patch table applied after a recovery
	// load. Empty disables patching.
	FirmwareVersion string `yaml:"firmware_version"`

	// ScratchPad is applied to RAM once at construction time.
	ScratchPad *ScratchPad `yaml:"scratch_pad"`

	// Patches maps firmware versions to post-load patch tables.
	Patches PatchSet `yaml:"patches"`

	// UART0 and UART1 are the southbridge UART char backends.
	UART0 io.Writer `yaml:"-"`
	UART1 io.Writer `yaml:"-"`
}

// DefaultConfig returns the stock machine configuration: eight CPUs, the
// built-in scratch-pad table, the built-in patch tables, and patching
// disabled.
func DefaultConfig() Config {
	return Config{
		CPUs:       DefaultCPUCount,
		ScratchPad: DefaultScratchPad(),
		Patches:    DefaultPatchSet(),
	}
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("machine: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("machine: parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.CPUs <= 0 {
		return fmt.Errorf("machine: cpu count %d out of range", c.CPUs)
	}
	return nil
}
