//go:build !linux

package factory

import "github.com/gorbis/gorbis/internal/hv"

func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
