//go:build linux

package factory

import (
	"github.com/gorbis/gorbis/internal/hv"
	"github.com/gorbis/gorbis/internal/hv/kvm"
)

func Open() (hv.Hypervisor, error) {
	return kvm.Open()
}
