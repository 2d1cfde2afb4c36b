//go:build linux

package memory

import "golang.org/x/sys/unix"

// allocBuffer returns a page-aligned anonymous mapping. KVM requires
// userspace_addr to be page aligned, so guest-visible backing stores go
// through mmap rather than the Go allocator.
func allocBuffer(size uint64) ([]byte, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, unix.ENOMEM
	}
	return unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_NORESERVE,
	)
}

func freeBuffer(buf []byte) error {
	return unix.Munmap(buf)
}
