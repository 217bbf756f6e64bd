//go:build linux

package guestmem

import (
	"os"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// Alloc maps size bytes of anonymous host memory at guest address addr.
// The size must be a multiple of the host's page size. Release the mapping
// with Close.
func Alloc(addr uint64, size int) (*Memory, error) {
	if pgsz := os.Getpagesize(); size <= 0 || size%pgsz != 0 {
		return nil, errors.Errorf("guestmem: size %d is not a positive multiple of the page size (%d)", size, pgsz)
	}

	b, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, errors.Errorf("guestmem: mmap %d bytes: %w", size, err)
	}

	m, err := New(Region{Addr: addr, Data: b})
	if err != nil {
		unix.Munmap(b)
		return nil, err
	}

	m.mapped = append(m.mapped, b)
	return m, nil
}

// Close unmaps memory allocated by Alloc. Regions passed to New are left alone.
func (m *Memory) Close() error {
	var errs []error
	for _, b := range m.mapped {
		if err := unix.Munmap(b); err != nil {
			errs = append(errs, err)
		}
	}

	m.mapped = nil
	m.regions = nil

	return errors.Join(errs...)
}
