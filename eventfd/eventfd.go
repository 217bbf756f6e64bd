//go:build linux

// Package eventfd wraps Linux eventfd(2) counters used as notification handles
// between a device's worker and the rest of the VMM.
package eventfd

import (
	"encoding/binary"
	"sync"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// EventFD is a non-blocking eventfd. Each EventFD owns its file descriptor:
// duplicates made with Dup refer to the same counter but are closed
// independently.
type EventFD struct {
	mu sync.RWMutex
	fd int
}

var ErrClosed = errors.Base("eventfd: closed")

// New creates a new eventfd with a zero counter.
func New() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, errors.Errorf("eventfd: create: %w", err)
	}

	return &EventFD{fd: fd}, nil
}

// Write adds v to the counter, waking anyone polling the eventfd.
func (e *EventFD) Write(v uint64) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.fd < 0 {
		return ErrClosed
	}

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], v)

	if _, err := unix.Write(e.fd, buf[:]); err != nil {
		return errors.Errorf("eventfd: write: %w", err)
	}

	return nil
}

// Read returns the counter and resets it to zero. It fails with an error
// wrapping unix.EAGAIN if the counter is already zero.
func (e *EventFD) Read() (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.fd < 0 {
		return 0, ErrClosed
	}

	var buf [8]byte
	for {
		_, err := unix.Read(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}

		if err != nil {
			return 0, errors.Errorf("eventfd: read: %w", err)
		}

		return binary.NativeEndian.Uint64(buf[:]), nil
	}
}

// Dup returns a new EventFD with its own file descriptor for the same counter.
func (e *EventFD) Dup() (*EventFD, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.fd < 0 {
		return nil, ErrClosed
	}

	fd, err := unix.FcntlInt(uintptr(e.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Errorf("eventfd: dup: %w", err)
	}

	return &EventFD{fd: fd}, nil
}

// Fd returns the file descriptor, or -1 after Close.
func (e *EventFD) Fd() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fd
}

// Close closes the file descriptor. Closing twice is a no-op.
func (e *EventFD) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fd < 0 {
		return nil
	}

	err := unix.Close(e.fd)
	e.fd = -1

	return err
}
