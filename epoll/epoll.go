//go:build linux

// Package epoll is a small wrapper around epoll(7) for device worker loops
// that block on a fixed set of file descriptors.
package epoll

import (
	"sync"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

// Epoll is an epoll instance. Wait must not be called concurrently.
type Epoll struct {
	mu  sync.Mutex
	fd  int
	raw []unix.EpollEvent
}

// Event is a ready event. Tag is the value passed to Add for the descriptor.
type Event struct {
	Events uint32
	Tag    uint64
}

// In is EPOLLIN.
const In = unix.EPOLLIN

var ErrClosed = errors.Base("epoll: closed")

// New creates a close-on-exec epoll instance.
func New() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Errorf("epoll: create: %w", err)
	}

	return &Epoll{fd: fd}, nil
}

// Add registers fd for events. Tag is reported back by Wait.
func (ep *Epoll) Add(fd int, events uint32, tag uint64) error {
	epfd := ep.Fd()
	if epfd < 0 {
		return ErrClosed
	}

	ev := unix.EpollEvent{
		Events: events,
		Fd:     int32(tag),
		Pad:    int32(tag >> 32),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Errorf("epoll: add fd %d: %w", fd, err)
	}

	return nil
}

// Wait blocks until at least one registered descriptor is ready or msec
// milliseconds pass. A negative msec blocks indefinitely. It fills events and
// returns the number of ready events. An interrupted wait fails with an error
// wrapping unix.EINTR; callers decide whether to retry.
func (ep *Epoll) Wait(events []Event, msec int) (int, error) {
	epfd := ep.Fd()
	if epfd < 0 {
		return 0, ErrClosed
	}

	if len(events) == 0 {
		return 0, errors.New("epoll: empty event buffer")
	}

	if cap(ep.raw) < len(events) {
		ep.raw = make([]unix.EpollEvent, len(events))
	}

	raw := ep.raw[:len(events)]

	n, err := unix.EpollWait(epfd, raw, msec)
	if err != nil {
		return 0, errors.Errorf("epoll: wait: %w", err)
	}

	for i, ev := range raw[:n] {
		events[i] = Event{
			Events: ev.Events,
			Tag:    uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32,
		}
	}

	return n, nil
}

// Fd returns the epoll file descriptor, or -1 after Close.
func (ep *Epoll) Fd() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.fd
}

// Close closes the epoll instance. Closing twice is a no-op.
func (ep *Epoll) Close() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.fd < 0 {
		return nil
	}

	err := unix.Close(ep.fd)
	ep.fd = -1

	return err
}
