package virtio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/c35s/hypenet/epoll"
	"github.com/c35s/hypenet/eventfd"
	"github.com/c35s/hypenet/guestmem"
)

// Epoll tags of the network device's worker events.
const (
	ctrlQueueEvent = 0

	// KillEvent means the device has been dropped.
	KillEvent = 3

	// PauseEvent means the device should be paused.
	PauseEvent = 4

	// NetEventsCount is the number of event tags used by the network device.
	NetEventsCount = 5

	ctrlEventCount = 3
)

var (
	ErrEpollCreate = errors.Base("virtio: epoll create failed")
	ErrEpollCtl    = errors.Base("virtio: epoll ctl failed")
	ErrEpollWait   = errors.Base("virtio: epoll wait failed")
)

// LoopState is the state of a NetCtrlHandler's event loop.
type LoopState int32

const (
	Initializing LoopState = iota
	Running
	Paused
	Terminated
)

// NetCtrlHandler runs the control queue of a network device. Run is the whole
// body of the worker; it owns CtrlQ until it returns.
type NetCtrlHandler struct {
	Mem      *guestmem.Atomic
	KillEvt  *eventfd.EventFD
	PauseEvt *eventfd.EventFD
	CtrlQ    *CtrlQueue
	Log      zerolog.Logger

	state atomic.Int32
	doneC chan struct{}
	once  sync.Once

	mu sync.Mutex
	ep *epoll.Epoll
}

func NewNetCtrlHandler(mem *guestmem.Atomic, killEvt, pauseEvt *eventfd.EventFD, ctrlQ *CtrlQueue, log zerolog.Logger) *NetCtrlHandler {
	return &NetCtrlHandler{
		Mem:      mem,
		KillEvt:  killEvt,
		PauseEvt: pauseEvt,
		CtrlQ:    ctrlQ,
		Log:      log,
		doneC:    make(chan struct{}),
	}
}

// Run processes control queue notifications until the kill event fires. It
// parks while pause is paused, including before the first notification is
// handled. Command errors are logged; Run only fails if epoll does.
func (h *NetCtrlHandler) Run(pause *PauseController) error {
	defer h.state.Store(int32(Terminated))

	ep, err := epoll.New()
	if err != nil {
		return wrapCtrl(ErrEpollCreate, err)
	}

	defer ep.Close()

	h.mu.Lock()
	h.ep = ep
	h.mu.Unlock()

	sources := []struct {
		fd  int
		tag uint64
	}{
		{h.CtrlQ.Kick.Fd(), ctrlQueueEvent},
		{h.KillEvt.Fd(), KillEvent},
		{h.PauseEvt.Fd(), PauseEvent},
	}

	for _, src := range sources {
		if err := ep.Add(src.fd, epoll.In, src.tag); err != nil {
			return wrapCtrl(ErrEpollCtl, err)
		}
	}

	if pause.IsPaused() && !h.park(pause) {
		return nil
	}

	h.state.Store(int32(Running))

	events := make([]epoll.Event, ctrlEventCount)

	for {
		n, err := ep.Wait(events, -1)
		if errors.Is(err, unix.EINTR) {
			h.Log.Debug().Msg("epoll wait interrupted")
			continue
		}

		if err != nil {
			return wrapCtrl(ErrEpollWait, err)
		}

		ready := events[:n]

		for _, ev := range ready {
			if ev.Tag == KillEvent {
				h.Log.Debug().Msg("ctrl queue worker killed")
				return nil
			}
		}

		for _, ev := range ready {
			switch ev.Tag {
			case ctrlQueueEvent:
				if _, err := h.CtrlQ.Kick.Read(); err != nil {
					h.Log.Error().Err(err).Msg("failed to drain ctrl queue event")
				}

				if err := h.CtrlQ.ProcessControlQueue(h.Mem.Memory()); err != nil {
					h.logCtrlErr(err)
				}

			case PauseEvent:
				// drain before checking the flag so a request raised while
				// resuming isn't swallowed
				h.PauseEvt.Read()

				if pause.IsPaused() && !h.park(pause) {
					return nil
				}

			default:
				h.Log.Warn().Uint64("tag", ev.Tag).Msg("unknown event")
			}
		}
	}
}

// Kill raises the kill event. A worker parked by a pause returns immediately.
func (h *NetCtrlHandler) Kill() error {
	h.once.Do(func() { close(h.doneC) })
	return h.KillEvt.Write(1)
}

// Done is closed by Kill.
func (h *NetCtrlHandler) Done() <-chan struct{} {
	return h.doneC
}

func (h *NetCtrlHandler) State() LoopState {
	return LoopState(h.state.Load())
}

func (h *NetCtrlHandler) park(pause *PauseController) bool {
	h.state.Store(int32(Paused))
	h.Log.Debug().Msg("ctrl queue worker paused")

	if !pause.Park(h.doneC) {
		return false
	}

	h.state.Store(int32(Running))
	h.Log.Debug().Msg("ctrl queue worker resumed")

	return true
}

func (h *NetCtrlHandler) logCtrlErr(err error) {
	// spurious or already drained notification
	if err == ErrInvalidDescriptor {
		h.Log.Debug().Err(err).Msg("no ctrl queue descriptor available")
		return
	}

	h.Log.Warn().Err(err).Msg("failed to process ctrl queue")
}

// epollFd returns the worker's epoll descriptor, or -1 once Run has returned.
func (h *NetCtrlHandler) epollFd() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ep == nil {
		return -1
	}

	return h.ep.Fd()
}

func (s LoopState) String() string {
	switch s {
	case Initializing:
		return "initializing"

	case Running:
		return "running"

	case Paused:
		return "paused"

	case Terminated:
		return "terminated"

	default:
		return fmt.Sprintf("LoopState(%d)", s)
	}
}
