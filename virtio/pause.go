package virtio

import (
	"sync"
	"sync/atomic"

	"gitlab.com/tozd/go/errors"

	"github.com/c35s/hypenet/eventfd"
)

// PauseController coordinates pausing device workers. The management side
// calls RequestPause and Resume; workers call IsPaused and Park.
type PauseController struct {
	paused atomic.Bool

	mu     sync.Mutex
	resume chan struct{}
	evts   []*eventfd.EventFD
}

func NewPauseController() *PauseController {
	p := &PauseController{resume: make(chan struct{})}
	close(p.resume)
	return p
}

// Register adds a pause eventfd raised by RequestPause.
func (p *PauseController) Register(evt *eventfd.EventFD) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evts = append(p.evts, evt)
}

// Unregister removes evt.
func (p *PauseController) Unregister(evt *eventfd.EventFD) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.evts {
		if e == evt {
			p.evts = append(p.evts[:i], p.evts[i+1:]...)
			return
		}
	}
}

// IsPaused reports whether workers should be parked.
func (p *PauseController) IsPaused() bool {
	return p.paused.Load()
}

// RequestPause sets the pause flag and wakes every registered worker so it
// parks. Workers are not parked yet when RequestPause returns.
func (p *PauseController) RequestPause() error {
	p.mu.Lock()
	if !p.paused.Load() {
		p.resume = make(chan struct{})
		p.paused.Store(true)
	}

	evts := append([]*eventfd.EventFD(nil), p.evts...)
	p.mu.Unlock()

	var errs []error
	for _, evt := range evts {
		if err := evt.Write(1); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Resume clears the pause flag and unparks workers.
func (p *PauseController) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paused.Load() {
		p.paused.Store(false)
		close(p.resume)
	}
}

// Park blocks while the pause flag is set. It returns false if done is closed
// first.
func (p *PauseController) Park(done <-chan struct{}) bool {
	for {
		p.mu.Lock()
		paused, resume := p.paused.Load(), p.resume
		p.mu.Unlock()

		if !paused {
			return true
		}

		select {
		case <-resume:
		case <-done:
			return false
		}
	}
}
