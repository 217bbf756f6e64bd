package virtio

import (
	"bytes"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/c35s/hypenet/eventfd"
	"github.com/c35s/hypenet/guestmem"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
	quiet   = 100 * time.Millisecond
)

type loopRig struct {
	*ctrlRig
	h     *NetCtrlHandler
	pause *PauseController
	g     errgroup.Group
}

func newLoopRig(t *testing.T) *loopRig {
	t.Helper()

	r := &loopRig{
		ctrlRig: newCtrlRig(t),
		pause:   NewPauseController(),
	}

	killEvt, err := eventfd.New()
	require.NoError(t, err)
	t.Cleanup(func() { killEvt.Close() })

	pauseEvt, err := eventfd.New()
	require.NoError(t, err)
	t.Cleanup(func() { pauseEvt.Close() })

	r.pause.Register(pauseEvt)
	r.h = NewNetCtrlHandler(guestmem.NewAtomic(r.mem), killEvt, pauseEvt, r.q, zerolog.Nop())

	return r
}

func (r *loopRig) start() {
	r.g.Go(func() error { return r.h.Run(r.pause) })
}

// stop kills the loop and checks it released its epoll instance.
func (r *loopRig) stop(t *testing.T) {
	t.Helper()

	require.NoError(t, r.h.Kill())
	require.NoError(t, r.g.Wait())

	assert.Equal(t, Terminated, r.h.State())
	assert.Equal(t, -1, r.h.epollFd())
}

func (r *loopRig) kick(t *testing.T) {
	t.Helper()
	require.NoError(t, r.q.Kick.Write(1))
}

func (r *loopRig) eventuallyUsed(t *testing.T, n uint16) {
	t.Helper()

	require.Eventually(t, func() bool {
		idx, err := r.drv.UsedIdx()
		return err == nil && idx == n
	}, waitFor, tick, "used idx never reached %d", n)
}

func (r *loopRig) eventuallyState(t *testing.T, s LoopState) {
	t.Helper()

	require.Eventually(t, func() bool {
		return r.h.State() == s
	}, waitFor, tick, "loop never reached state %v", s)
}

func (r *loopRig) neverUsed(t *testing.T) {
	t.Helper()

	assert.Never(t, func() bool {
		idx, err := r.drv.UsedIdx()
		return err != nil || idx != 0
	}, quiet, tick, "processed a command while paused")
}

func TestRun(t *testing.T) {
	r := newLoopRig(t)
	assert.Equal(t, Initializing, r.h.State())

	r.start()
	r.eventuallyState(t, Running)

	r.addSetPairs(t, 2)
	r.kick(t)
	r.eventuallyUsed(t, 1)
	assert.Equal(t, uint8(CtrlOK), r.status(t))

	r.stop(t)
}

func TestRunSurvivesBadCommands(t *testing.T) {
	r := newLoopRig(t)
	r.start()

	// spurious notification
	r.kick(t)

	// rejected commands
	r.addCmd(t, 0xff, 0x00, []byte{1, 0}, true)
	r.kick(t)
	r.eventuallyUsed(t, 1)

	r.addSetPairs(t, 0)
	r.kick(t)
	r.eventuallyUsed(t, 2)
	assert.Equal(t, uint8(statusUnset), r.status(t))

	// still serving
	r.addSetPairs(t, 1)
	r.kick(t)
	r.eventuallyUsed(t, 3)
	assert.Equal(t, uint8(CtrlOK), r.status(t))

	r.stop(t)

	stats := r.q.Stats()
	assert.Equal(t, uint64(3), stats.Commands)
	assert.Equal(t, uint64(2), stats.Rejected)
	assert.Equal(t, uint64(3), stats.UsedPosted)
}

func TestRunPause(t *testing.T) {
	r := newLoopRig(t)
	r.start()
	r.eventuallyState(t, Running)

	require.NoError(t, r.pause.RequestPause())
	r.eventuallyState(t, Paused)

	// raised while paused; must be seen on resume
	r.addSetPairs(t, 4)
	r.kick(t)
	r.neverUsed(t)

	r.pause.Resume()
	r.eventuallyUsed(t, 1)
	r.eventuallyState(t, Running)

	// pausing again works
	require.NoError(t, r.pause.RequestPause())
	r.eventuallyState(t, Paused)
	r.pause.Resume()
	r.eventuallyState(t, Running)

	r.stop(t)
}

func TestRunSpuriousPauseEvent(t *testing.T) {
	r := newLoopRig(t)
	r.start()
	r.eventuallyState(t, Running)

	// raised without a request: drained, not parked
	require.NoError(t, r.h.PauseEvt.Write(1))

	r.addSetPairs(t, 1)
	r.kick(t)
	r.eventuallyUsed(t, 1)
	assert.Equal(t, Running, r.h.State())

	// the flag is what decides, whoever raised the event
	r.pause.Unregister(r.h.PauseEvt)
	require.NoError(t, r.pause.RequestPause())
	require.NoError(t, r.h.PauseEvt.Write(1))
	r.eventuallyState(t, Paused)

	r.pause.Resume()
	r.eventuallyState(t, Running)

	r.stop(t)
}

// syncBuffer is a log sink shared with the worker.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (sb *syncBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.b.Write(p)
}

func (sb *syncBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.b.String()
}

func TestRunRetriesInterruptedWait(t *testing.T) {
	r := newLoopRig(t)

	var logs syncBuffer
	r.h.Log = zerolog.New(&logs).Level(zerolog.DebugLevel)

	tidC := make(chan int, 1)
	r.g.Go(func() error {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		tidC <- unix.Gettid()
		return r.h.Run(r.pause)
	})

	tid := <-tidC
	r.eventuallyState(t, Running)

	// SIGURG is harmless to the runtime and interrupts epoll_wait
	require.Eventually(t, func() bool {
		unix.Tgkill(unix.Getpid(), tid, unix.SIGURG)
		return strings.Contains(logs.String(), "epoll wait interrupted")
	}, waitFor, tick, "wait was never interrupted")

	assert.Equal(t, Running, r.h.State())

	r.addSetPairs(t, 1)
	r.kick(t)
	r.eventuallyUsed(t, 1)
	assert.Equal(t, uint8(CtrlOK), r.status(t))

	r.stop(t)
}

func TestRunStartsPaused(t *testing.T) {
	r := newLoopRig(t)
	require.NoError(t, r.pause.RequestPause())

	r.addSetPairs(t, 1)
	r.kick(t)

	r.start()
	r.eventuallyState(t, Paused)
	r.neverUsed(t)

	r.pause.Resume()
	r.eventuallyUsed(t, 1)

	r.stop(t)
}

func TestRunKillWhilePaused(t *testing.T) {
	r := newLoopRig(t)
	r.start()

	require.NoError(t, r.pause.RequestPause())
	r.eventuallyState(t, Paused)

	r.addSetPairs(t, 1)
	r.kick(t)

	r.stop(t)

	idx, err := r.drv.UsedIdx()
	require.NoError(t, err)
	assert.Zero(t, idx, "processed a command after the kill")
}

func TestRunKillFirst(t *testing.T) {
	r := newLoopRig(t)

	// both are ready in the first batch; the kill wins
	r.addSetPairs(t, 1)
	r.kick(t)
	require.NoError(t, r.h.Kill())

	require.NoError(t, r.h.Run(r.pause))

	idx, err := r.drv.UsedIdx()
	require.NoError(t, err)
	assert.Zero(t, idx)
	assert.Equal(t, -1, r.h.epollFd())
}

func TestRunEpollCtlFailure(t *testing.T) {
	r := newLoopRig(t)
	require.NoError(t, r.h.KillEvt.Close())

	err := r.h.Run(r.pause)
	require.ErrorIs(t, err, ErrEpollCtl)
	assert.Equal(t, Terminated, r.h.State())
	assert.Equal(t, -1, r.h.epollFd())
}

func TestLoopStateString(t *testing.T) {
	assert.Equal(t, "paused", Paused.String())
	assert.Equal(t, "LoopState(9)", LoopState(9).String())
}
