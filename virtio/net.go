package virtio

import (
	"net"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/c35s/hypenet/eventfd"
	"github.com/c35s/hypenet/guestmem"
	"github.com/c35s/hypenet/internal/logging"
	"github.com/c35s/hypenet/virtio/virtq"
)

// Net is a network device with a control queue. Only the control plane is
// implemented: the driver can negotiate queue pairs, but packets on the data
// queues are never forwarded.
type Net struct {
	MAC net.HardwareAddr

	// NumQueues is the number of data queues (rx and tx). The control queue
	// comes after them. Defaults to 2.
	NumQueues int

	// MTU, if set, is advertised with NetFMTU.
	MTU uint16

	// Speed (in Mbit/s), if set, is advertised with Duplex and NetFSpeedDuplex.
	Speed  uint32
	Duplex uint8

	// Mem is the guest memory the control queue lives in.
	Mem *guestmem.Atomic

	// Log defaults to the process default logger.
	Log *zerolog.Logger

	mu    sync.Mutex
	pause *PauseController
	stats CtrlStats
	h     *netHandler
}

type netHandler struct {
	cfg   *Net
	log   zerolog.Logger
	space NetConfig
	feat  uint64

	mu     sync.Mutex
	ctrlQ  *CtrlQueue
	kicks  []*eventfd.EventFD
	worker *NetCtrlHandler
	g      *errgroup.Group
}

var ErrNetConfig = errors.Base("virtio: invalid net device config")

func (cfg *Net) NewHandler() (DeviceHandler, error) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if err := cfg.withDefaults().validate(); err != nil {
		return nil, err
	}

	log := logging.Default()
	if cfg.Log != nil {
		log = *cfg.Log
	}

	h := &netHandler{
		cfg: cfg,
		log: log.With().Str("device", NetworkDeviceID.String()).Logger(),
	}

	h.space, h.feat = cfg.build()
	cfg.h = h

	return h, nil
}

// Config returns the configuration space the device presents to the driver.
func (cfg *Net) Config() (NetConfig, error) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if err := cfg.withDefaults().validate(); err != nil {
		return NetConfig{}, err
	}

	space, _ := cfg.build()
	return space, nil
}

// Features returns the device-specific feature bits the device offers.
func (cfg *Net) Features() (uint64, error) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if err := cfg.withDefaults().validate(); err != nil {
		return 0, err
	}

	_, feat := cfg.build()
	return feat, nil
}

// Pause parks the device's control queue worker. The worker isn't
// necessarily parked yet when Pause returns; see State.
func (cfg *Net) Pause() error {
	return cfg.pauser().RequestPause()
}

// Resume unparks the device's control queue worker.
func (cfg *Net) Resume() {
	cfg.pauser().Resume()
}

// Stats returns the control queue counters accumulated across handlers.
func (cfg *Net) Stats() CtrlStatsSnapshot {
	return cfg.stats.Snapshot()
}

// State returns the state of the control queue worker, or Initializing if
// the worker hasn't started.
func (cfg *Net) State() LoopState {
	cfg.mu.Lock()
	h := cfg.h
	cfg.mu.Unlock()

	if h == nil {
		return Initializing
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.worker == nil {
		return Initializing
	}

	return h.worker.State()
}

func (cfg *Net) pauser() *PauseController {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if cfg.pause == nil {
		cfg.pause = NewPauseController()
	}

	return cfg.pause
}

func (cfg *Net) withDefaults() *Net {
	if cfg.NumQueues == 0 {
		cfg.NumQueues = 2
	}

	return cfg
}

func (cfg *Net) validate() error {
	if len(cfg.MAC) != 6 {
		return errors.WithDetails(ErrNetConfig, "mac", cfg.MAC.String())
	}

	if cfg.NumQueues < 2 || cfg.NumQueues%2 != 0 || cfg.NumQueues > 2*CtrlMQVQPairsMax {
		return errors.WithDetails(ErrNetConfig, "numQueues", cfg.NumQueues)
	}

	if cfg.Speed != 0 {
		switch cfg.Duplex {
		case NetDuplexHalf, NetDuplexFull, NetDuplexUnknown:
		default:
			return errors.WithDetails(ErrNetConfig, "duplex", cfg.Duplex)
		}
	}

	return nil
}

func (cfg *Net) build() (space NetConfig, feat uint64) {
	feat = NetFCtrlVQ | NetFStatus
	space.Status = NetSLinkUp

	BuildNetConfigSpace(&space, cfg.MAC, cfg.NumQueues, &feat)

	if cfg.MTU != 0 {
		space.MTU = cfg.MTU
		feat |= NetFMTU
	}

	if cfg.Speed != 0 {
		space.Speed = cfg.Speed
		space.Duplex = cfg.Duplex
		feat |= NetFSpeedDuplex
	}

	return space, feat
}

func (h *netHandler) GetType() DeviceID {
	return NetworkDeviceID
}

func (h *netHandler) GetFeatures() uint64 {
	return h.feat
}

func (h *netHandler) ctrlQueueNum() int {
	return h.cfg.NumQueues
}

func (h *netHandler) QueueReady(num int, q *virtq.Queue, kick *eventfd.EventFD) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case num == h.ctrlQueueNum():
		if h.ctrlQ != nil {
			return errors.Errorf("virtio: net: ctrl queue %d is already ready", num)
		}

		h.ctrlQ = NewCtrlQueue(q, kick)
		h.ctrlQ.Log = h.log.With().Str("queue", "ctrl").Logger()
		h.ctrlQ.stats = &h.cfg.stats

	case num >= 0 && num < h.ctrlQueueNum():
		// no data path: keep the kick so Reset can close it
		h.kicks = append(h.kicks, kick)
		h.log.Debug().Int("queue", num).Msg("data queue ready, ignoring")

	default:
		return errors.Errorf("virtio: net: no queue %d", num)
	}

	return nil
}

func (h *netHandler) Ready(negotiatedFeatures uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if negotiatedFeatures&NetFCtrlVQ == 0 {
		h.log.Info().Msg("driver did not negotiate the ctrl queue")
		return nil
	}

	if h.ctrlQ == nil {
		return errors.New("virtio: net: ctrl queue is not ready")
	}

	if h.worker != nil {
		return errors.New("virtio: net: ctrl queue worker is already running")
	}

	if h.cfg.Mem == nil {
		return ErrNoMemory
	}

	return h.startWorker()
}

// startWorker runs a NetCtrlHandler on its own OS thread. h.mu must be held.
func (h *netHandler) startWorker() (err error) {
	var closers []func() error
	defer func() {
		if err != nil {
			for _, c := range closers {
				c()
			}
		}
	}()

	killEvt, err := eventfd.New()
	if err != nil {
		return err
	}

	closers = append(closers, killEvt.Close)

	pauseEvt, err := eventfd.New()
	if err != nil {
		return err
	}

	closers = append(closers, pauseEvt.Close)

	q, err := h.ctrlQ.Clone()
	if err != nil {
		return err
	}

	pause := h.cfg.pauser()
	pause.Register(pauseEvt)

	w := NewNetCtrlHandler(h.cfg.Mem, killEvt, pauseEvt, q, h.ctrlQ.Log)

	h.worker = w
	h.g = new(errgroup.Group)

	h.g.Go(func() error {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		defer pause.Unregister(pauseEvt)

		err := w.Run(pause)
		if err != nil {
			h.log.Error().Err(err).Msg("ctrl queue worker failed")
		}

		return errors.Join(err, q.Close(), killEvt.Close(), pauseEvt.Close())
	})

	h.log.Debug().Int("queue", h.ctrlQueueNum()).Msg("ctrl queue worker started")

	return nil
}

func (h *netHandler) ReadConfig(p []byte, off int) error {
	b, err := h.space.MarshalBinary()
	if err != nil {
		return err
	}

	if off < 0 || off+len(p) > len(b) {
		return errors.Errorf("virtio: net: config read of %d bytes at %d is out of range", len(p), off)
	}

	copy(p, b[off:])
	return nil
}

// Reset stops the ctrl queue worker and closes every kick eventfd.
func (h *netHandler) Reset() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error

	if h.worker != nil {
		if err := h.worker.Kill(); err != nil {
			errs = append(errs, err)
		}

		if err := h.g.Wait(); err != nil {
			errs = append(errs, err)
		}

		h.worker, h.g = nil, nil
	}

	if h.ctrlQ != nil {
		errs = append(errs, h.ctrlQ.Close())
		h.ctrlQ = nil
	}

	for _, k := range h.kicks {
		errs = append(errs, k.Close())
	}

	h.kicks = nil

	return errors.Join(errs...)
}
