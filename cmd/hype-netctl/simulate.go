package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/c35s/hypenet/guestmem"
	"github.com/c35s/hypenet/internal/logging"
	"github.com/c35s/hypenet/virtio"
	"github.com/c35s/hypenet/virtio/mmio"
	"github.com/c35s/hypenet/virtio/virtq"
)

// Guest memory layout. Command buffers live in the first page and each
// queue gets a page of its own after that.
const (
	simHdrAddr     = 0x0000
	simPayloadAddr = 0x0010
	simStatusAddr  = 0x0020

	simQueueBase  = 0x1000
	simQueueSize  = 64
	simAvailOff   = 0x400
	simUsedOff    = 0x800
	simQueueBytes = 0x1000

	// statusUnset is written to the status byte before each command so that
	// an unacknowledged command can be told apart.
	statusUnset = 0xff
)

type simOptions struct {
	Pairs []uint16

	// PauseAt is the index of a command to send while the device is paused,
	// or -1.
	PauseAt int

	// Quiet is how long a paused device must not answer.
	Quiet time.Duration

	Timeout time.Duration
}

type cmdResult struct {
	Pairs  uint16 `json:"pairs" yaml:"pairs"`
	Status uint8  `json:"status" yaml:"status"`
	Acked  bool   `json:"acked" yaml:"acked"`
	Paused bool   `json:"paused,omitempty" yaml:"paused,omitempty"`
}

type simReport struct {
	Device     *deviceReport            `json:"device" yaml:"device"`
	Negotiated []string                 `json:"negotiated" yaml:"negotiated"`
	Commands   []cmdResult              `json:"commands" yaml:"commands"`
	Interrupts int32                    `json:"interrupts" yaml:"interrupts"`
	Stats      virtio.CtrlStatsSnapshot `json:"stats" yaml:"stats"`
}

var (
	errSimQueues   = errors.Base("too many queues to simulate")
	errSimTimeout  = errors.Base("timed out waiting for the device")
	errSimNotEmpty = errors.Base("device answered while paused")
)

func simulateCommand() *cli.Command {
	flags := append(deviceFlags(), outputFlag(),
		&cli.UintSliceFlag{
			Name:  "pairs",
			Value: cli.NewUintSlice(1),
			Usage: "queue pair counts to set, in order",
		},
		&cli.IntFlag{
			Name:  "pause-at",
			Value: -1,
			Usage: "send the command at `INDEX` while the device is paused",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Value: 5 * time.Second,
			Usage: "how long to wait for each command",
		},
	)

	return &cli.Command{
		Name:  "simulate",
		Usage: "attach a device to a virtio-mmio bus and send it control commands",
		Flags: flags,

		Action: func(c *cli.Context) error {
			cfg, err := deviceFromContext(c)
			if err != nil {
				return err
			}

			opts := simOptions{
				PauseAt: c.Int("pause-at"),
				Quiet:   100 * time.Millisecond,
				Timeout: c.Duration("timeout"),
			}

			for _, n := range c.UintSlice("pairs") {
				opts.Pairs = append(opts.Pairs, uint16(n))
			}

			r, err := simulate(c.Context, cfg, opts, logging.Default())
			if err != nil {
				return err
			}

			return writeReport(c.App.Writer, outputFormat(c), r)
		},
	}
}

type simulator struct {
	cfg  *virtio.Net
	opts simOptions
	log  zerolog.Logger

	mem  *guestmem.Memory
	bus  *mmio.Bus
	drv  *mmio.Driver
	vq   *virtq.Driver
	ctrl int

	irqC  chan struct{}
	usedC chan virtq.UsedElem
	irqs  atomic.Int32
}

// simulate attaches cfg to a fresh bus, brings it up the way a guest driver
// would and sends a set-pairs command for each of opts.Pairs.
func simulate(ctx context.Context, cfg *virtio.Net, opts simOptions, log zerolog.Logger) (*simReport, error) {
	dev, err := newDeviceReport(cfg)
	if err != nil {
		return nil, err
	}

	s := &simulator{
		cfg:   cfg,
		opts:  opts,
		log:   log,
		ctrl:  cfg.NumQueues,
		irqC:  make(chan struct{}, 1),
		usedC: make(chan virtq.UsedElem, simQueueSize),
	}

	if s.ctrl+1 > 64 {
		return nil, errors.WithDetails(errSimQueues, "queues", s.ctrl+1)
	}

	if s.mem, err = guestmem.Alloc(0, memSize(s.ctrl+1)); err != nil {
		return nil, err
	}

	defer s.mem.Close()

	cfg.Mem = guestmem.NewAtomic(s.mem)
	cfg.Log = &s.log

	h, err := cfg.NewHandler()
	if err != nil {
		return nil, err
	}

	s.bus = mmio.NewBus([]virtio.DeviceHandler{h}, cfg.Mem, s.interrupt)
	defer s.bus.Close()

	s.drv = mmio.NewDriver(s.bus, s.bus.Devices()[0])

	feat, err := s.bringUp()
	if err != nil {
		return nil, err
	}

	r := &simReport{
		Device:     dev,
		Negotiated: featureNames(feat),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.handleInterrupts(gctx)
	})

	g.Go(func() error {
		defer cancel()

		for i, n := range opts.Pairs {
			res, err := s.send(gctx, n, i == opts.PauseAt)
			if err != nil {
				return errors.WithDetails(err, "command", i)
			}

			r.Commands = append(r.Commands, res)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := s.drv.Reset(); err != nil {
		return nil, err
	}

	r.Interrupts = s.irqs.Load()
	r.Stats = cfg.Stats()

	return r, nil
}

func memSize(queues int) int {
	n := simQueueBase + queues*simQueueBytes
	pgsz := os.Getpagesize()
	return (n + pgsz - 1) / pgsz * pgsz
}

// bringUp negotiates features, enables every queue and waits for the
// control queue worker.
func (s *simulator) bringUp() (uint64, error) {
	feat, err := s.drv.Negotiate(virtio.NetFCtrlVQ | virtio.NetFMQ | virtio.NetFMAC |
		virtio.NetFStatus | virtio.NetFMTU | virtio.NetFSpeedDuplex)

	if err != nil {
		return 0, err
	}

	for i := 0; i <= s.ctrl; i++ {
		base := uint64(simQueueBase + i*simQueueBytes)

		vq, err := virtq.NewDriver(s.mem, simQueueSize, base, base+simAvailOff, base+simUsedOff)
		if err != nil {
			return 0, err
		}

		if err := s.drv.SetupQueue(mmio.QueueConfig{
			Num:       i,
			Size:      simQueueSize,
			DescAddr:  base,
			AvailAddr: base + simAvailOff,
			UsedAddr:  base + simUsedOff,
		}); err != nil {
			return 0, err
		}

		if i == s.ctrl {
			s.vq = vq
		}
	}

	if err := s.drv.DriverOK(); err != nil {
		return 0, err
	}

	if err := s.waitState(virtio.Running); err != nil {
		return 0, err
	}

	s.log.Debug().
		Strs("features", featureNames(feat)).
		Int("ctrlQueue", s.ctrl).
		Msg("driver ok")

	return feat, nil
}

func (s *simulator) interrupt(irq int) error {
	s.irqs.Add(1)

	select {
	case s.irqC <- struct{}{}:
	default:
	}

	return nil
}

// handleInterrupts acknowledges used buffer interrupts and forwards used
// elements until ctx is done.
func (s *simulator) handleInterrupts(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.irqC:
		}

		is, err := s.drv.InterruptStatus()
		if err != nil {
			return err
		}

		if err := s.drv.AckInterrupt(is); err != nil {
			return err
		}

		for {
			elem, ok, err := s.vq.PopUsed()
			if err != nil {
				return err
			}

			if !ok {
				break
			}

			select {
			case s.usedC <- elem:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (s *simulator) send(ctx context.Context, pairs uint16, paused bool) (cmdResult, error) {
	res := cmdResult{Pairs: pairs, Paused: paused}

	if err := s.mem.Write([]byte{virtio.CtrlMQ, virtio.CtrlMQVQPairsSet}, simHdrAddr); err != nil {
		return res, err
	}

	if err := s.mem.WriteUint16(pairs, simPayloadAddr); err != nil {
		return res, err
	}

	if err := s.mem.WriteUint8(statusUnset, simStatusAddr); err != nil {
		return res, err
	}

	if paused {
		if err := s.cfg.Pause(); err != nil {
			return res, err
		}

		if err := s.waitState(virtio.Paused); err != nil {
			return res, err
		}
	}

	_, err := s.vq.AddChain(
		virtq.Buffer{Addr: simHdrAddr, Len: 2},
		virtq.Buffer{Addr: simPayloadAddr, Len: 2},
		virtq.Buffer{Addr: simStatusAddr, Len: 1, Write: true},
	)

	if err != nil {
		return res, err
	}

	if err := s.drv.Notify(s.ctrl); err != nil {
		return res, err
	}

	if paused {
		select {
		case <-s.usedC:
			return res, errSimNotEmpty

		case <-time.After(s.opts.Quiet):
		}

		s.cfg.Resume()
	}

	select {
	case <-s.usedC:
	case <-time.After(s.opts.Timeout):
		return res, errors.WithDetails(errSimTimeout, "pairs", pairs)

	case <-ctx.Done():
		return res, errors.WithStack(ctx.Err())
	}

	status, err := s.mem.ReadUint8(simStatusAddr)
	if err != nil {
		return res, err
	}

	res.Status = status
	res.Acked = status == virtio.CtrlOK

	s.log.Info().
		Uint16("pairs", pairs).
		Bool("acked", res.Acked).
		Bool("paused", paused).
		Msg("set queue pairs")

	return res, nil
}

func (s *simulator) waitState(want virtio.LoopState) error {
	deadline := time.Now().Add(s.opts.Timeout)
	for s.cfg.State() != want {
		if time.Now().After(deadline) {
			return errors.WithDetails(errSimTimeout, "state", want.String())
		}

		time.Sleep(time.Millisecond)
	}

	return nil
}

func (r *simReport) writeTable(w io.Writer) error {
	if err := r.Device.writeTable(w); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)

	fmt.Fprintf(tw, "\nnegotiated\t%s\n\n", strings.Join(r.Negotiated, " "))
	fmt.Fprintln(tw, "PAIRS\tSTATUS\tACKED\tPAUSED")

	for _, c := range r.Commands {
		fmt.Fprintf(tw, "%d\t%#04x\t%v\t%v\n", c.Pairs, c.Status, c.Acked, c.Paused)
	}

	fmt.Fprintf(tw, "\ninterrupts\t%d\n", r.Interrupts)
	fmt.Fprintf(tw, "commands\t%d\n", r.Stats.Commands)
	fmt.Fprintf(tw, "acked\t%d\n", r.Stats.Acked)
	fmt.Fprintf(tw, "rejected\t%d\n", r.Stats.Rejected)
	fmt.Fprintf(tw, "spurious\t%d\n", r.Stats.Spurious)
	fmt.Fprintf(tw, "used posted\t%d\n", r.Stats.UsedPosted)

	return errors.WithStack(tw.Flush())
}
