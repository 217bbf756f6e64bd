package virtio

import (
	"sync/atomic"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/c35s/hypenet/eventfd"
	"github.com/c35s/hypenet/guestmem"
	"github.com/c35s/hypenet/virtio/virtq"
)

// Control queue command classes and codes (struct virtio_net_ctrl_hdr).
const (
	CtrlMQ           = 4
	CtrlMQVQPairsSet = 0
)

// CtrlOK is the ack written to the status buffer of a successful command.
const CtrlOK = 0

var (
	ErrGuestMemory             = errors.Base("virtio: guest memory access failed")
	ErrNoMemory                = errors.Base("virtio: no guest memory")
	ErrInvalidDescriptor       = errors.Base("virtio: invalid descriptor")
	ErrMissingPayload          = errors.Base("virtio: missing command payload")
	ErrInvalidCommandClass     = errors.Base("virtio: invalid control command class")
	ErrInvalidCommandCode      = errors.Base("virtio: invalid control command code")
	ErrInvalidQueuePairCount   = errors.Base("virtio: invalid queue pair count")
	ErrMultiqueueCommandFailed = errors.Base("virtio: multiqueue command failed")
)

// ctrlHdr is struct virtio_net_ctrl_hdr.
type ctrlHdr struct {
	Class uint8
	Cmd   uint8
}

// CtrlQueue is the network device's control virtqueue and its kick eventfd.
type CtrlQueue struct {
	Queue *virtq.Queue
	Kick  *eventfd.EventFD
	Log   zerolog.Logger

	stats *CtrlStats
}

// CtrlStats counts control queue activity. It is safe for concurrent use.
type CtrlStats struct {
	commands   atomic.Uint64
	acked      atomic.Uint64
	rejected   atomic.Uint64
	spurious   atomic.Uint64
	usedPosted atomic.Uint64
}

// CtrlStatsSnapshot is a point-in-time copy of CtrlStats.
type CtrlStatsSnapshot struct {
	Commands   uint64 `json:"commands" yaml:"commands"`
	Acked      uint64 `json:"acked" yaml:"acked"`
	Rejected   uint64 `json:"rejected" yaml:"rejected"`
	Spurious   uint64 `json:"spurious" yaml:"spurious"`
	UsedPosted uint64 `json:"used_posted" yaml:"used_posted"`
}

// ctrlError carries a kind (one of the ErrX sentinels) and its cause.
type ctrlError struct {
	kind  error
	cause error
}

// NewCtrlQueue returns a control queue backed by q and kicked through kick.
func NewCtrlQueue(q *virtq.Queue, kick *eventfd.EventFD) *CtrlQueue {
	return &CtrlQueue{
		Queue: q,
		Kick:  kick,
		Log:   zerolog.Nop(),
		stats: new(CtrlStats),
	}
}

// Clone returns a copy of the queue with a duplicated kick eventfd. The copy
// and the original can be closed independently. Both report to the same stats.
func (c *CtrlQueue) Clone() (*CtrlQueue, error) {
	kick, err := c.Kick.Dup()
	if err != nil {
		return nil, errors.Errorf("virtio: clone ctrl queue: %w", err)
	}

	clone := &CtrlQueue{
		Queue: c.Queue.Clone(),
		Kick:  kick,
		Log:   c.Log,
		stats: c.stats,
	}

	return clone, nil
}

// Close closes the kick eventfd.
func (c *CtrlQueue) Close() error {
	return c.Kick.Close()
}

// Stats returns the queue's counters.
func (c *CtrlQueue) Stats() CtrlStatsSnapshot {
	return c.stats.Snapshot()
}

// ProcessControlQueue handles the next available command. It fails with
// ErrInvalidDescriptor if there isn't one. Whatever the command's outcome, its
// chain is returned to the driver through the used ring.
func (c *CtrlQueue) ProcessControlQueue(mem *guestmem.Memory) error {
	if mem == nil {
		return ErrNoMemory
	}

	head, err := c.Queue.Next(mem)
	if err != nil {
		kind := ErrInvalidDescriptor
		if errors.Is(err, guestmem.ErrFault) {
			kind = ErrGuestMemory
		}

		// a consumed but unusable head goes back to the driver unread
		var herr *virtq.HeadError
		if errors.As(err, &herr) {
			c.stats.commands.Add(1)
			c.stats.rejected.Add(1)
			return errors.Join(wrapCtrl(kind, err), c.retire(mem, herr.Index, 0))
		}

		return wrapCtrl(kind, err)
	}

	if head == nil {
		c.stats.spurious.Add(1)
		return ErrInvalidDescriptor
	}

	c.stats.commands.Add(1)

	derr := c.dispatch(mem, head)
	if derr != nil {
		c.stats.rejected.Add(1)
	} else {
		c.stats.acked.Add(1)
	}

	return errors.Join(derr, c.retire(mem, head.Index, head.Desc.Len))
}

func (c *CtrlQueue) dispatch(mem *guestmem.Memory, head *virtq.Chain) error {
	hdr, err := guestmem.ReadObj[ctrlHdr](mem, head.Desc.Addr)
	if err != nil {
		return wrapCtrl(ErrGuestMemory, err)
	}

	switch hdr.Class {
	case CtrlMQ:
		if hdr.Cmd != CtrlMQVQPairsSet {
			return errors.WithDetails(ErrInvalidCommandCode, "class", hdr.Class, "cmd", hdr.Cmd)
		}

		if err := c.processMQ(mem, head); err != nil {
			c.Log.Warn().Err(err).Uint16("head", head.Index).Msg("multiqueue command failed")
			return errors.WithDetails(ErrMultiqueueCommandFailed, "cause", err.Error())
		}

		return nil

	default:
		return errors.WithDetails(ErrInvalidCommandClass, "class", hdr.Class, "cmd", hdr.Cmd)
	}
}

// processMQ acks VIRTIO_NET_CTRL_MQ_VQ_PAIRS_SET. The pair count is validated
// but the queue routing isn't changed. Nothing is written to the status
// buffer unless the command succeeds.
func (c *CtrlQueue) processMQ(mem *guestmem.Memory, head *virtq.Chain) error {
	if !head.HasNext() {
		return ErrMissingPayload
	}

	payload, err := head.NextDescriptor()
	if err != nil {
		return wrapCtrl(ErrInvalidDescriptor, err)
	}

	pairs, err := mem.ReadUint16(payload.Desc.Addr)
	if err != nil {
		return wrapCtrl(ErrGuestMemory, err)
	}

	if pairs < CtrlMQVQPairsMin || pairs > CtrlMQVQPairsMax {
		return errors.WithDetails(ErrInvalidQueuePairCount, "pairs", pairs)
	}

	if !payload.HasNext() {
		return ErrMissingPayload
	}

	status, err := payload.NextDescriptor()
	if err != nil {
		return wrapCtrl(ErrInvalidDescriptor, err)
	}

	if err := mem.WriteUint8(CtrlOK, status.Desc.Addr); err != nil {
		return wrapCtrl(ErrGuestMemory, err)
	}

	c.Log.Debug().Uint16("pairs", pairs).Msg("multiqueue pairs set")

	return nil
}

// retire posts the chain with the given head to the used ring and interrupts
// the driver.
func (c *CtrlQueue) retire(mem *guestmem.Memory, head uint16, n uint32) error {
	if err := c.Queue.AddUsed(mem, head, n); err != nil {
		return wrapCtrl(ErrGuestMemory, err)
	}

	c.stats.usedPosted.Add(1)

	if err := c.Queue.UpdateAvailEvent(mem); err != nil {
		return wrapCtrl(ErrGuestMemory, err)
	}

	if err := c.Queue.Notify(); err != nil {
		return errors.Errorf("virtio: ctrl queue notify: %w", err)
	}

	return nil
}

func (s *CtrlStats) Snapshot() CtrlStatsSnapshot {
	return CtrlStatsSnapshot{
		Commands:   s.commands.Load(),
		Acked:      s.acked.Load(),
		Rejected:   s.rejected.Load(),
		Spurious:   s.spurious.Load(),
		UsedPosted: s.usedPosted.Load(),
	}
}

func wrapCtrl(kind, cause error) error {
	return &ctrlError{kind: kind, cause: cause}
}

func (e *ctrlError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *ctrlError) Unwrap() []error {
	return []error{e.kind, e.cause}
}
