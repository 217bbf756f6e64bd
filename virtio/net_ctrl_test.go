package virtio

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c35s/hypenet/eventfd"
	"github.com/c35s/hypenet/guestmem"
	"github.com/c35s/hypenet/virtio/virtq"
)

const (
	rigQueueSize = 16
	rigDesc      = 0x0000
	rigAvail     = 0x1000
	rigUsed      = 0x2000
	rigHdr       = 0x3000
	rigPayload   = 0x3010
	rigStatus    = 0x3020
	rigMemSize   = 0x4000

	// written to the status buffer before each command
	statusUnset = 0xee
)

// ctrlRig is a control queue with a guest driver on the other end.
type ctrlRig struct {
	mem      *guestmem.Memory
	drv      *virtq.Driver
	q        *CtrlQueue
	notified atomic.Int32
}

func newCtrlRig(t *testing.T) *ctrlRig {
	t.Helper()

	mem, err := guestmem.New(guestmem.Region{Addr: 0, Data: make([]byte, rigMemSize)})
	require.NoError(t, err)

	drv, err := virtq.NewDriver(mem, rigQueueSize, rigDesc, rigAvail, rigUsed)
	require.NoError(t, err)

	r := &ctrlRig{mem: mem, drv: drv}

	vq, err := virtq.New(rigQueueSize, rigDesc, rigAvail, rigUsed, virtq.Config{
		Notify: func() error {
			r.notified.Add(1)
			return nil
		},
	})

	require.NoError(t, err)

	kick, err := eventfd.New()
	require.NoError(t, err)

	r.q = NewCtrlQueue(vq, kick)
	t.Cleanup(func() { r.q.Close() })

	return r
}

// addCmd offers a control command chain: header, then payload (if not nil),
// then a one byte status buffer (if withStatus).
func (r *ctrlRig) addCmd(t *testing.T, class, cmd uint8, payload []byte, withStatus bool) uint16 {
	t.Helper()

	require.NoError(t, r.mem.Write([]byte{class, cmd}, rigHdr))
	require.NoError(t, r.mem.WriteUint8(statusUnset, rigStatus))

	bufs := []virtq.Buffer{{Addr: rigHdr, Len: 2}}

	if payload != nil {
		require.NoError(t, r.mem.Write(payload, rigPayload))
		bufs = append(bufs, virtq.Buffer{Addr: rigPayload, Len: uint32(len(payload))})
	}

	if withStatus {
		bufs = append(bufs, virtq.Buffer{Addr: rigStatus, Len: 1, Write: true})
	}

	head, err := r.drv.AddChain(bufs...)
	require.NoError(t, err)

	return head
}

func (r *ctrlRig) addSetPairs(t *testing.T, pairs uint16) uint16 {
	return r.addCmd(t, CtrlMQ, CtrlMQVQPairsSet, []byte{byte(pairs), byte(pairs >> 8)}, true)
}

func (r *ctrlRig) status(t *testing.T) uint8 {
	t.Helper()

	v, err := r.mem.ReadUint8(rigStatus)
	require.NoError(t, err)

	return v
}

func (r *ctrlRig) usedIdx(t *testing.T) uint16 {
	t.Helper()

	v, err := r.drv.UsedIdx()
	require.NoError(t, err)

	return v
}

// requireRetired checks that the next used element is head.
func (r *ctrlRig) requireRetired(t *testing.T, head uint16) {
	t.Helper()

	elem, ok, err := r.drv.PopUsed()
	require.NoError(t, err)
	require.True(t, ok, "chain %d was not retired", head)
	assert.Equal(t, uint32(head), elem.ID)
	assert.Equal(t, uint32(2), elem.Len, "used length is the head descriptor's length")
}

func TestProcessControlQueueSetPairs(t *testing.T) {
	for _, pairs := range []uint16{CtrlMQVQPairsMin, 4, 8, CtrlMQVQPairsMax} {
		r := newCtrlRig(t)

		var (
			cfg  NetConfig
			feat uint64
		)

		BuildNetConfigSpaceWithMQ(&cfg, 16, &feat)
		wantCfg, wantFeat := cfg, feat

		head := r.addSetPairs(t, pairs)

		require.NoError(t, r.q.ProcessControlQueue(r.mem), "pairs %d", pairs)

		assert.Equal(t, uint8(CtrlOK), r.status(t), "pairs %d", pairs)
		assert.Equal(t, uint16(1), r.usedIdx(t))
		assert.Equal(t, int32(1), r.notified.Load())
		r.requireRetired(t, head)

		ev, err := r.drv.AvailEvent()
		require.NoError(t, err)
		assert.Equal(t, uint16(1), ev)

		// acking the command doesn't reconfigure the device
		assert.Equal(t, wantCfg, cfg)
		assert.Equal(t, wantFeat, feat)

		assert.Equal(t, CtrlStatsSnapshot{Commands: 1, Acked: 1, UsedPosted: 1}, r.q.Stats())
	}
}

func TestProcessControlQueueRejected(t *testing.T) {
	tests := []struct {
		name    string
		class   uint8
		cmd     uint8
		payload []byte
		status  bool
		want    error
	}{
		{"zero pairs", CtrlMQ, CtrlMQVQPairsSet, []byte{0, 0}, true, ErrMultiqueueCommandFailed},
		{"too many pairs", CtrlMQ, CtrlMQVQPairsSet, []byte{0x01, 0x80}, true, ErrMultiqueueCommandFailed},
		{"max u16 pairs", CtrlMQ, CtrlMQVQPairsSet, []byte{0xff, 0xff}, true, ErrMultiqueueCommandFailed},
		{"no payload", CtrlMQ, CtrlMQVQPairsSet, nil, false, ErrMultiqueueCommandFailed},
		{"no status", CtrlMQ, CtrlMQVQPairsSet, []byte{2, 0}, false, ErrMultiqueueCommandFailed},
		{"bad class", 0xff, 0x00, []byte{2, 0}, true, ErrInvalidCommandClass},
		{"bad code", CtrlMQ, 0x01, []byte{2, 0}, true, ErrInvalidCommandCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newCtrlRig(t)
			head := r.addCmd(t, tt.class, tt.cmd, tt.payload, tt.status)

			err := r.q.ProcessControlQueue(r.mem)
			require.ErrorIs(t, err, tt.want)

			// rejected, but still retired exactly once with no status written
			assert.Equal(t, uint8(statusUnset), r.status(t))
			assert.Equal(t, uint16(1), r.usedIdx(t))
			r.requireRetired(t, head)

			assert.Equal(t, CtrlStatsSnapshot{Commands: 1, Rejected: 1, UsedPosted: 1}, r.q.Stats())
		})
	}
}

func TestProcessMQ(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		status  bool
		want    error
	}{
		{"below min", []byte{0, 0}, true, ErrInvalidQueuePairCount},
		{"above max", []byte{0x01, 0x80}, true, ErrInvalidQueuePairCount},
		{"no payload", nil, false, ErrMissingPayload},
		{"no status", []byte{1, 0}, false, ErrMissingPayload},
		{"ok", []byte{1, 0}, true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newCtrlRig(t)
			r.addCmd(t, CtrlMQ, CtrlMQVQPairsSet, tt.payload, tt.status)

			head, err := r.q.Queue.Next(r.mem)
			require.NoError(t, err)
			require.NotNil(t, head)

			err = r.q.processMQ(r.mem, head)
			if tt.want == nil {
				require.NoError(t, err)
				assert.Equal(t, uint8(CtrlOK), r.status(t))
				return
			}

			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, uint8(statusUnset), r.status(t))
		})
	}
}

func TestProcessControlQueueNothingAvailable(t *testing.T) {
	r := newCtrlRig(t)

	err := r.q.ProcessControlQueue(r.mem)
	require.ErrorIs(t, err, ErrInvalidDescriptor)

	assert.Zero(t, r.usedIdx(t))
	assert.Zero(t, r.notified.Load())
	assert.Equal(t, CtrlStatsSnapshot{Spurious: 1}, r.q.Stats())

	require.ErrorIs(t, r.q.ProcessControlQueue(nil), ErrNoMemory)
}

func TestProcessControlQueueGuestMemoryFault(t *testing.T) {
	r := newCtrlRig(t)

	head, err := r.drv.AddChain(
		virtq.Buffer{Addr: rigMemSize + 0x1000, Len: 2},
		virtq.Buffer{Addr: rigStatus, Len: 1, Write: true},
	)

	require.NoError(t, err)

	err = r.q.ProcessControlQueue(r.mem)
	require.ErrorIs(t, err, ErrGuestMemory)
	require.ErrorIs(t, err, guestmem.ErrFault)

	r.requireRetired(t, head)
}

func TestProcessControlQueueRejectedHead(t *testing.T) {
	r := newCtrlRig(t)

	bad := r.addSetPairs(t, 1)
	good := r.addSetPairs(t, 2)

	flagsAddr := rigDesc + uint64(bad)*16 + 12
	flags, err := r.mem.ReadUint16(flagsAddr)
	require.NoError(t, err)
	require.NoError(t, r.mem.WriteUint16(flags|virtq.DescFIndirect, flagsAddr))

	err = r.q.ProcessControlQueue(r.mem)
	require.ErrorIs(t, err, ErrInvalidDescriptor)
	require.ErrorIs(t, err, virtq.ErrIndirectDesc)

	elem, ok, err := r.drv.PopUsed()
	require.NoError(t, err)
	require.True(t, ok, "rejected head was not retired")
	assert.Equal(t, uint32(bad), elem.ID)
	assert.Zero(t, elem.Len)
	assert.Equal(t, uint8(statusUnset), r.status(t))

	// the command queued behind it is still served
	require.NoError(t, r.q.ProcessControlQueue(r.mem))
	r.requireRetired(t, good)
	assert.Equal(t, uint8(CtrlOK), r.status(t))

	assert.Equal(t, int32(2), r.notified.Load())
	assert.Equal(t, CtrlStatsSnapshot{Commands: 2, Acked: 1, Rejected: 1, UsedPosted: 2}, r.q.Stats())
}

func TestProcessControlQueueHeadOutOfRange(t *testing.T) {
	r := newCtrlRig(t)

	// an avail entry naming a descriptor past the table
	require.NoError(t, r.mem.WriteUint16(rigQueueSize+3, rigAvail+4))
	require.NoError(t, r.mem.WriteUint16(1, rigAvail+2))

	err := r.q.ProcessControlQueue(r.mem)
	require.ErrorIs(t, err, ErrInvalidDescriptor)
	require.ErrorIs(t, err, virtq.ErrDescIndex)
	assert.Zero(t, r.usedIdx(t))
	assert.Equal(t, uint16(1), r.q.Queue.NextAvail())
}

func TestProcessControlQueueOnePostPerChain(t *testing.T) {
	r := newCtrlRig(t)

	var heads []uint16
	for _, pairs := range []uint16{1, 2, 3} {
		heads = append(heads, r.addSetPairs(t, pairs))
	}

	for i := range heads {
		r.q.ProcessControlQueue(r.mem)
		assert.Equal(t, uint16(i+1), r.usedIdx(t))
	}

	require.ErrorIs(t, r.q.ProcessControlQueue(r.mem), ErrInvalidDescriptor)
	assert.Equal(t, uint16(len(heads)), r.usedIdx(t))

	for _, head := range heads {
		r.requireRetired(t, head)
	}

	assert.Equal(t, CtrlStatsSnapshot{Commands: 3, Acked: 3, Spurious: 1, UsedPosted: 3}, r.q.Stats())
}

func TestCtrlQueueClone(t *testing.T) {
	r := newCtrlRig(t)

	c, err := r.q.Clone()
	require.NoError(t, err)

	assert.NotEqual(t, r.q.Kick.Fd(), c.Kick.Fd())

	// both handles refer to the same counter
	require.NoError(t, r.q.Kick.Write(2))
	v, err := c.Kick.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	require.NoError(t, c.Close())
	require.NoError(t, r.q.Kick.Write(1))

	// the clone has its own ring indices
	r.addSetPairs(t, 1)
	require.NoError(t, c.ProcessControlQueue(r.mem))
	assert.Equal(t, uint16(0), r.q.Queue.NextAvail())
	assert.Equal(t, uint16(1), c.Queue.NextAvail())

	// and shares stats
	assert.Equal(t, uint64(1), r.q.Stats().Acked)
}
