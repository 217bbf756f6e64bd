// Package virtq implements split virtqueues as described by the Virtual I/O
// Device (VIRTIO) Version 1.2. Packed virtqueues and indirect descriptors
// are not supported.
//
// The rings live in guest memory and are never trusted: every ring access goes
// through guestmem and every index read from the guest is bounds-checked.
package virtq

import (
	"fmt"

	"gitlab.com/tozd/go/errors"

	"github.com/c35s/hypenet/guestmem"
)

// Queue is the device side of a split virtqueue.
type Queue struct {
	Size      uint16
	DescAddr  uint64 // descriptor table GPA
	AvailAddr uint64 // driver area (available ring) GPA
	UsedAddr  uint64 // device area (used ring) GPA

	nextAvail uint16
	nextUsed  uint16

	cfg Config
}

// Config holds the queue's callbacks.
type Config struct {

	// Notify, if set, is called by Queue.Notify to raise a used buffer
	// notification (an interrupt) in the driver.
	Notify func() error
}

// Desc is a descriptor in a split virtqueue's descriptor table.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Chain is one link of a descriptor chain. The head link's Index is the id
// posted back to the used ring.
type Chain struct {
	Index uint16
	Desc  Desc

	q   *Queue
	mem *guestmem.Memory
	ttl uint16
}

const (
	DescFNext     = 1 // buffer continues in the next descriptor
	DescFWrite    = 2 // buffer is device wo (otherwise ro)
	DescFIndirect = 4 // buffer contains a descriptor table
)

const (
	sizeofDesc     = 16
	sizeofUsedElem = 8
)

// HeadError is returned by Next when the driver offered a head descriptor the
// device can't use. The avail entry is consumed; the device should still
// return Index to the driver through the used ring.
type HeadError struct {
	Index uint16
	Err   error
}

// MaxSize is the largest queue size allowed for split virtqueues.
const MaxSize = 1 << 15

var (
	ErrQueueSize    = errors.Base("virtq: invalid queue size")
	ErrAvailIdx     = errors.Base("virtq: driver moved the available index too far")
	ErrDescIndex    = errors.Base("virtq: descriptor index out of range")
	ErrIndirectDesc = errors.Base("virtq: indirect descriptors are not supported")
	ErrChainTooLong = errors.Base("virtq: descriptor chain is longer than the queue")
)

// New returns the device side of a split virtqueue with the given size and
// ring addresses. The size must be a power of 2 no larger than MaxSize.
func New(size uint16, desc, avail, used uint64, cfg Config) (*Queue, error) {
	if size == 0 || size > MaxSize || size&(size-1) != 0 {
		return nil, errors.WithDetails(ErrQueueSize, "size", size)
	}

	q := &Queue{
		Size:      size,
		DescAddr:  desc,
		AvailAddr: avail,
		UsedAddr:  used,
		cfg:       cfg,
	}

	return q, nil
}

// Clone returns an independent copy of the queue, including its ring indices.
func (q *Queue) Clone() *Queue {
	c := *q
	return &c
}

// Next returns the head of the next available descriptor chain, or nil if the
// driver hasn't made any new buffers available. An avail entry holding an out
// of range index is consumed and dropped. A head descriptor that can't be used
// is consumed too, and reported with a *HeadError.
func (q *Queue) Next(mem *guestmem.Memory) (*Chain, error) {
	idx, err := mem.ReadUint16(q.AvailAddr + 2)
	if err != nil {
		return nil, err
	}

	pending := idx - q.nextAvail
	if pending == 0 {
		return nil, nil
	}

	if pending > q.Size {
		return nil, errors.WithDetails(ErrAvailIdx, "avail", idx, "next", q.nextAvail)
	}

	slot := q.AvailAddr + 4 + uint64(q.nextAvail%q.Size)*2
	head, err := mem.ReadUint16(slot)
	if err != nil {
		return nil, err
	}

	q.nextAvail++

	if head >= q.Size {
		return nil, errors.WithDetails(ErrDescIndex, "index", head)
	}

	c, err := q.chain(mem, head, q.Size)
	if err != nil {
		return nil, &HeadError{Index: head, Err: err}
	}

	return c, nil
}

// AddUsed posts a used element for the chain with the given head index and
// publishes it by bumping the used index.
func (q *Queue) AddUsed(mem *guestmem.Memory, head uint16, n uint32) error {
	if head >= q.Size {
		return errors.WithDetails(ErrDescIndex, "index", head)
	}

	elem := q.UsedAddr + 4 + uint64(q.nextUsed%q.Size)*sizeofUsedElem

	if err := mem.WriteUint32(uint32(head), elem); err != nil {
		return err
	}

	if err := mem.WriteUint32(n, elem+4); err != nil {
		return err
	}

	if err := mem.WriteUint16(q.nextUsed+1, q.UsedAddr+2); err != nil {
		return err
	}

	q.nextUsed++

	return nil
}

// UpdateAvailEvent writes the avail_event field (VIRTIO_F_EVENT_IDX) so the
// driver notifies the device when it makes the next buffer available.
func (q *Queue) UpdateAvailEvent(mem *guestmem.Memory) error {
	return mem.WriteUint16(q.nextAvail, q.availEventAddr())
}

// Notify raises a used buffer notification in the driver. It's a no-op if the
// queue has no Notify callback.
func (q *Queue) Notify() error {
	if q.cfg.Notify == nil {
		return nil
	}

	return q.cfg.Notify()
}

// NextAvail returns the index of the next available ring entry the device will consume.
func (q *Queue) NextAvail() uint16 {
	return q.nextAvail
}

// NextUsed returns the index of the next used ring entry the device will post.
func (q *Queue) NextUsed() uint16 {
	return q.nextUsed
}

// HasNext reports whether the chain continues past this link.
func (c *Chain) HasNext() bool {
	return c.Desc.Flags&DescFNext != 0
}

// NextDescriptor follows the chain. It fails if this is the last link, if the
// driver's next index is out of range, or if the chain loops.
func (c *Chain) NextDescriptor() (*Chain, error) {
	if !c.HasNext() {
		return nil, errors.New("virtq: end of descriptor chain")
	}

	if c.ttl <= 1 {
		return nil, ErrChainTooLong
	}

	return c.q.chain(c.mem, c.Desc.Next, c.ttl-1)
}

// IsWO reports whether the descriptor is device write-only.
func (c *Chain) IsWO() bool {
	return c.Desc.Flags&DescFWrite != 0
}

// IsRO reports whether the descriptor is device read-only.
func (c *Chain) IsRO() bool {
	return !c.IsWO()
}

func (e *HeadError) Error() string {
	return fmt.Sprintf("virtq: head descriptor %d: %v", e.Index, e.Err)
}

func (e *HeadError) Unwrap() error {
	return e.Err
}

func (q *Queue) chain(mem *guestmem.Memory, index, ttl uint16) (*Chain, error) {
	d, err := q.readDesc(mem, index)
	if err != nil {
		return nil, err
	}

	if d.Flags&DescFIndirect != 0 {
		return nil, ErrIndirectDesc
	}

	c := &Chain{
		Index: index,
		Desc:  d,
		q:     q,
		mem:   mem,
		ttl:   ttl,
	}

	return c, nil
}

func (q *Queue) readDesc(mem *guestmem.Memory, index uint16) (Desc, error) {
	if index >= q.Size {
		return Desc{}, errors.WithDetails(ErrDescIndex, "index", index)
	}

	return guestmem.ReadObj[Desc](mem, q.DescAddr+uint64(index)*sizeofDesc)
}

func (q *Queue) availEventAddr() uint64 {
	return q.UsedAddr + 4 + uint64(q.Size)*sizeofUsedElem
}

// DescTableSize returns the size in bytes of a descriptor table for size descriptors.
func DescTableSize(size uint16) int {
	return int(size) * sizeofDesc
}

// AvailRingSize returns the size in bytes of the driver area for size descriptors.
func AvailRingSize(size uint16) int {
	return 4 + int(size)*2 + 2
}

// UsedRingSize returns the size in bytes of the device area for size descriptors.
func UsedRingSize(size uint16) int {
	return 4 + int(size)*sizeofUsedElem + 2
}
