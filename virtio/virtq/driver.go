package virtq

import (
	"sync"

	"gitlab.com/tozd/go/errors"

	"github.com/c35s/hypenet/guestmem"
)

// Driver is the guest side of a split virtqueue. It exists so devices can be
// exercised without a guest kernel. It is safe for concurrent use.
type Driver struct {
	Size      uint16
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64

	mu       sync.Mutex
	mem      *guestmem.Memory
	free     []uint16
	availIdx uint16
	lastUsed uint16
	heads    map[uint16][]uint16
}

// Buffer is one element of a chain offered by a Driver.
type Buffer struct {
	Addr  uint64
	Len   uint32
	Write bool // device write-only
}

// UsedElem is an element of the used ring.
type UsedElem struct {
	ID  uint32
	Len uint32
}

var ErrNoFreeDesc = errors.Base("virtq: no free descriptors")

// NewDriver zeroes the rings at the given addresses and returns a driver for
// them. Size must be a power of 2 no larger than MaxSize.
func NewDriver(mem *guestmem.Memory, size uint16, desc, avail, used uint64) (*Driver, error) {
	if size == 0 || size > MaxSize || size&(size-1) != 0 {
		return nil, errors.WithDetails(ErrQueueSize, "size", size)
	}

	for _, r := range []struct {
		addr uint64
		n    int
	}{
		{desc, DescTableSize(size)},
		{avail, AvailRingSize(size)},
		{used, UsedRingSize(size)},
	} {
		if err := mem.Write(make([]byte, r.n), r.addr); err != nil {
			return nil, err
		}
	}

	d := &Driver{
		Size:      size,
		DescAddr:  desc,
		AvailAddr: avail,
		UsedAddr:  used,
		mem:       mem,
		free:      make([]uint16, 0, size),
		heads:     make(map[uint16][]uint16),
	}

	for i := int(size) - 1; i >= 0; i-- {
		d.free = append(d.free, uint16(i))
	}

	return d, nil
}

// AddChain writes bufs as one descriptor chain and makes it available to the
// device. It returns the chain's head index.
func (d *Driver) AddChain(bufs ...Buffer) (uint16, error) {
	if len(bufs) == 0 {
		return 0, errors.New("virtq: empty chain")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(bufs) > len(d.free) {
		return 0, errors.WithDetails(ErrNoFreeDesc, "want", len(bufs), "free", len(d.free))
	}

	ids := make([]uint16, len(bufs))
	for i := range ids {
		ids[i] = d.free[len(d.free)-1-i]
	}

	for i, b := range bufs {
		desc := Desc{
			Addr: b.Addr,
			Len:  b.Len,
		}

		if b.Write {
			desc.Flags |= DescFWrite
		}

		if i < len(bufs)-1 {
			desc.Flags |= DescFNext
			desc.Next = ids[i+1]
		}

		if err := guestmem.WriteObj(d.mem, desc, d.DescAddr+uint64(ids[i])*sizeofDesc); err != nil {
			return 0, err
		}
	}

	head := ids[0]
	slot := d.AvailAddr + 4 + uint64(d.availIdx%d.Size)*2

	if err := d.mem.WriteUint16(head, slot); err != nil {
		return 0, err
	}

	if err := d.mem.WriteUint16(d.availIdx+1, d.AvailAddr+2); err != nil {
		return 0, err
	}

	d.free = d.free[:len(d.free)-len(bufs)]
	d.heads[head] = ids
	d.availIdx++

	return head, nil
}

// AvailIdx returns the driver's available index.
func (d *Driver) AvailIdx() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.availIdx
}

// UsedIdx reads the device's used index.
func (d *Driver) UsedIdx() (uint16, error) {
	return d.mem.ReadUint16(d.UsedAddr + 2)
}

// AvailEvent reads the avail_event field the device publishes.
func (d *Driver) AvailEvent() (uint16, error) {
	return d.mem.ReadUint16(d.UsedAddr + 4 + uint64(d.Size)*sizeofUsedElem)
}

// PopUsed returns the next used element and recycles its descriptors. It
// returns false if the device hasn't used anything new.
func (d *Driver) PopUsed() (UsedElem, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx, err := d.UsedIdx()
	if err != nil {
		return UsedElem{}, false, err
	}

	if idx == d.lastUsed {
		return UsedElem{}, false, nil
	}

	elem, err := guestmem.ReadObj[UsedElem](d.mem, d.UsedAddr+4+uint64(d.lastUsed%d.Size)*sizeofUsedElem)
	if err != nil {
		return UsedElem{}, false, err
	}

	d.lastUsed++

	if ids, ok := d.heads[uint16(elem.ID)]; ok {
		delete(d.heads, uint16(elem.ID))
		for i := len(ids) - 1; i >= 0; i-- {
			d.free = append(d.free, ids[i])
		}
	}

	return elem, true, nil
}
