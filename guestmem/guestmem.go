// Package guestmem provides bounds-checked access to a guest's physical address
// space. Every access names a guest physical address and fails with an error
// matching ErrFault instead of panicking when the range isn't mapped.
package guestmem

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
	"sync/atomic"

	"gitlab.com/tozd/go/errors"
)

// Region is a contiguous range of guest physical memory backed by host memory.
type Region struct {
	Addr uint64
	Data []byte
}

// Memory is a guest address space made of non-overlapping regions.
// It is safe for concurrent use; it never changes its own mapping.
type Memory struct {
	regions []Region
	mapped  [][]byte
}

// Atomic holds the current Memory snapshot. Readers take a snapshot with
// Memory and keep using it even if a new one is installed with Replace.
type Atomic struct {
	p atomic.Pointer[Memory]
}

// FaultError describes a failed guest memory access.
type FaultError struct {
	Op   string
	Addr uint64
	Len  int
}

var (
	ErrFault   = errors.Base("guestmem: fault")
	ErrOverlap = errors.Base("guestmem: overlapping regions")
)

// New returns a Memory made of the given regions.
func New(regions ...Region) (*Memory, error) {
	rr := slices.Clone(regions)
	slices.SortFunc(rr, func(a, b Region) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		default:
			return 0
		}
	})

	for i := 1; i < len(rr); i++ {
		prev := rr[i-1]
		if prev.Addr+uint64(len(prev.Data)) > rr[i].Addr {
			return nil, errors.WithDetails(ErrOverlap, "prev", prev.Addr, "next", rr[i].Addr)
		}
	}

	return &Memory{regions: rr}, nil
}

// Size returns the total number of mapped bytes.
func (m *Memory) Size() (n uint64) {
	for _, r := range m.regions {
		n += uint64(len(r.Data))
	}

	return
}

// Slice returns a slice aliasing n bytes of guest memory at addr.
// The range must lie within a single region.
func (m *Memory) Slice(addr uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, &FaultError{Op: "slice", Addr: addr, Len: n}
	}

	for _, r := range m.regions {
		if addr < r.Addr {
			break
		}

		off := addr - r.Addr
		if off >= uint64(len(r.Data)) {
			continue
		}

		if uint64(n) > uint64(len(r.Data))-off {
			break
		}

		return r.Data[off : off+uint64(n) : off+uint64(n)], nil
	}

	return nil, &FaultError{Op: "slice", Addr: addr, Len: n}
}

// Read copies len(p) bytes at addr into p.
func (m *Memory) Read(p []byte, addr uint64) error {
	b, err := m.Slice(addr, len(p))
	if err != nil {
		return &FaultError{Op: "read", Addr: addr, Len: len(p)}
	}

	copy(p, b)
	return nil
}

// Write copies p into guest memory at addr.
func (m *Memory) Write(p []byte, addr uint64) error {
	b, err := m.Slice(addr, len(p))
	if err != nil {
		return &FaultError{Op: "write", Addr: addr, Len: len(p)}
	}

	copy(b, p)
	return nil
}

func (m *Memory) ReadUint8(addr uint64) (uint8, error) {
	var buf [1]byte
	if err := m.Read(buf[:], addr); err != nil {
		return 0, err
	}

	return buf[0], nil
}

func (m *Memory) ReadUint16(addr uint64) (uint16, error) {
	var buf [2]byte
	if err := m.Read(buf[:], addr); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (m *Memory) ReadUint32(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := m.Read(buf[:], addr); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (m *Memory) WriteUint8(v uint8, addr uint64) error {
	return m.Write([]byte{v}, addr)
}

func (m *Memory) WriteUint16(v uint16, addr uint64) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return m.Write(buf[:], addr)
}

func (m *Memory) WriteUint32(v uint32, addr uint64) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return m.Write(buf[:], addr)
}

// ReadObj decodes a little-endian T from guest memory at addr. T must be a
// fixed-size type as defined by encoding/binary.
func ReadObj[T any](m *Memory, addr uint64) (v T, err error) {
	n := binary.Size(v)
	if n < 0 {
		return v, errors.Errorf("guestmem: %T is not a fixed-size type", v)
	}

	buf := make([]byte, n)
	if err := m.Read(buf, addr); err != nil {
		return v, err
	}

	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &v); err != nil {
		return v, errors.Errorf("guestmem: decode %T: %w", v, err)
	}

	return v, nil
}

// WriteObj encodes v little-endian into guest memory at addr.
func WriteObj[T any](m *Memory, v T, addr uint64) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return errors.Errorf("guestmem: encode %T: %w", v, err)
	}

	return m.Write(buf.Bytes(), addr)
}

// NewAtomic returns an Atomic holding m.
func NewAtomic(m *Memory) *Atomic {
	a := new(Atomic)
	a.p.Store(m)
	return a
}

// Memory returns the current snapshot.
func (a *Atomic) Memory() *Memory {
	return a.p.Load()
}

// Replace installs m and returns the previous snapshot.
func (a *Atomic) Replace(m *Memory) *Memory {
	return a.p.Swap(m)
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("guestmem: %s fault at %#x (len %d)", e.Op, e.Addr, e.Len)
}

// Is makes every FaultError match ErrFault.
func (e *FaultError) Is(target error) bool {
	return target == ErrFault
}
