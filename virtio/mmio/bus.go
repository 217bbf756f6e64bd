package mmio

import (
	"encoding/binary"
	"sync"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"github.com/c35s/hypenet/eventfd"
	"github.com/c35s/hypenet/guestmem"
	"github.com/c35s/hypenet/internal/logging"
	"github.com/c35s/hypenet/virtio"
	"github.com/c35s/hypenet/virtio/virtq"
)

type Bus struct {
	handlers []virtio.DeviceHandler
	mem      *guestmem.Atomic
	notify   func(irq int) error
	devices  []*device
	log      zerolog.Logger
}

type device struct {
	bus  *Bus
	info DeviceInfo

	mu      sync.Mutex
	handler virtio.DeviceHandler
	state   deviceState
	kicks   [maxQueues]*eventfd.EventFD

	// intStatus is touched by device workers raising interrupts, so it has
	// its own lock
	intMu     sync.Mutex
	intStatus uint32
}

type deviceState struct {
	status  uint32
	version uint32

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64

	queueSel uint32
	queue    [maxQueues]queueState
}

type queueState struct {
	Ready      uint32
	NumDesc    uint32
	DescAddr   uint64 // address of the descriptor area
	DriverAddr uint64 // address of the driver area
	DeviceAddr uint64 // address of the device area
}

const (
	statusAcknowledge = 1   // recognized by the guest
	statusDriver      = 2   // the guest has a driver
	statusFeaturesOK  = 8   // features negotiated
	statusDriverOK    = 4   // ready to drive
	statusNeedsReset  = 64  // fatal device error
	statusFailed      = 128 // fatal driver error

	negotiatingFeatures = statusAcknowledge | statusDriver
	configuringQueues   = negotiatingFeatures | statusFeaturesOK
	operatingNormally   = configuringQueues | statusDriverOK
)

var le = binary.LittleEndian

// NewBus creates a new bus and installs a device for for each of the given handlers.
// Virtqueues are read from and written to mem.
// The notify callback is called when a device needs to notify the guest of a config or buffer event.
//
// Devices are assigned an IRQ and a 4K memory region. See the Devices method.
func NewBus(handlers []virtio.DeviceHandler, mem *guestmem.Atomic, notify func(irq int) error) *Bus {
	const sz = 0x1000

	var (
		irq  = 5
		addr = uint64(0xd0000000)
	)

	b := &Bus{
		handlers: handlers,
		mem:      mem,
		notify:   notify,
		devices:  make([]*device, len(handlers)),
		log:      logging.Default().With().Str("bus", "virtio-mmio").Logger(),
	}

	for i, h := range handlers {
		d := &device{
			bus: b,

			info: DeviceInfo{
				Type: h.GetType(),
				IRQ:  irq,
				Addr: addr,
				Size: sz,
			},

			handler: h,
		}

		b.devices[i] = d

		irq++
		addr += sz
	}

	return b
}

// HandleMMIO routes an MMIO event to the appropriate device.
// It returns (found=false, err=nil) if no device is found.
func (b *Bus) HandleMMIO(addr uint64, data []byte, isWrite bool) (found bool, err error) {
	var dev *device
	for _, d := range b.devices {
		if addr >= d.info.Addr && addr < d.info.Addr+d.info.Size {
			dev = d
			break
		}
	}

	if dev == nil {
		return false, nil
	}

	off := int(addr - dev.info.Addr)
	return true, dev.HandleMMIO(off, data, isWrite)
}

// Devices returns a slice describing the installed devices.
func (b *Bus) Devices() []DeviceInfo {
	dd := make([]DeviceInfo, len(b.devices))
	for i, d := range b.devices {
		dd[i] = d.info
	}

	return dd
}

// Close resets every device, stopping their workers.
func (b *Bus) Close() error {
	var errs []error
	for _, d := range b.devices {
		d.mu.Lock()
		errs = append(errs, d.reset())
		d.mu.Unlock()
	}

	return errors.Join(errs...)
}

func (d *device) HandleMMIO(off int, data []byte, isWrite bool) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	defer func() {
		if err != nil && !(d.needsReset() || d.driverFailed()) {
			notify := d.isOperatingNormally()
			d.state.status |= statusNeedsReset
			d.state.version++

			if notify {
				if err := d.raise(IntStatusConfigChange); err != nil {
					d.bus.log.Error().Err(err).Int("irq", d.info.IRQ).
						Msg("virtio config change notification failed")
				}
			}
		}
	}()

	if len(data) != 4 && off < regDeviceConfigStart {
		return unix.EINVAL
	}

	if isWrite {
		return d.writeMMIO(off, data)
	}

	return d.readMMIO(off, data)
}

func (d *device) readMMIO(off int, p []byte) error {
	switch off {
	case regMagicValue:
		le.PutUint32(p, virtio.MagicValue)

	case regVersion:
		le.PutUint32(p, virtio.Version)

	case regDeviceID:
		le.PutUint32(p, uint32(d.handler.GetType()))

	case regVendorID:
		le.PutUint32(p, 0xffff)

	case regDeviceFeatures:
		le.PutUint32(p, uint32(d.getFeatures()>>(32*d.state.deviceFeaturesSel)))

	case regQueueNumMax:
		le.PutUint32(p, virtq.MaxSize)

	case regQueueReady:
		le.PutUint32(p, d.selectedQueue().Ready)

	case regInterruptStatus:
		d.intMu.Lock()
		le.PutUint32(p, d.intStatus)
		d.intMu.Unlock()

	case regStatus:
		le.PutUint32(p, d.state.status)

	case regConfigGeneration:
		le.PutUint32(p, d.state.version)

	default:
		if off < regDeviceConfigStart {
			return unix.EINVAL
		}

		return d.handler.ReadConfig(p, off-regDeviceConfigStart)
	}

	return nil
}

func (d *device) writeMMIO(off int, p []byte) error {
	// if the device or driver has failed, only allow status register writes (to reset)
	if d.state.status&(statusNeedsReset|statusFailed) > 0 && off != regStatus {
		return unix.EPERM
	}

	switch off {
	case regDeviceFeaturesSel, regDriverFeaturesSel:
		return d.writeFeaturesSel(off, le.Uint32(p))

	case regDriverFeatures:
		return d.writeDriverFeatures(le.Uint32(p))

	case regQueueSel:
		return d.writeQueueSel(le.Uint32(p))

	case regQueueNum:
		return d.writeQueueNum(le.Uint32(p))

	case regQueueReady:
		return d.writeQueueReady(le.Uint32(p))

	case regQueueNotify:
		return d.writeQueueNotify(le.Uint32(p))

	case regInterruptAck:
		return d.writeInterruptAck(le.Uint32(p))

	case regStatus:
		return d.writeStatus(le.Uint32(p))

	case regQueueDescLow, regQueueDescHigh,
		regQueueDriverLow, regQueueDriverHigh,
		regQueueDeviceLow, regQueueDeviceHigh:
		return d.writeQueueAddr(off, le.Uint32(p))

	default:
		// the device config space is read-only
		return unix.EINVAL
	}
}

func (d *device) writeStatus(v uint32) error {
	if v == 0 {
		return d.reset()
	}

	if v&statusNeedsReset > 0 || v&d.state.status != d.state.status {
		return unix.EINVAL
	}

	d.state.status = v
	d.state.version++

	if v&statusFailed > 0 {
		d.bus.log.Warn().Stringer("device", d.info).Msg("driver failed")
		return nil
	}

	if d.isOperatingNormally() {
		if d.state.driverFeatures&virtio.RequiredFeatures != virtio.RequiredFeatures {
			return errors.WithDetails(unix.EINVAL, "features", d.state.driverFeatures)
		}

		if err := d.handler.Ready(d.state.driverFeatures); err != nil {
			return errors.Errorf("%v: ready: %w", d.info.Type, err)
		}
	}

	return nil
}

// reset returns the device to its initial state. d.mu must be held.
func (d *device) reset() error {
	err := d.handler.Reset()

	d.state = deviceState{}
	d.kicks = [maxQueues]*eventfd.EventFD{}

	d.intMu.Lock()
	d.intStatus = 0
	d.intMu.Unlock()

	if err != nil {
		return errors.Errorf("%v: reset: %w", d.info.Type, err)
	}

	return nil
}

// writeFeaturesSel selects the feature word read through regDeviceFeatures
// or written through regDriverFeatures.
func (d *device) writeFeaturesSel(off int, v uint32) error {
	if !d.isNegotiatingFeatures() {
		return unix.EPERM
	}

	if v > 1 {
		return unix.EINVAL
	}

	if off == regDeviceFeaturesSel {
		d.state.deviceFeaturesSel = v
	} else {
		d.state.driverFeaturesSel = v
	}

	return nil
}

func (d *device) writeDriverFeatures(v uint32) error {
	if !d.isNegotiatingFeatures() {
		return unix.EPERM
	}

	d.state.driverFeatures |= uint64(v) << (32 * d.state.driverFeaturesSel)

	if d.state.driverFeatures&^d.getFeatures() != 0 {
		return unix.EINVAL
	}

	return nil
}

func (d *device) writeQueueSel(v uint32) error {
	if !d.isConfiguringQueues() {
		return unix.EPERM
	}

	if v >= maxQueues {
		return unix.EINVAL
	}

	d.state.queueSel = v
	return nil
}

func (d *device) writeQueueNum(v uint32) error {
	if !d.isConfiguringQueues() || d.selectedQueue().Ready == 1 {
		return unix.EPERM
	}

	if v == 0 || v > virtq.MaxSize || v&(v-1) != 0 {
		return unix.EINVAL
	}

	d.selectedQueue().NumDesc = v
	return nil
}

// writeQueueAddr sets one 32-bit half of a ring address of the selected
// queue. High halves sit 4 bytes after their low halves.
func (d *device) writeQueueAddr(off int, v uint32) error {
	qs := d.selectedQueue()
	if !d.isConfiguringQueues() || qs.Ready == 1 {
		return unix.EPERM
	}

	var addr *uint64
	switch off &^ 4 {
	case regQueueDescLow:
		addr = &qs.DescAddr

	case regQueueDriverLow:
		addr = &qs.DriverAddr

	default:
		addr = &qs.DeviceAddr
	}

	if off&4 != 0 {
		*addr = *addr&0xffffffff | uint64(v)<<32
	} else {
		*addr = *addr&^0xffffffff | uint64(v)
	}

	return nil
}

func (d *device) writeQueueReady(v uint32) error {
	if !d.isConfiguringQueues() {
		return unix.EPERM
	}

	if v != 1 {
		return unix.EINVAL
	}

	qs := d.selectedQueue()
	if qs.Ready == 1 {
		return unix.EPERM
	}

	mem := d.bus.mem.Memory()
	if mem == nil {
		return errors.New("mmio: no guest memory")
	}

	size := uint16(qs.NumDesc)

	// the rings must be mapped when the queue is enabled
	for _, area := range []struct {
		addr uint64
		n    int
	}{
		{qs.DescAddr, virtq.DescTableSize(size)},
		{qs.DriverAddr, virtq.AvailRingSize(size)},
		{qs.DeviceAddr, virtq.UsedRingSize(size)},
	} {
		if err := mem.Read(make([]byte, area.n), area.addr); err != nil {
			return err
		}
	}

	vq, err := virtq.New(size, qs.DescAddr, qs.DriverAddr, qs.DeviceAddr, virtq.Config{
		Notify: func() error {
			return d.raise(IntStatusUsedBuffer)
		},
	})

	if err != nil {
		return err
	}

	kick, err := eventfd.New()
	if err != nil {
		return err
	}

	qn := d.state.queueSel

	if err := d.handler.QueueReady(int(qn), vq, kick); err != nil {
		kick.Close()
		return errors.Errorf("%v: queue %d ready: %w", d.info.Type, qn, err)
	}

	qs.Ready = 1
	d.kicks[qn] = kick
	d.state.version++

	return nil
}

func (d *device) writeQueueNotify(v uint32) error {
	if !d.isOperatingNormally() {
		return unix.EPERM
	}

	if v >= maxQueues {
		return unix.EINVAL
	}

	if d.state.queue[v].Ready != 1 {
		return unix.EPERM
	}

	return d.kicks[v].Write(1)
}

func (d *device) writeInterruptAck(v uint32) error {
	if !d.isOperatingNormally() {
		return unix.EPERM
	}

	// clear flags
	d.intMu.Lock()
	d.intStatus &^= v
	d.intMu.Unlock()

	return nil
}

// raise sets bits in the interrupt status register and notifies the driver.
// It doesn't take d.mu so device workers can call it while the device is
// being reset.
func (d *device) raise(bits uint32) error {
	d.intMu.Lock()
	d.intStatus |= bits
	d.intMu.Unlock()

	if d.bus.notify == nil {
		return nil
	}

	return d.bus.notify(d.info.IRQ)
}

func (d *device) getFeatures() uint64 {
	return virtio.RequiredFeatures | d.handler.GetFeatures()
}

func (d *device) isNegotiatingFeatures() bool {
	return d.state.status == negotiatingFeatures
}

func (d *device) isConfiguringQueues() bool {
	return d.state.status == configuringQueues
}

func (d *device) isOperatingNormally() bool {
	return d.state.status == operatingNormally
}

func (d *device) needsReset() bool {
	return d.state.status&statusNeedsReset != 0
}

func (d *device) driverFailed() bool {
	return d.state.status&statusFailed != 0
}

func (d *device) selectedQueue() *queueState {
	return &d.state.queue[d.state.queueSel]
}
