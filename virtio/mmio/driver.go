package mmio

import (
	"gitlab.com/tozd/go/errors"

	"github.com/c35s/hypenet/virtio"
)

// Driver drives a device on a Bus through its registers, the way a guest's
// virtio-mmio driver would.
type Driver struct {
	bus  *Bus
	info DeviceInfo
}

// QueueConfig is the layout of a virtqueue set up by a Driver.
type QueueConfig struct {
	Num       int
	Size      uint16
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64
}

var ErrNoDevice = errors.Base("mmio: no device")

func NewDriver(b *Bus, info DeviceInfo) *Driver {
	return &Driver{bus: b, info: info}
}

// Read32 reads the register at off.
func (drv *Driver) Read32(off int) (uint32, error) {
	p := make([]byte, 4)
	if err := drv.access(off, p, false); err != nil {
		return 0, err
	}

	return le.Uint32(p), nil
}

// Write32 writes v to the register at off.
func (drv *Driver) Write32(off int, v uint32) error {
	p := make([]byte, 4)
	le.PutUint32(p, v)
	return drv.access(off, p, true)
}

// ReadConfig reads the device config space at off into p.
func (drv *Driver) ReadConfig(p []byte, off int) error {
	return drv.access(regDeviceConfigStart+off, p, false)
}

// Negotiate identifies the device, acknowledges it and accepts the offered
// features that are also in want. It returns the negotiated features.
func (drv *Driver) Negotiate(want uint64) (uint64, error) {
	magic, err := drv.Read32(regMagicValue)
	if err != nil {
		return 0, err
	}

	if magic != virtio.MagicValue {
		return 0, errors.Errorf("mmio: bad magic value %#x", magic)
	}

	if err := drv.Reset(); err != nil {
		return 0, err
	}

	if err := drv.Write32(regStatus, statusAcknowledge); err != nil {
		return 0, err
	}

	if err := drv.Write32(regStatus, negotiatingFeatures); err != nil {
		return 0, err
	}

	var offered uint64
	for sel := uint32(0); sel < 2; sel++ {
		if err := drv.Write32(regDeviceFeaturesSel, sel); err != nil {
			return 0, err
		}

		v, err := drv.Read32(regDeviceFeatures)
		if err != nil {
			return 0, err
		}

		offered |= uint64(v) << (32 * sel)
	}

	feat := offered & (want | virtio.RequiredFeatures)

	for sel := uint32(0); sel < 2; sel++ {
		if err := drv.Write32(regDriverFeaturesSel, sel); err != nil {
			return 0, err
		}

		if err := drv.Write32(regDriverFeatures, uint32(feat>>(32*sel))); err != nil {
			return 0, err
		}
	}

	if err := drv.Write32(regStatus, configuringQueues); err != nil {
		return 0, err
	}

	status, err := drv.Read32(regStatus)
	if err != nil {
		return 0, err
	}

	if status&statusFeaturesOK == 0 {
		return 0, errors.New("mmio: device rejected features")
	}

	return feat, nil
}

// SetupQueue configures and enables a queue. The rings must already be
// initialized in guest memory.
func (drv *Driver) SetupQueue(qc QueueConfig) error {
	regs := []struct {
		off int
		v   uint32
	}{
		{regQueueSel, uint32(qc.Num)},
		{regQueueNum, uint32(qc.Size)},
		{regQueueDescLow, uint32(qc.DescAddr)},
		{regQueueDescHigh, uint32(qc.DescAddr >> 32)},
		{regQueueDriverLow, uint32(qc.AvailAddr)},
		{regQueueDriverHigh, uint32(qc.AvailAddr >> 32)},
		{regQueueDeviceLow, uint32(qc.UsedAddr)},
		{regQueueDeviceHigh, uint32(qc.UsedAddr >> 32)},
		{regQueueReady, 1},
	}

	for _, r := range regs {
		if err := drv.Write32(r.off, r.v); err != nil {
			return errors.Errorf("mmio: setup queue %d: %w", qc.Num, err)
		}
	}

	return nil
}

// DriverOK tells the device the driver is ready to drive it.
func (drv *Driver) DriverOK() error {
	return drv.Write32(regStatus, operatingNormally)
}

// Notify sends an available buffer notification for queue num.
func (drv *Driver) Notify(num int) error {
	return drv.Write32(regQueueNotify, uint32(num))
}

// InterruptStatus reads the interrupt status register.
func (drv *Driver) InterruptStatus() (uint32, error) {
	return drv.Read32(regInterruptStatus)
}

// AckInterrupt clears the given interrupt status bits.
func (drv *Driver) AckInterrupt(bits uint32) error {
	return drv.Write32(regInterruptAck, bits)
}

// Status reads the device status register.
func (drv *Driver) Status() (uint32, error) {
	return drv.Read32(regStatus)
}

// Reset writes 0 to the status register.
func (drv *Driver) Reset() error {
	return drv.Write32(regStatus, 0)
}

func (drv *Driver) access(off int, p []byte, isWrite bool) error {
	found, err := drv.bus.HandleMMIO(drv.info.Addr+uint64(off), p, isWrite)
	if err != nil {
		return err
	}

	if !found {
		return errors.WithDetails(ErrNoDevice, "addr", drv.info.Addr)
	}

	return nil
}
