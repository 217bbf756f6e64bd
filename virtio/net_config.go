package virtio

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"net"

	"gitlab.com/tozd/go/errors"
)

const (

	// NetFMTU (VIRTIO_NET_F_MTU) "Device maximum MTU reporting is supported."
	NetFMTU = 1 << 3

	// NetFMAC (VIRTIO_NET_F_MAC) "Device has given MAC address."
	NetFMAC = 1 << 5

	// NetFStatus (VIRTIO_NET_F_STATUS) "Configuration status field is available."
	NetFStatus = 1 << 16

	// NetFCtrlVQ (VIRTIO_NET_F_CTRL_VQ) "Control channel is available."
	NetFCtrlVQ = 1 << 17

	// NetFMQ (VIRTIO_NET_F_MQ) "Device supports multiqueue with automatic
	// receive steering."
	NetFMQ = 1 << 22

	// NetFSpeedDuplex (VIRTIO_NET_F_SPEED_DUPLEX) "Device reports speed and duplex."
	NetFSpeedDuplex = 1 << 63
)

// NetSLinkUp is the link status bit of NetConfig.Status.
const NetSLinkUp = 1

const (
	NetDuplexHalf    = 0x00
	NetDuplexFull    = 0x01
	NetDuplexUnknown = 0xff
)

const (
	CtrlMQVQPairsMin = 1
	CtrlMQVQPairsMax = 0x8000
)

// NetConfig is the network device's configuration space. Its encoding is the
// packed little endian layout the driver reads: 17 bytes, no padding.
type NetConfig struct {
	MAC               [6]byte
	Status            uint16
	MaxVirtqueuePairs uint16
	MTU               uint16
	Speed             uint32
	Duplex            uint8
}

// netConfigJSON is the external form of NetConfig.
type netConfigJSON struct {
	MAC               string `json:"mac" yaml:"mac"`
	Status            uint16 `json:"status" yaml:"status"`
	MaxVirtqueuePairs uint16 `json:"max_virtqueue_pairs" yaml:"max_virtqueue_pairs"`
	MTU               uint16 `json:"mtu" yaml:"mtu"`
	Speed             uint32 `json:"speed" yaml:"speed"`
	Duplex            uint8  `json:"duplex" yaml:"duplex"`
}

// NetConfigSize is the encoded size of NetConfig.
var NetConfigSize = binary.Size(NetConfig{})

// MarshalBinary returns the configuration space as the driver sees it.
func (c NetConfig) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, NetConfigSize))
	if err := binary.Write(buf, binary.LittleEndian, c); err != nil {
		return nil, errors.Errorf("virtio: encode net config: %w", err)
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a configuration space read from a device.
func (c *NetConfig) UnmarshalBinary(p []byte) error {
	if len(p) != NetConfigSize {
		return errors.Errorf("virtio: net config is %d bytes, not %d", len(p), NetConfigSize)
	}

	return binary.Read(bytes.NewReader(p), binary.LittleEndian, c)
}

// HardwareAddr returns a copy of the MAC field.
func (c NetConfig) HardwareAddr() net.HardwareAddr {
	mac := c.MAC
	return net.HardwareAddr(mac[:])
}

func (c NetConfig) external() netConfigJSON {
	return netConfigJSON{
		MAC:               c.HardwareAddr().String(),
		Status:            c.Status,
		MaxVirtqueuePairs: c.MaxVirtqueuePairs,
		MTU:               c.MTU,
		Speed:             c.Speed,
		Duplex:            c.Duplex,
	}
}

func (c NetConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.external())
}

func (c NetConfig) MarshalYAML() (any, error) {
	return c.external(), nil
}

// BuildNetConfigSpace copies mac into cfg, advertises NetFMAC in
// availFeatures, and then applies BuildNetConfigSpaceWithMQ.
func BuildNetConfigSpace(cfg *NetConfig, mac net.HardwareAddr, numQueues int, availFeatures *uint64) {
	copy(cfg.MAC[:], mac)
	*availFeatures |= NetFMAC

	BuildNetConfigSpaceWithMQ(cfg, numQueues, availFeatures)
}

// BuildNetConfigSpaceWithMQ advertises numQueues/2 queue pairs and NetFMQ if
// the pair count is within [CtrlMQVQPairsMin, CtrlMQVQPairsMax]. Otherwise cfg
// and availFeatures are left alone and the device doesn't offer multiqueue.
func BuildNetConfigSpaceWithMQ(cfg *NetConfig, numQueues int, availFeatures *uint64) {
	pairs := numQueues / 2
	if pairs < CtrlMQVQPairsMin || pairs > CtrlMQVQPairsMax {
		return
	}

	cfg.MaxVirtqueuePairs = uint16(pairs)
	*availFeatures |= NetFMQ
}
