package main

import (
	"bytes"
	"io"
	"net"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"

	"github.com/c35s/hypenet/virtio"
)

// deviceFile is the YAML description of a net device.
type deviceFile struct {
	MAC       string `yaml:"mac"`
	NumQueues int    `yaml:"num_queues"`
	MTU       uint16 `yaml:"mtu"`
	Speed     uint32 `yaml:"speed"`
	Duplex    string `yaml:"duplex"`
}

const defaultMAC = "52:54:00:12:34:56"

var errDeviceFile = errors.Base("invalid device file")

func deviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.PathFlag{
			Name:    "device",
			Aliases: []string{"d"},
			Usage:   "read the device from a YAML `FILE`",
		},
		&cli.StringFlag{
			Name:  "mac",
			Usage: "hardware address (default " + defaultMAC + ")",
		},
		&cli.IntFlag{
			Name:  "queues",
			Usage: "number of data queues; the control queue comes after them",
		},
		&cli.UintFlag{
			Name:  "mtu",
			Usage: "advertised MTU",
		},
		&cli.UintFlag{
			Name:  "speed",
			Usage: "advertised speed in Mbit/s",
		},
		&cli.StringFlag{
			Name:  "duplex",
			Usage: "half, full or unknown",
		},
	}
}

// deviceFromContext reads the device file, if any, and applies flags on top.
func deviceFromContext(c *cli.Context) (*virtio.Net, error) {
	var f deviceFile

	if path := c.Path("device"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WithStack(err)
		}

		if f, err = parseDeviceFile(b); err != nil {
			return nil, errors.WithDetails(err, "path", path)
		}
	}

	if c.IsSet("mac") {
		f.MAC = c.String("mac")
	}

	if c.IsSet("queues") {
		f.NumQueues = c.Int("queues")
	}

	if c.IsSet("mtu") {
		f.MTU = uint16(c.Uint("mtu"))
	}

	if c.IsSet("speed") {
		f.Speed = uint32(c.Uint("speed"))
	}

	if c.IsSet("duplex") {
		f.Duplex = c.String("duplex")
	}

	return f.net()
}

func parseDeviceFile(b []byte) (f deviceFile, err error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	// an empty file is the default device
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return deviceFile{}, errors.Errorf("%w: %s", errDeviceFile, err.Error())
	}

	return f, nil
}

func (f deviceFile) net() (*virtio.Net, error) {
	mac := f.MAC
	if mac == "" {
		mac = defaultMAC
	}

	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, errors.WithDetails(errDeviceFile, "mac", mac)
	}

	duplex, err := parseDuplex(f.Duplex)
	if err != nil {
		return nil, err
	}

	return &virtio.Net{
		MAC:       hw,
		NumQueues: f.NumQueues,
		MTU:       f.MTU,
		Speed:     f.Speed,
		Duplex:    duplex,
	}, nil
}

func parseDuplex(s string) (uint8, error) {
	switch strings.ToLower(s) {
	case "", "unknown":
		return virtio.NetDuplexUnknown, nil

	case "half":
		return virtio.NetDuplexHalf, nil

	case "full":
		return virtio.NetDuplexFull, nil
	}

	return 0, errors.WithDetails(errDeviceFile, "duplex", s)
}

func duplexString(d uint8) string {
	switch d {
	case virtio.NetDuplexHalf:
		return "half"

	case virtio.NetDuplexFull:
		return "full"
	}

	return "unknown"
}

var netFeatureNames = []struct {
	bit  uint64
	name string
}{
	{virtio.NetFMTU, "MTU"},
	{virtio.NetFMAC, "MAC"},
	{virtio.NetFStatus, "STATUS"},
	{virtio.NetFCtrlVQ, "CTRL_VQ"},
	{virtio.NetFMQ, "MQ"},
	{virtio.NetFSpeedDuplex, "SPEED_DUPLEX"},
	{virtio.FVersion1, "VERSION_1"},
	{virtio.FEventIdx, "RING_EVENT_IDX"},
}

// featureNames names the bits in feat that hype-netctl knows about.
func featureNames(feat uint64) (names []string) {
	for _, f := range netFeatureNames {
		if feat&f.bit != 0 {
			names = append(names, f.name)
		}
	}

	return names
}
