package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/c35s/hypenet/virtio"
)

// deviceReport is what the config command prints.
type deviceReport struct {
	Config   virtio.NetConfig `json:"config" yaml:"config"`
	Features []string         `json:"features" yaml:"features"`
	Queues   int              `json:"queues" yaml:"queues"`
	CtrlVQ   int              `json:"ctrl_vq" yaml:"ctrl_vq"`
}

var errOutputFormat = errors.Base("unknown output format")

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "print the config space and features a device offers",
		Flags: append(deviceFlags(), outputFlag()),

		Action: func(c *cli.Context) error {
			cfg, err := deviceFromContext(c)
			if err != nil {
				return err
			}

			r, err := newDeviceReport(cfg)
			if err != nil {
				return err
			}

			return writeReport(c.App.Writer, outputFormat(c), r)
		},
	}
}

func outputFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "table, json, yaml or hex (default table on a terminal, json otherwise)",
	}
}

// outputFormat is the --output flag, or a table if stdout is a terminal.
func outputFormat(c *cli.Context) string {
	if c.IsSet("output") {
		return c.String("output")
	}

	if f, ok := c.App.Writer.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "table"
	}

	return "json"
}

func newDeviceReport(cfg *virtio.Net) (*deviceReport, error) {
	space, err := cfg.Config()
	if err != nil {
		return nil, err
	}

	feat, err := cfg.Features()
	if err != nil {
		return nil, err
	}

	return &deviceReport{
		Config:   space,
		Features: featureNames(feat | virtio.RequiredFeatures),
		Queues:   cfg.NumQueues,
		CtrlVQ:   cfg.NumQueues,
	}, nil
}

type tableWriter interface {
	writeTable(w io.Writer) error
}

type hexWriter interface {
	writeHex(w io.Writer) error
}

func writeReport(w io.Writer, format string, r any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.WithStack(enc.Encode(r))

	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(r); err != nil {
			return errors.WithStack(err)
		}

		return errors.WithStack(enc.Close())

	case "table":
		if t, ok := r.(tableWriter); ok {
			return t.writeTable(w)
		}

	case "hex":
		if h, ok := r.(hexWriter); ok {
			return h.writeHex(w)
		}
	}

	return errors.WithDetails(errOutputFormat, "format", format)
}

func (r *deviceReport) writeTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)

	fmt.Fprintf(tw, "mac\t%s\n", r.Config.HardwareAddr())
	fmt.Fprintf(tw, "status\t%#04x\n", r.Config.Status)
	fmt.Fprintf(tw, "max virtqueue pairs\t%d\n", r.Config.MaxVirtqueuePairs)
	fmt.Fprintf(tw, "mtu\t%d\n", r.Config.MTU)
	fmt.Fprintf(tw, "speed\t%d\n", r.Config.Speed)
	fmt.Fprintf(tw, "duplex\t%s\n", duplexString(r.Config.Duplex))
	fmt.Fprintf(tw, "features\t%s\n", strings.Join(r.Features, " "))
	fmt.Fprintf(tw, "control queue\t%d\n", r.CtrlVQ)

	return errors.WithStack(tw.Flush())
}

func (r *deviceReport) writeHex(w io.Writer) error {
	b, err := r.Config.MarshalBinary()
	if err != nil {
		return err
	}

	_, err = io.WriteString(w, hex.Dump(b))
	return errors.WithStack(err)
}
