// hype-netctl builds virtio-net devices and drives their control queue
// without a guest.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/c35s/hypenet/internal/logging"
)

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "hype-netctl: %v\n", err)
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "hype-netctl",
		Usage:     "inspect and exercise the virtio-net control plane",
		Writer:    stdout,
		ErrWriter: stderr,

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "trace, debug, info, warn or error",
				EnvVars: []string{"HYPE_NETCTL_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   "text",
				Usage:   "text or json",
				EnvVars: []string{"HYPE_NETCTL_LOG_FORMAT"},
			},
		},

		Before: func(c *cli.Context) error {
			lvl, err := logging.ParseLevel(c.String("log-level"))
			if err != nil {
				return err
			}

			logging.SetDefault(logging.New(logging.Config{
				Level:  lvl,
				Format: c.String("log-format"),
				Output: c.App.ErrWriter,
			}))

			return nil
		},

		Commands: []*cli.Command{
			configCommand(),
			simulateCommand(),
		},
	}
}
