package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "blexchange"
	app.Usage = "ping-pong indexed messages between a BLE advertiser and scanner"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "YAML config file",
			Value: defaultConfigPath(),
		},
		cli.StringFlag{
			Name:  "transport, t",
			Usage: "memory, wire or radio (overrides the config)",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "trace, debug, info, warn or error",
		},
		cli.StringFlag{
			Name:  "data-dir",
			Usage: "socket bus directory for the wire transport",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:  "advertise",
			Usage: "Advertise the exchange service and echo every index written to it",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "name, n",
					Usage: "Local name to advertise",
				},
				cli.StringFlag{
					Name:  "partner",
					Usage: "Only accept writes from this central id",
				},
			},
			Action: advertiseCommand,
		},
		cli.Command{
			Name:  "scan",
			Usage: "Find an advertiser, connect and run the exchange",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "write-mode, w",
					Usage: "with_response or without_response",
				},
				cli.Int64Flag{
					Name:  "seed",
					Usage: "Index the exchange loop starts with",
				},
				cli.IntFlag{
					Name:  "burst, b",
					Usage: "Send a burst of this many messages instead of the exchange loop",
				},
			},
			Action: scanCommand,
		},
		cli.Command{
			Name:  "demo",
			Usage: "Run both roles in this process over the in-memory radio",
			Flags: []cli.Flag{
				cli.DurationFlag{
					Name:  "duration, d",
					Usage: "How long to run the exchange loop",
					Value: defaultDemoDuration,
				},
				cli.IntFlag{
					Name:  "burst, b",
					Usage: "Send a burst of this many messages before the exchange loop",
				},
			},
			Action: demoCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}
