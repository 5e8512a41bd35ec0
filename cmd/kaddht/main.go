// Command kaddht runs a standalone DHT node, either freshly bound or
// joined to an existing swarm through a seed address (spec.md §9.4).
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/erigontech/erigon-lib/log/v3"
	"github.com/urfave/cli/v2"

	"github.com/sectorrent/kaddht/discover"
)

var (
	addrFlag = &cli.StringFlag{
		Name:  "addr",
		Usage: "UDP address to bind to",
		Value: "0.0.0.0:6881",
	}
	seedFlag = &cli.StringFlag{
		Name:  "seed",
		Usage: "UDP address of a bootstrap node to join through",
	}
	protoFlag = &cli.StringFlag{
		Name:  "proto",
		Usage: "bucket-capacity flavor: kademlia or mainline",
		Value: string(discover.ProtoKademlia),
	}
	insecureFlag = &cli.BoolFlag{
		Name:  "insecure",
		Usage: "accept nodes whose id isn't tied to their address (disables the secure-id gate)",
	}
	allowBogonFlag = &cli.BoolFlag{
		Name:  "allow-bogon-ingress",
		Usage: "accept packets from, and send to, loopback/private/link-local addresses (disables the bogon filter)",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity: 0=silent through 5=trace",
		Value: 3,
	}
)

func main() {
	app := &cli.App{
		Name:  "kaddht",
		Usage: "run or inspect a Kademlia-style DHT node",
		Commands: []*cli.Command{
			runCommand,
			tableCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "bind a node and optionally join an existing swarm",
	Flags: []cli.Flag{addrFlag, seedFlag, protoFlag, insecureFlag, allowBogonFlag, verbosityFlag},
	Action: func(c *cli.Context) error {
		logger := newLogger(c.Int(verbosityFlag.Name))

		proto, err := discover.ParseProto(c.String(protoFlag.Name))
		if err != nil {
			return err
		}
		localAddr, err := net.ResolveUDPAddr("udp", c.String(addrFlag.Name))
		if err != nil {
			return fmt.Errorf("resolving --addr: %w", err)
		}

		secureOnly := !c.Bool(insecureFlag.Name)
		allowBogon := c.Bool(allowBogonFlag.Name)
		k := discover.New(discover.Config{
			Proto:             proto,
			SecureOnly:        &secureOnly,
			AllowBogonIngress: &allowBogon,
			Logger:            logger,
			InitialAddr:       localAddr.IP,
		})

		if seed := c.String(seedFlag.Name); seed != "" {
			seedAddr, err := net.ResolveUDPAddr("udp", seed)
			if err != nil {
				return fmt.Errorf("resolving --seed: %w", err)
			}
			logger.Info("joining", "local", localAddr, "seed", seedAddr)
			if err := k.Join(localAddr, seedAddr); err != nil {
				return err
			}
		} else {
			logger.Info("binding", "local", localAddr)
			if err := k.Bind(localAddr); err != nil {
				return err
			}
		}

		waitForSignal()
		logger.Info("shutting down")
		return k.Stop()
	},
}

var tableCommand = &cli.Command{
	Name:  "table",
	Usage: "bind a node briefly and print its routing-table snapshot",
	Flags: []cli.Flag{addrFlag, protoFlag, insecureFlag, allowBogonFlag, verbosityFlag},
	Action: func(c *cli.Context) error {
		logger := newLogger(c.Int(verbosityFlag.Name))

		proto, err := discover.ParseProto(c.String(protoFlag.Name))
		if err != nil {
			return err
		}
		localAddr, err := net.ResolveUDPAddr("udp", c.String(addrFlag.Name))
		if err != nil {
			return fmt.Errorf("resolving --addr: %w", err)
		}

		secureOnly := !c.Bool(insecureFlag.Name)
		allowBogon := c.Bool(allowBogonFlag.Name)
		k := discover.New(discover.Config{
			Proto:             proto,
			SecureOnly:        &secureOnly,
			AllowBogonIngress: &allowBogon,
			Logger:            logger,
			InitialAddr:       localAddr.IP,
		})
		if err := k.Bind(localAddr); err != nil {
			return err
		}
		defer k.Stop()

		k.Table().WriteStatus(os.Stdout)
		return nil
	},
}

func newLogger(verbosity int) log.Logger {
	logger := log.New()
	logger.SetHandler(log.LvlFilterHandler(log.Lvl(verbosity), log.StreamHandler(os.Stderr, log.TerminalFormat(false))))
	return logger
}

func waitForSignal() {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
}
