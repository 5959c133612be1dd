package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cyphermesh/meshnet/discovery"
	"github.com/cyphermesh/meshnet/metrics"
	"github.com/cyphermesh/meshnet/session"
	"github.com/urfave/cli/v2"
)

var hostCommand = &cli.Command{
	Name:  "host",
	Usage: "advertise a session and wait for members to authenticate",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "identifier", Required: true, Usage: "session name, advertised over mDNS"},
		&cli.StringFlag{Name: "passcode", Usage: "pin a specific passcode instead of generating one"},
		&cli.IntFlag{Name: "discovery-port", Usage: "probe for the discovery port from this port instead of from 5330"},
	},
	Action: runHost,
}

func runHost(c *cli.Context) error {
	m := metrics.NewRegistry()
	publisher := &discovery.ZeroconfPublisher{}

	host, err := session.NewHost(c.String("identifier"), publisher, m, session.Config{
		PasscodeOverride:      c.String("passcode"),
		DiscoveryPortOverride: c.Int("discovery-port"),
	})
	if err != nil {
		return fmt.Errorf("starting host: %w", err)
	}

	sub := host.Events(32)
	go printEvents(sub)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		host.Close()
		os.Exit(0)
	}()

	fmt.Printf("hosting %q, passcode: %s\n", host.Identifier(), host.Passcode())
	fmt.Println("press enter once every expected member has joined to build the mesh")

	scanner := bufio.NewScanner(os.Stdin)
	if scanner.Scan() {
		if err := host.StartMesh(); err != nil {
			return fmt.Errorf("starting mesh: %w", err)
		}
	}

	fmt.Println("mesh building; type a line and press enter to broadcast it")
	for scanner.Scan() {
		host.BroadcastMessage(scanner.Text())
	}
	return host.Close()
}
