package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cyphermesh/meshnet/discovery"
	"github.com/cyphermesh/meshnet/metrics"
	"github.com/cyphermesh/meshnet/session"
	"github.com/urfave/cli/v2"
)

var joinCommand = &cli.Command{
	Name:  "join",
	Usage: "find and authenticate against an advertised session",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "session", Required: true, Usage: "session name to join"},
		&cli.StringFlag{Name: "passcode", Required: true, Usage: "passcode given out of band by the host"},
		&cli.StringFlag{Name: "identifier", Required: true, Usage: "this member's own user name"},
	},
	Action: runJoin,
}

func runJoin(c *cli.Context) error {
	m := metrics.NewRegistry()
	browser := &discovery.ZeroconfBrowser{}

	client := session.NewClient(c.String("identifier"), browser, m, session.Config{})

	sub := client.Events(32)
	go printEvents(sub)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		client.Close()
		os.Exit(0)
	}()

	fmt.Printf("looking for %q...\n", c.String("session"))
	if err := client.Join(context.Background(), c.String("session"), c.String("passcode")); err != nil {
		return fmt.Errorf("joining: %w", err)
	}
	fmt.Println("authenticated; waiting for the mesh to form")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		client.BroadcastMessage(scanner.Text())
	}
	return client.Close()
}
