package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/cyphermesh/meshnet/coordinator"
	"github.com/cyphermesh/meshnet/crypto"
	"github.com/cyphermesh/meshnet/discovery"
	"github.com/cyphermesh/meshnet/internal/event"
	"github.com/cyphermesh/meshnet/mesh"
	"github.com/cyphermesh/meshnet/metrics"
	"github.com/sirupsen/logrus"
)

// Client is the session-joining role: it browses for a named session,
// authenticates against its coordinator, then joins the mesh the host
// builds once every candidate has authenticated.
type Client struct {
	identifier string
	browser    discovery.Browser
	m          *metrics.Registry
	cfg        Config
	log        *logrus.Entry
	events     *event.Feed

	mu       sync.Mutex
	meshNode *mesh.ClientNode
}

// NewClient constructs a client identified as identifier. Call Join to
// actually find and authenticate against a session.
func NewClient(identifier string, browser discovery.Browser, m *metrics.Registry, cfg Config) *Client {
	return &Client{
		identifier: identifier,
		browser:    browser,
		m:          m,
		cfg:        cfg,
		log:        logrus.WithFields(logrus.Fields{"component": "session-client", "identifier": identifier}),
		events:     &event.Feed{},
	}
}

// Events returns a subscription to this client's session-level events.
func (c *Client) Events(buffer int) *event.Subscription {
	return c.events.Subscribe(buffer)
}

// Join browses for sessionName, authenticates with passcode, and
// blocks until either the coordinator handshake completes (at which
// point this client's mesh node is live and dialing its first
// neighbor, the host) or it fails.
func (c *Client) Join(ctx context.Context, sessionName, passcode string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.joinTimeout())
	defer cancel()

	inst, err := c.resolveInstance(ctx, sessionName)
	if err != nil {
		return err
	}
	if len(inst.Addresses) == 0 {
		return fmt.Errorf("session: resolved instance %q has no usable address", sessionName)
	}
	hostAddr := inst.Addresses[0]

	nodePort, err := probeFreePort()
	if err != nil {
		return err
	}
	nodeKey, err := crypto.GenerateRSAKey()
	if err != nil {
		return err
	}
	nodeCert, err := crypto.NewSelfSignedCert(nodeKey, crypto.CN(sessionName, nodePort))
	if err != nil {
		return err
	}

	coordClient := coordinator.NewCoordinatorClient(c.identifier, passcode, nodePort)
	sub := coordClient.Events(16)
	go func() {
		for raw := range sub.Chan() {
			if ev, ok := raw.(coordinator.ClientErrorEvent); ok {
				c.events.Send(AuthenticationFailedEvent{Err: ev.Err})
			}
		}
	}()

	connectErr := coordClient.Connect(hostAddr, inst.CoordinatorPort, sessionName)
	select {
	case err := <-connectErr:
		if err != nil {
			return fmt.Errorf("session: connecting to coordinator: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	var result struct {
		Info coordinator.SessionInfo
		Key  []byte
		Err  error
	}
	select {
	case r := <-coordClient.Authenticated():
		result.Info, result.Key, result.Err = r.Info, r.Key, r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
	if result.Err != nil {
		return fmt.Errorf("session: authenticating: %w", result.Err)
	}

	node, err := mesh.NewClientNode(sessionName, c.identifier, nodePort, nodeCert, result.Info, result.Key, c.m)
	if err != nil {
		return err
	}
	meshSub := node.Events(32)
	go forwardMeshEvents(meshSub, c.events)

	c.mu.Lock()
	c.meshNode = node
	c.mu.Unlock()
	return nil
}

func (c *Client) resolveInstance(ctx context.Context, sessionName string) (discovery.Instance, error) {
	instances, err := c.browser.Browse()
	if err != nil {
		return discovery.Instance{}, err
	}
	defer c.browser.Stop()

	for {
		select {
		case inst, ok := <-instances:
			if !ok {
				return discovery.Instance{}, fmt.Errorf("session: discovery closed before %q was found", sessionName)
			}
			if inst.Name == sessionName {
				return inst, nil
			}
		case <-ctx.Done():
			return discovery.Instance{}, fmt.Errorf("session: timed out looking for %q: %w", sessionName, ctx.Err())
		}
	}
}

// SendMessage sends a unicast message to one connected neighbor.
// Valid only after Join succeeds.
func (c *Client) SendMessage(username, text string) error {
	c.mu.Lock()
	node := c.meshNode
	c.mu.Unlock()
	if node == nil {
		return fmt.Errorf("session: not joined")
	}
	return node.SendMessage(username, text)
}

// BroadcastMessage sends text to every connected neighbor. Valid only
// after Join succeeds.
func (c *Client) BroadcastMessage(text string) {
	c.mu.Lock()
	node := c.meshNode
	c.mu.Unlock()
	if node != nil {
		node.BroadcastMessage(text)
	}
}

// Neighbors returns the current mesh neighbor usernames.
func (c *Client) Neighbors() []string {
	c.mu.Lock()
	node := c.meshNode
	c.mu.Unlock()
	if node == nil {
		return nil
	}
	return node.Neighbors()
}

// Close tears down the mesh node, if one was built.
func (c *Client) Close() error {
	c.mu.Lock()
	node := c.meshNode
	c.mu.Unlock()
	if node != nil {
		node.Destroy()
	}
	c.events.Close()
	return nil
}
