package mesh

import (
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/cyphermesh/meshnet/coordinator"
	"github.com/cyphermesh/meshnet/crypto"
	"github.com/cyphermesh/meshnet/metrics"
)

// ClientNode is the mesh-formation role run by every non-host member:
// it starts out with exactly one neighbor (the host), then expands its
// neighbor set from the host's hello roster (spec.md §4.3).
type ClientNode struct {
	*MeshNode

	hostUsername string

	mu             sync.Mutex
	ownReceiveKey  []byte
	helloProcessed bool
	connected      map[string]struct{}
	startedOnce    sync.Once
}

// NewClientNode constructs a client mesh node from the decrypted
// coordinator payload (host info + the SRP key shared with the host)
// and immediately dials the host.
func NewClientNode(sessionName, selfUsername string, nodePort int, cert *crypto.SelfSignedCert, info coordinator.SessionInfo, hostKey []byte, m *metrics.Registry) (*ClientNode, error) {
	c := &ClientNode{
		MeshNode:     newMeshNode(sessionName, selfUsername, nodePort, cert, m),
		hostUsername: info.HostName,
		connected:    make(map[string]struct{}),
	}
	c.hooks = meshHooks{
		onHello:             c.handleHello,
		onNeighborConnected: c.handleNeighborConnected,
	}

	if err := c.listen(); err != nil {
		return nil, err
	}
	c.addNeighbor(info.HostName, info.HostIP, info.HostNodePort, hostKey, hostKey)
	return c, nil
}

// handleHello processes the host's roster distribution message: it is
// only honored the first time, and only while the host is still this
// node's sole neighbor (spec.md §4.3).
func (c *ClientNode) handleHello(nb *Neighbor, env envelope) {
	c.mu.Lock()
	if c.helloProcessed || nb.Username != c.hostUsername {
		c.mu.Unlock()
		return
	}
	if len(c.snapshotNeighbors()) != 1 {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	plaintext, err := c.decryptFrom(nb, env)
	if err != nil {
		c.events.Send(ErrorEvent{Err: err})
		return
	}
	var payload helloPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		c.events.Send(ErrorEvent{Err: err})
		return
	}

	var ownReceiveKey []byte
	for _, row := range payload.Nodes {
		if row.Username == c.selfUsername {
			ownReceiveKey, err = hex.DecodeString(row.ReceiveKey)
			if err != nil {
				c.events.Send(ErrorEvent{Err: err})
				return
			}
			break
		}
	}
	if ownReceiveKey == nil {
		// Our own row is missing from the roster; nothing to install.
		return
	}

	for _, row := range payload.Nodes {
		if row.Username == c.selfUsername || row.Username == c.hostUsername {
			continue
		}
		sendKey, err := hex.DecodeString(row.SendKey)
		if err != nil {
			c.events.Send(ErrorEvent{Err: err})
			continue
		}
		c.addNeighbor(row.Username, row.IP, row.Port, sendKey, ownReceiveKey)
	}

	c.mu.Lock()
	c.ownReceiveKey = ownReceiveKey
	c.helloProcessed = true
	c.mu.Unlock()

	if err := c.sendEnvelope(nb, envelopeAckHello, nil); err != nil {
		c.events.Send(ErrorEvent{Err: err})
	}
	c.checkSessionStarted()
}

func (c *ClientNode) handleNeighborConnected(nb *Neighbor) {
	c.mu.Lock()
	c.connected[nb.Username] = struct{}{}
	c.mu.Unlock()
	c.checkSessionStarted()
}

// checkSessionStarted fires session-started exactly once, when the
// roster has been installed and every neighbor it names is connected
// (spec.md §8 invariant 4 and 6; in the degenerate two-member session
// this coincides with the host connecting, matching spec.md §4.3's
// "on the first tls-connected to the host's listener" wording).
func (c *ClientNode) checkSessionStarted() {
	c.mu.Lock()
	processed := c.helloProcessed
	connectedCount := len(c.connected)
	c.mu.Unlock()
	if !processed {
		return
	}
	if connectedCount != len(c.snapshotNeighbors()) {
		return
	}
	c.startedOnce.Do(func() {
		c.events.Send(SessionStartedEvent{})
	})
}
