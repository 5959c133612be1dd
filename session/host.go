package session

import (
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

// Host is the session-hosting role: it advertises over discovery,
// authenticates members over the coordinator channel, then hands the
// authenticated roster to the mesh to connect everyone together.
type Host struct {
	identifier string
	passcode   string

	discoveryPort   int
	coordinatorPort int
	nodePort        int

	nodeCert *crypto.SelfSignedCert

	publisher   discovery.Publisher
	coordServer *coordinator.CoordinatorServer
	m           *metrics.Registry
	log         *logrus.Entry

	mu        sync.Mutex
	meshNode  *mesh.HostNode
	meshBuilt bool

	events *event.Feed
}

// NewHost probes ports, mints the two self-signed certificates
// spec.md §3 requires (one for the coordinator endpoint, one for the
// mesh node listener), starts the coordinator and publishes the
// session over discovery. The passcode is available from Passcode so
// the caller can hand it out of band (spec.md §1's out-of-band
// assumption).
func NewHost(identifier string, publisher discovery.Publisher, m *metrics.Registry, cfg Config) (*Host, error) {
	discoveryPort, coordinatorPort, nodePort, err := probeEndpointTriple(cfg.DiscoveryPortOverride)
	if err != nil {
		return nil, err
	}

	coordKey, err := crypto.GenerateRSAKey()
	if err != nil {
		return nil, err
	}
	coordCert, err := crypto.NewSelfSignedCert(coordKey, crypto.CN(identifier, coordinatorPort))
	if err != nil {
		return nil, err
	}

	nodeKey, err := crypto.GenerateRSAKey()
	if err != nil {
		return nil, err
	}
	nodeCert, err := crypto.NewSelfSignedCert(nodeKey, crypto.CN(identifier, nodePort))
	if err != nil {
		return nil, err
	}

	passcode := cfg.PasscodeOverride
	if passcode == "" {
		passcode, err = crypto.GeneratePasscode()
		if err != nil {
			return nil, err
		}
	}

	h := &Host{
		identifier:      identifier,
		passcode:        passcode,
		discoveryPort:   discoveryPort,
		coordinatorPort: coordinatorPort,
		nodePort:        nodePort,
		nodeCert:        nodeCert,
		publisher:       publisher,
		m:               m,
		log:             logrus.WithFields(logrus.Fields{"component": "session-host", "identifier": identifier}),
		events:          &event.Feed{},
	}

	h.coordServer = coordinator.NewCoordinatorServer(identifier, passcode, coordCert, nodePort, m)
	sub := h.coordServer.Events(16)
	go forwardCoordinatorServerEvents(sub, h.events)

	if err := h.coordServer.Start(coordinatorPort); err != nil {
		return nil, err
	}
	if err := publisher.Publish(identifier, discoveryPort, coordinatorPort); err != nil {
		h.coordServer.Stop()
		return nil, err
	}
	return h, nil
}

// Passcode returns the passcode candidates must present.
func (h *Host) Passcode() string { return h.passcode }

// Identifier returns the session name advertised over discovery.
func (h *Host) Identifier() string { return h.identifier }

// Events returns a subscription to this host's session-level events.
func (h *Host) Events(buffer int) *event.Subscription {
	return h.events.Subscribe(buffer)
}

// StartMesh closes the coordinator to new candidates and connects
// every authenticated member into a full mesh (spec.md §4.3's
// host-initiated transition from the coordinator phase to mesh
// bootstrap).
func (h *Host) StartMesh() error {
	h.mu.Lock()
	if h.meshBuilt {
		h.mu.Unlock()
		return fmt.Errorf("session: mesh already started")
	}
	h.meshBuilt = true
	h.mu.Unlock()

	members := h.coordServer.ExportUsers()
	h.coordServer.Stop()
	h.publisher.Unpublish()

	node := mesh.NewHostNode(h.identifier, h.identifier, h.nodePort, h.nodeCert, h.m)
	sub := node.Events(32)
	go forwardMeshEvents(sub, h.events)

	h.mu.Lock()
	h.meshNode = node
	h.mu.Unlock()

	return node.Start(members)
}

// Members returns the record of every authenticated candidate at the
// time of the call.
func (h *Host) Members() []coordinator.AuthenticatedMember {
	return h.coordServer.ExportUsers()
}

// SendMessage sends a unicast message to one connected neighbor.
// Valid only after StartMesh.
func (h *Host) SendMessage(username, text string) error {
	h.mu.Lock()
	node := h.meshNode
	h.mu.Unlock()
	if node == nil {
		return fmt.Errorf("session: mesh not started")
	}
	return node.SendMessage(username, text)
}

// BroadcastMessage sends text to every connected neighbor. Valid only
// after StartMesh.
func (h *Host) BroadcastMessage(text string) {
	h.mu.Lock()
	node := h.meshNode
	h.mu.Unlock()
	if node != nil {
		node.BroadcastMessage(text)
	}
}

// Close tears down everything: discovery advertisement, coordinator
// listener and, if the mesh was started, every neighbor connection.
func (h *Host) Close() error {
	h.publisher.Unpublish()
	h.coordServer.Stop()
	h.mu.Lock()
	node := h.meshNode
	h.mu.Unlock()
	if node != nil {
		node.Destroy()
	}
	h.events.Close()
	return nil
}
