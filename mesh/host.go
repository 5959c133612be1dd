package mesh

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/cyphermesh/meshnet/coordinator"
	"github.com/cyphermesh/meshnet/crypto"
	"github.com/cyphermesh/meshnet/metrics"
)

// HostNode is the mesh-formation role run by the session host: it
// dials every authenticated member and distributes the roster via
// hello (spec.md §4.3).
type HostNode struct {
	*MeshNode

	mu          sync.Mutex
	acked       map[string]struct{}
	startedOnce sync.Once
}

// NewHostNode constructs a host mesh node. The roster is passed later,
// to Start.
func NewHostNode(sessionName, selfUsername string, nodePort int, cert *crypto.SelfSignedCert, m *metrics.Registry) *HostNode {
	h := &HostNode{
		MeshNode: newMeshNode(sessionName, selfUsername, nodePort, cert, m),
		acked:    make(map[string]struct{}),
	}
	h.hooks = meshHooks{onAckHello: h.handleAckHello}
	return h
}

// Start binds the mesh listener, dials every member, and sends each
// one the hello roster (spec.md §4.3's HostNode.start() ordering).
// members is the coordinator's exported authenticated roster
// (coordinator.ExportUsers()).
func (h *HostNode) Start(members []coordinator.AuthenticatedMember) error {
	if err := h.listen(); err != nil {
		return err
	}

	keys := make(map[string][]byte, len(members))
	for _, mem := range members {
		key, err := hex.DecodeString(mem.ServerSessionKey)
		if err != nil {
			return fmt.Errorf("mesh: malformed session key for %s: %w", mem.UserName, err)
		}
		keys[mem.UserName] = key
	}

	// 1. Begin dialing every neighbor; failures go to the reconnect path.
	for _, mem := range members {
		h.addNeighbor(mem.UserName, mem.IP, mem.NodePort, keys[mem.UserName], keys[mem.UserName])
	}

	// 2. Build the hello payload: one row per member, each carrying
	// the host's SRP session key with that member as both sendKey and
	// receiveKey.
	nodes := make([]helloNode, 0, len(members))
	for _, mem := range members {
		nodes = append(nodes, helloNode{
			Username:   mem.UserName,
			IP:         mem.IP,
			Port:       mem.NodePort,
			SendKey:    mem.ServerSessionKey,
			ReceiveKey: mem.ServerSessionKey,
		})
	}
	payload, err := marshalHello(helloPayload{Nodes: nodes})
	if err != nil {
		return err
	}

	// 3. Send the hello to every neighbor, encrypted under the
	// recipient's own key (the only key it knows at this point).
	for _, mem := range members {
		nb := h.neighborByUsername(mem.UserName)
		if nb == nil {
			continue
		}
		go func(nb *Neighbor) {
			if err := <-nb.ConnectionReady(); err != nil {
				return
			}
			if err := h.sendEnvelope(nb, envelopeHello, payload); err != nil {
				h.events.Send(ErrorEvent{Err: err})
			}
		}(nb)
	}
	return nil
}

func (h *HostNode) neighborByUsername(username string) *Neighbor {
	h.MeshNode.mu.Lock()
	defer h.MeshNode.mu.Unlock()
	return h.neighbors[username]
}

// handleAckHello counts distinct ack-hello arrivals; once every
// neighbor has acked, session-started fires exactly once (spec.md
// §4.3, §8 invariant 6).
func (h *HostNode) handleAckHello(nb *Neighbor) {
	h.mu.Lock()
	h.acked[nb.Username] = struct{}{}
	acked := len(h.acked)
	h.mu.Unlock()

	total := len(h.snapshotNeighbors())
	if total > 0 && acked == total {
		h.startedOnce.Do(func() {
			h.events.Send(SessionStartedEvent{})
		})
		h.mu.Lock()
		h.acked = make(map[string]struct{})
		h.mu.Unlock()
	}
}
