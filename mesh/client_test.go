package mesh

import (
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/cyphermesh/meshnet/coordinator"
	"github.com/cyphermesh/meshnet/crypto"
	"github.com/cyphermesh/meshnet/metrics"
)

// TestHelloRosterKeyAssignment exercises the asymmetric sendKey/
// receiveKey rule end to end at the data level, without opening any
// sockets: the host builds its hello payload the way Start does, and
// each client installs keys from it the way handleHello does. For any
// two members A and B, A's installed sendKey-to-B must equal B's own
// installed receiveKey, and vice versa.
func TestHelloRosterKeyAssignment(t *testing.T) {
	members := []coordinator.AuthenticatedMember{
		{UserName: "alice", IP: "127.0.0.1", NodePort: 7001, ServerSessionKey: hex.EncodeToString([]byte("0123456789abcdef"))},
		{UserName: "bob", IP: "127.0.0.1", NodePort: 7002, ServerSessionKey: hex.EncodeToString([]byte("fedcba9876543210"))},
	}

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

	aliceReceive, aliceNeighborSendToBob := installFromRoster(t, "alice", "host", nodes)
	bobReceive, bobNeighborSendToAlice := installFromRoster(t, "bob", "host", nodes)

	if hex.EncodeToString(aliceReceive) != hex.EncodeToString(bobNeighborSendToAlice) {
		t.Fatalf("alice's receive key must equal bob's send-to-alice key")
	}
	if hex.EncodeToString(bobReceive) != hex.EncodeToString(aliceNeighborSendToBob) {
		t.Fatalf("bob's receive key must equal alice's send-to-bob key")
	}
}

// installFromRoster mimics ClientNode.handleHello's key installation
// for selfUsername, returning its own receive key and the send key it
// installs for the one other non-host member in nodes.
func installFromRoster(t *testing.T, selfUsername, hostUsername string, nodes []helloNode) (ownReceiveKey, sendKeyToOther []byte) {
	t.Helper()
	for _, row := range nodes {
		if row.Username == selfUsername {
			k, err := hex.DecodeString(row.ReceiveKey)
			if err != nil {
				t.Fatalf("decode receive key: %v", err)
			}
			ownReceiveKey = k
		}
	}
	for _, row := range nodes {
		if row.Username == selfUsername || row.Username == hostUsername {
			continue
		}
		k, err := hex.DecodeString(row.SendKey)
		if err != nil {
			t.Fatalf("decode send key: %v", err)
		}
		sendKeyToOther = k
	}
	return ownReceiveKey, sendKeyToOther
}

func TestHandleHelloInstallsNeighborsFromRoster(t *testing.T) {
	m := metrics.NewRegistry()
	hostKey := []byte("0123456789abcdef")

	c := &ClientNode{
		MeshNode:     newMeshNode("s", "alice", 0, nil, m),
		hostUsername: "host",
		connected:    make(map[string]struct{}),
	}
	c.hooks = meshHooks{onHello: c.handleHello, onNeighborConnected: c.handleNeighborConnected}

	hostNb := newNeighbor("host", "127.0.0.1", 6000, hostKey, hostKey)
	c.neighbors["host"] = hostNb

	payload := helloPayload{Nodes: []helloNode{
		{Username: "alice", IP: "127.0.0.1", Port: 7001, SendKey: hex.EncodeToString(hostKey), ReceiveKey: hex.EncodeToString(hostKey)},
		{Username: "carol", IP: "127.0.0.1", Port: 7003, SendKey: hex.EncodeToString([]byte("carolcarolcarol!")), ReceiveKey: hex.EncodeToString([]byte("carolcarolcarol!"))},
	}}
	body, err := marshalHello(payload)
	if err != nil {
		t.Fatalf("marshalHello: %v", err)
	}
	iv, ciphertext, err := crypto.AESEncryptCBC(hostKey, body)
	if err != nil {
		t.Fatalf("AESEncryptCBC: %v", err)
	}
	env := envelope{
		Type:             envelopeHello,
		EncryptedMessage: base64.StdEncoding.EncodeToString(ciphertext),
		IV:               base64.StdEncoding.EncodeToString(iv),
		From:             "host",
	}

	c.handleHello(hostNb, env)

	if !c.helloProcessed {
		t.Fatal("expected helloProcessed=true")
	}
	if _, ok := c.neighbors["carol"]; !ok {
		t.Fatal("expected carol to be added as a neighbor from the roster")
	}
	if hex.EncodeToString(c.ownReceiveKey) != hex.EncodeToString(hostKey) {
		t.Fatalf("expected own receive key to come from alice's own row")
	}
}
