package mesh

import (
	"sync"

	"github.com/cyphermesh/meshnet/tlschannel"
)

// Neighbor is one other mesh member as seen from a given node: its
// address, the asymmetric AES key pair spec.md §4.3 derives, the
// dialer channel this node drives toward it, the listener-side channel
// the neighbor's own dial produced (once accepted), and the four
// reconnection booleans of spec.md §4.4.
type Neighbor struct {
	Username string
	IP       string
	Port     int

	SendKey    []byte
	ReceiveKey []byte

	mu      sync.Mutex
	dialer  *tlschannel.Channel // this node's outbound channel to the neighbor
	inbound *tlschannel.Channel // the neighbor's inbound connection, once accepted

	// connectionReady resolves once the dialer first reaches
	// tls-connected. sendMessage awaits this future (spec.md §4.3).
	connectionReady chan error
	readyOnce       sync.Once

	disconnected           bool
	softDisconnected       bool
	serverSoftDisconnected bool
	rebuildingSocket       bool

	connected bool // set once the dialer has ever reached tls-connected

	lastInboundPort int // remote port of the most recent accepted connection, 0 if none yet
}

func newNeighbor(username, ip string, port int, sendKey, receiveKey []byte) *Neighbor {
	return &Neighbor{
		Username:        username,
		IP:              ip,
		Port:            port,
		SendKey:         sendKey,
		ReceiveKey:      receiveKey,
		connectionReady: make(chan error, 1),
	}
}

func (n *Neighbor) setDialer(ch *tlschannel.Channel) {
	n.mu.Lock()
	n.dialer = ch
	n.mu.Unlock()
}

func (n *Neighbor) getDialer() *tlschannel.Channel {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dialer
}

func (n *Neighbor) setInbound(ch *tlschannel.Channel) {
	n.mu.Lock()
	n.inbound = ch
	n.mu.Unlock()
}

// resolveConnectionReady resolves the future once: the first receiver
// gets err, and the channel is then closed so every later receiver
// gets nil without blocking.
func (n *Neighbor) resolveConnectionReady(err error) {
	n.readyOnce.Do(func() {
		n.connectionReady <- err
		close(n.connectionReady)
	})
}

// ConnectionReady is the future sendMessage awaits before each send to
// this neighbor.
func (n *Neighbor) ConnectionReady() <-chan error {
	return n.connectionReady
}

func (n *Neighbor) isFullyHealthy() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.disconnected && !n.softDisconnected && !n.serverSoftDisconnected && !n.rebuildingSocket
}
