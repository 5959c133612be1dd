// Package mesh implements MeshNode, HostNode and ClientNode (spec.md
// §4.3, §4.4): roster distribution over the authenticated coordinator
// channel, pairwise TLS channel formation into a full mesh, and the
// reconnection controller that keeps it alive across network flaps.
package mesh

import (
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/cyphermesh/meshnet/crypto"
	"github.com/cyphermesh/meshnet/errs"
	"github.com/cyphermesh/meshnet/internal/event"
	"github.com/cyphermesh/meshnet/metrics"
	"github.com/cyphermesh/meshnet/tlschannel"
	"github.com/sirupsen/logrus"
)

// MeshNode is the shared base of HostNode and ClientNode: one TLS
// listener on nodePort, a map of Neighbor by user name, and the
// encrypt/send/receive/reconnect machinery common to both roles.
type MeshNode struct {
	sessionName  string
	selfUsername string
	nodePort     int
	cert         *crypto.SelfSignedCert

	m      *metrics.Registry
	log    *logrus.Entry
	events *event.Feed

	mu           sync.Mutex
	neighbors    map[string]*Neighbor
	listener     net.Listener
	reconnecting bool
	destroyed    bool

	hooks meshHooks
}

// meshHooks lets HostNode/ClientNode plug their role-specific roster
// and completion logic into the shared MeshNode machinery without
// virtual dispatch. Any nil field is simply not called.
type meshHooks struct {
	onHello             func(nb *Neighbor, env envelope)
	onAckHello          func(nb *Neighbor)
	onNeighborConnected func(nb *Neighbor)
}

func newMeshNode(sessionName, selfUsername string, nodePort int, cert *crypto.SelfSignedCert, m *metrics.Registry) *MeshNode {
	return &MeshNode{
		sessionName:  sessionName,
		selfUsername: selfUsername,
		nodePort:     nodePort,
		cert:         cert,
		m:            m,
		log:          logrus.WithFields(logrus.Fields{"component": "mesh", "user": selfUsername}),
		events:       &event.Feed{},
		neighbors:    make(map[string]*Neighbor),
	}
}

// Events returns a subscription to this node's events.
func (n *MeshNode) Events(buffer int) *event.Subscription {
	return n.events.Subscribe(buffer)
}

// Neighbors returns the current neighbor user names.
func (n *MeshNode) Neighbors() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.neighbors))
	for username := range n.neighbors {
		out = append(out, username)
	}
	return out
}

// listen binds nodePort and accepts connections from any number of
// neighbors, demultiplexing each by its remote IP (spec.md §4.4: "the
// listener observes a new TCP connection from a known neighbor IP").
func (n *MeshNode) listen() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", n.nodePort))
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.listener = ln
	n.mu.Unlock()

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{n.cert.TLSCertificate()},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS12,
	}
	go n.acceptLoop(ln, tlsCfg)
	return nil
}

func (n *MeshNode) acceptLoop(ln net.Listener, tlsCfg *tls.Config) {
	for {
		fd, err := ln.Accept()
		if err != nil {
			return
		}
		go n.handleAccepted(fd, tlsCfg)
	}
}

func (n *MeshNode) handleAccepted(fd net.Conn, tlsCfg *tls.Config) {
	tlsConn := tls.Server(fd, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		n.log.WithError(err).Warn("inbound mesh handshake failed")
		fd.Close()
		return
	}

	remoteIP := remoteIPOf(fd)
	remotePort := 0
	if tcpAddr, ok := fd.RemoteAddr().(*net.TCPAddr); ok {
		remotePort = tcpAddr.Port
	}
	neighbor, changed := n.observeInboundFrom(remoteIP, remotePort)
	if neighbor == nil {
		n.log.WithField("remote_ip", remoteIP).Warn("inbound connection from unknown peer, dropping")
		tlsConn.Close()
		return
	}
	if changed {
		neighbor.mu.Lock()
		neighbor.disconnected = true
		neighbor.mu.Unlock()
		n.triggerPerPeerReconnect(neighbor)
	}

	ch := tlschannel.New(tlschannel.RoleListener, n.sessionName, neighbor.Username, true, n.m)
	neighbor.setInbound(ch)
	go n.watchInbound(neighbor, ch)
	ch.Adopt(fd, tlsConn)
}

// observeInboundFrom maps an accepted connection's remote IP to a
// known neighbor. If the neighbor's recorded remote port differs from
// the last one observed, this is the "rebuilt socket from a new port"
// case of spec.md §4.4 and the caller triggers a per-peer reconnect.
func (n *MeshNode) observeInboundFrom(remoteIP string, remotePort int) (*Neighbor, bool) {
	n.mu.Lock()
	var found *Neighbor
	for _, nb := range n.neighbors {
		if nb.IP == remoteIP {
			found = nb
			break
		}
	}
	n.mu.Unlock()
	if found == nil {
		return nil, false
	}

	found.mu.Lock()
	changed := found.lastInboundPort != 0 && found.lastInboundPort != remotePort
	found.lastInboundPort = remotePort
	found.mu.Unlock()
	return found, changed
}

func remoteIPOf(conn net.Conn) string {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	return conn.RemoteAddr().String()
}

// addNeighbor registers a neighbor and eagerly dials it (spec.md
// §4.3: "creates an eager TLS dialer ... does not await").
func (n *MeshNode) addNeighbor(username, ip string, port int, sendKey, receiveKey []byte) *Neighbor {
	n.mu.Lock()
	if existing, ok := n.neighbors[username]; ok {
		n.mu.Unlock()
		return existing
	}
	nb := newNeighbor(username, ip, port, sendKey, receiveKey)
	n.neighbors[username] = nb
	n.mu.Unlock()

	n.dialNeighbor(nb)
	return nb
}

func (n *MeshNode) dialNeighbor(nb *Neighbor) {
	ch := tlschannel.New(tlschannel.RoleDialer, n.sessionName, nb.Username, true, n.m)
	nb.setDialer(ch)
	go n.watchDialer(nb, ch)
	if err := ch.Connect(nb.IP, nb.Port); err != nil {
		n.log.WithError(err).WithField("peer", nb.Username).Warn("dial to neighbor failed")
		n.onDialerClosed(nb)
	}
}

// watchDialer drives the reconnection controller's dialer-side rules
// for one neighbor (spec.md §4.4).
func (n *MeshNode) watchDialer(nb *Neighbor, ch *tlschannel.Channel) {
	sub := ch.Events(16)
	defer sub.Unsubscribe()
	for raw := range sub.Chan() {
		switch ev := raw.(type) {
		case tlschannel.TLSConnectedEvent:
			n.onDialerConnected(nb)
		case tlschannel.SocketClosedEvent:
			n.onDialerClosed(nb)
		case tlschannel.DataEvent:
			n.onData(nb, ev.Data, false)
		case tlschannel.DisconnectedEvent:
			n.onDialerHeartbeatDisconnected(nb)
		case tlschannel.ReconnectedEvent:
			n.onDialerHeartbeatReconnected(nb)
		}
	}
}

// watchInbound drives the listener-side heartbeat rule (spec.md §4.4:
// "listener-side heartbeat disconnected for a known peer IP").
func (n *MeshNode) watchInbound(nb *Neighbor, ch *tlschannel.Channel) {
	sub := ch.Events(16)
	defer sub.Unsubscribe()
	for raw := range sub.Chan() {
		switch ev := raw.(type) {
		case tlschannel.DataEvent:
			n.onData(nb, ev.Data, true)
		case tlschannel.DisconnectedEvent:
			n.onListenerHeartbeatDisconnected(nb)
		}
	}
}

func (n *MeshNode) onData(nb *Neighbor, data []byte, fromListener bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		n.events.Send(ErrorEvent{Err: fmt.Errorf("mesh: malformed envelope from %s: %w", nb.Username, err)})
		return
	}
	switch env.Type {
	case envelopeMessage, envelopeBroadcast:
		n.handleApplicationMessage(nb, env)
	case envelopeHello:
		if n.hooks.onHello != nil {
			n.hooks.onHello(nb, env)
		}
	case envelopeAckHello:
		if n.hooks.onAckHello != nil {
			n.hooks.onAckHello(nb)
		}
	}
}

func (n *MeshNode) handleApplicationMessage(nb *Neighbor, env envelope) {
	plaintext, err := n.decryptFrom(nb, env)
	if err != nil {
		n.events.Send(ErrorEvent{Err: &errs.NodeEncryptError{Fn: "decrypt", Username: nb.Username, MessageType: env.Type, Cause: err}})
		return
	}
	n.events.Send(MessageEvent{Sender: env.From, Text: string(plaintext)})
}

func (n *MeshNode) decryptFrom(nb *Neighbor, env envelope) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.EncryptedMessage)
	if err != nil {
		return nil, err
	}
	return crypto.AESDecryptCBC(nb.ReceiveKey, iv, ciphertext)
}

// SendMessage awaits the neighbor's connectionReady future, then
// encrypts and sends a unicast application message (spec.md §4.3).
func (n *MeshNode) SendMessage(username, text string) error {
	n.mu.Lock()
	nb, ok := n.neighbors[username]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("mesh: unknown neighbor %q", username)
	}
	if err := <-nb.ConnectionReady(); err != nil {
		return err
	}
	return n.sendEnvelope(nb, envelopeMessage, []byte(text))
}

// BroadcastMessage iterates SendMessage over all neighbors (spec.md §4.3).
func (n *MeshNode) BroadcastMessage(text string) {
	n.mu.Lock()
	targets := make([]*Neighbor, 0, len(n.neighbors))
	for _, nb := range n.neighbors {
		targets = append(targets, nb)
	}
	n.mu.Unlock()
	for _, nb := range targets {
		go func(nb *Neighbor) {
			if err := <-nb.ConnectionReady(); err != nil {
				return
			}
			if err := n.sendEnvelope(nb, envelopeBroadcast, []byte(text)); err != nil {
				n.events.Send(ErrorEvent{Err: err})
			}
		}(nb)
	}
}

func (n *MeshNode) sendEnvelope(nb *Neighbor, envelopeType string, plaintext []byte) error {
	iv, ciphertext, err := crypto.AESEncryptCBC(nb.SendKey, plaintext)
	if err != nil {
		return &errs.NodeEncryptError{Fn: "encrypt", Username: nb.Username, MessageType: envelopeType, Cause: err}
	}
	env := envelope{
		Type:             envelopeType,
		EncryptedMessage: base64.StdEncoding.EncodeToString(ciphertext),
		IV:               base64.StdEncoding.EncodeToString(iv),
		From:             n.selfUsername,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	dialer := nb.getDialer()
	if dialer == nil {
		return fmt.Errorf("mesh: no dialer channel to %s", nb.Username)
	}
	return dialer.Send(body)
}

// Destroy tears down the listener and every neighbor's channels.
// Idempotent.
func (n *MeshNode) Destroy() error {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		return nil
	}
	n.destroyed = true
	ln := n.listener
	neighbors := make([]*Neighbor, 0, len(n.neighbors))
	for _, nb := range n.neighbors {
		neighbors = append(neighbors, nb)
	}
	n.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, nb := range neighbors {
		if d := nb.getDialer(); d != nil {
			d.Destroy()
		}
		nb.mu.Lock()
		inbound := nb.inbound
		nb.mu.Unlock()
		if inbound != nil {
			inbound.Destroy()
		}
	}
	n.events.Close()
	return nil
}
