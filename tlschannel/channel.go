// Package tlschannel implements TlsChannel (spec.md §4.1): a duplex,
// certificate-verifying TLS connection over TCP, in either listener or
// dialer role, with an optional heartbeat-based liveness monitor.
package tlschannel

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cyphermesh/meshnet/crypto"
	"github.com/cyphermesh/meshnet/errs"
	"github.com/cyphermesh/meshnet/internal/event"
	"github.com/cyphermesh/meshnet/metrics"
	"github.com/sirupsen/logrus"
)

// Role distinguishes a channel's side of the TLS handshake.
type Role int

const (
	RoleListener Role = iota
	RoleDialer
)

// tlsMinVersion is the lowest TLS version either role accepts. The two
// ciphersuites spec.md §4.1 names are not configured: Go's
// crypto/tls no longer negotiates TLS_RSA_WITH_AES_*_CBC_SHA (RSA key
// exchange offers no forward secrecy and was dropped from the default
// suite list); SPEC_FULL.md §9 resolves this by running modern
// crypto/tls with its default ECDHE suites instead, since the
// session's RSA keys are ephemeral and ciphersuite identity was never
// load-bearing for this protocol — only the CN-pinning check is.
var tlsMinVersion = uint16(tls.VersionTLS12)

// Channel is a single TlsChannel endpoint.
type Channel struct {
	role        Role
	sessionName string
	label       string
	keepAlive   bool

	log     *logrus.Entry
	events  *event.Feed
	metrics *metrics.Registry

	mu         sync.Mutex
	listener   net.Listener
	conn       net.Conn
	tlsConn    *tls.Conn
	destroyed  bool
	handshaked chan error // buffered 1; written once per generation

	writeMu sync.Mutex

	heartbeat *heartbeatMonitor
	readDone  chan struct{}
}

// New creates a channel for sessionName in the given role. label is
// used for logging and metrics; mesh nodes pass the peer's userName
// for both the dialer and the accepted channel of that peer.
func New(role Role, sessionName, label string, keepAlive bool, m *metrics.Registry) *Channel {
	c := &Channel{
		role:        role,
		sessionName: sessionName,
		label:       label,
		keepAlive:   keepAlive,
		log:         logrus.WithFields(logrus.Fields{"component": "tlschannel", "label": label}),
		events:      &event.Feed{},
		metrics:     m,
		handshaked:  make(chan error, 1),
	}
	return c
}

// Events returns a subscription to this channel's events.
func (c *Channel) Events(buffer int) *event.Subscription {
	return c.events.Subscribe(buffer)
}

// Handshaked returns a future that resolves with nil once the TLS
// handshake completes, or an error if the socket closed first.
func (c *Channel) Handshaked() <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaked
}

// Listen binds port and serves one inbound TLS connection using cert.
// Accepting runs in a background goroutine; Listen itself returns as
// soon as the socket is bound.
func (c *Channel) Listen(port int, cert *crypto.SelfSignedCert) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert.TLSCertificate()},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tlsMinVersion,
	}
	go c.acceptLoop(ln, tlsCfg)
	return nil
}

func (c *Channel) acceptLoop(ln net.Listener, tlsCfg *tls.Config) {
	fd, err := ln.Accept()
	if err != nil {
		c.failHandshake(err)
		return
	}
	c.events.Send(SocketConnectedEvent{})
	tlsConn := tls.Server(fd, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		c.log.WithError(err).Warn("inbound TLS handshake failed")
		c.events.Send(TLSErrorEvent{Err: err})
		fd.Close()
		c.failHandshake(err)
		return
	}
	c.onHandshakeComplete(fd, tlsConn)
}

// Connect dials (host, port) and verifies the peer certificate's CN
// equals "<expectedSessionName>:<port>" (spec.md §4.1's pinning rule,
// depth 0). Connect blocks until the TCP dial completes; the TLS
// handshake itself continues in the background and is observed via
// Handshaked()/the TLSConnectedEvent.
func (c *Channel) Connect(hostAddr string, port int) error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(hostAddr, strconv.Itoa(port)), 15*time.Second)
	if err != nil {
		return err
	}
	c.events.Send(SocketConnectedEvent{})

	remotePort := port
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		remotePort = tcpAddr.Port
	}
	wantCN := crypto.CN(c.sessionName, remotePort)

	tlsCfg := &tls.Config{
		InsecureSkipVerify: true, // custom verification below replaces the default chain check
		MinVersion:         tlsMinVersion,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyPinnedCN(rawCerts, wantCN)
		},
	}
	go c.dialHandshake(conn, tlsCfg, wantCN)
	return nil
}

func (c *Channel) dialHandshake(conn net.Conn, tlsCfg *tls.Config, wantCN string) {
	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		c.log.WithError(err).WithField("want_cn", wantCN).Warn("outbound TLS handshake failed")
		c.events.Send(TLSErrorEvent{Err: err})
		conn.Close()
		c.failHandshake(err)
		return
	}
	c.onHandshakeComplete(conn, tlsConn)
}

// Adopt plugs an already-handshaked inbound connection into this
// channel. Used by callers (mesh.MeshNode) that run their own accept
// loop on a single shared listener and demultiplex incoming
// connections to per-neighbor channels themselves, instead of calling
// Listen (which owns the listener and accepts exactly one peer).
func (c *Channel) Adopt(fd net.Conn, tlsConn *tls.Conn) {
	c.onHandshakeComplete(fd, tlsConn)
}

func (c *Channel) onHandshakeComplete(fd net.Conn, tlsConn *tls.Conn) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		tlsConn.Close()
		return
	}
	c.conn = fd
	c.tlsConn = tlsConn
	c.readDone = make(chan struct{})
	c.mu.Unlock()

	c.events.Send(TLSConnectedEvent{})
	select {
	case c.handshaked <- nil:
	default:
	}

	if c.keepAlive {
		c.heartbeat = newHeartbeatMonitor(c.sendHeartbeatChallenge, c.onHeartbeatDisconnected, c.onHeartbeatReconnected, c.recordRTT)
		c.heartbeat.start()
	}
	go c.readLoop(tlsConn, c.readDone)
}

func (c *Channel) failHandshake(err error) {
	select {
	case c.handshaked <- err:
	default:
	}
	c.events.Send(SocketClosedEvent{})
}

// readLoop reads length-prefixed frames until the connection closes,
// dispatching application data and heartbeat frames.
func (c *Channel) readLoop(tlsConn *tls.Conn, done chan struct{}) {
	defer close(done)
	for {
		t, payload, err := readFrame(tlsConn)
		if err != nil {
			c.events.Send(TLSClosedEvent{})
			c.events.Send(SocketClosedEvent{})
			if c.heartbeat != nil {
				c.heartbeat.stop()
			}
			return
		}
		switch t {
		case frameData:
			if c.metrics != nil {
				c.metrics.BytesReceived(c.label).Mark(int64(len(payload)))
			}
			c.events.Send(DataEvent{Data: payload})
		case frameHeartbeatChallenge:
			_ = writeFrameLocked(c, frameHeartbeatEcho, payload)
		case frameHeartbeatEcho:
			if c.heartbeat != nil {
				c.heartbeat.onEchoReceived(payload)
			}
		}
	}
}

func (c *Channel) sendHeartbeatChallenge(payload []byte) error {
	return writeFrameLocked(c, frameHeartbeatChallenge, payload)
}

func (c *Channel) onHeartbeatDisconnected() {
	c.events.Send(DisconnectedEvent{})
}

func (c *Channel) onHeartbeatReconnected() {
	c.events.Send(ReconnectedEvent{})
}

func (c *Channel) recordRTT(d time.Duration) {
	if c.metrics != nil {
		c.metrics.HeartbeatRTT(c.label).Update(d)
	}
}

// Send enqueues application-layer bytes for TLS encryption and
// transmission; ordering is preserved by serializing writers on
// writeMu.
func (c *Channel) Send(data []byte) error {
	if c.metrics != nil {
		c.metrics.BytesSent(c.label).Mark(int64(len(data)))
	}
	return writeFrameLocked(c, frameData, data)
}

func writeFrameLocked(c *Channel, t frameType, payload []byte) error {
	c.mu.Lock()
	tlsConn := c.tlsConn
	c.mu.Unlock()
	if tlsConn == nil {
		return fmt.Errorf("tlschannel: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(tlsConn, t, payload)
}

// Destroy closes the TLS session, then the underlying TCP socket and
// listener (if any). Idempotent.
func (c *Channel) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	tlsConn, conn, ln := c.tlsConn, c.conn, c.listener
	c.mu.Unlock()

	if c.heartbeat != nil {
		c.heartbeat.stop()
	}
	if tlsConn != nil {
		tlsConn.Close()
	}
	if conn != nil {
		conn.Close()
	}
	if ln != nil {
		ln.Close()
	}
	c.events.Close()
	return nil
}

// Rebuild resets internal state so another Listen/Connect can follow.
// Used during reconnection (spec.md §4.4).
func (c *Channel) Rebuild() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = nil
	c.conn = nil
	c.tlsConn = nil
	c.destroyed = false
	c.handshaked = make(chan error, 1)
	c.events = &event.Feed{}
	c.heartbeat = nil
}

// verifyPinnedCN implements the dialer's certificate policy: split the
// leaf certificate's CN at ':', the session-name half must equal
// c.sessionName and the port half must equal the dial-resolved remote
// port (both already folded into wantCN by the caller).
func verifyPinnedCN(rawCerts [][]byte, wantCN string) error {
	if len(rawCerts) == 0 {
		return errs.ErrBadCertificate("", wantCN)
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return errs.ErrBadCertificate("", wantCN)
	}
	cn := leaf.Subject.CommonName
	if cn != wantCN {
		return errs.ErrBadCertificate(cn, wantCN)
	}
	return nil
}
