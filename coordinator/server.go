// Package coordinator implements CoordinatorServer and CoordinatorClient
// (spec.md §4.2): the passcode-authenticated SRP-6a handshake run over
// a TLS tunnel pinned to the session's name and port.
package coordinator

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/cyphermesh/meshnet/crypto"
	"github.com/cyphermesh/meshnet/errs"
	"github.com/cyphermesh/meshnet/internal/event"
	"github.com/cyphermesh/meshnet/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type clientState int

const (
	stateNew clientState = iota
	stateAwaitProof
	stateDone
)

// clientRecord is the coordinator's per-candidate state, from spec.md
// §4.2: "a clients table {userName → {retryCount, ip, registered}}"
// plus the SRP material needed to finish the handshake.
type clientRecord struct {
	username  string
	ip        string
	retryCount int
	state     clientState
	srp       *crypto.SRPServer
	salt      []byte
	clientPub *big.Int
}

// maxIPAttempts is the retry ceiling of spec.md §4.2/§8 invariant 3.
const maxIPAttempts = 3

// CoordinatorServer is a single TLS endpoint per host driving the
// two-round SRP handshake for every candidate client.
type CoordinatorServer struct {
	sessionName  string
	passcode     string
	cert         *crypto.SelfSignedCert
	hostNodePort int
	group        crypto.SRPGroup

	log     *logrus.Entry
	events  *event.Feed
	metrics *metrics.Registry

	mu            sync.Mutex
	clients       map[string]*clientRecord
	ipAttempts    map[string]int
	authenticated []AuthenticatedMember

	listener net.Listener
	closed   bool
}

// NewCoordinatorServer constructs a coordinator for sessionName, seeded
// with the session passcode as the SRP password. hostNodePort is the
// node listener port handed to every client that authenticates.
func NewCoordinatorServer(sessionName, passcode string, cert *crypto.SelfSignedCert, hostNodePort int, m *metrics.Registry) *CoordinatorServer {
	return &CoordinatorServer{
		sessionName:  sessionName,
		passcode:     passcode,
		cert:         cert,
		hostNodePort: hostNodePort,
		group:        crypto.SRPGroup2048(),
		log:          logrus.WithField("component", "coordinator-server"),
		events:       &event.Feed{},
		metrics:      m,
		clients:      make(map[string]*clientRecord),
		ipAttempts:   make(map[string]int),
	}
}

// Events returns a subscription to this coordinator's events.
func (s *CoordinatorServer) Events(buffer int) *event.Subscription {
	return s.events.Subscribe(buffer)
}

// Start binds and begins serving on port.
func (s *CoordinatorServer) Start(port int) error {
	ln, err := tls.Listen("tcp", fmt.Sprintf(":%d", port), &tls.Config{
		Certificates: []tls.Certificate{s.cert.TLSCertificate()},
		ClientAuth:   tls.NoClientCert,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	go s.acceptLoop(ln)
	return nil
}

// Stop closes the listener. Idempotent. In-flight connections finish
// their current read and exit on their own.
func (s *CoordinatorServer) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (s *CoordinatorServer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *CoordinatorServer) handleConn(conn net.Conn) {
	defer conn.Close()
	remoteIP := remoteIPOf(conn)
	localIP := localIPOf(conn)
	attemptID := uuid.NewString()
	log := s.log.WithField("attempt", attemptID)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		var msg message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue // malformed messages are dropped silently (spec.md §7)
		}
		switch msg.Type {
		case TypeHandshake1:
			s.handleHandshake1(conn, remoteIP, msg, log)
		case TypeHandshake2:
			s.handleHandshake2(conn, remoteIP, localIP, msg, log)
		}
	}
}

func (s *CoordinatorServer) handleHandshake1(conn net.Conn, remoteIP string, msg message, log *logrus.Entry) {
	var req handshake1Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	log = log.WithField("username", req.Username)
	log.Debug("handshake1 received")

	s.mu.Lock()
	existing, ok := s.clients[req.Username]
	if ok && existing.ip != remoteIP {
		s.mu.Unlock()
		writeError(conn, TypeHandshake1, errs.ErrUsernameRegistered(req.Username).Error())
		s.events.Send(ConnectionAttemptFailEvent{Username: req.Username, IP: remoteIP, Err: errs.ErrUsernameRegistered(req.Username)})
		return
	}
	if ok {
		existing.retryCount++
	} else {
		existing = &clientRecord{username: req.Username, ip: remoteIP}
		s.clients[req.Username] = existing
	}
	s.mu.Unlock()

	saltBytes, err := hex.DecodeString(req.Salt)
	if err != nil {
		s.failHandshake(conn, TypeHandshake1, req.Username, remoteIP)
		return
	}
	clientPub, ok := new(big.Int).SetString(req.ClientEphemeralPublic, 16)
	if !ok {
		s.failHandshake(conn, TypeHandshake1, req.Username, remoteIP)
		return
	}
	x := s.group.DerivePrivateKey(saltBytes, req.Username, s.passcode)
	verifier := s.group.DeriveVerifier(x)
	srpServer, err := crypto.NewSRPServer(s.group, verifier)
	if err != nil {
		s.failHandshake(conn, TypeHandshake1, req.Username, remoteIP)
		return
	}

	s.mu.Lock()
	existing.srp = srpServer
	existing.salt = saltBytes
	existing.clientPub = clientPub
	existing.state = stateAwaitProof
	s.mu.Unlock()

	writeSuccess(conn, TypeHandshake1, handshake1Response{
		ServerEphermalKey: srpServer.ServerEphemeralPublic().Text(16),
	})
	s.events.Send(ConnectionAttemptEvent{Username: req.Username, IP: remoteIP})
}

func (s *CoordinatorServer) failHandshake(conn net.Conn, msgType, username, ip string) {
	writeError(conn, msgType, errs.ErrUnableToVerify().Error())
	s.events.Send(ConnectionAttemptFailEvent{Username: username, IP: ip, Err: errs.ErrUnableToVerify()})
}

func (s *CoordinatorServer) handleHandshake2(conn net.Conn, remoteIP, localIP string, msg message, log *logrus.Entry) {
	var req handshake2Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	log = log.WithField("username", req.Username)
	log.Debug("handshake2 received")

	s.mu.Lock()
	rec, ok := s.clients[req.Username]
	if !ok {
		s.mu.Unlock()
		s.failHandshake(conn, TypeHandshake2, req.Username, remoteIP)
		return
	}
	if rec.ip != remoteIP {
		s.mu.Unlock()
		writeError(conn, TypeHandshake2, errs.ErrIPMismatch().Error())
		s.events.Send(ConnectionAttemptFailEvent{Username: req.Username, IP: remoteIP, Err: errs.ErrIPMismatch()})
		return
	}
	if s.ipAttempts[remoteIP] >= maxIPAttempts {
		s.mu.Unlock()
		writeError(conn, TypeHandshake2, errs.ErrTooManyAttempts().Error())
		s.events.Send(ConnectionAttemptFailEvent{Username: req.Username, IP: remoteIP, Err: errs.ErrTooManyAttempts()})
		return
	}
	s.mu.Unlock()

	proofBytes, err := hex.DecodeString(req.SessionProof)
	if err != nil {
		s.recordFailure(conn, req.Username, remoteIP)
		return
	}
	handshakeStart := time.Now()
	serverProof, err := rec.srp.ComputeSession(req.Username, rec.salt, rec.clientPub, proofBytes)
	if s.metrics != nil {
		s.metrics.HandshakeDuration().UpdateSince(handshakeStart)
	}
	if err != nil {
		s.recordFailure(conn, req.Username, remoteIP)
		return
	}

	sessionKey := rec.srp.SessionKey()
	member := AuthenticatedMember{
		UserName:         req.Username,
		IP:               remoteIP,
		NodePort:         req.NodePort,
		ServerSessionKey: hex.EncodeToString(sessionKey),
	}

	s.mu.Lock()
	rec.state = stateDone
	s.authenticated = append(s.authenticated, member)
	s.mu.Unlock()

	payload, err := json.Marshal(sessionInfoPayload{
		UserName: s.sessionName,
		IP:       localIP,
		Port:     s.hostNodePort,
	})
	if err != nil {
		s.failHandshake(conn, TypeHandshake2, req.Username, remoteIP)
		return
	}
	iv, ciphertext, err := crypto.AESEncryptCBC(sessionKey, payload)
	if err != nil {
		s.failHandshake(conn, TypeHandshake2, req.Username, remoteIP)
		return
	}

	writeSuccess(conn, TypeHandshake2, handshake2Response{
		IV:          base64.StdEncoding.EncodeToString(iv),
		Encrypted:   base64.StdEncoding.EncodeToString(ciphertext),
		ServerProof: hex.EncodeToString(serverProof),
	})
	log.Debug("handshake2 complete, member authenticated")
	s.events.Send(ConnectedEvent{Member: member})
}

func (s *CoordinatorServer) recordFailure(conn net.Conn, username, ip string) {
	s.mu.Lock()
	s.ipAttempts[ip]++
	s.mu.Unlock()
	s.failHandshake(conn, TypeHandshake2, username, ip)
}

// ExportUsers returns the authenticated member list. It defensively
// asserts there are no duplicate usernames (SPEC_FULL.md §9): the
// collision-rejection path in handleHandshake1 should make that
// impossible, so a duplicate here means that invariant broke upstream.
// Rather than corrupt the roster, the duplicate is logged and dropped.
func (s *CoordinatorServer) ExportUsers() []AuthenticatedMember {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(s.authenticated))
	out := make([]AuthenticatedMember, 0, len(s.authenticated))
	for _, m := range s.authenticated {
		if _, dup := seen[m.UserName]; dup {
			s.log.WithField("username", m.UserName).Error("duplicate username in authenticated list, dropping")
			continue
		}
		seen[m.UserName] = struct{}{}
		out = append(out, m)
	}
	return out
}

func writeSuccess(conn net.Conn, msgType string, payload interface{}) {
	writeMessage(conn, msgType, payload, statusSuccess, nil)
}

func writeError(conn net.Conn, msgType, errMsg string) {
	writeMessage(conn, msgType, nil, statusError, &errMsg)
}

func writeMessage(conn net.Conn, msgType string, payload interface{}, status string, errMsg *string) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return
		}
		raw = b
	}
	b, err := json.Marshal(message{Type: msgType, Payload: raw, Status: status, Error: errMsg})
	if err != nil {
		return
	}
	b = append(b, '\n')
	_, _ = conn.Write(b)
}

func remoteIPOf(conn net.Conn) string {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	return conn.RemoteAddr().String()
}

func localIPOf(conn net.Conn) string {
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	return conn.LocalAddr().String()
}
