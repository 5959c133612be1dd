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

	"github.com/cyphermesh/meshnet/crypto"
	"github.com/cyphermesh/meshnet/internal/event"
	"github.com/sirupsen/logrus"
)

// CoordinatorClient opens a TLS dialer to a coordinator, pinning the
// session name, and drives the client side of the two-round SRP
// handshake.
type CoordinatorClient struct {
	username string
	password string // the passcode
	group    crypto.SRPGroup

	log    *logrus.Entry
	events *event.Feed

	mu          sync.Mutex
	conn        net.Conn
	srp         *crypto.SRPClient
	salt        []byte
	serverPub   *big.Int
	clientProof []byte
	sessionKey  []byte
	done        chan clientResult
	nodePort    int
}

type clientResult struct {
	info SessionInfo
	key  []byte
	err  error
}

// NewCoordinatorClient constructs a client ready to authenticate as
// username against the passcode it's given, advertising nodePort as
// the mesh node listener it will run once authenticated.
func NewCoordinatorClient(username, passcode string, nodePort int) *CoordinatorClient {
	return &CoordinatorClient{
		username: username,
		password: passcode,
		nodePort: nodePort,
		group:    crypto.SRPGroup2048(),
		log:      logrus.WithField("component", "coordinator-client"),
		events:   &event.Feed{},
		done:     make(chan clientResult, 1),
	}
}

// Events returns a subscription to this client's events.
func (c *CoordinatorClient) Events(buffer int) *event.Subscription {
	return c.events.Subscribe(buffer)
}

// Connect dials the coordinator at hostAddr:port, pinning its
// certificate to sessionName:port (spec.md §4.1's depth-0 rule, here
// applied to the coordinator's own TLS endpoint), and drives the
// handshake to completion in the background. The returned future
// resolves with nil once the TLS connection is up, or with the dial
// error; the decrypted session info and the derived SRP key arrive
// through Authenticated.
func (c *CoordinatorClient) Connect(hostAddr string, port int, sessionName string) <-chan error {
	resultErr := make(chan error, 1)
	go func() {
		wantCN := crypto.CN(sessionName, port)
		conn, err := tls.Dial("tcp", fmt.Sprintf("%s:%d", hostAddr, port), &tls.Config{
			InsecureSkipVerify: true,
			VerifyConnection: func(cs tls.ConnectionState) error {
				if len(cs.PeerCertificates) == 0 || cs.PeerCertificates[0].Subject.CommonName != wantCN {
					got := ""
					if len(cs.PeerCertificates) > 0 {
						got = cs.PeerCertificates[0].Subject.CommonName
					}
					return fmt.Errorf("bad_certificate: got CN %q, want %q", got, wantCN)
				}
				return nil
			},
		})
		if err != nil {
			resultErr <- err
			c.events.Send(ClientErrorEvent{Err: err})
			return
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.events.Send(ClientConnectedEvent{})
		resultErr <- nil
		c.run(conn)
	}()
	return resultErr
}

// Authenticated returns a future resolving once the second SRP round
// succeeds (or fails): the decrypted session info plus the derived
// key, per spec.md §4.2.
func (c *CoordinatorClient) Authenticated() <-chan clientResultExport {
	out := make(chan clientResultExport, 1)
	go func() {
		r := <-c.done
		out <- clientResultExport{Info: r.info, Key: r.key, Err: r.err}
	}()
	return out
}

// clientResultExport is the exported shape of clientResult.
type clientResultExport struct {
	Info SessionInfo
	Key  []byte
	Err  error
}

func (c *CoordinatorClient) run(conn net.Conn) {
	defer conn.Close()

	salt, err := crypto.GenerateSalt()
	if err != nil {
		c.fail(err)
		return
	}
	srpClient, err := crypto.NewSRPClient(c.group)
	if err != nil {
		c.fail(err)
		return
	}
	c.mu.Lock()
	c.srp = srpClient
	c.salt = salt
	c.mu.Unlock()

	writeSuccess(conn, TypeHandshake1, handshake1Request{
		Username:              c.username,
		Salt:                  hex.EncodeToString(salt),
		ClientEphemeralPublic: srpClient.ClientEphemeralPublic().Text(16),
	})

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var msg message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Status == statusError {
			errMsg := ""
			if msg.Error != nil {
				errMsg = *msg.Error
			}
			c.fail(fmt.Errorf("%s", errMsg))
			return
		}
		switch msg.Type {
		case TypeHandshake1:
			if err := c.handleHandshake1Response(conn, msg); err != nil {
				c.fail(err)
				return
			}
		case TypeHandshake2:
			c.handleHandshake2Response(msg)
			return
		}
	}
}

func (c *CoordinatorClient) handleHandshake1Response(conn net.Conn, msg message) error {
	var resp handshake1Response
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return err
	}
	serverPub, ok := new(big.Int).SetString(resp.ServerEphermalKey, 16)
	if !ok {
		return fmt.Errorf("coordinator: malformed server ephemeral key")
	}
	proof, key, err := c.srp.ComputeSession(c.username, c.password, c.salt, serverPub)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.serverPub = serverPub
	c.clientProof = proof
	c.sessionKey = key
	c.mu.Unlock()
	writeSuccess(conn, TypeHandshake2, handshake2Request{
		SessionProof: hex.EncodeToString(proof),
		Username:     c.username,
		NodePort:     c.nodePort,
	})
	return nil
}

func (c *CoordinatorClient) handleHandshake2Response(msg message) {
	var resp handshake2Response
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		c.fail(err)
		return
	}
	iv, err := base64.StdEncoding.DecodeString(resp.IV)
	if err != nil {
		c.fail(err)
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(resp.Encrypted)
	if err != nil {
		c.fail(err)
		return
	}

	c.mu.Lock()
	key := c.sessionKey
	clientProof := c.clientProof
	serverPub := c.serverPub
	c.mu.Unlock()
	if key == nil {
		c.fail(fmt.Errorf("coordinator: handshake-2 response received before round 1 completed"))
		return
	}
	serverProof, err := hex.DecodeString(resp.ServerProof)
	if err != nil {
		c.fail(err)
		return
	}
	if !crypto.VerifyServerProof(serverPub, clientProof, key, serverProof) {
		c.fail(fmt.Errorf("coordinator: server session proof mismatch"))
		return
	}
	plaintext, err := crypto.AESDecryptCBC(key, iv, ciphertext)
	if err != nil {
		c.fail(err)
		return
	}
	var info sessionInfoPayload
	if err := json.Unmarshal(plaintext, &info); err != nil {
		c.fail(err)
		return
	}

	result := SessionInfo{HostName: info.UserName, HostIP: info.IP, HostNodePort: info.Port}
	c.events.Send(ClientAuthenticatedEvent{Info: result, Key: key})
	c.done <- clientResult{info: result, key: key}
}

func (c *CoordinatorClient) fail(err error) {
	c.events.Send(ClientErrorEvent{Err: err})
	select {
	case c.done <- clientResult{err: err}:
	default:
	}
}
