package coordinator

import (
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/cyphermesh/meshnet/crypto"
	"github.com/cyphermesh/meshnet/errs"
	"github.com/cyphermesh/meshnet/metrics"
	"github.com/cyphermesh/meshnet/portprobe"
	"github.com/sirupsen/logrus"
)

func startTestServer(t *testing.T, sessionName, passcode string, hostNodePort int) (*CoordinatorServer, int) {
	t.Helper()
	port, err := portprobe.Open(49500)
	if err != nil {
		t.Fatalf("portprobe.Open: %v", err)
	}
	key, err := crypto.GenerateRSAKey()
	if err != nil {
		t.Fatalf("GenerateRSAKey: %v", err)
	}
	cert, err := crypto.NewSelfSignedCert(key, crypto.CN(sessionName, port))
	if err != nil {
		t.Fatalf("NewSelfSignedCert: %v", err)
	}
	server := NewCoordinatorServer(sessionName, passcode, cert, hostNodePort, metrics.NewRegistry())
	if err := server.Start(port); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server, port
}

func TestCoordinatorHandshakeSuccess(t *testing.T) {
	const sessionName = "test-session"
	const passcode = "424242"
	server, port := startTestServer(t, sessionName, passcode, 60001)

	client := NewCoordinatorClient("alice", passcode, 60002)
	connectErr := client.Connect("127.0.0.1", port, sessionName)
	select {
	case err := <-connectErr:
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out connecting")
	}

	select {
	case result := <-client.Authenticated():
		if result.Err != nil {
			t.Fatalf("Authenticated: %v", result.Err)
		}
		if result.Info.HostName != sessionName {
			t.Fatalf("got host name %q, want %q", result.Info.HostName, sessionName)
		}
		if result.Info.HostNodePort != 60001 {
			t.Fatalf("got host node port %d, want 60001", result.Info.HostNodePort)
		}
		if len(result.Key) == 0 {
			t.Fatal("expected a non-empty derived session key")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out authenticating")
	}

	members := server.ExportUsers()
	if len(members) != 1 || members[0].UserName != "alice" || members[0].NodePort != 60002 {
		t.Fatalf("unexpected authenticated members: %+v", members)
	}
}

func TestCoordinatorHandshakeWrongPasscodeFails(t *testing.T) {
	const sessionName = "test-session-bad-pass"
	server, port := startTestServer(t, sessionName, "111111", 60003)

	client := NewCoordinatorClient("mallory", "999999", 60004)
	connectErr := client.Connect("127.0.0.1", port, sessionName)
	select {
	case err := <-connectErr:
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out connecting")
	}

	select {
	case result := <-client.Authenticated():
		if result.Err == nil {
			t.Fatal("expected authentication to fail with a wrong passcode")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for authentication failure")
	}

	if members := server.ExportUsers(); len(members) != 0 {
		t.Fatalf("expected no authenticated members, got %+v", members)
	}
}

func handshake2RequestMessage(t *testing.T, username string) message {
	t.Helper()
	payload, err := json.Marshal(handshake2Request{Username: username, SessionProof: "00", NodePort: 1})
	if err != nil {
		t.Fatalf("marshal handshake2Request: %v", err)
	}
	return message{Type: TypeHandshake2, Payload: payload}
}

// TestHandleHandshake2RejectsIPMismatch exercises invariant 2 directly:
// a round-2 request must arrive from the same IP that registered in
// round 1, since a unit test can't present two different source IPs
// over one loopback net.Pipe connection.
func TestHandleHandshake2RejectsIPMismatch(t *testing.T) {
	server := NewCoordinatorServer("ip-mismatch-test", "123456", nil, 0, metrics.NewRegistry())
	server.clients["alice"] = &clientRecord{username: "alice", ip: "10.0.0.1", state: stateAwaitProof}

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()
	go io.Copy(io.Discard, clientConn)

	sub := server.events.Subscribe(4)
	log := logrus.NewEntry(logrus.New())

	server.handleHandshake2(serverConn, "10.0.0.2", "127.0.0.1", handshake2RequestMessage(t, "alice"), log)

	select {
	case ev := <-sub.Chan():
		fail, ok := ev.(ConnectionAttemptFailEvent)
		if !ok {
			t.Fatalf("got event %#v, want ConnectionAttemptFailEvent", ev)
		}
		if fail.Err.Error() != errs.ErrIPMismatch().Error() {
			t.Fatalf("got error %q, want %q", fail.Err, errs.ErrIPMismatch())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ConnectionAttemptFailEvent")
	}

	if members := server.ExportUsers(); len(members) != 0 {
		t.Fatalf("expected no authenticated members, got %+v", members)
	}
}

// TestHandleHandshake2RejectsOnceIPAttemptCeilingReached exercises
// invariant 3: once an IP has exhausted maxIPAttempts failed rounds,
// further round-2 attempts from it are rejected outright, even with a
// registered username.
func TestHandleHandshake2RejectsOnceIPAttemptCeilingReached(t *testing.T) {
	const ip = "10.0.0.5"
	server := NewCoordinatorServer("retry-ceiling-test", "123456", nil, 0, metrics.NewRegistry())
	server.clients["bob"] = &clientRecord{username: "bob", ip: ip, state: stateAwaitProof}
	server.ipAttempts[ip] = maxIPAttempts

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()
	go io.Copy(io.Discard, clientConn)

	sub := server.events.Subscribe(4)
	log := logrus.NewEntry(logrus.New())

	server.handleHandshake2(serverConn, ip, "127.0.0.1", handshake2RequestMessage(t, "bob"), log)

	select {
	case ev := <-sub.Chan():
		fail, ok := ev.(ConnectionAttemptFailEvent)
		if !ok {
			t.Fatalf("got event %#v, want ConnectionAttemptFailEvent", ev)
		}
		if fail.Err.Error() != errs.ErrTooManyAttempts().Error() {
			t.Fatalf("got error %q, want %q", fail.Err, errs.ErrTooManyAttempts())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ConnectionAttemptFailEvent")
	}
}

func TestCoordinatorDuplicateUsernameFromDifferentIPRejected(t *testing.T) {
	// Exercise ExportUsers' defensive dedup path directly, since the
	// handshake-level collision rejection keys on remote IP and a
	// unit test can't easily present two different source IPs from one
	// loopback connection.
	server := NewCoordinatorServer("dedup-test", "000000", nil, 0, metrics.NewRegistry())
	server.authenticated = []AuthenticatedMember{
		{UserName: "carol", IP: "127.0.0.1"},
		{UserName: "carol", IP: "127.0.0.2"},
	}
	out := server.ExportUsers()
	if len(out) != 1 {
		t.Fatalf("expected duplicate username to be dropped, got %+v", out)
	}
}
