package tlschannel

import (
	"testing"
	"time"

	"github.com/cyphermesh/meshnet/crypto"
	"github.com/cyphermesh/meshnet/metrics"
	"github.com/cyphermesh/meshnet/portprobe"
)

func TestChannelConnectSendReceive(t *testing.T) {
	const sessionName = "channel-test"
	port, err := portprobe.Open(49600)
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
	m := metrics.NewRegistry()

	listener := New(RoleListener, sessionName, "listener", false, m)
	defer listener.Destroy()
	if err := listener.Listen(port, cert); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	dialer := New(RoleDialer, sessionName, "dialer", false, m)
	defer dialer.Destroy()
	if err := dialer.Connect("127.0.0.1", port); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case err := <-dialer.Handshaked():
		if err != nil {
			t.Fatalf("dialer handshake failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dialer handshake")
	}
	select {
	case err := <-listener.Handshaked():
		if err != nil {
			t.Fatalf("listener handshake failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for listener handshake")
	}

	listenerSub := listener.Events(8)
	defer listenerSub.Unsubscribe()

	if err := dialer.Send([]byte("hello over tls")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case raw := <-listenerSub.Chan():
		ev, ok := raw.(DataEvent)
		if !ok {
			t.Fatalf("got event %#v, want DataEvent", raw)
		}
		if string(ev.Data) != "hello over tls" {
			t.Fatalf("got %q, want %q", ev.Data, "hello over tls")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for data")
	}
}

func TestConnectRejectsWrongCN(t *testing.T) {
	const realSessionName = "real-session"
	port, err := portprobe.Open(49700)
	if err != nil {
		t.Fatalf("portprobe.Open: %v", err)
	}
	key, err := crypto.GenerateRSAKey()
	if err != nil {
		t.Fatalf("GenerateRSAKey: %v", err)
	}
	cert, err := crypto.NewSelfSignedCert(key, crypto.CN(realSessionName, port))
	if err != nil {
		t.Fatalf("NewSelfSignedCert: %v", err)
	}
	m := metrics.NewRegistry()

	listener := New(RoleListener, realSessionName, "listener", false, m)
	defer listener.Destroy()
	if err := listener.Listen(port, cert); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	dialer := New(RoleDialer, "impostor-session", "dialer", false, m)
	defer dialer.Destroy()
	if err := dialer.Connect("127.0.0.1", port); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case err := <-dialer.Handshaked():
		if err == nil {
			t.Fatal("expected handshake to fail on CN mismatch")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dialer handshake failure")
	}
}
