package session

import (
	"github.com/cyphermesh/meshnet/coordinator"
	"github.com/cyphermesh/meshnet/internal/event"
	"github.com/cyphermesh/meshnet/mesh"
)

// SessionStartedEvent fires once the mesh is fully formed: every
// neighbor named in the roster is connected.
type SessionStartedEvent struct{}

// MessageEvent fires when a unicast or broadcast message arrives from
// another member.
type MessageEvent struct {
	Sender string
	Text   string
}

// PeerDisconnectedEvent fires when a member is considered down.
type PeerDisconnectedEvent struct{ User string }

// PeerReconnectedEvent fires when a previously down member reconnects.
type PeerReconnectedEvent struct{ User string }

// MemberJoinedEvent fires on the host each time a candidate completes
// the coordinator handshake, before the mesh itself is built.
type MemberJoinedEvent struct {
	UserName string
	IP       string
}

// MemberRejectedEvent fires on the host when a candidate fails the
// coordinator handshake (bad passcode, IP mismatch, retry exhaustion).
type MemberRejectedEvent struct {
	UserName string
	IP       string
	Err      error
}

// AuthenticationFailedEvent fires on a client when the coordinator
// handshake itself fails (bad passcode, network error, CN mismatch).
type AuthenticationFailedEvent struct{ Err error }

// ErrorEvent carries a non-fatal per-message or per-peer failure.
type ErrorEvent struct{ Err error }

// forwardCoordinatorServerEvents relays coordinator-server events onto
// feed, translated to session-level types, until sub is unsubscribed.
func forwardCoordinatorServerEvents(sub *event.Subscription, feed *event.Feed) {
	for raw := range sub.Chan() {
		switch ev := raw.(type) {
		case coordinator.ConnectedEvent:
			feed.Send(MemberJoinedEvent{UserName: ev.Member.UserName, IP: ev.Member.IP})
		case coordinator.ConnectionAttemptFailEvent:
			feed.Send(MemberRejectedEvent{UserName: ev.Username, IP: ev.IP, Err: ev.Err})
		}
	}
}

// forwardMeshEvents relays mesh-node events onto feed, translated to
// session-level types, until sub is unsubscribed.
func forwardMeshEvents(sub *event.Subscription, feed *event.Feed) {
	for raw := range sub.Chan() {
		switch ev := raw.(type) {
		case mesh.SessionStartedEvent:
			feed.Send(SessionStartedEvent{})
		case mesh.MessageEvent:
			feed.Send(MessageEvent{Sender: ev.Sender, Text: ev.Text})
		case mesh.DisconnectedEvent:
			feed.Send(PeerDisconnectedEvent{User: ev.User})
		case mesh.ReconnectedEvent:
			feed.Send(PeerReconnectedEvent{User: ev.User})
		case mesh.ErrorEvent:
			feed.Send(ErrorEvent{Err: ev.Err})
		}
	}
}
