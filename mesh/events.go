package mesh

// SessionStartedEvent fires exactly once per mesh, on the host after
// the final ack-hello arrives, and on every other member once its full
// neighbor set is connected (spec.md §4.3, §8 invariant 6).
type SessionStartedEvent struct{}

// MessageEvent fires when a unicast or broadcast application message
// is received from a neighbor.
type MessageEvent struct {
	Sender string
	Text   string
}

// DisconnectedEvent fires when a neighbor is considered down, per the
// reconnection controller's rules (spec.md §4.4).
type DisconnectedEvent struct {
	User string
}

// ReconnectedEvent fires when a previously down neighbor's dialer
// channel completes a fresh TLS handshake, and when the dialer's
// heartbeat recovers after a soft disconnect.
type ReconnectedEvent struct {
	User string
}

// ErrorEvent carries a non-fatal per-message or per-neighbor failure
// (encrypt/decrypt failures, malformed envelopes).
type ErrorEvent struct {
	Err error
}
