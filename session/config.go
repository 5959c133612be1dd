// Package session is the top-level façade spec.md §2 describes: it
// wires discovery, coordinator and mesh together into the two roles a
// caller actually drives, Host and Client.
package session

import "time"

// Config collects the construction knobs a Host or Client needs beyond
// their identifier.
type Config struct {
	// PasscodeOverride forces a specific passcode instead of generating
	// a random one. Tests use this to pin a known value; a real host
	// leaves it empty.
	PasscodeOverride string

	// DiscoveryPortOverride pins the discovery port NewHost probes from
	// instead of the spec's default first probe of 5330. Zero means no
	// override.
	DiscoveryPortOverride int

	// JoinTimeout bounds the whole of Client.Join: discovery, the
	// coordinator connection and authentication. Zero means 10 seconds.
	JoinTimeout time.Duration
}

func (c Config) joinTimeout() time.Duration {
	if c.JoinTimeout > 0 {
		return c.JoinTimeout
	}
	return 10 * time.Second
}
