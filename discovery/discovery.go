// Package discovery defines the mDNS/DNS-SD collaborator contract
// spec.md §6.1 treats as external, plus (SPEC_FULL.md §4.6) a concrete
// adapter over github.com/grandcat/zeroconf and an in-process fake for
// tests that don't want real mDNS traffic.
package discovery

// ServiceType and Domain are the DNS-SD service type and domain every
// meshnet session advertises under.
const (
	ServiceType = "_meshnet._tcp"
	Domain      = "local."
)

// Instance is one resolved advertisement: a candidate host's
// discovery-port record plus its TXT-carried coordinator port. The
// port mDNS itself advertises is the discovery port, not the
// coordinator port — the coordinator port only ever travels in the
// TXT record (spec.md §6.1).
type Instance struct {
	Name            string
	Addresses       []string // resolved, non-loopback IPv4 addresses
	CoordinatorPort int
}

// Publisher advertises a session over mDNS/DNS-SD.
type Publisher interface {
	// Publish advertises instanceName on ServiceType/tcp/Domain at
	// port (the discovery port), carrying coordinatorPort in the TXT
	// record. It blocks until the advertisement is live or returns an
	// error.
	Publish(instanceName string, port, coordinatorPort int) error
	// Unpublish withdraws the advertisement.
	Unpublish()
}

// Browser watches for sessions matching ServiceType/tcp/Domain.
type Browser interface {
	// Browse starts watching and delivers resolved instances on the
	// returned channel until Stop is called, at which point the
	// channel is closed. Instances are filtered to those carrying at
	// least one non-loopback IPv4 address (IPv6 is ignored).
	Browse() (<-chan Instance, error)
	// Stop ends browsing.
	Stop()
}
