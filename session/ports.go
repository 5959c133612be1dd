package session

import "github.com/cyphermesh/meshnet/portprobe"

// DiscoveryPortDefaultStart is the first port discoveryPort is probed
// from absent an explicit override (spec.md §3).
const DiscoveryPortDefaultStart = 5330

// probeFreePort picks a random ephemeral port and probes from there
// for one currently free (portprobe.Open closes its probe listener
// before returning, so the result is a port number, not a bound
// socket).
func probeFreePort() (int, error) {
	start, err := portprobe.RandomStart()
	if err != nil {
		return 0, err
	}
	return portprobe.Open(start)
}

// probeDiscoveryPort probes for the discovery port starting from
// preferredStart if positive (a caller-supplied override), or from
// DiscoveryPortDefaultStart otherwise. It only falls back to a random
// ephemeral start if that probe exhausts the entire port range.
func probeDiscoveryPort(preferredStart int) (int, error) {
	start := DiscoveryPortDefaultStart
	if preferredStart > 0 {
		start = preferredStart
	}
	if port, err := portprobe.Open(start); err == nil {
		return port, nil
	}
	return probeFreePort()
}

// probeDistinctPorts returns n ports that are pairwise distinct,
// reprobing any collision. Collisions are vanishingly rare given the
// ~16K-port ephemeral range, but a session binding two listeners to
// the same port would fail outright, so the check costs nothing.
func probeDistinctPorts(n int) ([]int, error) {
	seen := make(map[int]struct{}, n)
	out := make([]int, 0, n)
	for len(out) < n {
		port, err := probeFreePort()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[port]; dup {
			continue
		}
		seen[port] = struct{}{}
		out = append(out, port)
	}
	return out, nil
}

// probeEndpointTriple probes the host's three distinct ports: the
// discovery port (from discoveryStart, or the 5330-first default),
// then the coordinator and node ports from the general ephemeral
// range, reprobing either against the discovery port's value on
// collision.
func probeEndpointTriple(discoveryStart int) (discoveryPort, coordinatorPort, nodePort int, err error) {
	discoveryPort, err = probeDiscoveryPort(discoveryStart)
	if err != nil {
		return 0, 0, 0, err
	}
	for {
		others, err := probeDistinctPorts(2)
		if err != nil {
			return 0, 0, 0, err
		}
		if others[0] != discoveryPort && others[1] != discoveryPort {
			return discoveryPort, others[0], others[1], nil
		}
	}
}
