// Package portprobe implements the open-TCP-port helper of spec.md
// §4.5: probe upward from a start port, then downward, returning the
// first port on which a listen succeeds.
package portprobe

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"

	"github.com/cyphermesh/meshnet/errs"
)

// EphemeralLow and EphemeralHigh bound the probe range spec.md §3
// names for discoveryPort/coordinatorPort/nodePort.
const (
	EphemeralLow  = 49152
	EphemeralHigh = 65535
)

// RandomStart picks a random port in [EphemeralLow, EphemeralHigh].
func RandomStart() (int, error) {
	span := big.NewInt(int64(EphemeralHigh - EphemeralLow + 1))
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return 0, err
	}
	return EphemeralLow + int(n.Int64()), nil
}

// Open probes upward from start to EphemeralHigh, then downward from
// start-1 to EphemeralLow, returning the first port that can be bound.
// The successful listener is closed before returning; the caller is
// expected to bind it again immediately (spec.md §8 invariant 7: Open
// is idempotent with a subsequent Listen).
func Open(start int) (int, error) {
	for port := start; port <= EphemeralHigh; port++ {
		if tryListen(port) {
			return port, nil
		}
	}
	for port := start - 1; port >= EphemeralLow; port-- {
		if tryListen(port) {
			return port, nil
		}
	}
	return 0, &errs.PortExhaustionError{}
}

func tryListen(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
