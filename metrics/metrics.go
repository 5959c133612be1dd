// Package metrics wraps rcrowley/go-metrics with a handful of named
// timers and meters registered once per process, read by whatever
// reporting the host application wires up. No reporter is bundled
// here, only the instrumentation points themselves.
package metrics

import gometrics "github.com/rcrowley/go-metrics"

// Registry is the process-wide metrics registry meshnet components
// register their timers and meters against.
type Registry struct {
	r gometrics.Registry
}

// NewRegistry creates a fresh, unshared registry. Session tests use
// their own instance so metric names never collide across parallel
// test sessions.
func NewRegistry() *Registry {
	return &Registry{r: gometrics.NewRegistry()}
}

// Timer returns (creating if necessary) the named timer.
func (m *Registry) Timer(name string) gometrics.Timer {
	return gometrics.GetOrRegisterTimer(name, m.r)
}

// Meter returns (creating if necessary) the named meter.
func (m *Registry) Meter(name string) gometrics.Meter {
	return gometrics.GetOrRegisterMeter(name, m.r)
}

// HeartbeatRTT returns the per-neighbor heartbeat round-trip timer.
func (m *Registry) HeartbeatRTT(label string) gometrics.Timer {
	return m.Timer("heartbeat.rtt." + label)
}

// BytesSent returns the per-neighbor sent-bytes meter.
func (m *Registry) BytesSent(label string) gometrics.Meter {
	return m.Meter("bytes.sent." + label)
}

// BytesReceived returns the per-neighbor received-bytes meter.
func (m *Registry) BytesReceived(label string) gometrics.Meter {
	return m.Meter("bytes.received." + label)
}

// HandshakeDuration returns the coordinator's SRP handshake timer.
func (m *Registry) HandshakeDuration() gometrics.Timer {
	return m.Timer("handshake.duration")
}
