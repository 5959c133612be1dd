package tlschannel

import (
	"sync"
	"time"

	"github.com/cyphermesh/meshnet/crypto"
)

// Liveness states from spec.md §4.1.
type livenessState int

const (
	livenessAlive livenessState = iota
	livenessSoftDisconnected
)

const (
	heartbeatRetransmitDelay = 1000 * time.Millisecond
	heartbeatDisconnectDelay = 1000 * time.Millisecond
)

// heartbeatMonitor implements the timer-driven liveness state machine
// of spec.md §4.1: a fresh 16-byte challenge is sent and a disconnect
// timer armed. A matching echo clears the timer and schedules the next
// round; if the timer fires first, the state moves to SoftDisconnected
// and the next round is scheduled as well. Two timer handles are held so every state exit can
// cancel both deterministically (SPEC_FULL.md §9 design note).
type heartbeatMonitor struct {
	mu               sync.Mutex
	state            livenessState
	challenge        []byte
	retransmitTimer  *time.Timer
	disconnectTimer  *time.Timer
	send             func(payload []byte) error
	onDisconnected   func()
	onReconnected    func()
	recordRTT        func(time.Duration)
	challengeSentAt  time.Time
	stopped          bool
}

func newHeartbeatMonitor(send func([]byte) error, onDisconnected, onReconnected func(), recordRTT func(time.Duration)) *heartbeatMonitor {
	return &heartbeatMonitor{
		state:          livenessAlive,
		send:           send,
		onDisconnected: onDisconnected,
		onReconnected:  onReconnected,
		recordRTT:      recordRTT,
	}
}

// start begins the liveness monitor; called once the channel enters
// Alive on tls-connected.
func (h *heartbeatMonitor) start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.state = livenessAlive
	h.armNextChallengeLocked()
}

// stop clears both timers unconditionally; called on tls-closed or
// channel destroy.
func (h *heartbeatMonitor) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	h.clearTimersLocked()
}

func (h *heartbeatMonitor) clearTimersLocked() {
	if h.retransmitTimer != nil {
		h.retransmitTimer.Stop()
		h.retransmitTimer = nil
	}
	if h.disconnectTimer != nil {
		h.disconnectTimer.Stop()
		h.disconnectTimer = nil
	}
}

// armNextChallengeLocked generates a fresh challenge and schedules the
// retransmit timer. Caller holds h.mu.
func (h *heartbeatMonitor) armNextChallengeLocked() {
	h.clearTimersLocked()
	challenge, err := crypto.RandomBytes(16)
	if err != nil {
		// Entropy failure: fall back to a zeroed challenge rather than
		// wedge the liveness monitor; a mismatch simply times out and
		// retries on the next cycle.
		challenge = make([]byte, 16)
	}
	h.challenge = challenge
	h.retransmitTimer = time.AfterFunc(heartbeatRetransmitDelay, h.retransmit)
}

func (h *heartbeatMonitor) retransmit() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	challenge := h.challenge
	h.challengeSentAt = time.Now()
	h.disconnectTimer = time.AfterFunc(heartbeatDisconnectDelay, h.onDisconnectTimer)
	h.mu.Unlock()

	// send outside the lock: it may block on the network briefly.
	_ = h.send(challenge)
}

func (h *heartbeatMonitor) onDisconnectTimer() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	wasAlive := h.state == livenessAlive
	h.state = livenessSoftDisconnected
	h.armNextChallengeLocked()
	h.mu.Unlock()

	if wasAlive {
		h.onDisconnected()
	}
}

// onEchoReceived processes an inbound heartbeat echo. Only a payload
// equal to the most recently sent challenge counts; anything else is
// ignored per spec.md §4.1.
func (h *heartbeatMonitor) onEchoReceived(payload []byte) {
	h.mu.Lock()
	if h.stopped || !bytesEqual(payload, h.challenge) {
		h.mu.Unlock()
		return
	}
	wasDisconnected := h.state == livenessSoftDisconnected
	h.state = livenessAlive
	rtt := time.Since(h.challengeSentAt)
	h.armNextChallengeLocked()
	h.mu.Unlock()

	if h.recordRTT != nil {
		h.recordRTT(rtt)
	}
	if wasDisconnected {
		h.onReconnected()
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
