package mesh

// This file implements the reconnection controller of spec.md §4.4:
// the four per-neighbor booleans, the transition rules that set them,
// and the full-vs-per-peer reconnect paths.

func (n *MeshNode) onDialerConnected(nb *Neighbor) {
	nb.mu.Lock()
	wasDown := nb.disconnected || nb.softDisconnected || nb.serverSoftDisconnected || nb.rebuildingSocket
	firstConnect := !nb.connected
	nb.connected = true
	nb.disconnected = false
	nb.softDisconnected = false
	nb.serverSoftDisconnected = false
	nb.rebuildingSocket = false
	nb.mu.Unlock()

	if firstConnect {
		nb.resolveConnectionReady(nil)
	}
	if wasDown {
		n.events.Send(ReconnectedEvent{User: nb.Username})
	}
	if n.hooks.onNeighborConnected != nil {
		n.hooks.onNeighborConnected(nb)
	}
}

func (n *MeshNode) onDialerClosed(nb *Neighbor) {
	nb.mu.Lock()
	alreadyDown := nb.disconnected
	nb.disconnected = true
	nb.mu.Unlock()

	if !alreadyDown {
		n.events.Send(DisconnectedEvent{User: nb.Username})
	}
	if n.allNeighborsDisconnected() {
		n.triggerFullReconnect()
	}
}

func (n *MeshNode) onDialerHeartbeatDisconnected(nb *Neighbor) {
	nb.mu.Lock()
	alreadyDown := nb.disconnected || nb.softDisconnected
	nb.softDisconnected = true
	nb.mu.Unlock()

	if !alreadyDown {
		n.events.Send(DisconnectedEvent{User: nb.Username})
	}
	if n.allSoftDisconnectedNoneHard() {
		n.triggerFullReconnect()
	}
}

func (n *MeshNode) onDialerHeartbeatReconnected(nb *Neighbor) {
	nb.mu.Lock()
	nb.softDisconnected = false
	nb.mu.Unlock()
	n.events.Send(ReconnectedEvent{User: nb.Username})
}

func (n *MeshNode) onListenerHeartbeatDisconnected(nb *Neighbor) {
	nb.mu.Lock()
	nb.serverSoftDisconnected = true
	nb.mu.Unlock()

	if n.allServerSoftDisconnected() {
		n.triggerFullReconnect()
	}
}

func (n *MeshNode) snapshotNeighbors() []*Neighbor {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Neighbor, 0, len(n.neighbors))
	for _, nb := range n.neighbors {
		out = append(out, nb)
	}
	return out
}

func (n *MeshNode) allNeighborsDisconnected() bool {
	neighbors := n.snapshotNeighbors()
	if len(neighbors) == 0 {
		return false
	}
	for _, nb := range neighbors {
		nb.mu.Lock()
		down := nb.disconnected
		nb.mu.Unlock()
		if !down {
			return false
		}
	}
	return true
}

func (n *MeshNode) allSoftDisconnectedNoneHard() bool {
	neighbors := n.snapshotNeighbors()
	if len(neighbors) == 0 {
		return false
	}
	for _, nb := range neighbors {
		nb.mu.Lock()
		soft, hard := nb.softDisconnected, nb.disconnected
		nb.mu.Unlock()
		if hard {
			return false
		}
		if !soft {
			return false
		}
	}
	return true
}

func (n *MeshNode) allServerSoftDisconnected() bool {
	neighbors := n.snapshotNeighbors()
	if len(neighbors) == 0 {
		return false
	}
	for _, nb := range neighbors {
		nb.mu.Lock()
		down := nb.serverSoftDisconnected
		nb.mu.Unlock()
		if !down {
			return false
		}
	}
	return true
}

// triggerFullReconnect is guarded by the process-level reconnecting
// flag to suppress re-entry (spec.md §4.4).
func (n *MeshNode) triggerFullReconnect() {
	n.mu.Lock()
	if n.reconnecting || n.destroyed {
		n.mu.Unlock()
		return
	}
	n.reconnecting = true
	anyUnhealthy := false
	for _, nb := range n.neighbors {
		if !nb.isFullyHealthy() {
			anyUnhealthy = true
			break
		}
	}
	ln := n.listener
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.reconnecting = false
		n.mu.Unlock()
	}()

	if anyUnhealthy && ln != nil {
		ln.Close()
		if err := n.listen(); err != nil {
			n.log.WithError(err).Error("failed to rebuild mesh listener during full reconnect")
		}
	}
	for _, nb := range n.snapshotNeighbors() {
		n.triggerPerPeerReconnect(nb)
	}
}

// triggerPerPeerReconnect rebuilds a single neighbor's dialer channel
// (fresh sockets/timers, same session name and keys), guarded by that
// neighbor's own rebuildingSocket flag (spec.md §4.4).
func (n *MeshNode) triggerPerPeerReconnect(nb *Neighbor) {
	nb.mu.Lock()
	if !nb.disconnected || nb.rebuildingSocket {
		nb.mu.Unlock()
		return
	}
	nb.rebuildingSocket = true
	old := nb.dialer
	nb.mu.Unlock()

	if old != nil {
		old.Destroy()
	}
	n.dialNeighbor(nb)
}
