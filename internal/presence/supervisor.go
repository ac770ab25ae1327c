package presence

// cleanup removes a closed transport from every index, then tells the room
// which chains its identity stopped typing in and whether the identity is gone.
func (h *Hub) cleanup(conn Connection) {
	connID := conn.ID()
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("cleanup panicked, registry may be partially updated", "connId", connID, "panic", r)
		}
	}()

	delete(h.pending, connID)
	dep, left := h.registry.Remove(connID)
	if left {
		h.announceDeparture(dep)
	}
	h.log.Info("client disconnected", "connId", connID, "connections", h.registry.Stats().Connections)
}

func (h *Hub) announceDeparture(dep Departure) {
	for _, thread := range dep.StoppedTyping {
		h.broadcastRoom(dep.Room, encodeTyping(dep.Identity, thread, false), "")
	}
	if dep.WentOffline {
		h.log.Info("identity left clique", "userId", dep.Identity, "roomId", dep.Room)
		h.broadcastRoom(dep.Room, mustEncode(PresenceEvent{Type: EventPresenceOffline, Identity: Profile{ID: dep.Identity}}), "")
	}
}
