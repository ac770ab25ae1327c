package presence

import "fmt"

func (h *Hub) deliver(d delivery) {
	if d.room != 0 {
		h.broadcastRoom(d.room, d.event, d.exclude)
	}
	if len(d.identities) > 0 {
		h.broadcastIdentities(d.identities, d.event)
	}
}

// broadcastRoom sends event to a snapshot of the room taken now.
func (h *Hub) broadcastRoom(room RoomID, event []byte, exclude string) int {
	return h.fanout(h.registry.RoomConnections(room), event, exclude)
}

func (h *Hub) broadcastIdentities(ids []Identity, event []byte) int {
	seen := make(map[Identity]struct{}, len(ids))
	var conns []Connection
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		conns = append(conns, h.registry.IdentityConnections(id)...)
	}
	return h.fanout(conns, event, "")
}

// fanout never stops early: a failed peer is logged and left for the
// supervisor to remove when its transport closes.
func (h *Hub) fanout(conns []Connection, event []byte, exclude string) int {
	delivered := 0
	for _, conn := range conns {
		if conn.ID() == exclude || conn.Closed() {
			continue
		}
		if err := conn.Send(event); err != nil {
			h.log.Warn("broadcast send failed", "connId", conn.ID(), "error", fmt.Errorf("%w: %v", ErrTransportSend, err))
			continue
		}
		delivered++
	}
	return delivered
}

// send answers a single connection.
func (h *Hub) send(conn Connection, event []byte) {
	if conn.Closed() {
		return
	}
	if err := conn.Send(event); err != nil {
		h.log.Warn("send failed", "connId", conn.ID(), "error", fmt.Errorf("%w: %v", ErrTransportSend, err))
	}
}
