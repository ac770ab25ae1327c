package presence

import (
	"context"
	"errors"
	"fmt"
)

// resolution carries the outcome of an off-loop lookup back to the hub.
type resolution struct {
	conn     Connection
	cmd      Command
	identity Identity

	member  bool
	profile Profile

	threadRoom RoomID
	found      bool

	err error
}

func (h *Hub) dispatch(in inbound) {
	connID := in.conn.ID()
	if errors.Is(in.err, ErrUnknownCommand) {
		h.log.Info("ignoring unknown command", "connId", connID, "kind", in.cmd.Kind)
		return
	}

	s, ok := h.registry.Session(connID)
	if !ok {
		h.log.Debug("dropping frame for closed session", "connId", connID, "kind", in.cmd.Kind, "error", ErrSessionClosed)
		return
	}
	// A lookup is outstanding for this session; keep its frames, including
	// undecodable ones, in order so replies match the order they were sent.
	if queued, busy := h.pending[connID]; busy {
		h.pending[connID] = append(queued, in)
		return
	}
	h.apply(s, in)
}

func (h *Hub) apply(s *Session, in inbound) {
	if in.err != nil {
		h.reject(s.Conn(), in.err)
		return
	}
	h.execute(s, in.cmd)
}

func (h *Hub) execute(s *Session, cmd Command) {
	switch cmd.Kind {
	case CommandAuthenticate:
		h.authenticate(s, cmd.Identity)

	case CommandJoinRoom:
		if s.State() == StateConnected {
			h.reject(s.Conn(), ErrNotAuthenticated)
			return
		}
		if s.State() == StateInRoom && s.Room() == cmd.Room {
			h.join(s, cmd.Room, Profile{ID: s.Identity()})
			return
		}
		h.lookup(s, cmd)

	case CommandTyping:
		if s.State() != StateInRoom {
			h.reject(s.Conn(), ErrNotInRoom)
			return
		}
		if room, ok := h.threadRooms[cmd.Thread]; ok {
			h.typing(s, cmd, room)
			return
		}
		h.lookup(s, cmd)
	}
}

func (h *Hub) authenticate(s *Session, id Identity) {
	if s.pinned != 0 && id != s.pinned {
		h.reject(s.Conn(), fmt.Errorf("%w: identity does not match the session token", ErrInvalidIdentity))
		return
	}
	dep, err := h.registry.Authenticate(s.Conn().ID(), id)
	if err != nil {
		h.reject(s.Conn(), err)
		return
	}
	if dep != nil {
		h.announceDeparture(*dep)
	}
	h.log.Info("client authenticated", "connId", s.Conn().ID(), "userId", id)
	h.send(s.Conn(), mustEncode(AuthenticatedEvent{Type: EventAuthenticated, UserID: id}))
}

// lookup consults the external stores off the hub goroutine. Until the result
// comes back the session's further commands are queued.
func (h *Hub) lookup(s *Session, cmd Command) {
	conn, id := s.Conn(), s.Identity()
	h.pending[conn.ID()] = nil

	go func() {
		ctx, cancel := context.WithTimeout(h.ctx, h.opts.LookupTimeout)
		defer cancel()

		res := resolution{conn: conn, cmd: cmd, identity: id}
		switch cmd.Kind {
		case CommandJoinRoom:
			res.member, res.err = h.members.IsMember(ctx, id, cmd.Room)
			if res.err == nil && res.member {
				res.profile = h.profile(ctx, id)
			}
		case CommandTyping:
			res.threadRoom, res.found, res.err = h.content.ThreadRoom(ctx, cmd.Thread)
		}

		select {
		case h.resolved <- res:
		case <-h.stopped:
		}
	}()
}

func (h *Hub) profile(ctx context.Context, id Identity) Profile {
	if h.directory == nil {
		return Profile{ID: id}
	}
	p, err := h.directory.Profile(ctx, id)
	if err != nil {
		h.log.Warn("profile lookup failed, announcing bare identity", "userId", id, "error", err)
		return Profile{ID: id}
	}
	p.ID = id
	return p
}

func (h *Hub) resolve(res resolution) {
	connID := res.conn.ID()
	queued := h.pending[connID]
	delete(h.pending, connID)

	s, ok := h.registry.Session(connID)
	if !ok {
		h.log.Debug("lookup finished after session closed", "connId", connID, "kind", res.cmd.Kind, "error", ErrSessionClosed)
		return
	}

	switch {
	case s.Identity() != res.identity:
		h.log.Warn("session identity changed during lookup, discarding result",
			"connId", connID, "kind", res.cmd.Kind, "userId", s.Identity())

	case res.err != nil:
		h.log.Error("upstream lookup failed", "connId", connID, "kind", res.cmd.Kind, "userId", res.identity, "error", res.err)
		h.reject(res.conn, fmt.Errorf("%w: %v", ErrUpstreamLookup, res.err))

	case res.cmd.Kind == CommandJoinRoom:
		if !res.member {
			h.reject(res.conn, ErrNotMember)
			break
		}
		h.join(s, res.cmd.Room, res.profile)

	case res.cmd.Kind == CommandTyping:
		if !res.found {
			h.reject(res.conn, ErrThreadNotInRoom)
			break
		}
		h.threadRooms[res.cmd.Thread] = res.threadRoom
		h.typing(s, res.cmd, res.threadRoom)
	}

	h.drain(connID, queued)
}

// drain replays frames queued behind a lookup until one of them starts
// another lookup or the session goes away.
func (h *Hub) drain(connID string, queued []inbound) {
	for i, in := range queued {
		if _, busy := h.pending[connID]; busy {
			h.pending[connID] = append(h.pending[connID], queued[i:]...)
			return
		}
		s, ok := h.registry.Session(connID)
		if !ok {
			return
		}
		h.apply(s, in)
	}
}

func (h *Hub) join(s *Session, room RoomID, p Profile) {
	conn := s.Conn()
	res, err := h.registry.JoinRoom(conn.ID(), room)
	if err != nil {
		h.reject(conn, err)
		return
	}
	if res.Left != nil {
		h.announceDeparture(*res.Left)
	}

	h.log.Info("client joined clique", "connId", conn.ID(), "userId", s.Identity(), "roomId", room, "members", res.MemberCount)
	h.send(conn, mustEncode(JoinedRoomEvent{Type: EventJoinedRoom, RoomID: room, MemberCount: res.MemberCount}))

	if res.CameOnline {
		h.broadcastRoom(room, mustEncode(PresenceEvent{Type: EventPresenceOnline, Identity: p}), conn.ID())
	}
}

func (h *Hub) typing(s *Session, cmd Command, threadRoom RoomID) {
	conn := s.Conn()
	if s.State() != StateInRoom {
		h.reject(conn, ErrNotInRoom)
		return
	}
	if threadRoom != s.Room() {
		h.reject(conn, ErrThreadNotInRoom)
		return
	}

	changed, err := h.registry.SetTyping(conn.ID(), cmd.Thread, cmd.IsTyping)
	if err != nil {
		h.reject(conn, err)
		return
	}
	if changed {
		h.broadcastRoom(s.Room(), encodeTyping(s.Identity(), cmd.Thread, cmd.IsTyping), conn.ID())
	}
}

func (h *Hub) reject(conn Connection, err error) {
	h.log.Info("command rejected", "connId", conn.ID(), "error", err)
	h.send(conn, encodeError(err))
}
