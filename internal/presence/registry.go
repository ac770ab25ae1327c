package presence

import (
	"sort"
	"time"
)

// Departure describes what changed in a room when a connection left it.
type Departure struct {
	Room          RoomID
	Identity      Identity
	WentOffline   bool
	StoppedTyping []ThreadID
}

// JoinResult is returned by JoinRoom.
type JoinResult struct {
	Room        RoomID
	MemberCount int
	CameOnline  bool
	Left        *Departure
}

// Stats is a point-in-time count of the registry contents.
type Stats struct {
	Connections int `json:"connections"`
	Identities  int `json:"identities"`
	Rooms       int `json:"rooms"`
}

// Registry holds the identity index, the room membership index and the
// per-room presence and typing counters. It does no I/O and is not safe for
// concurrent use; the hub loop is its only caller.
type Registry struct {
	sessions   map[string]*Session
	identities map[Identity]map[string]*Session
	rooms      map[RoomID]map[string]*Session

	// connections per identity per room
	presence map[RoomID]map[Identity]int
	// typing connections per identity per (room, chain)
	typing map[RoomID]map[ThreadID]map[Identity]int
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		identities: make(map[Identity]map[string]*Session),
		rooms:      make(map[RoomID]map[string]*Session),
		presence:   make(map[RoomID]map[Identity]int),
		typing:     make(map[RoomID]map[ThreadID]map[Identity]int),
	}
}

// Register allocates a session for conn. Registering the same connection twice
// returns the existing session.
func (r *Registry) Register(conn Connection) *Session {
	if s, ok := r.sessions[conn.ID()]; ok {
		return s
	}
	s := &Session{
		conn:        conn,
		state:       StateConnected,
		typing:      make(map[ThreadID]struct{}),
		connectedAt: time.Now(),
	}
	r.sessions[conn.ID()] = s
	return s
}

func (r *Registry) Session(connID string) (*Session, bool) {
	s, ok := r.sessions[connID]
	return s, ok
}

// Authenticate binds id to the connection. Binding the identity the session
// already has is a no-op. Binding a different identity leaves the current room
// first, so presence and typing counters never mix two identities.
func (r *Registry) Authenticate(connID string, id Identity) (*Departure, error) {
	s, ok := r.sessions[connID]
	if !ok {
		return nil, ErrSessionClosed
	}
	if id <= 0 {
		return nil, ErrInvalidIdentity
	}
	if s.state != StateConnected && s.identity == id {
		return nil, nil
	}

	var dep *Departure
	if s.state == StateInRoom {
		d := r.leaveRoom(s)
		dep = &d
	}
	if s.identity != 0 {
		r.unindexIdentity(s)
	}

	s.identity = id
	conns := r.identities[id]
	if conns == nil {
		conns = make(map[string]*Session)
		r.identities[id] = conns
	}
	conns[connID] = s
	s.state = StateAuthenticated
	return dep, nil
}

// JoinRoom moves the connection into room, leaving its previous room first.
// Joining the room the connection is already in changes nothing.
func (r *Registry) JoinRoom(connID string, room RoomID) (JoinResult, error) {
	s, ok := r.sessions[connID]
	if !ok {
		return JoinResult{}, ErrSessionClosed
	}
	if s.state == StateConnected {
		return JoinResult{}, ErrNotAuthenticated
	}
	if s.state == StateInRoom && s.room == room {
		return JoinResult{Room: room, MemberCount: len(r.presence[room])}, nil
	}

	res := JoinResult{Room: room}
	if s.state == StateInRoom {
		d := r.leaveRoom(s)
		res.Left = &d
	}

	conns := r.rooms[room]
	if conns == nil {
		conns = make(map[string]*Session)
		r.rooms[room] = conns
	}
	conns[connID] = s

	counts := r.presence[room]
	if counts == nil {
		counts = make(map[Identity]int)
		r.presence[room] = counts
	}
	counts[s.identity]++
	res.CameOnline = counts[s.identity] == 1

	s.room = room
	s.state = StateInRoom
	res.MemberCount = len(counts)
	return res, nil
}

// SetTyping flags or clears thread for the connection and reports whether the
// identity-level typing state for (room, thread) changed.
func (r *Registry) SetTyping(connID string, thread ThreadID, isTyping bool) (bool, error) {
	s, ok := r.sessions[connID]
	if !ok {
		return false, ErrSessionClosed
	}
	if s.state != StateInRoom {
		return false, ErrNotInRoom
	}

	_, flagged := s.typing[thread]
	if flagged == isTyping {
		return false, nil
	}
	if isTyping {
		s.typing[thread] = struct{}{}
		return r.incTyping(s.room, thread, s.identity), nil
	}
	delete(s.typing, thread)
	return r.decTyping(s.room, thread, s.identity), nil
}

// Remove deletes the connection from every index. left reports whether the
// connection was in a room, in which case dep describes the departure.
func (r *Registry) Remove(connID string) (dep Departure, left bool) {
	s, ok := r.sessions[connID]
	if !ok {
		return Departure{}, false
	}
	if s.state == StateInRoom {
		dep = r.leaveRoom(s)
		left = true
	}
	if s.identity != 0 {
		r.unindexIdentity(s)
	}
	delete(r.sessions, connID)
	s.state = StateClosed
	return dep, left
}

// RoomConnections returns a snapshot of the connections joined to room.
func (r *Registry) RoomConnections(room RoomID) []Connection {
	conns := make([]Connection, 0, len(r.rooms[room]))
	for _, s := range r.rooms[room] {
		conns = append(conns, s.conn)
	}
	return conns
}

// IdentityConnections returns a snapshot of the connections authenticated as id.
func (r *Registry) IdentityConnections(id Identity) []Connection {
	conns := make([]Connection, 0, len(r.identities[id]))
	for _, s := range r.identities[id] {
		conns = append(conns, s.conn)
	}
	return conns
}

// RoomIdentities returns the distinct identities present in room, sorted.
func (r *Registry) RoomIdentities(room RoomID) []Identity {
	ids := make([]Identity, 0, len(r.presence[room]))
	for id := range r.presence[room] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// TypingIdentities returns the identities typing in (room, thread), sorted.
func (r *Registry) TypingIdentities(room RoomID, thread ThreadID) []Identity {
	counts := r.typing[room][thread]
	ids := make([]Identity, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Rooms() []RoomID {
	rooms := make([]RoomID, 0, len(r.rooms))
	for room := range r.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

func (r *Registry) Stats() Stats {
	return Stats{
		Connections: len(r.sessions),
		Identities:  len(r.identities),
		Rooms:       len(r.rooms),
	}
}

// leaveRoom clears the typing flags of s, drops it from its room and returns
// the identity-level transitions that resulted.
func (r *Registry) leaveRoom(s *Session) Departure {
	room := s.room
	dep := Departure{Room: room, Identity: s.identity}

	for _, thread := range s.TypingThreads() {
		if r.decTyping(room, thread, s.identity) {
			dep.StoppedTyping = append(dep.StoppedTyping, thread)
		}
	}
	clear(s.typing)

	if conns := r.rooms[room]; conns != nil {
		delete(conns, s.conn.ID())
		if len(conns) == 0 {
			delete(r.rooms, room)
		}
	}
	if counts := r.presence[room]; counts != nil {
		counts[s.identity]--
		if counts[s.identity] <= 0 {
			delete(counts, s.identity)
			dep.WentOffline = true
		}
		if len(counts) == 0 {
			delete(r.presence, room)
		}
	}

	s.room = 0
	s.state = StateAuthenticated
	return dep
}

func (r *Registry) unindexIdentity(s *Session) {
	conns := r.identities[s.identity]
	if conns == nil {
		return
	}
	delete(conns, s.conn.ID())
	if len(conns) == 0 {
		delete(r.identities, s.identity)
	}
}

// incTyping reports whether id started typing in (room, thread).
func (r *Registry) incTyping(room RoomID, thread ThreadID, id Identity) bool {
	threads := r.typing[room]
	if threads == nil {
		threads = make(map[ThreadID]map[Identity]int)
		r.typing[room] = threads
	}
	counts := threads[thread]
	if counts == nil {
		counts = make(map[Identity]int)
		threads[thread] = counts
	}
	counts[id]++
	return counts[id] == 1
}

// decTyping reports whether id stopped typing in (room, thread).
func (r *Registry) decTyping(room RoomID, thread ThreadID, id Identity) bool {
	counts := r.typing[room][thread]
	if counts == nil || counts[id] == 0 {
		return false
	}
	counts[id]--
	if counts[id] > 0 {
		return false
	}
	delete(counts, id)
	if len(counts) == 0 {
		delete(r.typing[room], thread)
		if len(r.typing[room]) == 0 {
			delete(r.typing, room)
		}
	}
	return true
}
