package presence

import (
	"context"
	"log/slog"
	"time"
)

// MembershipStore authorizes joinRoom.
type MembershipStore interface {
	IsMember(ctx context.Context, user Identity, room RoomID) (bool, error)
}

// ContentStore resolves which clique a chain belongs to.
type ContentStore interface {
	ThreadRoom(ctx context.Context, thread ThreadID) (room RoomID, found bool, err error)
}

// Directory supplies the profile announced with presenceOnline.
type Directory interface {
	Profile(ctx context.Context, user Identity) (Profile, error)
}

type Options struct {
	// LookupTimeout bounds each membership, chain or profile lookup.
	LookupTimeout time.Duration
	// HandshakeTimeout closes connections that have not authenticated in time. Zero disables it.
	HandshakeTimeout time.Duration
	Directory        Directory
	Logger           *slog.Logger
}

const defaultLookupTimeout = 5 * time.Second

type registration struct {
	conn   Connection
	pinned Identity
}

type inbound struct {
	conn Connection
	cmd  Command
	err  error
}

type delivery struct {
	room       RoomID
	identities []Identity
	event      []byte
	exclude    string
}

// Hub owns the registry. Every mutation and every fan-out runs on the Run
// goroutine, so commands are applied one at a time and room events reach each
// peer in the order the commands were processed.
type Hub struct {
	registry  *Registry
	members   MembershipStore
	content   ContentStore
	directory Directory
	opts      Options
	log       *slog.Logger

	register   chan registration
	unregister chan Connection
	inbound    chan inbound
	resolved   chan resolution
	notify     chan delivery
	inspect    chan func(*Registry)
	expired    chan string
	stopped    chan struct{}

	ctx context.Context

	// owned by the Run goroutine
	pending     map[string][]inbound
	threadRooms map[ThreadID]RoomID
}

func NewHub(members MembershipStore, content ContentStore, opts Options) *Hub {
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaultLookupTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		registry:    NewRegistry(),
		members:     members,
		content:     content,
		directory:   opts.Directory,
		opts:        opts,
		log:         logger,
		register:    make(chan registration),
		unregister:  make(chan Connection),
		inbound:     make(chan inbound, 64),
		resolved:    make(chan resolution),
		notify:      make(chan delivery, 64),
		inspect:     make(chan func(*Registry)),
		expired:     make(chan string),
		stopped:     make(chan struct{}),
		ctx:         context.Background(),
		pending:     make(map[string][]inbound),
		threadRooms: make(map[ThreadID]RoomID),
	}
}

// Run processes hub events until ctx is cancelled. It must be started exactly once.
func (h *Hub) Run(ctx context.Context) error {
	h.ctx = ctx
	defer close(h.stopped)

	for {
		select {
		case reg := <-h.register:
			h.registerConn(reg)

		case conn := <-h.unregister:
			h.cleanup(conn)

		case in := <-h.inbound:
			h.dispatch(in)

		case res := <-h.resolved:
			h.resolve(res)

		case d := <-h.notify:
			h.deliver(d)

		case fn := <-h.inspect:
			fn(h.registry)

		case connID := <-h.expired:
			h.expireHandshake(connID)

		case <-ctx.Done():
			h.log.Info("presence hub shutting down", "connections", h.registry.Stats().Connections)
			return nil
		}
	}
}

// Register adds conn to the registry in state Connected. A non-zero pinned
// identity restricts authenticate to that identity.
func (h *Hub) Register(conn Connection, pinned Identity) error {
	select {
	case h.register <- registration{conn: conn, pinned: pinned}:
		return nil
	case <-h.stopped:
		return ErrHubStopped
	}
}

// Unregister runs the cleanup for a closed transport.
func (h *Hub) Unregister(conn Connection) {
	select {
	case h.unregister <- conn:
	case <-h.stopped:
	}
}

// Handle decodes one inbound frame from conn and queues it for the hub loop.
func (h *Hub) Handle(conn Connection, data []byte) {
	cmd, err := DecodeCommand(data)
	select {
	case h.inbound <- inbound{conn: conn, cmd: cmd, err: err}:
	case <-h.stopped:
	}
}

// BroadcastToRoom delivers event to every live connection in room except exclude, which may be nil.
func (h *Hub) BroadcastToRoom(room RoomID, event []byte, exclude Connection) {
	d := delivery{room: room, event: event}
	if exclude != nil {
		d.exclude = exclude.ID()
	}
	select {
	case h.notify <- d:
	case <-h.stopped:
	}
}

// BroadcastToIdentities delivers event to every connection of the given
// identities regardless of the room they are in.
func (h *Hub) BroadcastToIdentities(ids []Identity, event []byte) {
	select {
	case h.notify <- delivery{identities: ids, event: event}:
	case <-h.stopped:
	}
}

// Snapshot describes the registry contents.
type Snapshot struct {
	Stats
	Rooms map[RoomID][]Identity `json:"rooms"`
}

func (h *Hub) Snapshot() Snapshot {
	var snap Snapshot
	h.query(func(r *Registry) {
		snap.Stats = r.Stats()
		snap.Rooms = make(map[RoomID][]Identity, snap.Stats.Rooms)
		for _, room := range r.Rooms() {
			snap.Rooms[room] = r.RoomIdentities(room)
		}
	})
	return snap
}

// OnlineIdentities returns the identities with a live connection in room.
func (h *Hub) OnlineIdentities(room RoomID) []Identity {
	var ids []Identity
	h.query(func(r *Registry) {
		ids = r.RoomIdentities(room)
	})
	return ids
}

// SessionState reports the state of the connection, or StateClosed once it has been removed.
func (h *Hub) SessionState(connID string) State {
	state := StateClosed
	h.query(func(r *Registry) {
		if s, ok := r.Session(connID); ok {
			state = s.State()
		}
	})
	return state
}

func (h *Hub) query(fn func(*Registry)) bool {
	done := make(chan struct{})
	select {
	case h.inspect <- func(r *Registry) {
		fn(r)
		close(done)
	}:
	case <-h.stopped:
		return false
	}
	<-done
	return true
}

func (h *Hub) registerConn(reg registration) {
	s := h.registry.Register(reg.conn)
	s.pinned = reg.pinned
	h.log.Info("client connected", "connId", reg.conn.ID(), "connections", h.registry.Stats().Connections)

	if h.opts.HandshakeTimeout > 0 {
		connID := reg.conn.ID()
		time.AfterFunc(h.opts.HandshakeTimeout, func() {
			select {
			case h.expired <- connID:
			case <-h.stopped:
			}
		})
	}
}

func (h *Hub) expireHandshake(connID string) {
	s, ok := h.registry.Session(connID)
	if !ok || s.State() != StateConnected {
		return
	}
	h.log.Warn("closing connection that never authenticated",
		"connId", connID, "waited", time.Since(s.connectedAt).Round(time.Millisecond))
	if err := s.Conn().Close(); err != nil {
		h.log.Debug("close failed", "connId", connID, "error", err)
	}
}
