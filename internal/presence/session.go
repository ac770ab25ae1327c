package presence

import (
	"sort"
	"time"
)

// State is the lifecycle position of one connection.
type State int

const (
	StateConnected State = iota
	StateAuthenticated
	StateInRoom
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateInRoom:
		return "in_room"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is the transport side of a session.
type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
	Closed() bool
}

// Session is the registry record of one connection.
type Session struct {
	conn        Connection
	state       State
	identity    Identity
	room        RoomID
	typing      map[ThreadID]struct{}
	pinned      Identity
	connectedAt time.Time
}

func (s *Session) Conn() Connection   { return s.conn }
func (s *Session) State() State       { return s.state }
func (s *Session) Identity() Identity { return s.identity }
func (s *Session) Room() RoomID       { return s.room }

// TypingThreads returns the chains this connection is flagged as typing in, sorted.
func (s *Session) TypingThreads() []ThreadID {
	threads := make([]ThreadID, 0, len(s.typing))
	for t := range s.typing {
		threads = append(threads, t)
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i] < threads[j] })
	return threads
}
