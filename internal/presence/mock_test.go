package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

type mockConn struct {
	id       string
	received [][]byte
	closed   bool
	sendErr  error
	mu       sync.Mutex
}

func newMockConn(id string) *mockConn { return &mockConn{id: id} }

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, data)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type wireEvent struct {
	Type        EventType `json:"type"`
	UserID      Identity  `json:"userId"`
	RoomID      RoomID    `json:"roomId"`
	MemberCount int       `json:"memberCount"`
	ThreadID    ThreadID  `json:"threadId"`
	IsTyping    bool      `json:"isTyping"`
	Identity    *Profile  `json:"identity"`
	Code        string    `json:"code"`
	Message     string    `json:"message"`
}

func (m *mockConn) events() []wireEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wireEvent, 0, len(m.received))
	for _, raw := range m.received {
		var e wireEvent
		if err := json.Unmarshal(raw, &e); err == nil {
			out = append(out, e)
		}
	}
	return out
}

func (m *mockConn) eventsOf(t EventType) []wireEvent {
	var out []wireEvent
	for _, e := range m.events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type stubStore struct {
	mu        sync.Mutex
	members   map[RoomID]map[Identity]bool
	threads   map[ThreadID]RoomID
	memberErr error
	threadErr error
	gate      chan struct{}
	lookups   int
}

func newStubStore() *stubStore {
	return &stubStore{
		members: make(map[RoomID]map[Identity]bool),
		threads: make(map[ThreadID]RoomID),
	}
}

func (s *stubStore) addMember(room RoomID, ids ...Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[room] == nil {
		s.members[room] = make(map[Identity]bool)
	}
	for _, id := range ids {
		s.members[room][id] = true
	}
}

func (s *stubStore) addThread(thread ThreadID, room RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[thread] = room
}

func (s *stubStore) setThreadErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threadErr = err
}

func (s *stubStore) IsMember(ctx context.Context, user Identity, room RoomID) (bool, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.memberErr != nil {
		return false, s.memberErr
	}
	return s.members[room][user], nil
}

func (s *stubStore) ThreadRoom(ctx context.Context, thread ThreadID) (RoomID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.threadErr != nil {
		return 0, false, s.threadErr
	}
	room, ok := s.threads[thread]
	return room, ok, nil
}

func (s *stubStore) lookupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

type stubDirectory map[Identity]Profile

func (d stubDirectory) Profile(_ context.Context, user Identity) (Profile, error) {
	p, ok := d[user]
	if !ok {
		return Profile{}, errors.New("user not found")
	}
	return p, nil
}
