package chat

import (
	"context"
	"errors"
	"sync"

	"cliquechain/internal/notify"
	"cliquechain/internal/presence"
)

// memberStore backs both the hub lookups and the REST membership checks.
type memberStore struct {
	mu      sync.Mutex
	members map[presence.RoomID]map[presence.Identity]bool
	chains  map[presence.ThreadID]presence.RoomID
}

func newMemberStore() *memberStore {
	return &memberStore{
		members: map[presence.RoomID]map[presence.Identity]bool{},
		chains:  map[presence.ThreadID]presence.RoomID{},
	}
}

func (s *memberStore) add(room presence.RoomID, ids ...presence.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[room] == nil {
		s.members[room] = map[presence.Identity]bool{}
	}
	for _, id := range ids {
		s.members[room][id] = true
	}
}

func (s *memberStore) addChain(thread presence.ThreadID, room presence.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains[thread] = room
}

func (s *memberStore) IsMember(_ context.Context, user presence.Identity, room presence.RoomID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[room][user], nil
}

func (s *memberStore) ThreadRoom(_ context.Context, thread presence.ThreadID) (presence.RoomID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.chains[thread]
	return room, ok, nil
}

type fakeContent struct {
	chains    map[int]int
	targets   map[int]ContentTarget
	contents  []*Content
	reactions []*Reaction
}

func (f *fakeContent) ChainClique(_ context.Context, chainID int) (int, error) {
	clique, ok := f.chains[chainID]
	if !ok {
		return 0, ErrChainNotFound
	}
	return clique, nil
}

func (f *fakeContent) SaveContent(_ context.Context, c *Content) (*Content, error) {
	c.ID = len(f.contents) + 1
	c.Position = c.ID
	f.contents = append(f.contents, c)
	return c, nil
}

func (f *fakeContent) ContentTarget(_ context.Context, contentID int) (ContentTarget, error) {
	t, ok := f.targets[contentID]
	if !ok {
		return t, ErrContentNotFound
	}
	return t, nil
}

func (f *fakeContent) SaveReaction(_ context.Context, r *Reaction) (*Reaction, error) {
	r.ID = len(f.reactions) + 1
	f.reactions = append(f.reactions, r)
	return r, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (p *recordingPublisher) Publish(_ context.Context, n notify.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
	return nil
}

type fakePresence struct {
	online map[presence.RoomID][]presence.Identity
}

func (f *fakePresence) Handle(presence.Connection, []byte) {}

func (f *fakePresence) Unregister(presence.Connection) {}

func (f *fakePresence) Register(presence.Connection, presence.Identity) error {
	return nil
}

func (f *fakePresence) OnlineIdentities(room presence.RoomID) []presence.Identity {
	return f.online[room]
}

type fakeDirectory map[presence.Identity]string

func (d fakeDirectory) Profile(_ context.Context, id presence.Identity) (presence.Profile, error) {
	name, ok := d[id]
	if !ok {
		return presence.Profile{}, errors.New("user not found")
	}
	return presence.Profile{ID: id, DisplayName: name}, nil
}
