package presence

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func startHub(t *testing.T, store *stubStore, opts Options) *Hub {
	t.Helper()
	h := NewHub(store, store, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// do sends frame and waits until conn has received one more event of type want.
func do(t *testing.T, h *Hub, conn *mockConn, frame string, want EventType) wireEvent {
	t.Helper()
	before := len(conn.eventsOf(want))
	h.Handle(conn, []byte(frame))
	require.Eventually(t, func() bool {
		return len(conn.eventsOf(want)) > before
	}, waitFor, tick, "waiting for %s after %s", want, frame)
	return conn.eventsOf(want)[before]
}

func connect(t *testing.T, h *Hub, id string, user Identity, room RoomID) *mockConn {
	t.Helper()
	c := newMockConn(id)
	require.NoError(t, h.Register(c, 0))
	do(t, h, c, fmt.Sprintf(`{"type":"authenticate","userId":%d}`, user), EventAuthenticated)
	if room != 0 {
		do(t, h, c, fmt.Sprintf(`{"type":"joinRoom","roomId":%d}`, room), EventJoinedRoom)
	}
	return c
}

func typingFrame(thread ThreadID, isTyping bool) string {
	return fmt.Sprintf(`{"type":"typing","threadId":%d,"isTyping":%t}`, thread, isTyping)
}

func TestHub_Scenario(t *testing.T) {
	store := newStubStore()
	store.addMember(42, 1, 2)
	store.addThread(7, 42)
	h := startHub(t, store, Options{})

	a := connect(t, h, "a", 1, 42)
	b := connect(t, h, "b", 2, 42)

	h.Handle(a, []byte(typingFrame(7, true)))
	require.Eventually(t, func() bool { return len(b.eventsOf(EventTypingChanged)) == 1 }, waitFor, tick)
	assert.Equal(t, wireEvent{Type: EventTypingChanged, UserID: 1, ThreadID: 7, IsTyping: true}, b.eventsOf(EventTypingChanged)[0])
	assert.Empty(t, a.eventsOf(EventTypingChanged), "sender does not get its own typing event")

	before := len(b.events())
	h.Unregister(a)
	require.Eventually(t, func() bool { return len(b.events()) >= before+2 }, waitFor, tick)

	tail := b.events()[before:]
	assert.Equal(t, wireEvent{Type: EventTypingChanged, UserID: 1, ThreadID: 7, IsTyping: false}, tail[0])
	assert.Equal(t, EventPresenceOffline, tail[1].Type)
	require.NotNil(t, tail[1].Identity)
	assert.Equal(t, Profile{ID: 1}, *tail[1].Identity)
}

func TestHub_JoinedRoomReply(t *testing.T) {
	store := newStubStore()
	store.addMember(42, 1, 2)
	h := startHub(t, store, Options{})

	connect(t, h, "a", 1, 42)
	b := connect(t, h, "b", 2, 0)

	ev := do(t, h, b, `{"type":"joinRoom","roomId":"42"}`, EventJoinedRoom)
	assert.Equal(t, RoomID(42), ev.RoomID)
	assert.Equal(t, 2, ev.MemberCount)
}

func TestHub_UnauthenticatedJoinRejected(t *testing.T) {
	store := newStubStore()
	store.addMember(42, 1)
	h := startHub(t, store, Options{})

	c := newMockConn("c")
	require.NoError(t, h.Register(c, 0))

	ev := do(t, h, c, `{"type":"joinRoom","roomId":42}`, EventError)
	assert.Equal(t, "NOT_AUTHENTICATED", ev.Code)
	assert.Equal(t, StateConnected, h.SessionState("c"))
	assert.Zero(t, store.lookupCount(), "no upstream lookup before authentication")

	do(t, h, c, `{"type":"authenticate","userId":1}`, EventAuthenticated)
	do(t, h, c, `{"type":"joinRoom","roomId":42}`, EventJoinedRoom)
	assert.Equal(t, StateInRoom, h.SessionState("c"))
}

func TestHub_PresenceDedup(t *testing.T) {
	store := newStubStore()
	store.addMember(42, 1, 2)
	h := startHub(t, store, Options{Directory: stubDirectory{1: {Username: "ana", DisplayName: "Ana"}}})

	observer := connect(t, h, "observer", 2, 42)
	phone := connect(t, h, "phone", 1, 42)
	laptop := connect(t, h, "laptop", 1, 42)

	online := observer.eventsOf(EventPresenceOnline)
	require.Len(t, online, 1)
	assert.Equal(t, Profile{ID: 1, Username: "ana", DisplayName: "Ana"}, *online[0].Identity)
	assert.Empty(t, phone.eventsOf(EventPresenceOnline), "second device does not announce to the first")

	h.Unregister(phone)
	h.Snapshot()
	assert.Empty(t, observer.eventsOf(EventPresenceOffline), "laptop still online")

	h.Unregister(laptop)
	require.Eventually(t, func() bool { return len(observer.eventsOf(EventPresenceOffline)) == 1 }, waitFor, tick)
	assert.Len(t, observer.eventsOf(EventPresenceOnline), 1)
}

func TestHub_TypingEdgeTriggered(t *testing.T) {
	store := newStubStore()
	store.addMember(42, 1, 2)
	store.addThread(7, 42)
	h := startHub(t, store, Options{})

	a := connect(t, h, "a", 1, 42)
	b := connect(t, h, "b", 2, 42)

	h.Handle(a, []byte(typingFrame(7, true)))
	h.Handle(a, []byte(typingFrame(7, true)))
	h.Handle(a, []byte(typingFrame(7, false)))

	require.Eventually(t, func() bool {
		evs := b.eventsOf(EventTypingChanged)
		return len(evs) > 0 && !evs[len(evs)-1].IsTyping
	}, waitFor, tick)

	evs := b.eventsOf(EventTypingChanged)
	require.Len(t, evs, 2)
	assert.True(t, evs[0].IsTyping)
	assert.False(t, evs[1].IsTyping)
	assert.Equal(t, 1, store.lookupCount()-2, "chain lookup is cached after the first typing command")
}

func TestHub_TypingAcrossDevicesIsIdentityLevel(t *testing.T) {
	store := newStubStore()
	store.addMember(42, 1, 2)
	store.addThread(7, 42)
	h := startHub(t, store, Options{})

	phone := connect(t, h, "phone", 1, 42)
	laptop := connect(t, h, "laptop", 1, 42)
	b := connect(t, h, "b", 2, 42)

	h.Handle(phone, []byte(typingFrame(7, true)))
	require.Eventually(t, func() bool { return len(b.eventsOf(EventTypingChanged)) == 1 }, waitFor, tick)
	h.Handle(laptop, []byte(typingFrame(7, true)))
	h.Handle(phone, []byte(typingFrame(7, false)))
	h.Snapshot()

	h.Unregister(laptop)
	require.Eventually(t, func() bool { return len(b.eventsOf(EventTypingChanged)) == 2 }, waitFor, tick)
	evs := b.eventsOf(EventTypingChanged)
	assert.False(t, evs[1].IsTyping)
	assert.Empty(t, b.eventsOf(EventPresenceOffline), "phone keeps the identity online")
}

func TestHub_TypingPreconditions(t *testing.T) {
	store := newStubStore()
	store.addMember(42, 1)
	store.addMember(43, 1)
	store.addThread(7, 42)
	store.addThread(9, 43)
	h := startHub(t, store, Options{})

	c := connect(t, h, "c", 1, 0)
	ev := do(t, h, c, typingFrame(7, true), EventError)
	assert.Equal(t, "NOT_IN_ROOM", ev.Code)

	do(t, h, c, `{"type":"joinRoom","roomId":42}`, EventJoinedRoom)

	ev = do(t, h, c, typingFrame(9, true), EventError)
	assert.Equal(t, "THREAD_NOT_IN_ROOM", ev.Code)

	ev = do(t, h, c, typingFrame(99, true), EventError)
	assert.Equal(t, "THREAD_NOT_IN_ROOM", ev.Code)

	h.Snapshot()
	assert.Equal(t, StateInRoom, h.SessionState("c"))
}

func TestHub_SwitchingRoomsAnnouncesDeparture(t *testing.T) {
	store := newStubStore()
	store.addMember(10, 1, 2)
	store.addMember(20, 1)
	store.addThread(5, 10)
	h := startHub(t, store, Options{})

	peer := connect(t, h, "peer", 2, 10)
	c := connect(t, h, "c", 1, 10)
	h.Handle(c, []byte(typingFrame(5, true)))
	require.Eventually(t, func() bool { return len(peer.eventsOf(EventTypingChanged)) == 1 }, waitFor, tick)

	do(t, h, c, `{"type":"joinRoom","roomId":20}`, EventJoinedRoom)

	require.Eventually(t, func() bool { return len(peer.eventsOf(EventPresenceOffline)) == 1 }, waitFor, tick)
	evs := peer.eventsOf(EventTypingChanged)
	require.Len(t, evs, 2)
	assert.False(t, evs[1].IsTyping)

	snap := h.Snapshot()
	assert.Equal(t, []Identity{2}, snap.Rooms[10])
	assert.Equal(t, []Identity{1}, snap.Rooms[20])
}

func TestHub_NotMemberRejected(t *testing.T) {
	store := newStubStore()
	h := startHub(t, store, Options{})

	c := connect(t, h, "c", 1, 0)
	ev := do(t, h, c, `{"type":"joinRoom","roomId":42}`, EventError)
	assert.Equal(t, "NOT_MEMBER", ev.Code)
	assert.Equal(t, StateAuthenticated, h.SessionState("c"))
}

func TestHub_UpstreamFailureFailsClosed(t *testing.T) {
	store := newStubStore()
	store.addMember(42, 1)
	store.memberErr = errors.New("connection refused")
	h := startHub(t, store, Options{})

	c := connect(t, h, "c", 1, 0)
	ev := do(t, h, c, `{"type":"joinRoom","roomId":42}`, EventError)
	assert.Equal(t, "UPSTREAM_UNAVAILABLE", ev.Code)
	assert.NotContains(t, ev.Message, "connection refused")
	assert.Equal(t, StateAuthenticated, h.SessionState("c"))
	assert.Empty(t, h.OnlineIdentities(42))
}

func TestHub_ThreadLookupFailureFailsClosed(t *testing.T) {
	store := newStubStore()
	store.addMember(42, 1, 2)
	store.addThread(7, 42)
	store.setThreadErr(errors.New("dial tcp 10.0.0.3:5432: i/o timeout"))
	h := startHub(t, store, Options{})

	a := connect(t, h, "a", 1, 42)
	b := connect(t, h, "b", 2, 42)

	ev := do(t, h, a, typingFrame(7, true), EventError)
	assert.Equal(t, "UPSTREAM_UNAVAILABLE", ev.Code)
	assert.Equal(t, "service temporarily unavailable, try again", ev.Message)

	var typing []Identity
	h.query(func(r *Registry) { typing = r.TypingIdentities(42, 7) })
	assert.Empty(t, typing)
	assert.Equal(t, StateInRoom, h.SessionState("a"))
	assert.Empty(t, b.eventsOf(EventTypingChanged))

	// The failure is not cached: the next attempt looks the chain up again.
	store.setThreadErr(nil)
	h.Handle(a, []byte(typingFrame(7, true)))
	require.Eventually(t, func() bool { return len(b.eventsOf(EventTypingChanged)) == 1 }, waitFor, tick)
	got := b.eventsOf(EventTypingChanged)[0]
	assert.Equal(t, Identity(1), got.UserID)
	assert.True(t, got.IsTyping)
}

func TestHub_LookupTimeoutFailsClosed(t *testing.T) {
	store := newStubStore()
	store.addMember(42, 1)
	store.gate = make(chan struct{})
	h := startHub(t, store, Options{LookupTimeout: 50 * time.Millisecond})

	c := connect(t, h, "c", 1, 0)
	ev := do(t, h, c, `{"type":"joinRoom","roomId":42}`, EventError)
	assert.Equal(t, "UPSTREAM_UNAVAILABLE", ev.Code)
	assert.Equal(t, "service temporarily unavailable, try again", ev.Message)
	assert.Zero(t, store.lookupCount(), "the membership answer never arrived")

	assert.Equal(t, StateAuthenticated, h.SessionState("c"))
	assert.Empty(t, h.OnlineIdentities(42))
	assert.Empty(t, c.eventsOf(EventJoinedRoom))

	// The session is not left waiting on the abandoned lookup.
	do(t, h, c, `{"type":"authenticate","userId":1}`, EventAuthenticated)
}

func TestHub_MalformedFrameWaitsBehindLookup(t *testing.T) {
	store := newStubStore()
	store.addMember(42, 1)
	store.gate = make(chan struct{})
	h := startHub(t, store, Options{})

	c := connect(t, h, "c", 1, 0)
	h.Handle(c, []byte(`{"type":"joinRoom","roomId":42}`))
	h.Handle(c, []byte(`not json`))
	close(store.gate)

	require.Eventually(t, func() bool {
		return len(c.eventsOf(EventJoinedRoom)) == 1 && len(c.eventsOf(EventError)) == 1
	}, waitFor, tick)

	var order []EventType
	for _, e := range c.events() {
		order = append(order, e.Type)
	}
	assert.Equal(t, []EventType{EventAuthenticated, EventJoinedRoom, EventError}, order)
}

func TestHub_MalformedAndUnknownFrames(t *testing.T) {
	store := newStubStore()
	store.addMember(42, 1, 2)
	h := startHub(t, store, Options{})

	a := connect(t, h, "a", 1, 42)
	b := connect(t, h, "b", 2, 42)
	bBefore := len(b.events())

	frames := []string{
		`not json`,
		`{"userId":1}`,
		`{"type":"joinRoom"}`,
		`{"type":"typing","threadId":7}`,
		`{"type":"typing","threadId":7,"isTyping":"yes"}`,
		`{"type":"authenticate","userId":[1]}`,
	}
	for _, f := range frames {
		ev := do(t, h, a, f, EventError)
		assert.Equal(t, "MALFORMED_COMMAND", ev.Code, f)
	}

	for _, f := range []string{
		`{"type":"authenticate","userId":""}`,
		`{"type":"authenticate","userId":"abc"}`,
		`{"type":"authenticate","userId":0}`,
	} {
		ev := do(t, h, a, f, EventError)
		assert.Equal(t, "INVALID_IDENTITY", ev.Code, f)
	}

	errorsBefore := len(a.eventsOf(EventError))
	h.Handle(a, []byte(`{"type":"sendContent","body":"hi"}`))
	do(t, h, a, `{"type":"authenticate","userId":1}`, EventAuthenticated)
	assert.Len(t, a.eventsOf(EventError), errorsBefore, "unknown kinds are ignored")

	assert.Len(t, b.events(), bBefore, "errors never reach other connections")
	assert.Equal(t, StateInRoom, h.SessionState("a"))
}

func TestHub_BroadcastIsolation(t *testing.T) {
	store := newStubStore()
	store.addMember(42, 1, 2, 3, 4)
	store.addThread(7, 42)
	h := startHub(t, store, Options{})

	sender := connect(t, h, "sender", 1, 42)
	x := connect(t, h, "x", 2, 42)
	y := connect(t, h, "y", 3, 42)
	z := connect(t, h, "z", 4, 42)

	x.mu.Lock()
	x.sendErr = errors.New("broken pipe")
	x.mu.Unlock()

	h.Handle(sender, []byte(typingFrame(7, true)))
	require.Eventually(t, func() bool {
		return len(y.eventsOf(EventTypingChanged)) == 1 && len(z.eventsOf(EventTypingChanged)) == 1
	}, waitFor, tick)
	assert.Empty(t, x.eventsOf(EventTypingChanged))
	assert.Empty(t, sender.eventsOf(EventError), "peer failures do not surface to the sender")
}

func TestHub_ClosedConnectionsAreSkipped(t *testing.T) {
	store := newStubStore()
	store.addMember(42, 1, 2)
	h := startHub(t, store, Options{})

	a := connect(t, h, "a", 1, 42)
	require.NoError(t, a.Close())
	before := len(a.events())

	connect(t, h, "b", 2, 42)
	h.Snapshot()
	assert.Len(t, a.events(), before)
}

func TestHub_CommandsQueueBehindLookup(t *testing.T) {
	store := newStubStore()
	store.addMember(42, 1)
	store.addThread(7, 42)
	store.gate = make(chan struct{})
	h := startHub(t, store, Options{})

	c := connect(t, h, "c", 1, 0)
	h.Handle(c, []byte(`{"type":"joinRoom","roomId":42}`))
	h.Handle(c, []byte(typingFrame(7, true)))

	h.Snapshot()
	assert.Empty(t, c.eventsOf(EventError), "typing waits for the join instead of failing NotInRoom")

	close(store.gate)
	require.Eventually(t, func() bool { return len(c.eventsOf(EventJoinedRoom)) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		var typing []Identity
		h.query(func(r *Registry) { typing = r.TypingIdentities(42, 7) })
		return len(typing) == 1
	}, waitFor, tick)
	assert.Empty(t, c.eventsOf(EventError))
}

func TestHub_LookupResultAfterClose(t *testing.T) {
	store := newStubStore()
	store.addMember(42, 1)
	store.gate = make(chan struct{})
	h := startHub(t, store, Options{})

	c := connect(t, h, "c", 1, 0)
	h.Handle(c, []byte(`{"type":"joinRoom","roomId":42}`))
	h.Snapshot()
	h.Unregister(c)
	close(store.gate)

	require.Eventually(t, func() bool { return store.lookupCount() == 1 }, waitFor, tick)
	h.Snapshot()
	assert.Empty(t, c.eventsOf(EventJoinedRoom))
	assert.Empty(t, h.OnlineIdentities(42))
	assert.Equal(t, StateClosed, h.SessionState("c"))
}

func TestHub_CommandsAfterCloseAreDropped(t *testing.T) {
	store := newStubStore()
	h := startHub(t, store, Options{})

	c := connect(t, h, "c", 1, 0)
	h.Unregister(c)
	before := len(c.events())

	h.Handle(c, []byte(`{"type":"authenticate","userId":1}`))
	h.Handle(c, []byte(`garbage`))
	h.Snapshot()
	h.Snapshot()
	assert.Len(t, c.events(), before)
}

func TestHub_PinnedIdentity(t *testing.T) {
	store := newStubStore()
	h := startHub(t, store, Options{})

	c := newMockConn("c")
	require.NoError(t, h.Register(c, 5))

	ev := do(t, h, c, `{"type":"authenticate","userId":6}`, EventError)
	assert.Equal(t, "INVALID_IDENTITY", ev.Code)
	assert.Equal(t, StateConnected, h.SessionState("c"))

	ev = do(t, h, c, `{"type":"authenticate","userId":5}`, EventAuthenticated)
	assert.Equal(t, Identity(5), ev.UserID)
}

func TestHub_HandshakeTimeout(t *testing.T) {
	store := newStubStore()
	h := startHub(t, store, Options{HandshakeTimeout: 200 * time.Millisecond})

	idle := newMockConn("idle")
	require.NoError(t, h.Register(idle, 0))
	authedConn := connect(t, h, "authed", 1, 0)

	require.Eventually(t, idle.Closed, waitFor, tick)
	time.Sleep(250 * time.Millisecond)
	assert.False(t, authedConn.Closed())
}

func TestHub_BroadcastToIdentities(t *testing.T) {
	store := newStubStore()
	store.addMember(42, 1)
	h := startHub(t, store, Options{})

	inRoom := connect(t, h, "in-room", 1, 42)
	elsewhere := connect(t, h, "elsewhere", 1, 0)
	other := connect(t, h, "other", 2, 0)

	h.BroadcastToIdentities([]Identity{1, 1, 3}, []byte(`{"type":"notification","message":"hi"}`))
	require.Eventually(t, func() bool {
		return len(inRoom.eventsOf(EventNotification)) == 1 && len(elsewhere.eventsOf(EventNotification)) == 1
	}, waitFor, tick)
	assert.Empty(t, other.eventsOf(EventNotification))
}

func TestHub_BroadcastToRoom(t *testing.T) {
	store := newStubStore()
	store.addMember(42, 1, 2)
	h := startHub(t, store, Options{})

	a := connect(t, h, "a", 1, 42)
	b := connect(t, h, "b", 2, 42)
	outside := connect(t, h, "outside", 3, 0)

	h.BroadcastToRoom(42, []byte(`{"type":"newContent","chainId":7}`), a)
	require.Eventually(t, func() bool { return len(b.eventsOf(EventNewContent)) == 1 }, waitFor, tick)
	h.Snapshot()
	assert.Empty(t, a.eventsOf(EventNewContent))
	assert.Empty(t, outside.eventsOf(EventNewContent))
}

func TestHub_StoppedHub(t *testing.T) {
	h := NewHub(newStubStore(), newStubStore(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.ErrorIs(t, h.Register(newMockConn("late"), 0), ErrHubStopped)
	h.Handle(newMockConn("late"), []byte(`{}`))
	h.Unregister(newMockConn("late"))
	assert.Equal(t, StateClosed, h.SessionState("late"))
}
