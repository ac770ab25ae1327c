package presence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Identity is the user id bound to a connection by the authenticate command.
type Identity int64

// RoomID identifies a clique.
type RoomID int64

// ThreadID identifies a chain.
type ThreadID int64

type CommandKind string

const (
	CommandAuthenticate CommandKind = "authenticate"
	CommandJoinRoom     CommandKind = "joinRoom"
	CommandTyping       CommandKind = "typing"
)

// Command is a decoded inbound frame.
type Command struct {
	Kind     CommandKind
	Identity Identity
	Room     RoomID
	Thread   ThreadID
	IsTyping bool
}

// wireID accepts both JSON numbers and numeric strings.
type wireID int64

func (w *wireID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) >= 2 && b[0] == '"' && b[len(b)-1] == '"' {
		b = b[1 : len(b)-1]
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", b)
	}
	*w = wireID(n)
	return nil
}

// decodeIdentity accepts any JSON string or number. A value that is not a
// usable id is ErrInvalidIdentity; a missing or non-scalar one is ErrMalformedCommand.
func decodeIdentity(raw json.RawMessage) (Identity, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("%w: authenticate requires userId", ErrMalformedCommand)
	}

	var text string
	switch c := raw[0]; {
	case c == '"':
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
		}
		text = strings.TrimSpace(text)
	case c == '-' || (c >= '0' && c <= '9'):
		text = string(raw)
	default:
		return 0, fmt.Errorf("%w: userId must be a string or number", ErrMalformedCommand)
	}

	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidIdentity, text)
	}
	return Identity(n), nil
}

type inboundFrame struct {
	Type     string          `json:"type"`
	UserID   json.RawMessage `json:"userId"`
	RoomID   *wireID         `json:"roomId"`
	ThreadID *wireID         `json:"threadId"`
	IsTyping *bool           `json:"isTyping"`
}

// DecodeCommand parses one inbound frame. Unknown kinds yield ErrUnknownCommand
// so callers can ignore them. An authenticate naming an unusable user id yields
// ErrInvalidIdentity; everything else that cannot be used is ErrMalformedCommand.
func DecodeCommand(data []byte) (Command, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if f.Type == "" {
		return Command{}, fmt.Errorf("%w: missing type", ErrMalformedCommand)
	}

	cmd := Command{Kind: CommandKind(f.Type)}
	switch cmd.Kind {
	case CommandAuthenticate:
		id, err := decodeIdentity(f.UserID)
		if err != nil {
			return cmd, err
		}
		cmd.Identity = id
	case CommandJoinRoom:
		if f.RoomID == nil || *f.RoomID <= 0 {
			return Command{}, fmt.Errorf("%w: joinRoom requires a positive roomId", ErrMalformedCommand)
		}
		cmd.Room = RoomID(*f.RoomID)
	case CommandTyping:
		if f.ThreadID == nil || *f.ThreadID <= 0 {
			return Command{}, fmt.Errorf("%w: typing requires a positive threadId", ErrMalformedCommand)
		}
		if f.IsTyping == nil {
			return Command{}, fmt.Errorf("%w: typing requires isTyping", ErrMalformedCommand)
		}
		cmd.Thread = ThreadID(*f.ThreadID)
		cmd.IsTyping = *f.IsTyping
	default:
		return cmd, fmt.Errorf("%w: %s", ErrUnknownCommand, f.Type)
	}
	return cmd, nil
}

type EventType string

const (
	EventAuthenticated   EventType = "authenticated"
	EventJoinedRoom      EventType = "joinedRoom"
	EventPresenceOnline  EventType = "presenceOnline"
	EventPresenceOffline EventType = "presenceOffline"
	EventTypingChanged   EventType = "typingChanged"
	EventError           EventType = "error"
	EventNewContent      EventType = "newContent"
	EventNewReaction     EventType = "newReaction"
	EventNotification    EventType = "notification"
)

// Profile is the public view of an identity carried by presence events.
type Profile struct {
	ID          Identity `json:"id"`
	Username    string   `json:"username,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	AvatarURL   string   `json:"avatarUrl,omitempty"`
}

type AuthenticatedEvent struct {
	Type   EventType `json:"type"`
	UserID Identity  `json:"userId"`
}

type JoinedRoomEvent struct {
	Type        EventType `json:"type"`
	RoomID      RoomID    `json:"roomId"`
	MemberCount int       `json:"memberCount"`
}

type PresenceEvent struct {
	Type     EventType `json:"type"`
	Identity Profile   `json:"identity"`
}

type TypingEvent struct {
	Type     EventType `json:"type"`
	UserID   Identity  `json:"userId"`
	ThreadID ThreadID  `json:"threadId"`
	IsTyping bool      `json:"isTyping"`
}

type ErrorEvent struct {
	Type    EventType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

type ContentEvent struct {
	Type    EventType `json:"type"`
	ChainID ThreadID  `json:"chainId"`
	Content any       `json:"content"`
}

type ReactionEvent struct {
	Type      EventType `json:"type"`
	ContentID int64     `json:"contentId"`
	Reaction  any       `json:"reaction"`
}

type NotificationEvent struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// mustEncode marshals events built from plain fields only.
func mustEncode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("presence: encode %T: %v", v, err))
	}
	return data
}

func encodeError(err error) []byte {
	return mustEncode(ErrorEvent{Type: EventError, Code: errorCode(err), Message: errorMessage(err)})
}

func encodeTyping(id Identity, thread ThreadID, isTyping bool) []byte {
	return mustEncode(TypingEvent{Type: EventTypingChanged, UserID: id, ThreadID: thread, IsTyping: isTyping})
}
