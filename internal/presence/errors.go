package presence

import "errors"

var (
	ErrMalformedCommand = errors.New("malformed command")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrInvalidIdentity  = errors.New("invalid identity")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotMember        = errors.New("not a member of this clique")
	ErrNotInRoom        = errors.New("not in a clique")
	ErrThreadNotInRoom  = errors.New("chain does not belong to the current clique")
	ErrSessionClosed    = errors.New("session closed")
	ErrTransportSend    = errors.New("transport send failed")
	ErrUpstreamLookup   = errors.New("upstream lookup failed")
	ErrHubStopped       = errors.New("hub stopped")
)

// errorCode maps an error to the code carried by outbound error events.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrMalformedCommand):
		return "MALFORMED_COMMAND"
	case errors.Is(err, ErrInvalidIdentity):
		return "INVALID_IDENTITY"
	case errors.Is(err, ErrNotAuthenticated):
		return "NOT_AUTHENTICATED"
	case errors.Is(err, ErrNotMember):
		return "NOT_MEMBER"
	case errors.Is(err, ErrNotInRoom):
		return "NOT_IN_ROOM"
	case errors.Is(err, ErrThreadNotInRoom):
		return "THREAD_NOT_IN_ROOM"
	case errors.Is(err, ErrUpstreamLookup):
		return "UPSTREAM_UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// errorMessage is the text shown to the sender. Upstream details stay in the logs.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, ErrUpstreamLookup):
		return "service temporarily unavailable, try again"
	case errors.Is(err, ErrMalformedCommand),
		errors.Is(err, ErrInvalidIdentity),
		errors.Is(err, ErrNotAuthenticated),
		errors.Is(err, ErrNotMember),
		errors.Is(err, ErrNotInRoom),
		errors.Is(err, ErrThreadNotInRoom):
		return err.Error()
	default:
		return "internal error"
	}
}
