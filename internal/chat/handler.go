package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	myMiddleware "cliquechain/internal/middleware"
	"cliquechain/internal/notify"
	"cliquechain/internal/presence"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// Presence is what the handlers need from the presence hub.
type Presence interface {
	Dispatcher
	Register(conn presence.Connection, pinned presence.Identity) error
	OnlineIdentities(room presence.RoomID) []presence.Identity
}

type ContentRepository interface {
	ChainClique(ctx context.Context, chainID int) (int, error)
	SaveContent(ctx context.Context, c *Content) (*Content, error)
	ContentTarget(ctx context.Context, contentID int) (ContentTarget, error)
	SaveReaction(ctx context.Context, r *Reaction) (*Reaction, error)
}

type Memberships interface {
	IsMember(ctx context.Context, user presence.Identity, room presence.RoomID) (bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, n notify.Notification) error
}

type HandlerOptions struct {
	// RequireToken rejects websocket upgrades without a valid JWT.
	RequireToken bool
	// AllowedOrigins restricts the Origin header of upgrades. Empty allows all.
	AllowedOrigins []string
	// Directory names the reacting user in author notifications. Without it
	// the username from the token is used.
	Directory presence.Directory
}

type Handler struct {
	hub       Presence
	repo      ContentRepository
	members   Memberships
	publisher Publisher
	opts      HandlerOptions
	upgrader  websocket.Upgrader
}

func NewHandler(hub Presence, repo ContentRepository, members Memberships, publisher Publisher, opts HandlerOptions) *Handler {
	h := &Handler{
		hub:       hub,
		repo:      repo,
		members:   members,
		publisher: publisher,
		opts:      opts,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.opts.AllowedOrigins, origin)
}

// ServeWs upgrades the request and hands the connection to the hub. A valid
// token on the request pins the identity the socket may authenticate as.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, _, authed := myMiddleware.UserFromContext(r.Context())
	if h.opts.RequireToken && !authed {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)
	var pinned presence.Identity
	if authed {
		pinned = presence.Identity(userID)
	}
	if err := h.hub.Register(client, pinned); err != nil {
		slog.Warn("rejecting websocket", "connId", client.ID(), "error", err)
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"))
		conn.Close()
		return
	}

	client.Start()
}

// AddContent handles POST /api/chains/{id}/content.
func (h *Handler) AddContent(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	chainID, ok := pathID(w, r)
	if !ok {
		return
	}

	var req AddContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" && req.MediaURL == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}
	if req.ContentType == "" {
		req.ContentType = "text"
	}

	cliqueID, err := h.repo.ChainClique(r.Context(), chainID)
	if err != nil {
		h.fail(w, "chain lookup failed", err)
		return
	}
	if !h.requireMember(w, r, userID, cliqueID) {
		return
	}

	content, err := h.repo.SaveContent(r.Context(), &Content{
		ChainID:     chainID,
		UserID:      userID,
		Content:     req.Content,
		ContentType: req.ContentType,
		MediaURL:    req.MediaURL,
	})
	if err != nil {
		h.fail(w, "save content failed", err)
		return
	}

	event, _ := json.Marshal(presence.ContentEvent{
		Type:    presence.EventNewContent,
		ChainID: presence.ThreadID(chainID),
		Content: content,
	})
	h.publish(r.Context(), notify.ToRoom(presence.RoomID(cliqueID), event))

	writeJSON(w, http.StatusCreated, content)
}

// React handles POST /api/content/{id}/react. The author of the content is
// notified unless they reacted themselves.
func (h *Handler) React(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	contentID, ok := pathID(w, r)
	if !ok {
		return
	}

	var req ReactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" || len(req.Type) > 20 {
		http.Error(w, "reaction type must be 1-20 characters", http.StatusBadRequest)
		return
	}

	target, err := h.repo.ContentTarget(r.Context(), contentID)
	if err != nil {
		h.fail(w, "content lookup failed", err)
		return
	}
	if !h.requireMember(w, r, userID, target.CliqueID) {
		return
	}

	reaction, err := h.repo.SaveReaction(r.Context(), &Reaction{ContentID: contentID, UserID: userID, Type: req.Type})
	if err != nil {
		h.fail(w, "save reaction failed", err)
		return
	}

	event, _ := json.Marshal(presence.ReactionEvent{
		Type:      presence.EventNewReaction,
		ContentID: int64(contentID),
		Reaction:  reaction,
	})
	h.publish(r.Context(), notify.ToRoom(presence.RoomID(target.CliqueID), event))

	if target.AuthorID > 0 && target.AuthorID != userID {
		notice, _ := json.Marshal(presence.NotificationEvent{
			Type:    presence.EventNotification,
			Message: fmt.Sprintf("%s reacted to your content", h.displayName(r.Context(), userID, username)),
			Data:    reactionNotice{Type: "reaction", ChainID: target.ChainID, ContentID: contentID},
		})
		h.publish(r.Context(), notify.ToUsers([]presence.Identity{presence.Identity(target.AuthorID)}, notice))
	}

	writeJSON(w, http.StatusCreated, reaction)
}

// Online handles GET /api/cliques/{id}/online.
func (h *Handler) Online(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	cliqueID, ok := pathID(w, r)
	if !ok || !h.requireMember(w, r, userID, cliqueID) {
		return
	}

	ids := h.hub.OnlineIdentities(presence.RoomID(cliqueID))
	if ids == nil {
		ids = []presence.Identity{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// displayName prefers the directory's display name over the username.
func (h *Handler) displayName(ctx context.Context, userID int, username string) string {
	if h.opts.Directory == nil {
		return username
	}
	p, err := h.opts.Directory.Profile(ctx, presence.Identity(userID))
	if err != nil {
		slog.Warn("profile lookup failed, using username", "userId", userID, "error", err)
		return username
	}
	if p.DisplayName == "" {
		return username
	}
	return p.DisplayName
}

// publish logs failures: the write already succeeded and clients resync on reconnect.
func (h *Handler) publish(ctx context.Context, n notify.Notification) {
	if err := h.publisher.Publish(ctx, n); err != nil {
		slog.Error("notification publish failed", "id", n.ID, "roomId", n.RoomID, "error", err)
	}
}

func (h *Handler) requireMember(w http.ResponseWriter, r *http.Request, userID, cliqueID int) bool {
	member, err := h.members.IsMember(r.Context(), presence.Identity(userID), presence.RoomID(cliqueID))
	if err != nil {
		h.fail(w, "membership check failed", err)
		return false
	}
	if !member {
		http.Error(w, presence.ErrNotMember.Error(), http.StatusForbidden)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, ErrChainNotFound), errors.Is(err, ErrContentNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		slog.Error(msg, "error", err)
		http.Error(w, msg, http.StatusInternalServerError)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
