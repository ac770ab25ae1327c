package clique

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	myMiddleware "cliquechain/internal/middleware"
	"cliquechain/internal/presence"

	"github.com/go-chi/chi/v5"
)

type Repository interface {
	IsMember(ctx context.Context, user presence.Identity, room presence.RoomID) (bool, error)
	CreateClique(ctx context.Context, c *Clique) (*Clique, error)
	AddMember(ctx context.Context, cliqueID, userID int) error
	CreateChain(ctx context.Context, ch *Chain) (*Chain, error)
	MemberIDs(ctx context.Context, cliqueID int) ([]int, error)
}

type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

// Create handles POST /api/cliques.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req CreateCliqueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	c, err := h.repo.CreateClique(r.Context(), &Clique{
		Name:        req.Name,
		Description: req.Description,
		CreatorID:   userID,
		IsPrivate:   req.IsPrivate,
	})
	if err != nil {
		slog.Error("create clique failed", "userId", userID, "error", err)
		http.Error(w, "could not create clique", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, c)
}

// Join handles POST /api/cliques/{id}/join.
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	userID, cliqueID, ok := h.params(w, r)
	if !ok {
		return
	}

	if err := h.repo.AddMember(r.Context(), cliqueID, userID); err != nil {
		if errors.Is(err, ErrCliqueNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		slog.Error("join clique failed", "userId", userID, "cliqueId", cliqueID, "error", err)
		http.Error(w, "could not join clique", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CreateChain handles POST /api/cliques/{id}/chains. Only members may start a chain.
func (h *Handler) CreateChain(w http.ResponseWriter, r *http.Request) {
	userID, cliqueID, ok := h.params(w, r)
	if !ok || !h.requireMember(w, r, userID, cliqueID) {
		return
	}

	var req CreateChainRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	ch, err := h.repo.CreateChain(r.Context(), &Chain{CliqueID: cliqueID, CreatorID: userID, Title: req.Title})
	if err != nil {
		slog.Error("create chain failed", "userId", userID, "cliqueId", cliqueID, "error", err)
		http.Error(w, "could not create chain", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, ch)
}

// Members handles GET /api/cliques/{id}/members.
func (h *Handler) Members(w http.ResponseWriter, r *http.Request) {
	userID, cliqueID, ok := h.params(w, r)
	if !ok || !h.requireMember(w, r, userID, cliqueID) {
		return
	}

	ids, err := h.repo.MemberIDs(r.Context(), cliqueID)
	if err != nil {
		slog.Error("list members failed", "cliqueId", cliqueID, "error", err)
		http.Error(w, "could not list members", http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []int{}
	}

	writeJSON(w, http.StatusOK, ids)
}

func (h *Handler) params(w http.ResponseWriter, r *http.Request) (userID, cliqueID int, ok bool) {
	userID, _, ok = myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return 0, 0, false
	}
	cliqueID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || cliqueID <= 0 {
		http.Error(w, "invalid clique id", http.StatusBadRequest)
		return 0, 0, false
	}
	return userID, cliqueID, true
}

func (h *Handler) requireMember(w http.ResponseWriter, r *http.Request, userID, cliqueID int) bool {
	member, err := h.repo.IsMember(r.Context(), presence.Identity(userID), presence.RoomID(cliqueID))
	if err != nil {
		slog.Error("membership check failed", "userId", userID, "cliqueId", cliqueID, "error", err)
		http.Error(w, "membership check failed", http.StatusInternalServerError)
		return false
	}
	if !member {
		http.Error(w, "not a member of this clique", http.StatusForbidden)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
