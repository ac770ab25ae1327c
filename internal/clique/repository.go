package clique

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cliquechain/internal/presence"
)

var ErrCliqueNotFound = errors.New("clique not found")

// Store is the Postgres view of cliques, their members and chains. It
// answers the membership and chain lookups of the presence hub.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) IsMember(ctx context.Context, user presence.Identity, room presence.RoomID) (bool, error) {
	var exists bool
	query := "SELECT EXISTS (SELECT 1 FROM clique_members WHERE clique_id = $1 AND user_id = $2)"
	if err := s.db.QueryRowContext(ctx, query, int64(room), int64(user)).Scan(&exists); err != nil {
		return false, fmt.Errorf("membership lookup: %w", err)
	}
	return exists, nil
}

func (s *Store) ThreadRoom(ctx context.Context, thread presence.ThreadID) (presence.RoomID, bool, error) {
	var cliqueID int64
	err := s.db.QueryRowContext(ctx, "SELECT clique_id FROM chains WHERE id = $1", int64(thread)).Scan(&cliqueID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("chain lookup: %w", err)
	}
	return presence.RoomID(cliqueID), true, nil
}

// CreateClique inserts the clique and makes its creator the owner in one transaction.
func (s *Store) CreateClique(ctx context.Context, c *Clique) (*Clique, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `INSERT INTO cliques (name, description, creator_id, is_private)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at`
	if err := tx.QueryRowContext(ctx, query, c.Name, c.Description, c.CreatorID, c.IsPrivate).Scan(&c.ID, &c.CreatedAt); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO clique_members (clique_id, user_id, role) VALUES ($1, $2, 'owner')",
		c.ID, c.CreatorID,
	); err != nil {
		return nil, err
	}

	return c, tx.Commit()
}

// AddMember is idempotent.
func (s *Store) AddMember(ctx context.Context, cliqueID, userID int) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM cliques WHERE id = $1)", cliqueID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrCliqueNotFound
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO clique_members (clique_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		cliqueID, userID,
	)
	return err
}

func (s *Store) CreateChain(ctx context.Context, ch *Chain) (*Chain, error) {
	query := "INSERT INTO chains (clique_id, creator_id, title) VALUES ($1, $2, $3) RETURNING id, created_at"
	if err := s.db.QueryRowContext(ctx, query, ch.CliqueID, ch.CreatorID, ch.Title).Scan(&ch.ID, &ch.CreatedAt); err != nil {
		return nil, err
	}
	return ch, nil
}

// MemberIDs lists the members of a clique.
func (s *Store) MemberIDs(ctx context.Context, cliqueID int) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT user_id FROM clique_members WHERE clique_id = $1 ORDER BY user_id", cliqueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
