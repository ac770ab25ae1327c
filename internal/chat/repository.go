package chat

import (
	"context"
	"database/sql"
	"errors"
)

var (
	ErrChainNotFound   = errors.New("chain not found")
	ErrContentNotFound = errors.New("content not found")
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) ChainClique(ctx context.Context, chainID int) (int, error) {
	var cliqueID int
	err := r.db.QueryRowContext(ctx, "SELECT clique_id FROM chains WHERE id = $1", chainID).Scan(&cliqueID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrChainNotFound
	}
	return cliqueID, err
}

// SaveContent appends content to the end of its chain. The chain row is
// locked for the transaction so concurrent posts get consecutive positions.
func (r *Repository) SaveContent(ctx context.Context, c *Content) (*Content, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var locked int
	err = tx.QueryRowContext(ctx, "SELECT id FROM chains WHERE id = $1 FOR UPDATE", c.ChainID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChainNotFound
	}
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO chain_contents (chain_id, user_id, content, content_type, media_url, position)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''),
			COALESCE((SELECT MAX(position) FROM chain_contents WHERE chain_id = $1), 0) + 1)
		RETURNING id, position, created_at
	`
	err = tx.QueryRowContext(ctx, query, c.ChainID, c.UserID, c.Content, c.ContentType, c.MediaURL).
		Scan(&c.ID, &c.Position, &c.CreatedAt)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, "UPDATE chains SET updated_at = CURRENT_TIMESTAMP WHERE id = $1", c.ChainID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Repository) ContentTarget(ctx context.Context, contentID int) (ContentTarget, error) {
	var t ContentTarget
	query := `
		SELECT cc.chain_id, ch.clique_id, COALESCE(cc.user_id, 0)
		FROM chain_contents cc
		JOIN chains ch ON ch.id = cc.chain_id
		WHERE cc.id = $1
	`
	err := r.db.QueryRowContext(ctx, query, contentID).Scan(&t.ChainID, &t.CliqueID, &t.AuthorID)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrContentNotFound
	}
	return t, err
}

func (r *Repository) SaveReaction(ctx context.Context, re *Reaction) (*Reaction, error) {
	query := "INSERT INTO reactions (chain_content_id, user_id, type) VALUES ($1, $2, $3) RETURNING id, created_at"
	if err := r.db.QueryRowContext(ctx, query, re.ContentID, re.UserID, re.Type).Scan(&re.ID, &re.CreatedAt); err != nil {
		return nil, err
	}
	return re, nil
}
