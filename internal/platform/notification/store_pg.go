package notification

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (s *storePG) Save(ctx context.Context, n *Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification (id, target_id, title, body, kind, read, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		n.ID, n.RecipientID, n.Title, n.Body, string(n.Kind), n.Read, n.CreatedAt)
	return err
}

func (s *storePG) ListByRecipient(ctx context.Context, recipientID uuid.UUID, limit, offset int) ([]*Notification, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM notification WHERE target_id = $1`, recipientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, target_id, title, body, kind, read, created_at
		FROM notification WHERE target_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, recipientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Notification
	for rows.Next() {
		var n Notification
		var kind string
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Title, &n.Body, &kind, &n.Read, &n.CreatedAt); err != nil {
			return nil, 0, err
		}
		n.Kind = Kind(kind)
		items = append(items, &n)
	}
	return items, total, rows.Err()
}
