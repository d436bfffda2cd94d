package site

import (
	"context"
	"database/sql"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Site, error) {
	s := &Site{}
	query := `SELECT id, name, shared_secret, status, storefront_url, storefront_token, created_at FROM sites WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&s.ID, &s.Name, &s.SharedSecret, &s.Status, &s.StorefrontURL, &s.StorefrontToken, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}
