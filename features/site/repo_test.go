package site_test

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"shopsift/apps/ingest/features/site"
)

func TestPostgresRepo_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := site.NewPostgresRepo(db)

	t.Run("Success", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "name", "shared_secret", "status", "storefront_url", "storefront_token", "created_at"}).
			AddRow("site-1", "Acme", "s3cret", "active", "https://api.acme.example", "token", time.Now())

		mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, shared_secret, status, storefront_url, storefront_token, created_at FROM sites WHERE id = $1")).
			WithArgs("site-1").
			WillReturnRows(rows)

		s, err := repo.Get(context.Background(), "site-1")
		assert.NoError(t, err)
		assert.Equal(t, "Acme", s.Name)
		assert.Equal(t, "s3cret", s.SharedSecret)
	})

	t.Run("Not Found", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, shared_secret, status, storefront_url, storefront_token, created_at FROM sites WHERE id = $1")).
			WithArgs("nope").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.Get(context.Background(), "nope")
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})
}

type stubRepo struct {
	site *site.Site
	err  error
}

func (s *stubRepo) Get(ctx context.Context, id string) (*site.Site, error) {
	return s.site, s.err
}

func TestService_GetCredentials(t *testing.T) {
	t.Run("Active Site", func(t *testing.T) {
		svc := site.NewService(&stubRepo{site: &site.Site{ID: "site-1", SharedSecret: "k", Status: site.StatusActive}})
		creds, err := svc.GetCredentials(context.Background(), "site-1")
		assert.NoError(t, err)
		assert.True(t, creds.Active)
		assert.Equal(t, "k", creds.Secret)
	})

	t.Run("Suspended Site", func(t *testing.T) {
		svc := site.NewService(&stubRepo{site: &site.Site{ID: "site-1", Status: site.StatusSuspended}})
		creds, err := svc.GetCredentials(context.Background(), "site-1")
		assert.NoError(t, err)
		assert.False(t, creds.Active)
	})

	t.Run("Unknown Site Is Nil Not Error", func(t *testing.T) {
		svc := site.NewService(&stubRepo{err: sql.ErrNoRows})
		creds, err := svc.GetCredentials(context.Background(), "ghost")
		assert.NoError(t, err)
		assert.Nil(t, creds)
	})

	t.Run("Lookup Failure Propagates", func(t *testing.T) {
		svc := site.NewService(&stubRepo{err: errors.New("db down")})
		_, err := svc.GetCredentials(context.Background(), "site-1")
		assert.Error(t, err)
	})
}
