package site

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"shopsift/apps/ingest/internal/auth"
)

const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

var ErrNotFound = errors.New("site not found")

// Site is one registered storefront tenant. SharedSecret signs its webhooks;
// StorefrontURL and StorefrontToken authenticate our calls back to its
// content API.
type Site struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	SharedSecret    string    `json:"-"`
	Status          string    `json:"status"`
	StorefrontURL   string    `json:"storefront_url"`
	StorefrontToken string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

type Repository interface {
	Get(ctx context.Context, id string) (*Site, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context, id string) (*Site, error) {
	site, err := s.repo.Get(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return site, err
}

// GetCredentials implements auth.SiteStore. An unknown site maps to a nil
// result so the validator can collapse it with other forbidden cases.
func (s *Service) GetCredentials(ctx context.Context, siteID string) (*auth.SiteCredentials, error) {
	site, err := s.repo.Get(ctx, siteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &auth.SiteCredentials{
		SiteID: site.ID,
		Secret: site.SharedSecret,
		Active: site.Status == StatusActive,
	}, nil
}
