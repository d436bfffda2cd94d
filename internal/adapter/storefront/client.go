package storefront

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"shopsift/apps/ingest/features/event"
	"shopsift/apps/ingest/features/site"
	"shopsift/apps/ingest/internal/ingest"
	"shopsift/apps/ingest/internal/resilience"
)

// Product is the storefront content API's product shape.
type Product struct {
	ID                  string            `json:"id"`
	Title               string            `json:"title"`
	Summary             string            `json:"summary"`
	Categories          []string          `json:"categories"`
	Tags                []string          `json:"tags"`
	Brand               string            `json:"brand,omitempty"`
	Attributes          map[string]string `json:"attributes,omitempty"`
	SKU                 string            `json:"sku,omitempty"`
	VariationAttributes []string          `json:"variation_attributes,omitempty"`
	PriceRange          string            `json:"price_range,omitempty"`
}

// Page covers both pages and policies; the API serves policies as typed pages.
type Page struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

// SiteResolver supplies the per-site API base URL and token.
type SiteResolver interface {
	Get(ctx context.Context, siteID string) (*site.Site, error)
}

// Client fetches entity content over the storefront REST API. It implements
// ingest.Fetcher; retries are the caller's concern, the client only reports
// classified errors.
type Client struct {
	sites      SiteResolver
	httpClient *http.Client
}

func NewClient(sites SiteResolver, timeout time.Duration) *Client {
	return &Client{
		sites: sites,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchDocument retrieves the entity and flattens it into one embeddable
// document.
func (c *Client) FetchDocument(ctx context.Context, siteID, entityType, entityID string) (*ingest.Document, error) {
	s, err := c.sites.Get(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("resolve site %s: %w", siteID, err)
	}

	var text string
	switch entityType {
	case event.EntityProduct:
		product, err := c.getProduct(ctx, s, entityID)
		if err != nil {
			return nil, err
		}
		text = BuildProductText(product)
	case event.EntityPage, event.EntityPolicy:
		page, err := c.getPage(ctx, s, entityID)
		if err != nil {
			return nil, err
		}
		text = BuildPageText(page)
	default:
		return nil, fmt.Errorf("unsupported entity type %q", entityType)
	}

	return &ingest.Document{EntityType: entityType, EntityID: entityID, Text: text}, nil
}

func (c *Client) getProduct(ctx context.Context, s *site.Site, id string) (*Product, error) {
	var product Product
	if err := c.getJSON(ctx, s, "/products/"+url.PathEscape(id), &product); err != nil {
		return nil, err
	}
	return &product, nil
}

func (c *Client) getPage(ctx context.Context, s *site.Site, id string) (*Page, error) {
	var page Page
	if err := c.getJSON(ctx, s, "/pages/"+url.PathEscape(id), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) getJSON(ctx context.Context, s *site.Site, path string, out any) error {
	endpoint := strings.TrimRight(s.StorefrontURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.StorefrontToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.WarnContext(ctx, "storefront api error", "site_id", s.ID, "path", path, "status", resp.StatusCode)
		return &resilience.StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode storefront response: %w", err)
	}
	return nil
}

// BuildProductText flattens a product's fields into one document. Field
// order is fixed so the full-content hash is stable across fetches.
func BuildProductText(p *Product) string {
	var b strings.Builder
	writeField(&b, "Title", p.Title)
	writeField(&b, "Summary", p.Summary)
	writeField(&b, "Brand", p.Brand)
	writeField(&b, "SKU", p.SKU)
	writeField(&b, "Categories", strings.Join(p.Categories, ", "))
	writeField(&b, "Tags", strings.Join(p.Tags, ", "))
	writeField(&b, "Variations", strings.Join(p.VariationAttributes, ", "))
	writeField(&b, "Price", p.PriceRange)
	if len(p.Attributes) > 0 {
		keys := make([]string, 0, len(p.Attributes))
		for k := range p.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeField(&b, k, p.Attributes[k])
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// BuildPageText flattens a page or policy into one document.
func BuildPageText(p *Page) string {
	var b strings.Builder
	writeField(&b, "Title", p.Title)
	writeField(&b, "Type", p.Type)
	if p.Content != "" {
		b.WriteString(p.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeField(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\n")
}
