package artifact

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/cannalonga/pagedeploy/internal/domain"
	"github.com/cannalonga/pagedeploy/internal/repository"
	"github.com/cannalonga/pagedeploy/internal/version"
)

// PageSource is the tenant-scoped accessor for page content. Implementations
// must return repository.ErrNotFound when the page does not exist or belongs
// to another tenant.
type PageSource interface {
	GetPage(ctx context.Context, tenantID, pageID string) (*domain.PageData, error)
}

// Renderer is the external template engine, treated as opaque.
type Renderer interface {
	Render(ctx context.Context, input domain.RenderInput) (string, error)
}

// Generator turns page content into the static artifact bundle for one
// deployment attempt.
type Generator struct {
	pages      PageSource
	renderer   Renderer
	logger     *slog.Logger
	baseURL    string
	newVersion func(tenantID, pageID string) string
	now        func() time.Time
}

// NewGenerator wires an artifact generator. baseURL is the public site root
// used for sitemap locations.
func NewGenerator(pages PageSource, renderer Renderer, logger *slog.Logger, baseURL string) *Generator {
	return &Generator{
		pages:      pages,
		renderer:   renderer,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		newVersion: version.Generate,
		now:        time.Now,
	}
}

// Generate produces the HTML, preview, sitemap fragment and asset set for the
// page. The rendered output is never trusted for head metadata; every
// interpolated string is escaped before it reaches a document.
func (g *Generator) Generate(ctx context.Context, pctx domain.PageContext) (*domain.StaticPageArtifacts, error) {
	page, err := g.pages.GetPage(ctx, pctx.TenantID, pctx.PageID)
	if err != nil {
		return nil, fmt.Errorf("fetch page %s: %w", pctx.PageID, err)
	}
	// The accessor enforces row-level isolation; this guard keeps a
	// misconfigured source from ever leaking another tenant's page.
	if page.TenantID != pctx.TenantID {
		return nil, fmt.Errorf("fetch page %s: %w", pctx.PageID, repository.ErrNotFound)
	}

	rendered, err := g.renderer.Render(ctx, domain.RenderInput{
		Template:  page.Template,
		Blocks:    page.Blocks,
		Variables: page.Variables,
		Theme:     page.Theme,
	})
	if err != nil {
		return nil, fmt.Errorf("render page %s: %w", pctx.PageID, err)
	}

	generatedAt := g.now().UTC()
	slug := pctx.Slug
	if slug == "" {
		slug = page.Slug
	}
	lastmod := page.UpdatedAt
	if lastmod.IsZero() {
		lastmod = generatedAt
	}

	artifacts := &domain.StaticPageArtifacts{
		Version:      g.newVersion(pctx.TenantID, pctx.PageID),
		HTML:         rendered,
		PreviewHTML:  buildPreviewDocument(page, rendered),
		SitemapEntry: buildSitemapEntry(g.baseURL+"/"+slug, lastmod),
		Assets:       page.Assets,
		GeneratedAt:  generatedAt,
	}

	g.logger.Info("artifacts generated",
		"tenant_id", pctx.TenantID,
		"page_id", pctx.PageID,
		"version", artifacts.Version,
		"html_bytes", len(artifacts.HTML),
		"assets", len(artifacts.Assets),
	)
	return artifacts, nil
}

// buildPreviewDocument wraps the rendered body in a document search engines
// must not index. Optional SEO fields are omitted entirely when absent.
func buildPreviewDocument(page *domain.PageData, body string) string {
	var b strings.Builder
	b.WriteString("<!doctype html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"robots\" content=\"noindex, nofollow\">\n")
	fmt.Fprintf(&b, "<title>Preview: %s</title>\n", html.EscapeString(page.Title))
	if page.Description != "" {
		fmt.Fprintf(&b, "<meta name=\"description\" content=\"%s\">\n", html.EscapeString(page.Description))
	}
	if page.ImageURL != "" {
		fmt.Fprintf(&b, "<meta property=\"og:image\" content=\"%s\">\n", html.EscapeString(page.ImageURL))
	}
	b.WriteString("</head>\n<body>\n")
	b.WriteString(body)
	b.WriteString("\n</body>\n</html>\n")
	return b.String()
}

// buildSitemapEntry emits a single <url> fragment for the published location.
func buildSitemapEntry(loc string, lastmod time.Time) string {
	var b strings.Builder
	b.WriteString("<url>\n")
	fmt.Fprintf(&b, "  <loc>%s</loc>\n", html.EscapeString(loc))
	fmt.Fprintf(&b, "  <lastmod>%s</lastmod>\n", lastmod.UTC().Format("2006-01-02"))
	b.WriteString("</url>")
	return b.String()
}
