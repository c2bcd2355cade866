package domain

import (
	"encoding/json"
	"time"
)

// PageContext identifies the tenant page a deployment operates on.
type PageContext struct {
	TenantID string `json:"tenant_id"`
	PageID   string `json:"page_id"`
	Slug     string `json:"slug"`
}

// PageData is the editable page content fetched from the tenant-scoped
// accessor. Blocks stay opaque; only the template renderer interprets them.
type PageData struct {
	TenantID    string            `json:"tenant_id"`
	PageID      string            `json:"page_id"`
	Slug        string            `json:"slug"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	ImageURL    string            `json:"image_url,omitempty"`
	Template    string            `json:"template"`
	Blocks      json.RawMessage   `json:"blocks,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	Theme       string            `json:"theme,omitempty"`
	Assets      []Asset           `json:"assets,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// RenderInput is the opaque contract with the external template renderer.
type RenderInput struct {
	Template  string            `json:"template"`
	Blocks    json.RawMessage   `json:"blocks,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
	Theme     string            `json:"theme,omitempty"`
}

// Asset is one binary file published alongside the page document.
type Asset struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Body        []byte `json:"body,omitempty"`
}

// StaticPageArtifacts is the ephemeral output of one generation pass. It is
// handed to the storage provider and discarded; only URLs and sizes survive
// into the deployment record.
type StaticPageArtifacts struct {
	Version      string
	HTML         string
	PreviewHTML  string
	SitemapEntry string
	Assets       []Asset
	GeneratedAt  time.Time
}
