// Package storage defines the pluggable object-storage provider contract the
// deployment pipeline publishes artifacts through.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// File is one object to upload for a deployment version.
type File struct {
	Path        string
	ContentType string
	Body        []byte
}

// UploadTarget namespaces uploaded objects by tenant, page and version.
type UploadTarget struct {
	TenantID string
	PageID   string
	Version  string
}

// UploadResult reports where the published documents are reachable.
type UploadResult struct {
	DeployedURL   string
	PreviewURL    string
	UploadedPaths []string
}

// InvalidationResult reports the outcome of a cache invalidation request.
type InvalidationResult struct {
	InvalidatedPaths []string
	Timestamp        time.Time
}

// Provider stores artifact files and serves them through a CDN. Providers
// never retry on their own; callers decide based on error classification.
type Provider interface {
	Name() string
	UploadFiles(ctx context.Context, files []File, target UploadTarget) (*UploadResult, error)
	InvalidateCache(ctx context.Context, paths []string) (*InvalidationResult, error)
	DeleteVersion(ctx context.Context, target UploadTarget) error
}

// ProviderError wraps a storage backend failure with a transient/permanent
// classification. Transient failures (network, throttling) are safe to retry;
// permanent ones (auth, configuration) are not.
type ProviderError struct {
	Provider  string
	Op        string
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s: %s (%s): %v", e.Provider, e.Op, kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err carries a retryable provider failure.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient
}
