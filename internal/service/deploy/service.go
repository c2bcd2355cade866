package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/cannalonga/pagedeploy/internal/domain"
	"github.com/cannalonga/pagedeploy/internal/repository"
	"github.com/cannalonga/pagedeploy/internal/service/events"
	"github.com/cannalonga/pagedeploy/internal/storage"
)

// ErrValidation marks requests rejected before any record exists.
var ErrValidation = errors.New("deploy: validation failed")

const (
	persistTimeout     = 5 * time.Second
	uploadRetryBase    = 500 * time.Millisecond
	defaultUploadTries = 3
)

// ArtifactGenerator produces the static bundle for one attempt.
type ArtifactGenerator interface {
	Generate(ctx context.Context, pctx domain.PageContext) (*domain.StaticPageArtifacts, error)
}

// Service drives the generate -> upload -> record pipeline. Every attempt
// leaves a terminal audit record, successful or not.
type Service struct {
	deployments   repository.DeploymentRepository
	metrics       repository.MetricsRepository
	generator     ArtifactGenerator
	provider      storage.Provider
	events        events.Service
	logger        *slog.Logger
	uploadRetries uint64
	now           func() time.Time
	newID         func() string
}

// New returns a deployment service.
func New(deployments repository.DeploymentRepository, metrics repository.MetricsRepository, generator ArtifactGenerator, provider storage.Provider, eventsSvc events.Service, logger *slog.Logger, uploadRetries int) *Service {
	if uploadRetries <= 0 {
		uploadRetries = defaultUploadTries
	}
	return &Service{
		deployments:   deployments,
		metrics:       metrics,
		generator:     generator,
		provider:      provider,
		events:        eventsSvc,
		logger:        logger,
		uploadRetries: uint64(uploadRetries),
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// Request identifies the page to publish.
type Request struct {
	TenantID string `json:"tenant_id"`
	PageID   string `json:"page_id"`
	Slug     string `json:"slug"`
}

func (r Request) validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}
	if strings.TrimSpace(r.PageID) == "" {
		return fmt.Errorf("%w: page_id is required", ErrValidation)
	}
	if strings.TrimSpace(r.Slug) == "" {
		return fmt.Errorf("%w: slug is required", ErrValidation)
	}
	return nil
}

// Result is returned to the invoking layer on success.
type Result struct {
	DeploymentID    string         `json:"deployment_id"`
	Version         string         `json:"version"`
	HTMLSize        int            `json:"html_size"`
	PreviewSize     int            `json:"preview_size"`
	AssetsCount     int            `json:"assets_count"`
	AssetsTotalSize int64          `json:"assets_total_size"`
	Metadata        ResultMetadata `json:"metadata"`
}

// ResultMetadata carries the published locations and generation time.
type ResultMetadata struct {
	GeneratedAt time.Time `json:"generated_at"`
	PreviewURL  string    `json:"preview_url"`
	DeployedURL string    `json:"deployed_url"`
}

// Deploy publishes one page. The PENDING record is created before any
// pipeline work so a crash mid-flight still leaves an inspectable row. On
// failure the original error is returned to the caller after the failure
// evidence has been persisted.
func (s *Service) Deploy(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	dep := &domain.Deployment{
		ID:        s.newID(),
		TenantID:  req.TenantID,
		PageID:    req.PageID,
		Slug:      req.Slug,
		Status:    domain.StatusPending,
		Provider:  s.provider.Name(),
		StartedAt: now,
		UpdatedAt: now,
	}
	// A failure here is the one case with no audit trail: nothing has
	// happened yet, so aborting is safe.
	if err := s.deployments.CreateDeployment(ctx, dep); err != nil {
		return nil, fmt.Errorf("create deployment record: %w", err)
	}
	s.publish(dep, "")

	if err := s.transition(ctx, dep, domain.DeploymentStatusUpdate{
		DeploymentID: dep.ID,
		Status:       domain.StatusGenerating,
	}); err != nil {
		return nil, s.fail(ctx, dep, "record", err)
	}

	artifacts, err := s.generator.Generate(ctx, domain.PageContext{TenantID: req.TenantID, PageID: req.PageID, Slug: req.Slug})
	if err != nil {
		return nil, s.fail(ctx, dep, "generate", err)
	}

	assetsTotal := int64(0)
	for _, a := range artifacts.Assets {
		assetsTotal += a.Size
	}
	sizeMeta := mustJSON(map[string]any{
		"htmlBytes":    len(artifacts.HTML),
		"previewBytes": len(artifacts.PreviewHTML),
		"assetsCount":  len(artifacts.Assets),
		"assetsBytes":  assetsTotal,
		"generatedAt":  artifacts.GeneratedAt.Format(time.RFC3339Nano),
	})
	if err := s.transition(ctx, dep, domain.DeploymentStatusUpdate{
		DeploymentID: dep.ID,
		Status:       domain.StatusUploading,
		Version:      artifacts.Version,
		Metadata:     sizeMeta,
	}); err != nil {
		return nil, s.fail(ctx, dep, "record", err)
	}
	dep.Version = artifacts.Version

	upload, err := s.uploadWithRetry(ctx, dep, artifacts)
	if err != nil {
		return nil, s.fail(ctx, dep, "upload", err)
	}

	if _, err := s.provider.InvalidateCache(ctx, upload.UploadedPaths); err != nil {
		s.logger.Warn("cache invalidation failed", "deployment_id", dep.ID, "error", err)
	}

	finishedAt := s.now().UTC()
	if err := s.transition(ctx, dep, domain.DeploymentStatusUpdate{
		DeploymentID: dep.ID,
		Status:       domain.StatusCompleted,
		DeployedURL:  upload.DeployedURL,
		PreviewURL:   upload.PreviewURL,
		FinishedAt:   &finishedAt,
	}); err != nil {
		return nil, s.fail(ctx, dep, "record", err)
	}
	dep.DeployedURL = upload.DeployedURL
	dep.PreviewURL = upload.PreviewURL

	if err := s.metrics.RecordDeploymentOutcome(ctx, dep.TenantID, dep.PageID, true, finishedAt.Sub(dep.StartedAt), finishedAt); err != nil {
		// The completed record is durable; a lost counter is logged, not fatal.
		s.logger.Error("metrics update failed", "deployment_id", dep.ID, "error", err)
	}

	s.logger.Info("deployment completed",
		"deployment_id", dep.ID,
		"tenant_id", dep.TenantID,
		"page_id", dep.PageID,
		"version", dep.Version,
		"duration_ms", finishedAt.Sub(dep.StartedAt).Milliseconds(),
	)
	return &Result{
		DeploymentID:    dep.ID,
		Version:         dep.Version,
		HTMLSize:        len(artifacts.HTML),
		PreviewSize:     len(artifacts.PreviewHTML),
		AssetsCount:     len(artifacts.Assets),
		AssetsTotalSize: assetsTotal,
		Metadata: ResultMetadata{
			GeneratedAt: artifacts.GeneratedAt,
			PreviewURL:  upload.PreviewURL,
			DeployedURL: upload.DeployedURL,
		},
	}, nil
}

func (s *Service) uploadWithRetry(ctx context.Context, dep *domain.Deployment, artifacts *domain.StaticPageArtifacts) (*storage.UploadResult, error) {
	files := buildFiles(artifacts)
	target := storage.UploadTarget{TenantID: dep.TenantID, PageID: dep.PageID, Version: dep.Version}

	var result *storage.UploadResult
	backoff := retry.WithMaxRetries(s.uploadRetries, retry.NewExponential(uploadRetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := s.provider.UploadFiles(ctx, files, target)
		if err != nil {
			if storage.IsTransient(err) {
				s.logger.Warn("transient upload failure, retrying", "deployment_id", dep.ID, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func buildFiles(artifacts *domain.StaticPageArtifacts) []storage.File {
	files := []storage.File{
		{Path: "index.html", ContentType: "text/html; charset=utf-8", Body: []byte(artifacts.HTML)},
		{Path: "preview.html", ContentType: "text/html; charset=utf-8", Body: []byte(artifacts.PreviewHTML)},
		{Path: "sitemap.xml", ContentType: "application/xml", Body: []byte(artifacts.SitemapEntry)},
	}
	for _, asset := range artifacts.Assets {
		files = append(files, storage.File{Path: asset.Path, ContentType: asset.ContentType, Body: asset.Body})
	}
	return files
}

// transition writes exactly one phase change and mirrors it on the in-memory
// record and the event stream.
func (s *Service) transition(ctx context.Context, dep *domain.Deployment, update domain.DeploymentStatusUpdate) error {
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		return fmt.Errorf("transition to %s: %w", update.Status, err)
	}
	dep.Status = update.Status
	s.publish(dep, "")
	return nil
}

// fail persists the failure evidence (FAILED record, error row, metrics) and
// then re-raises the original error unchanged. Persistence uses a detached
// context so a cancelled request cannot suppress the audit trail.
func (s *Service) fail(ctx context.Context, dep *domain.Deployment, stage string, cause error) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	finishedAt := s.now().UTC()
	stack := string(debug.Stack())
	if err := s.deployments.UpdateDeploymentStatus(persistCtx, domain.DeploymentStatusUpdate{
		DeploymentID: dep.ID,
		Status:       domain.StatusFailed,
		ErrorMessage: cause.Error(),
		ErrorStack:   stack,
		FinishedAt:   &finishedAt,
	}); err != nil {
		s.logger.Error("failed to persist failure state", "deployment_id", dep.ID, "error", err)
	}
	dep.Status = domain.StatusFailed

	errorRow := &domain.DeploymentError{
		ID:           s.newID(),
		DeploymentID: dep.ID,
		Message:      cause.Error(),
		Stack:        stack,
		Context: mustJSON(map[string]any{
			"tenantId": dep.TenantID,
			"pageId":   dep.PageID,
			"version":  dep.Version,
			"stage":    stage,
		}),
		CreatedAt: finishedAt,
	}
	if err := s.deployments.InsertDeploymentError(persistCtx, errorRow); err != nil {
		s.logger.Error("failed to persist deployment error", "deployment_id", dep.ID, "error", err)
	}

	if err := s.metrics.RecordDeploymentOutcome(persistCtx, dep.TenantID, dep.PageID, false, finishedAt.Sub(dep.StartedAt), finishedAt); err != nil {
		s.logger.Error("metrics update failed", "deployment_id", dep.ID, "error", err)
	}

	s.publish(dep, cause.Error())
	s.logger.Error("deployment failed",
		"deployment_id", dep.ID,
		"tenant_id", dep.TenantID,
		"page_id", dep.PageID,
		"stage", stage,
		"error", cause,
	)
	return cause
}

func (s *Service) publish(dep *domain.Deployment, errMessage string) {
	s.events.PublishStatus(events.StatusEvent{
		DeploymentID: dep.ID,
		TenantID:     dep.TenantID,
		PageID:       dep.PageID,
		Version:      dep.Version,
		Status:       dep.Status,
		DeployedURL:  dep.DeployedURL,
		Error:        errMessage,
		Timestamp:    s.now().UTC(),
	})
}

// Get returns one deployment record by id.
func (s *Service) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

// History returns deployment attempts for a page, newest first.
func (s *Service) History(ctx context.Context, tenantID, pageID string, limit, offset int) ([]domain.Deployment, error) {
	return s.deployments.ListDeploymentsByPage(ctx, tenantID, pageID, limit, offset)
}

// LastSuccessful returns the most recent completed deployment for a page.
func (s *Service) LastSuccessful(ctx context.Context, tenantID, pageID string) (*domain.Deployment, error) {
	return s.deployments.GetLastSuccessfulDeployment(ctx, tenantID, pageID)
}

// Metrics returns the aggregated counters for a page.
func (s *Service) Metrics(ctx context.Context, tenantID, pageID string) (*domain.DeploymentMetrics, error) {
	return s.metrics.GetDeploymentMetrics(ctx, tenantID, pageID)
}

// Errors returns the failure evidence rows for one deployment.
func (s *Service) Errors(ctx context.Context, deploymentID string) ([]domain.DeploymentError, error) {
	return s.deployments.ListDeploymentErrors(ctx, deploymentID)
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
