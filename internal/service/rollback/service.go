package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cannalonga/pagedeploy/internal/domain"
	"github.com/cannalonga/pagedeploy/internal/repository"
	"github.com/cannalonga/pagedeploy/internal/service/events"
	"github.com/cannalonga/pagedeploy/internal/storage"
	"github.com/cannalonga/pagedeploy/internal/version"
)

// ErrValidation marks requests rejected before any record exists.
var ErrValidation = errors.New("rollback: validation failed")

// ErrNoRollbackTarget is returned when a page has no earlier completed
// deployment to fall back to. It wraps repository.ErrNotFound so callers
// treat a missing fallback the same as any other missing deployment.
var ErrNoRollbackTarget = fmt.Errorf("%w: no eligible rollback target", repository.ErrNotFound)

const persistTimeout = 5 * time.Second

// Service republishes a previously completed deployment. Artifacts are never
// regenerated or re-uploaded: the stored version's objects are still in the
// bucket, so a rollback only writes a new record that points at them.
type Service struct {
	deployments repository.DeploymentRepository
	metrics     repository.MetricsRepository
	provider    storage.Provider
	events      events.Service
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
	newVersion  func(tenantID, pageID string) string
}

// New returns a rollback service.
func New(deployments repository.DeploymentRepository, metrics repository.MetricsRepository, provider storage.Provider, eventsSvc events.Service, logger *slog.Logger) *Service {
	return &Service{
		deployments: deployments,
		metrics:     metrics,
		provider:    provider,
		events:      eventsSvc,
		logger:      logger,
		now:         time.Now,
		newID:       uuid.NewString,
		newVersion:  version.Generate,
	}
}

// Request identifies the page to roll back. TargetVersion is optional; when
// empty the previous completed deployment is used.
type Request struct {
	TenantID      string `json:"tenant_id"`
	PageID        string `json:"page_id"`
	TargetVersion string `json:"target_version,omitempty"`
}

func (r Request) validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}
	if strings.TrimSpace(r.PageID) == "" {
		return fmt.Errorf("%w: page_id is required", ErrValidation)
	}
	return nil
}

// Result describes the republished deployment.
type Result struct {
	DeploymentID     string `json:"deployment_id"`
	Version          string `json:"version"`
	RolledBackTo     string `json:"rolled_back_to"`
	TargetDeployment string `json:"target_deployment_id"`
	DeployedURL      string `json:"deployed_url"`
	PreviewURL       string `json:"preview_url,omitempty"`
}

// Rollback republishes the target deployment under a fresh version record.
// The target must be a completed deployment owned by the requesting tenant;
// anything else reads as not found so callers cannot probe other tenants'
// history.
func (s *Service) Rollback(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	target, err := s.resolveTarget(ctx, req)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	dep := &domain.Deployment{
		ID:       s.newID(),
		TenantID: req.TenantID,
		PageID:   req.PageID,
		Slug:     target.Slug,
		Version:  s.newVersion(req.TenantID, req.PageID),
		Status:   domain.StatusRollingBack,
		Provider: s.provider.Name(),
		Metadata: mustJSON(map[string]any{
			"rollbackMode": "pointer",
			"rolledBackFrom": domain.RollbackProvenance{
				Version:      target.Version,
				DeploymentID: target.ID,
			},
		}),
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := s.deployments.CreateDeployment(ctx, dep); err != nil {
		return nil, fmt.Errorf("create rollback record: %w", err)
	}
	s.publish(dep, "")

	// The target's objects are untouched, so only the CDN needs to forget
	// any cached copies. Failure here degrades freshness, not correctness.
	if _, err := s.provider.InvalidateCache(ctx, []string{objectPrefix(target) + "/*"}); err != nil {
		s.logger.Warn("cache invalidation failed", "deployment_id", dep.ID, "error", err)
	}

	finishedAt := s.now().UTC()
	if err := s.transition(ctx, dep, domain.DeploymentStatusUpdate{
		DeploymentID: dep.ID,
		Status:       domain.StatusCompleted,
		DeployedURL:  target.DeployedURL,
		PreviewURL:   target.PreviewURL,
		FinishedAt:   &finishedAt,
	}); err != nil {
		return nil, s.fail(ctx, dep, err)
	}
	dep.DeployedURL = target.DeployedURL
	dep.PreviewURL = target.PreviewURL

	if err := s.metrics.RecordDeploymentOutcome(ctx, dep.TenantID, dep.PageID, true, finishedAt.Sub(dep.StartedAt), finishedAt); err != nil {
		s.logger.Error("metrics update failed", "deployment_id", dep.ID, "error", err)
	}

	s.logger.Info("rollback completed",
		"deployment_id", dep.ID,
		"tenant_id", dep.TenantID,
		"page_id", dep.PageID,
		"version", dep.Version,
		"rolled_back_to", target.Version,
	)
	return &Result{
		DeploymentID:     dep.ID,
		Version:          dep.Version,
		RolledBackTo:     target.Version,
		TargetDeployment: target.ID,
		DeployedURL:      target.DeployedURL,
		PreviewURL:       target.PreviewURL,
	}, nil
}

// resolveTarget picks the deployment to republish. An explicit version must
// name a completed deployment for this tenant page. Without one, the previous
// completed deployment is chosen, skipping the currently live one.
func (s *Service) resolveTarget(ctx context.Context, req Request) (*domain.Deployment, error) {
	if req.TargetVersion != "" {
		target, err := s.deployments.GetDeploymentByVersion(ctx, req.TenantID, req.PageID, req.TargetVersion)
		if err != nil {
			return nil, err
		}
		if target.Status != domain.StatusCompleted {
			return nil, repository.ErrNotFound
		}
		return target, nil
	}

	completed, err := s.deployments.ListCompletedDeployments(ctx, req.TenantID, req.PageID, 2)
	if err != nil {
		return nil, err
	}
	if len(completed) < 2 {
		return nil, ErrNoRollbackTarget
	}
	return &completed[1], nil
}

func (s *Service) transition(ctx context.Context, dep *domain.Deployment, update domain.DeploymentStatusUpdate) error {
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		return fmt.Errorf("transition to %s: %w", update.Status, err)
	}
	dep.Status = update.Status
	s.publish(dep, "")
	return nil
}

// fail marks the rollback record FAILED on a detached context and re-raises
// the original error.
func (s *Service) fail(ctx context.Context, dep *domain.Deployment, cause error) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	finishedAt := s.now().UTC()
	if err := s.deployments.UpdateDeploymentStatus(persistCtx, domain.DeploymentStatusUpdate{
		DeploymentID: dep.ID,
		Status:       domain.StatusFailed,
		ErrorMessage: cause.Error(),
		FinishedAt:   &finishedAt,
	}); err != nil {
		s.logger.Error("failed to persist failure state", "deployment_id", dep.ID, "error", err)
	}
	dep.Status = domain.StatusFailed

	if err := s.metrics.RecordDeploymentOutcome(persistCtx, dep.TenantID, dep.PageID, false, finishedAt.Sub(dep.StartedAt), finishedAt); err != nil {
		s.logger.Error("metrics update failed", "deployment_id", dep.ID, "error", err)
	}

	s.publish(dep, cause.Error())
	s.logger.Error("rollback failed", "deployment_id", dep.ID, "error", cause)
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

func objectPrefix(dep *domain.Deployment) string {
	return "sites/" + dep.TenantID + "/" + dep.PageID + "/" + dep.Version
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
