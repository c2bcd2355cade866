package repository

import (
	"context"
	"time"

	"github.com/cannalonga/pagedeploy/internal/domain"
)

// DeploymentRepository stores deployment audit records. Every query is scoped
// by tenant and page; implementations must never match rows across tenants.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	GetDeploymentByVersion(ctx context.Context, tenantID, pageID, version string) (*domain.Deployment, error)
	ListDeploymentsByPage(ctx context.Context, tenantID, pageID string, limit, offset int) ([]domain.Deployment, error)
	ListCompletedDeployments(ctx context.Context, tenantID, pageID string, limit int) ([]domain.Deployment, error)
	GetLastSuccessfulDeployment(ctx context.Context, tenantID, pageID string) (*domain.Deployment, error)
	InsertDeploymentError(ctx context.Context, deploymentError *domain.DeploymentError) error
	ListDeploymentErrors(ctx context.Context, deploymentID string) ([]domain.DeploymentError, error)
}

// MetricsRepository aggregates publish outcomes. RecordDeploymentOutcome must
// be atomic; concurrent terminal transitions for the same page may not lose
// increments.
type MetricsRepository interface {
	RecordDeploymentOutcome(ctx context.Context, tenantID, pageID string, succeeded bool, duration time.Duration, finishedAt time.Time) error
	GetDeploymentMetrics(ctx context.Context, tenantID, pageID string) (*domain.DeploymentMetrics, error)
}

// RetentionRepository exposes the bookkeeping the artifact janitor needs.
type RetentionRepository interface {
	ListExpiredVersions(ctx context.Context, keep int, limit int) ([]domain.Deployment, error)
	MarkArtifactsPurged(ctx context.Context, deploymentID string, purgedAt time.Time) error
}
