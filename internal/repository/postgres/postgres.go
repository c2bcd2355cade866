package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cannalonga/pagedeploy/internal/domain"
	"github.com/cannalonga/pagedeploy/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.MetricsRepository    = (*Repository)(nil)
	_ repository.RetentionRepository  = (*Repository)(nil)
)

const deploymentColumns = `id, tenant_id, page_id, slug, version, status, provider,
		deployed_url, preview_url, error_message, error_stack, metadata, started_at, finished_at, updated_at`

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, tenant_id, page_id, slug, version, status, provider,
			deployed_url, preview_url, error_message, error_stack, metadata, started_at, finished_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := r.pool.Exec(ctx, query,
		d.ID,
		d.TenantID,
		d.PageID,
		d.Slug,
		emptyToNil(d.Version),
		d.Status,
		d.Provider,
		d.DeployedURL,
		d.PreviewURL,
		d.ErrorMessage,
		d.ErrorStack,
		d.Metadata,
		d.StartedAt,
		d.FinishedAt,
		d.UpdatedAt,
	)
	return err
}

// UpdateDeploymentStatus advances a deployment. Rows already in a terminal
// state are never modified; attempting to do so reports ErrFinalized.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments
		SET status = $2,
			version = COALESCE($3, version),
			deployed_url = COALESCE($4, deployed_url),
			preview_url = COALESCE($5, preview_url),
			error_message = COALESCE($6, error_message),
			error_stack = COALESCE($7, error_stack),
			metadata = COALESCE($8, metadata),
			finished_at = $9,
			updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')`
	cmdTag, err := r.pool.Exec(ctx, query,
		update.DeploymentID,
		update.Status,
		emptyToNil(update.Version),
		emptyToNil(update.DeployedURL),
		emptyToNil(update.PreviewURL),
		emptyToNil(update.ErrorMessage),
		emptyToNil(update.ErrorStack),
		update.Metadata,
		update.FinishedAt,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		const existsQuery = `SELECT 1 FROM deployments WHERE id = $1`
		var one int
		if err := r.pool.QueryRow(ctx, existsQuery, update.DeploymentID).Scan(&one); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return repository.ErrNotFound
			}
			return err
		}
		return repository.ErrFinalized
	}
	return nil
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
}

// GetDeploymentByVersion resolves a version string within one tenant page.
// A matching version owned by another tenant is not found.
func (r *Repository) GetDeploymentByVersion(ctx context.Context, tenantID, pageID, version string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + `
		FROM deployments WHERE tenant_id = $1 AND page_id = $2 AND version = $3`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, tenantID, pageID, version))
}

// ListDeploymentsByPage returns deployment history newest first.
func (r *Repository) ListDeploymentsByPage(ctx context.Context, tenantID, pageID string, limit, offset int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT ` + deploymentColumns + `
		FROM deployments WHERE tenant_id = $1 AND page_id = $2
		ORDER BY started_at DESC LIMIT $3 OFFSET $4`
	rows, err := r.pool.Query(ctx, query, tenantID, pageID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectDeployments(rows)
}

// ListCompletedDeployments returns completed deployments newest first.
func (r *Repository) ListCompletedDeployments(ctx context.Context, tenantID, pageID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT ` + deploymentColumns + `
		FROM deployments WHERE tenant_id = $1 AND page_id = $2 AND status = 'completed'
		ORDER BY finished_at DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, tenantID, pageID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectDeployments(rows)
}

// GetLastSuccessfulDeployment returns the most recent completed deployment.
func (r *Repository) GetLastSuccessfulDeployment(ctx context.Context, tenantID, pageID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + `
		FROM deployments WHERE tenant_id = $1 AND page_id = $2 AND status = 'completed'
		ORDER BY finished_at DESC LIMIT 1`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, tenantID, pageID))
}

// InsertDeploymentError stores failure evidence linked to a deployment.
func (r *Repository) InsertDeploymentError(ctx context.Context, e *domain.DeploymentError) error {
	const query = `INSERT INTO deployment_errors (id, deployment_id, message, stack, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, e.ID, e.DeploymentID, e.Message, e.Stack, e.Context, e.CreatedAt)
	return err
}

// ListDeploymentErrors returns the error rows for a deployment.
func (r *Repository) ListDeploymentErrors(ctx context.Context, deploymentID string) ([]domain.DeploymentError, error) {
	const query = `SELECT id, deployment_id, message, stack, context, created_at
		FROM deployment_errors WHERE deployment_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeploymentError
	for rows.Next() {
		var e domain.DeploymentError
		if err := rows.Scan(&e.ID, &e.DeploymentID, &e.Message, &e.Stack, &e.Context, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) collectDeployments(rows pgx.Rows) ([]domain.Deployment, error) {
	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeploymentRow(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func (r *Repository) scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	d, err := scanDeploymentRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

func scanDeploymentRow(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	var version, deployedURL, previewURL, errorMessage, errorStack *string
	if err := row.Scan(
		&d.ID,
		&d.TenantID,
		&d.PageID,
		&d.Slug,
		&version,
		&d.Status,
		&d.Provider,
		&deployedURL,
		&previewURL,
		&errorMessage,
		&errorStack,
		&d.Metadata,
		&d.StartedAt,
		&d.FinishedAt,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Version = deref(version)
	d.DeployedURL = deref(deployedURL)
	d.PreviewURL = deref(previewURL)
	d.ErrorMessage = deref(errorMessage)
	d.ErrorStack = deref(errorStack)
	return &d, nil
}

func emptyToNil(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// RecordDeploymentOutcome upserts the per-page counters in one statement so
// concurrent terminal transitions cannot lose increments. The running mean is
// computed in SQL against the pre-increment total.
func (r *Repository) RecordDeploymentOutcome(ctx context.Context, tenantID, pageID string, succeeded bool, duration time.Duration, finishedAt time.Time) error {
	const query = `INSERT INTO deployment_metrics
			(tenant_id, page_id, total_deploys, successful_deploys, failed_deploys, average_duration_seconds, last_deployed_at, updated_at)
		VALUES ($1, $2, 1,
			CASE WHEN $3 THEN 1 ELSE 0 END,
			CASE WHEN $3 THEN 0 ELSE 1 END,
			$4,
			CASE WHEN $3 THEN $5::timestamptz ELSE NULL END,
			NOW())
		ON CONFLICT (tenant_id, page_id) DO UPDATE SET
			total_deploys = deployment_metrics.total_deploys + 1,
			successful_deploys = deployment_metrics.successful_deploys + CASE WHEN $3 THEN 1 ELSE 0 END,
			failed_deploys = deployment_metrics.failed_deploys + CASE WHEN $3 THEN 0 ELSE 1 END,
			average_duration_seconds = (deployment_metrics.average_duration_seconds * deployment_metrics.total_deploys + $4)
				/ (deployment_metrics.total_deploys + 1),
			last_deployed_at = CASE WHEN $3
				THEN GREATEST(COALESCE(deployment_metrics.last_deployed_at, $5::timestamptz), $5::timestamptz)
				ELSE deployment_metrics.last_deployed_at END,
			updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, tenantID, pageID, succeeded, duration.Seconds(), finishedAt)
	return err
}

// GetDeploymentMetrics fetches the counters for one tenant page. Pages with
// no history yet return a zero row.
func (r *Repository) GetDeploymentMetrics(ctx context.Context, tenantID, pageID string) (*domain.DeploymentMetrics, error) {
	const query = `SELECT tenant_id, page_id, total_deploys, successful_deploys, failed_deploys, average_duration_seconds, last_deployed_at
		FROM deployment_metrics WHERE tenant_id = $1 AND page_id = $2`
	row := r.pool.QueryRow(ctx, query, tenantID, pageID)
	var m domain.DeploymentMetrics
	if err := row.Scan(&m.TenantID, &m.PageID, &m.TotalDeploys, &m.SuccessfulDeploys, &m.FailedDeploys, &m.AverageDuration, &m.LastDeployedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &domain.DeploymentMetrics{TenantID: tenantID, PageID: pageID}, nil
		}
		return nil, err
	}
	return &m, nil
}

// ListExpiredVersions returns completed deployments older than the keep most
// recent for their page, skipping versions still referenced by a rollback and
// versions already purged.
func (r *Repository) ListExpiredVersions(ctx context.Context, keep int, limit int) ([]domain.Deployment, error) {
	if keep <= 0 {
		keep = 1
	}
	if limit <= 0 {
		limit = 50
	}
	const query = `WITH ranked AS (
			SELECT ` + deploymentColumns + `,
				ROW_NUMBER() OVER (PARTITION BY tenant_id, page_id ORDER BY finished_at DESC) AS rn
			FROM deployments
			WHERE status = 'completed' AND artifacts_purged_at IS NULL
		)
		SELECT ` + deploymentColumns + ` FROM ranked r
		WHERE r.rn > $1
		AND NOT EXISTS (
			SELECT 1 FROM deployments d
			WHERE d.status = 'completed'
			AND d.metadata -> 'rolledBackFrom' ->> 'version' = r.version
		)
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, keep, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectDeployments(rows)
}

// MarkArtifactsPurged records that a version's objects were deleted from
// storage so the sweeper does not revisit the row.
func (r *Repository) MarkArtifactsPurged(ctx context.Context, deploymentID string, purgedAt time.Time) error {
	const query = `UPDATE deployments SET artifacts_purged_at = $2 WHERE id = $1`
	cmdTag, err := r.pool.Exec(ctx, query, deploymentID, purgedAt)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
