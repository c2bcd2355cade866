package domain

import (
	"encoding/json"
	"time"
)

// DeploymentStatus is the lifecycle state of a publish attempt.
type DeploymentStatus string

const (
	StatusPending     DeploymentStatus = "pending"
	StatusGenerating  DeploymentStatus = "generating"
	StatusUploading   DeploymentStatus = "uploading"
	StatusCompleted   DeploymentStatus = "completed"
	StatusFailed      DeploymentStatus = "failed"
	StatusRollingBack DeploymentStatus = "rolling_back"
)

// Terminal reports whether the status is final. Terminal records are never
// transitioned again.
func (s DeploymentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Deployment captures a single publish attempt for a tenant page.
type Deployment struct {
	ID           string           `json:"id"`
	TenantID     string           `json:"tenant_id"`
	PageID       string           `json:"page_id"`
	Slug         string           `json:"slug"`
	Version      string           `json:"version"`
	Status       DeploymentStatus `json:"status"`
	Provider     string           `json:"provider"`
	DeployedURL  string           `json:"deployed_url,omitempty"`
	PreviewURL   string           `json:"preview_url,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	ErrorStack   string           `json:"-"`
	Metadata     json.RawMessage  `json:"metadata,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// DeploymentStatusUpdate captures mutable fields for a deployment transition.
// FinishedAt must be set exactly when Status is terminal.
type DeploymentStatusUpdate struct {
	DeploymentID string
	Status       DeploymentStatus
	Version      string
	DeployedURL  string
	PreviewURL   string
	ErrorMessage string
	ErrorStack   string
	Metadata     json.RawMessage
	FinishedAt   *time.Time
}

// DeploymentError is the durable evidence row written for a failed attempt.
type DeploymentError struct {
	ID           string          `json:"id"`
	DeploymentID string          `json:"deployment_id"`
	Message      string          `json:"message"`
	Stack        string          `json:"stack,omitempty"`
	Context      json.RawMessage `json:"context,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// DeploymentMetrics aggregates publish outcomes per tenant page. Counters only
// ever increase.
type DeploymentMetrics struct {
	TenantID          string     `json:"tenant_id"`
	PageID            string     `json:"page_id"`
	TotalDeploys      int64      `json:"total_deploys"`
	SuccessfulDeploys int64      `json:"successful_deploys"`
	FailedDeploys     int64      `json:"failed_deploys"`
	AverageDuration   float64    `json:"average_duration_seconds"`
	LastDeployedAt    *time.Time `json:"last_deployed_at,omitempty"`
}

// RollbackProvenance records which completed deployment a rollback republished.
type RollbackProvenance struct {
	Version      string `json:"version"`
	DeploymentID string `json:"deploymentId"`
}
