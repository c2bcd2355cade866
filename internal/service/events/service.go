package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cannalonga/pagedeploy/internal/domain"
	"github.com/cannalonga/pagedeploy/internal/ws"
)

// StatusEvent is the payload broadcast for every deployment transition.
type StatusEvent struct {
	DeploymentID string                  `json:"deployment_id"`
	TenantID     string                  `json:"tenant_id"`
	PageID       string                  `json:"page_id"`
	Version      string                  `json:"version,omitempty"`
	Status       domain.DeploymentStatus `json:"status"`
	DeployedURL  string                  `json:"deployed_url,omitempty"`
	Error        string                  `json:"error,omitempty"`
	Timestamp    time.Time               `json:"timestamp"`
}

// Service fans deployment transitions out to live subscribers.
type Service struct {
	hub    *ws.Hub
	logger *slog.Logger
}

// New returns an event service.
func New(hub *ws.Hub, logger *slog.Logger) Service {
	return Service{hub: hub, logger: logger}
}

// Hub exposes the underlying hub for subscription handling.
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// StreamKey builds the hub key for one tenant page.
func StreamKey(tenantID, pageID string) string {
	return tenantID + "/" + pageID
}

// PublishStatus broadcasts a transition. Delivery is best effort; a slow or
// absent subscriber never affects the pipeline.
func (s Service) PublishStatus(event StatusEvent) {
	if s.hub == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to encode status event", "deployment_id", event.DeploymentID, "error", err)
		return
	}
	s.hub.Broadcast(StreamKey(event.TenantID, event.PageID), payload)
}
