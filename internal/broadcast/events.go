package broadcast

import (
	"time"

	"github.com/harborhq/stevedore/internal/domain"
)

// Event types delivered on a deployment progress stream.
const (
	EventConnected = "connected"
	EventProgress  = "progress"
	EventError     = "error"
	EventDone      = "done"
	EventHeartbeat = "heartbeat"
)

// DeploymentView is the snapshot embedded in a connected event.
type DeploymentView struct {
	ID            string               `json:"id"`
	ConfigSetID   string               `json:"config_set_id"`
	ProjectID     string               `json:"project_id"`
	Platform      string               `json:"platform"`
	Status        string               `json:"status"`
	AttemptNumber int                  `json:"attempt_number"`
	MaxAttempts   int                  `json:"max_attempts"`
	ContainerID   string               `json:"container_id,omitempty"`
	ImageTag      string               `json:"image_tag,omitempty"`
	Ports         []domain.PortMapping `json:"ports,omitempty"`
	DeployURL     string               `json:"deploy_url,omitempty"`
	Error         string               `json:"error,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	StartedAt     *time.Time           `json:"started_at,omitempty"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
}

// NewDeploymentView converts a deployment record for streaming.
func NewDeploymentView(d domain.Deployment) *DeploymentView {
	return &DeploymentView{
		ID:            d.ID,
		ConfigSetID:   d.ConfigSetID,
		ProjectID:     d.ProjectID,
		Platform:      d.Platform,
		Status:        d.Status,
		AttemptNumber: d.AttemptNumber,
		MaxAttempts:   d.MaxAttempts,
		ContainerID:   d.ContainerID,
		ImageTag:      d.ImageTag,
		Ports:         d.Ports,
		DeployURL:     d.DeployURL,
		Error:         d.Error,
		CreatedAt:     d.CreatedAt,
		StartedAt:     d.StartedAt,
		CompletedAt:   d.CompletedAt,
	}
}

// Event is one entry in a deployment's ordered progress stream. Optional
// fields are present only when they changed.
type Event struct {
	Type         string                 `json:"type"`
	DeploymentID string                 `json:"id,omitempty"`
	Status       string                 `json:"status,omitempty"`
	Attempt      int                    `json:"attempt,omitempty"`
	Message      string                 `json:"message,omitempty"`
	Error        string                 `json:"error,omitempty"`
	BuildLogs    string                 `json:"build_logs,omitempty"`
	ActivityLog  []domain.ActivityEntry `json:"activity_log,omitempty"`
	FileChanges  []domain.FileChange    `json:"file_changes,omitempty"`
	Deployment   *DeploymentView        `json:"deployment,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}
