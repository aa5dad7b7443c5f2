package domain

import "time"

// Deployment statuses. Terminal statuses are never re-entered for a deployment.
const (
	DeploymentPending   = "pending"
	DeploymentPreFlight = "pre_flight"
	DeploymentBuilding  = "building"
	DeploymentDeploying = "deploying"
	DeploymentRunning   = "running"
	DeploymentDegraded  = "degraded"
	DeploymentFailed    = "failed"
	DeploymentCancelled = "cancelled"
)

// Supported deployment platforms. Only docker is enabled today; the rest of the
// enumeration is reserved.
const (
	PlatformDocker     = "docker"
	PlatformKubernetes = "kubernetes"
)

// PortMapping describes one published container port.
type PortMapping struct {
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol"`
}

// Deployment captures one attempted rollout of a config set.
type Deployment struct {
	ID            string
	ConfigSetID   string
	ProjectID     string
	Platform      string
	Status        string
	AttemptNumber int
	MaxAttempts   int
	ContainerID   string
	ImageTag      string
	Ports         []PortMapping
	DeployURL     string
	Error         string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	UpdatedAt     time.Time
}

// Duration reports elapsed wall time between start and completion, or zero when
// the deployment has not finished.
func (d Deployment) Duration() time.Duration {
	if d.StartedAt == nil || d.CompletedAt == nil {
		return 0
	}
	return d.CompletedAt.Sub(*d.StartedAt)
}

// Terminal reports whether the status permits no further transitions.
func (d Deployment) Terminal() bool {
	switch d.Status {
	case DeploymentRunning, DeploymentDegraded, DeploymentFailed, DeploymentCancelled:
		return true
	}
	return false
}

// DeploymentUpdate captures mutable fields persisted on a status transition.
type DeploymentUpdate struct {
	DeploymentID  string
	Status        string
	AttemptNumber int
	ContainerID   string
	ImageTag      string
	Ports         []PortMapping
	DeployURL     string
	Error         string
	StartedAt     *time.Time
	CompletedAt   *time.Time
}
