package executor

import (
	"context"

	"github.com/harborhq/stevedore/internal/domain"
)

// Health is the outcome of a runtime probe.
type Health int

const (
	HealthOK Health = iota
	HealthDegraded
)

// BuildRequest carries the artifact bundle to turn into an image.
type BuildRequest struct {
	DeploymentID  string
	ProjectID     string
	AttemptNumber int
	Artifacts     []domain.ArtifactFile
}

// BuildResult reports a build outcome. OK=false is a functional build failure
// that drives the remediation loop; infrastructure problems surface as errors.
type BuildResult struct {
	OK       bool
	ImageTag string
	Logs     string
}

// DeployRequest starts a container from a previously built image.
type DeployRequest struct {
	DeploymentID string
	ImageTag     string
	Port         int
	Env          []string
}

// DeployResult reports a deploy outcome. ResourceFault marks an unrecoverable
// host-level fault (e.g. port exhaustion) that must not enter remediation.
type DeployResult struct {
	OK            bool
	ContainerID   string
	Ports         []domain.PortMapping
	URL           string
	Logs          string
	ResourceFault bool
}

// Executor builds images from artifacts and runs the resulting containers.
type Executor interface {
	Build(ctx context.Context, req BuildRequest) (BuildResult, error)
	Deploy(ctx context.Context, req DeployRequest) (DeployResult, error)
	HealthCheck(ctx context.Context, containerID string) (Health, error)
	Teardown(ctx context.Context, containerID string) error
	Ping(ctx context.Context) error
}
