package repository

import (
	"context"

	"github.com/harborhq/stevedore/internal/domain"
)

// DeploymentRepository stores deployment lifecycle records.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeployment(ctx context.Context, update domain.DeploymentUpdate) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
}

// SessionRepository stores remediation sessions and their audit trails.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *domain.Session) error
	UpdateSession(ctx context.Context, session *domain.Session) error
	GetSessionByID(ctx context.Context, sessionID string) (*domain.Session, error)
	ListSessionsByDeployment(ctx context.Context, deploymentID string) ([]domain.Session, error)
}

// ArtifactRepository persists artifact files and their revision history.
type ArtifactRepository interface {
	ListArtifacts(ctx context.Context, configSetID string) ([]domain.ArtifactFile, error)
	GetArtifactHead(ctx context.Context, configSetID, fileName string) (*domain.ArtifactFile, error)
	AppendArtifactRevision(ctx context.Context, revision *domain.ArtifactRevision) error
	ListArtifactRevisions(ctx context.Context, configSetID, fileName string, limit int) ([]domain.ArtifactRevision, error)
}
