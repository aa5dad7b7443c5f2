package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborhq/stevedore/internal/domain"
	"github.com/harborhq/stevedore/internal/repository"
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
	_ repository.SessionRepository    = (*Repository)(nil)
	_ repository.ArtifactRepository   = (*Repository)(nil)
)

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `INSERT INTO deployments
		(id, config_set_id, project_id, platform, status, attempt_number, max_attempts, ports, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	ports, err := json.Marshal(d.Ports)
	if err != nil {
		return fmt.Errorf("marshal ports: %w", err)
	}
	_, err = r.pool.Exec(ctx, query, d.ID, d.ConfigSetID, d.ProjectID, d.Platform, d.Status,
		d.AttemptNumber, d.MaxAttempts, ports, d.CreatedAt, d.UpdatedAt)
	return err
}

// UpdateDeployment applies a status transition to an existing deployment.
func (r *Repository) UpdateDeployment(ctx context.Context, update domain.DeploymentUpdate) error {
	const query = `UPDATE deployments SET
		status = $2,
		attempt_number = GREATEST(attempt_number, $3),
		container_id = COALESCE(NULLIF($4, ''), container_id),
		image_tag = COALESCE(NULLIF($5, ''), image_tag),
		ports = CASE WHEN $6::jsonb IS NULL THEN ports ELSE $6::jsonb END,
		deploy_url = COALESCE(NULLIF($7, ''), deploy_url),
		error = $8,
		started_at = COALESCE(started_at, $9),
		completed_at = COALESCE(completed_at, $10),
		updated_at = $11
		WHERE id = $1`
	var ports any
	if update.Ports != nil {
		data, err := json.Marshal(update.Ports)
		if err != nil {
			return fmt.Errorf("marshal ports: %w", err)
		}
		ports = data
	}
	tag, err := r.pool.Exec(ctx, query, update.DeploymentID, update.Status, update.AttemptNumber,
		update.ContainerID, update.ImageTag, ports, update.DeployURL, update.Error,
		update.StartedAt, update.CompletedAt, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT id, config_set_id, project_id, platform, status, attempt_number, max_attempts,
		COALESCE(container_id, ''), COALESCE(image_tag, ''), ports, COALESCE(deploy_url, ''), COALESCE(error, ''),
		created_at, started_at, completed_at, updated_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// ListDeploymentsByProject returns recent deployments for a project.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	const query = `SELECT id, config_set_id, project_id, platform, status, attempt_number, max_attempts,
		COALESCE(container_id, ''), COALESCE(image_tag, ''), ports, COALESCE(deploy_url, ''), COALESCE(error, ''),
		created_at, started_at, completed_at, updated_at
		FROM deployments WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	var ports []byte
	if err := row.Scan(&d.ID, &d.ConfigSetID, &d.ProjectID, &d.Platform, &d.Status,
		&d.AttemptNumber, &d.MaxAttempts, &d.ContainerID, &d.ImageTag, &ports,
		&d.DeployURL, &d.Error, &d.CreatedAt, &d.StartedAt, &d.CompletedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if len(ports) > 0 {
		if err := json.Unmarshal(ports, &d.Ports); err != nil {
			return nil, fmt.Errorf("unmarshal ports: %w", err)
		}
	}
	return &d, nil
}

// CreateSession inserts a remediation session.
func (r *Repository) CreateSession(ctx context.Context, s *domain.Session) error {
	const query = `INSERT INTO sessions
		(id, deployment_id, attempt_number, status, custom_instructions, agent_state,
		 file_changes, activity_log, build_logs, error, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	changes, activity, err := marshalSessionLogs(s)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, query, s.ID, s.DeploymentID, s.AttemptNumber, s.Status,
		s.CustomInstructions, s.AgentState, changes, activity, s.BuildLogs, s.Error,
		s.CreatedAt, s.CompletedAt)
	return err
}

// UpdateSession persists session progress and terminal state.
func (r *Repository) UpdateSession(ctx context.Context, s *domain.Session) error {
	const query = `UPDATE sessions SET
		status = $2, agent_state = $3, file_changes = $4, activity_log = $5,
		build_logs = $6, error = $7, completed_at = $8
		WHERE id = $1`
	changes, activity, err := marshalSessionLogs(s)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, query, s.ID, s.Status, s.AgentState, changes, activity,
		s.BuildLogs, s.Error, s.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetSessionByID fetches a session by identifier.
func (r *Repository) GetSessionByID(ctx context.Context, sessionID string) (*domain.Session, error) {
	const query = sessionColumns + ` WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, sessionID)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// ListSessionsByDeployment returns a deployment's sessions ordered by attempt.
func (r *Repository) ListSessionsByDeployment(ctx context.Context, deploymentID string) ([]domain.Session, error) {
	const query = sessionColumns + ` WHERE deployment_id = $1 ORDER BY attempt_number ASC`
	rows, err := r.pool.Query(ctx, query, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

const sessionColumns = `SELECT id, deployment_id, attempt_number, status,
	COALESCE(custom_instructions, ''), COALESCE(agent_state, ''), file_changes, activity_log,
	COALESCE(build_logs, ''), COALESCE(error, ''), created_at, completed_at FROM sessions`

func marshalSessionLogs(s *domain.Session) ([]byte, []byte, error) {
	changes, err := json.Marshal(s.FileChanges)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal file changes: %w", err)
	}
	activity, err := json.Marshal(s.ActivityLog)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal activity log: %w", err)
	}
	return changes, activity, nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var s domain.Session
	var changes, activity []byte
	if err := row.Scan(&s.ID, &s.DeploymentID, &s.AttemptNumber, &s.Status,
		&s.CustomInstructions, &s.AgentState, &changes, &activity,
		&s.BuildLogs, &s.Error, &s.CreatedAt, &s.CompletedAt); err != nil {
		return nil, err
	}
	if len(changes) > 0 {
		if err := json.Unmarshal(changes, &s.FileChanges); err != nil {
			return nil, fmt.Errorf("unmarshal file changes: %w", err)
		}
	}
	if len(activity) > 0 {
		if err := json.Unmarshal(activity, &s.ActivityLog); err != nil {
			return nil, fmt.Errorf("unmarshal activity log: %w", err)
		}
	}
	return &s, nil
}

// ListArtifacts returns head revisions for every file in a config set, ordered
// by file name.
func (r *Repository) ListArtifacts(ctx context.Context, configSetID string) ([]domain.ArtifactFile, error) {
	const query = `SELECT DISTINCT ON (file_name) config_set_id, file_name, content, revision, created_at
		FROM artifact_revisions WHERE config_set_id = $1
		ORDER BY file_name ASC, revision DESC`
	rows, err := r.pool.Query(ctx, query, configSetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ArtifactFile
	for rows.Next() {
		var f domain.ArtifactFile
		if err := rows.Scan(&f.ConfigSetID, &f.FileName, &f.Content, &f.Revision, &f.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, repository.ErrNotFound
	}
	return out, nil
}

// GetArtifactHead returns the newest revision of one file.
func (r *Repository) GetArtifactHead(ctx context.Context, configSetID, fileName string) (*domain.ArtifactFile, error) {
	const query = `SELECT config_set_id, file_name, content, revision, created_at
		FROM artifact_revisions WHERE config_set_id = $1 AND file_name = $2
		ORDER BY revision DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, configSetID, fileName)
	var f domain.ArtifactFile
	if err := row.Scan(&f.ConfigSetID, &f.FileName, &f.Content, &f.Revision, &f.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}

// AppendArtifactRevision inserts a new revision. The unique constraint on
// (config_set_id, file_name, revision) turns a racing writer into ErrConflict.
func (r *Repository) AppendArtifactRevision(ctx context.Context, rev *domain.ArtifactRevision) error {
	const query = `INSERT INTO artifact_revisions (id, config_set_id, file_name, content, revision, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, rev.ID, rev.ConfigSetID, rev.FileName, rev.Content, rev.Revision, rev.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return err
	}
	return nil
}

// ListArtifactRevisions returns revision history for one file, newest first.
func (r *Repository) ListArtifactRevisions(ctx context.Context, configSetID, fileName string, limit int) ([]domain.ArtifactRevision, error) {
	const query = `SELECT id, config_set_id, file_name, content, revision, created_at
		FROM artifact_revisions WHERE config_set_id = $1 AND file_name = $2
		ORDER BY revision DESC LIMIT $3`
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, query, configSetID, fileName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ArtifactRevision
	for rows.Next() {
		var rev domain.ArtifactRevision
		if err := rows.Scan(&rev.ID, &rev.ConfigSetID, &rev.FileName, &rev.Content, &rev.Revision, &rev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
