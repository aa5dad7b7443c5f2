package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/harborhq/stevedore/internal/advisor"
	"github.com/harborhq/stevedore/internal/artifact"
	"github.com/harborhq/stevedore/internal/broadcast"
	"github.com/harborhq/stevedore/internal/domain"
	"github.com/harborhq/stevedore/internal/executor"
	"github.com/harborhq/stevedore/internal/repository"
	"github.com/harborhq/stevedore/pkg/config"
)

// Orchestrator owns the deployment lifecycle: it drives each deployment from
// pending to a terminal state, supervises remediation sessions within the
// attempt budget, and publishes every transition to the progress hub.
// Each deployment executes on its own goroutine; transitions for one
// deployment id are totally ordered by its exclusive run token.
type Orchestrator struct {
	deployments repository.DeploymentRepository
	sessions    repository.SessionRepository
	store       *artifact.Store
	executor    executor.Executor
	advisor     advisor.Advisor
	hub         *broadcast.Hub
	logger      *slog.Logger
	cfg         config.ServerConfig

	rootCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	// running maps deployment id to its cancel func: the exclusive
	// per-deployment execution token.
	running sync.Map
	// activeSessions maps deployment id to the active session id, enforcing
	// the one-active-session-per-deployment invariant.
	activeSessions sync.Map
}

// New constructs an Orchestrator.
func New(deployments repository.DeploymentRepository, sessions repository.SessionRepository,
	store *artifact.Store, exec executor.Executor, adv advisor.Advisor,
	hub *broadcast.Hub, logger *slog.Logger, cfg config.ServerConfig) *Orchestrator {
	rootCtx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		deployments: deployments,
		sessions:    sessions,
		store:       store,
		executor:    exec,
		advisor:     adv,
		hub:         hub,
		logger:      logger,
		cfg:         cfg,
		rootCtx:     rootCtx,
		stop:        stop,
	}
}

// StartRequest creates a new deployment.
type StartRequest struct {
	ConfigSetID        string
	ProjectID          string
	Platform           string
	MaxAttempts        int
	CustomInstructions string
}

// Start records a pending deployment and launches its control loop.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*domain.Deployment, error) {
	if req.ConfigSetID == "" || req.ProjectID == "" {
		return nil, fmt.Errorf("%w: config set id and project id required", ErrValidation)
	}
	platform := req.Platform
	if platform == "" {
		platform = domain.PlatformDocker
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = o.cfg.DefaultMaxAttempts
	}
	now := time.Now().UTC()
	dep := &domain.Deployment{
		ID:            uuid.NewString(),
		ConfigSetID:   req.ConfigSetID,
		ProjectID:     req.ProjectID,
		Platform:      platform,
		Status:        domain.DeploymentPending,
		AttemptNumber: 1,
		MaxAttempts:   maxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.deployments.CreateDeployment(ctx, dep); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	if err := o.launch(dep, req.CustomInstructions); err != nil {
		return nil, err
	}
	return dep, nil
}

// launch acquires the exclusive run token and spawns the control loop.
func (o *Orchestrator) launch(dep *domain.Deployment, instructions string) error {
	runCtx, cancel := context.WithCancel(o.rootCtx)
	if _, loaded := o.running.LoadOrStore(dep.ID, cancel); loaded {
		cancel()
		return ErrAlreadyRunning
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.running.Delete(dep.ID)
		o.run(runCtx, dep, instructions)
	}()
	return nil
}

// Cancel requests cooperative cancellation of a running deployment. The
// request is honored at the next suspension-point boundary.
func (o *Orchestrator) Cancel(deploymentID string) bool {
	value, ok := o.running.Load(deploymentID)
	if !ok {
		return false
	}
	if cancel, ok := value.(context.CancelFunc); ok {
		cancel()
		return true
	}
	return false
}

// Close stops all control loops and waits for them to finish.
func (o *Orchestrator) Close() {
	o.stop()
	o.wg.Wait()
}

// run is the per-deployment control loop. It is the only writer of this
// deployment's state, so its transitions are totally ordered.
func (o *Orchestrator) run(ctx context.Context, dep *domain.Deployment, instructions string) {
	startedAt := time.Now().UTC()
	dep.StartedAt = &startedAt

	if o.cancelled(ctx, dep) {
		return
	}
	if err := o.preFlight(ctx, dep); err != nil {
		o.fail(dep, err)
		return
	}

	agentState := ""
	var lastFailure *ExecutorFailure
	for {
		if o.cancelled(ctx, dep) {
			return
		}
		failure, outcome, err := o.attempt(ctx, dep)
		if err == nil && failure == nil {
			o.succeed(dep, outcome)
			return
		}
		if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
			o.cancelTerminal(dep)
			return
		}
		if err != nil {
			o.fail(dep, err)
			return
		}
		lastFailure = failure

		if o.cancelled(ctx, dep) {
			return
		}
		o.hub.Publish(dep.ID, broadcast.Event{
			Type:         broadcast.EventError,
			DeploymentID: dep.ID,
			Attempt:      dep.AttemptNumber,
			Error:        failure.Error(),
			BuildLogs:    failure.Logs,
			Timestamp:    time.Now().UTC(),
		})

		session, sessErr := o.runSession(ctx, dep, failure, instructions, agentState)
		if sessErr != nil {
			if errors.Is(sessErr, ErrCancelled) || ctx.Err() != nil {
				o.cancelTerminal(dep)
				return
			}
			if errors.Is(sessErr, ErrUnfixable) {
				// Advisor refusal is treated as budget exhaustion; the
				// remaining attempts stay unused and the refusal is the
				// authoritative cause.
				o.logger.Info("advisor declared failure unfixable",
					"deployment_id", dep.ID, "attempt", dep.AttemptNumber,
					"attempts_remaining", dep.MaxAttempts-dep.AttemptNumber)
				o.fail(dep, sessErr)
				return
			}
			if errors.Is(sessErr, ErrArtifactConflict) {
				// A racing writer owns the config set now; the session's edits
				// are stale and must not be replayed against the new head.
				o.fail(dep, sessErr)
				return
			}
			// Transient session failure: an advisor timeout or call error
			// consumes the attempt, and the loop re-enters building while the
			// budget has room.
			if dep.AttemptNumber >= dep.MaxAttempts {
				o.fail(dep, fmt.Errorf("attempt budget exhausted after %d attempts: %s",
					dep.AttemptNumber, sessErr.Error()))
				return
			}
			o.logger.Warn("remediation session failed, consuming attempt",
				"deployment_id", dep.ID, "attempt", dep.AttemptNumber, "error", sessErr)
			o.hub.Publish(dep.ID, broadcast.Event{
				Type:         broadcast.EventError,
				DeploymentID: dep.ID,
				Attempt:      dep.AttemptNumber,
				Error:        sessErr.Error(),
				Timestamp:    time.Now().UTC(),
			})
			dep.AttemptNumber++
			continue
		}
		if session != nil {
			agentState = session.AgentState
		}

		// The retry edge exists only while the budget has room: a remediation
		// on the final attempt is recorded but never re-enters building.
		if dep.AttemptNumber >= dep.MaxAttempts {
			o.fail(dep, fmt.Errorf("attempt budget exhausted after %d attempts: %s",
				dep.AttemptNumber, lastFailure.Error()))
			return
		}

		dep.AttemptNumber++
		o.logger.Info("re-entering build after remediation",
			"deployment_id", dep.ID, "attempt", dep.AttemptNumber)
	}
}

// preFlight validates platform availability and artifact presence.
func (o *Orchestrator) preFlight(ctx context.Context, dep *domain.Deployment) error {
	o.transition(dep, domain.DeploymentPreFlight, "validating deployment")

	if dep.Platform != domain.PlatformDocker {
		return fmt.Errorf("%w: platform %q is not enabled", ErrValidation, dep.Platform)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := o.executor.Ping(pingCtx); err != nil {
		return fmt.Errorf("%w: executor unavailable: %v", ErrValidation, err)
	}
	files, err := o.collectArtifacts(ctx, dep.ConfigSetID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: config set %s has no artifacts", ErrValidation, dep.ConfigSetID)
		}
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: config set %s has no artifacts", ErrValidation, dep.ConfigSetID)
	}
	return nil
}

// attemptOutcome carries the successful deploy results for the final
// transition to running.
type attemptOutcome struct {
	imageTag    string
	containerID string
	ports       []domain.PortMapping
	url         string
}

// attempt executes one build+deploy cycle. A functional failure is returned
// as *ExecutorFailure with nil error; infrastructure problems and faults that
// must not enter remediation are returned as errors.
func (o *Orchestrator) attempt(ctx context.Context, dep *domain.Deployment) (*ExecutorFailure, *attemptOutcome, error) {
	o.transition(dep, domain.DeploymentBuilding, fmt.Sprintf("building image (attempt %d/%d)", dep.AttemptNumber, dep.MaxAttempts))

	files, err := o.collectArtifacts(ctx, dep.ConfigSetID)
	if err != nil {
		return nil, nil, err
	}

	buildCtx, cancelBuild := context.WithTimeout(ctx, o.cfg.BuildTimeout)
	build, err := o.executor.Build(buildCtx, executor.BuildRequest{
		DeploymentID:  dep.ID,
		ProjectID:     dep.ProjectID,
		AttemptNumber: dep.AttemptNumber,
		Artifacts:     files,
	})
	cancelBuild()
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ErrCancelled
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return &ExecutorFailure{Stage: "build", Logs: (&TimeoutError{Op: "build"}).Error()}, nil, nil
		}
		return nil, nil, fmt.Errorf("build: %w", err)
	}
	if !build.OK {
		return &ExecutorFailure{Stage: "build", Logs: build.Logs}, nil, nil
	}
	dep.ImageTag = build.ImageTag

	if ctx.Err() != nil {
		return nil, nil, ErrCancelled
	}
	o.transition(dep, domain.DeploymentDeploying, "starting container")

	deployCtx, cancelDeploy := context.WithTimeout(ctx, o.cfg.DeployTimeout)
	deploy, err := o.executor.Deploy(deployCtx, executor.DeployRequest{
		DeploymentID: dep.ID,
		ImageTag:     build.ImageTag,
	})
	cancelDeploy()
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ErrCancelled
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return &ExecutorFailure{Stage: "deploy", Logs: (&TimeoutError{Op: "deploy"}).Error()}, nil, nil
		}
		return nil, nil, fmt.Errorf("deploy: %w", err)
	}
	if deploy.ResourceFault {
		return nil, nil, fmt.Errorf("%w: %s", ErrResourceFault, deploy.Logs)
	}
	if !deploy.OK {
		return &ExecutorFailure{Stage: "deploy", Logs: deploy.Logs}, nil, nil
	}

	// Initial runtime verification. A failing probe is treated like a deploy
	// failure and enters the same remediation loop.
	probeCtx, cancelProbe := context.WithTimeout(ctx, 10*time.Second)
	health, err := o.executor.HealthCheck(probeCtx, deploy.ContainerID)
	cancelProbe()
	if err != nil && ctx.Err() != nil {
		return nil, nil, ErrCancelled
	}
	if err != nil || health != executor.HealthOK {
		logs := "post-deploy health check failed"
		if err != nil {
			logs = fmt.Sprintf("%s: %v", logs, err)
		}
		if terr := o.executor.Teardown(context.Background(), deploy.ContainerID); terr != nil {
			o.logger.Warn("container teardown failed", "deployment_id", dep.ID, "error", terr)
		}
		return &ExecutorFailure{Stage: "deploy", Logs: logs}, nil, nil
	}

	return nil, &attemptOutcome{
		imageTag:    build.ImageTag,
		containerID: deploy.ContainerID,
		ports:       deploy.Ports,
		url:         deploy.URL,
	}, nil
}

// succeed transitions to running, emits the single done event, and starts the
// observational health watcher.
func (o *Orchestrator) succeed(dep *domain.Deployment, outcome *attemptOutcome) {
	now := time.Now().UTC()
	dep.Status = domain.DeploymentRunning
	dep.ContainerID = outcome.containerID
	dep.ImageTag = outcome.imageTag
	dep.Ports = outcome.ports
	dep.DeployURL = outcome.url
	dep.CompletedAt = &now
	o.persist(dep)

	o.logger.Info("deployment running", "deployment_id", dep.ID,
		"container_id", dep.ContainerID, "url", dep.DeployURL, "attempt", dep.AttemptNumber)
	o.hub.Publish(dep.ID, broadcast.Event{
		Type:         broadcast.EventDone,
		DeploymentID: dep.ID,
		Status:       domain.DeploymentRunning,
		Attempt:      dep.AttemptNumber,
		Deployment:   broadcast.NewDeploymentView(*dep),
		Timestamp:    now,
	})

	if o.cfg.HealthProbeInterval > 0 {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.watchHealth(o.rootCtx, dep.ID, dep.ContainerID)
		}()
	}
}

// fail terminates the deployment with the authoritative cause attached
// verbatim for operator visibility.
func (o *Orchestrator) fail(dep *domain.Deployment, cause error) {
	now := time.Now().UTC()
	dep.Status = domain.DeploymentFailed
	dep.Error = cause.Error()
	dep.CompletedAt = &now
	o.persist(dep)

	o.logger.Error("deployment failed", "deployment_id", dep.ID,
		"attempt", dep.AttemptNumber, "error", cause)
	o.hub.Publish(dep.ID, broadcast.Event{
		Type:         broadcast.EventDone,
		DeploymentID: dep.ID,
		Status:       domain.DeploymentFailed,
		Attempt:      dep.AttemptNumber,
		Error:        dep.Error,
		Timestamp:    now,
	})
}

// cancelTerminal finalizes an operator cancellation.
func (o *Orchestrator) cancelTerminal(dep *domain.Deployment) {
	now := time.Now().UTC()
	dep.Status = domain.DeploymentCancelled
	dep.Error = ErrCancelled.Error()
	dep.CompletedAt = &now
	o.persist(dep)

	o.logger.Info("deployment cancelled", "deployment_id", dep.ID, "attempt", dep.AttemptNumber)
	o.hub.Publish(dep.ID, broadcast.Event{
		Type:         broadcast.EventDone,
		DeploymentID: dep.ID,
		Status:       domain.DeploymentCancelled,
		Attempt:      dep.AttemptNumber,
		Timestamp:    now,
	})
}

// cancelled checks the cooperative cancellation boundary.
func (o *Orchestrator) cancelled(ctx context.Context, dep *domain.Deployment) bool {
	if ctx.Err() == nil {
		return false
	}
	o.cancelTerminal(dep)
	return true
}

// transition persists and publishes a non-terminal status change.
func (o *Orchestrator) transition(dep *domain.Deployment, status, message string) {
	dep.Status = status
	o.persist(dep)
	o.logger.Info("deployment transition", "deployment_id", dep.ID,
		"status", status, "attempt", dep.AttemptNumber)
	o.hub.Publish(dep.ID, broadcast.Event{
		Type:         broadcast.EventProgress,
		DeploymentID: dep.ID,
		Status:       status,
		Attempt:      dep.AttemptNumber,
		Message:      message,
		Timestamp:    time.Now().UTC(),
	})
}

// persist writes the deployment's current state. Persistence failures are
// logged; the in-memory state machine remains authoritative for this run.
func (o *Orchestrator) persist(dep *domain.Deployment) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deployments.UpdateDeployment(ctx, domain.DeploymentUpdate{
		DeploymentID:  dep.ID,
		Status:        dep.Status,
		AttemptNumber: dep.AttemptNumber,
		ContainerID:   dep.ContainerID,
		ImageTag:      dep.ImageTag,
		Ports:         dep.Ports,
		DeployURL:     dep.DeployURL,
		Error:         dep.Error,
		StartedAt:     dep.StartedAt,
		CompletedAt:   dep.CompletedAt,
	}); err != nil {
		o.logger.Error("failed to persist deployment state",
			"deployment_id", dep.ID, "status", dep.Status, "error", err)
	}
}

// watchHealth probes the running container periodically and records health
// regressions as degraded. The watcher is observational: it never consumes an
// attempt and never emits another done event.
func (o *Orchestrator) watchHealth(ctx context.Context, deploymentID, containerID string) {
	ticker := time.NewTicker(o.cfg.HealthProbeInterval)
	defer ticker.Stop()
	status := domain.DeploymentRunning
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			health, err := o.executor.HealthCheck(probeCtx, containerID)
			cancel()
			if ctx.Err() != nil {
				return
			}
			next := domain.DeploymentRunning
			if err != nil || health != executor.HealthOK {
				next = domain.DeploymentDegraded
			}
			if next == status {
				continue
			}
			status = next
			o.logger.Warn("deployment health changed",
				"deployment_id", deploymentID, "container_id", containerID, "status", status)
			updCtx, cancelUpd := context.WithTimeout(context.Background(), 5*time.Second)
			if err := o.deployments.UpdateDeployment(updCtx, domain.DeploymentUpdate{
				DeploymentID: deploymentID,
				Status:       status,
			}); err != nil {
				o.logger.Error("failed to persist health status",
					"deployment_id", deploymentID, "error", err)
			}
			cancelUpd()
		}
	}
}
