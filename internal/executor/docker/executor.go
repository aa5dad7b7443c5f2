package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/go-connections/nat"

	"github.com/harborhq/stevedore/internal/domain"
	"github.com/harborhq/stevedore/internal/executor"
	"github.com/harborhq/stevedore/internal/workspace"
)

const (
	defaultAppPortNumber = 3000
	defaultHostFallback  = "host.docker.internal"
	buildLogTailLines    = 200
)

// Executor implements the build/run contract on the local Docker daemon.
type Executor struct {
	client    *Client
	workspace *workspace.Manager
	logger    *slog.Logger
	registry  string
}

var _ executor.Executor = (*Executor)(nil)

// NewExecutor constructs a Docker-backed executor.
func NewExecutor(cli *Client, ws *workspace.Manager, logger *slog.Logger, registry string) *Executor {
	return &Executor{client: cli, workspace: ws, logger: logger, registry: registry}
}

// Ping verifies daemon connectivity.
func (e *Executor) Ping(ctx context.Context) error {
	return e.client.Ping(ctx)
}

// Build materializes the artifact bundle into a workspace directory and runs a
// docker image build. A failing build returns OK=false with accumulated logs;
// only infrastructure problems (workspace, daemon transport) return an error.
func (e *Executor) Build(ctx context.Context, req executor.BuildRequest) (executor.BuildResult, error) {
	if len(req.Artifacts) == 0 {
		return executor.BuildResult{}, fmt.Errorf("no artifacts to build")
	}
	if e.workspace == nil {
		return executor.BuildResult{}, fmt.Errorf("workspace manager not initialised")
	}

	dir, err := e.workspace.Prepare(fmt.Sprintf("%s-%d", req.DeploymentID, req.AttemptNumber))
	if err != nil {
		return executor.BuildResult{}, err
	}
	defer func() {
		if err := e.workspace.Cleanup(dir); err != nil {
			e.logger.Error("workspace cleanup failed", "deployment_id", req.DeploymentID, "error", err)
		}
	}()

	files := make(map[string]string, len(req.Artifacts))
	hasDockerfile := false
	for _, a := range req.Artifacts {
		files[a.FileName] = a.Content
		if strings.EqualFold(a.FileName, "Dockerfile") {
			hasDockerfile = true
		}
	}
	if !hasDockerfile {
		return executor.BuildResult{
			OK:   false,
			Logs: "dockerfile not found in artifact bundle (expected Dockerfile)",
		}, nil
	}
	if err := e.workspace.Materialize(dir, files); err != nil {
		return executor.BuildResult{}, err
	}

	tag := e.imageTag(req)
	tail := newLogTail(buildLogTailLines)
	if err := e.buildImage(ctx, dir, tag, func(line string) {
		e.logger.Debug("docker build output", "deployment_id", req.DeploymentID, "line", line)
		tail.Add(line)
	}); err != nil {
		if ctx.Err() != nil {
			return executor.BuildResult{}, ctx.Err()
		}
		tail.Add(err.Error())
		return executor.BuildResult{OK: false, ImageTag: tag, Logs: tail.String()}, nil
	}
	return executor.BuildResult{OK: true, ImageTag: tag, Logs: tail.String()}, nil
}

// Deploy runs a container from the built image with an ephemeral host port.
func (e *Executor) Deploy(ctx context.Context, req executor.DeployRequest) (executor.DeployResult, error) {
	if strings.TrimSpace(req.ImageTag) == "" {
		return executor.DeployResult{}, fmt.Errorf("image tag required")
	}
	port := req.Port
	if port <= 0 {
		port = defaultAppPortNumber
	}
	appPort := nat.Port(fmt.Sprintf("%d/tcp", port))

	// Replace any container left behind by a previous attempt.
	if err := e.removeContainer(ctx, containerName(req.DeploymentID)); err != nil {
		e.logger.Warn("remove existing container failed", "deployment_id", req.DeploymentID, "error", err)
	}

	cfg := &container.Config{
		Image:        req.ImageTag,
		Env:          req.Env,
		ExposedPorts: map[nat.Port]struct{}{appPort: {}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			appPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
		RestartPolicy: container.RestartPolicy{Name: "always"},
	}

	created, err := e.client.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(req.DeploymentID))
	if err != nil {
		if ctx.Err() != nil {
			return executor.DeployResult{}, ctx.Err()
		}
		return executor.DeployResult{
			OK:            false,
			Logs:          err.Error(),
			ResourceFault: isResourceFault(err),
		}, nil
	}
	if err := e.client.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		if ctx.Err() != nil {
			return executor.DeployResult{}, ctx.Err()
		}
		return executor.DeployResult{
			OK:            false,
			ContainerID:   created.ID,
			Logs:          err.Error(),
			ResourceFault: isResourceFault(err),
		}, nil
	}

	bindings, err := e.waitForHostPort(ctx, created.ID)
	if err != nil {
		return executor.DeployResult{}, err
	}

	ports := portMappings(bindings)
	url := ""
	if len(ports) > 0 {
		url = fmt.Sprintf("http://%s:%d", defaultHostFallback, ports[0].HostPort)
	}
	return executor.DeployResult{
		OK:          true,
		ContainerID: created.ID,
		Ports:       ports,
		URL:         url,
	}, nil
}

// HealthCheck inspects the container and reports degraded when it is not
// running or its healthcheck is failing.
func (e *Executor) HealthCheck(ctx context.Context, containerID string) (executor.Health, error) {
	if strings.TrimSpace(containerID) == "" {
		return executor.HealthDegraded, fmt.Errorf("container id required")
	}
	inspect, err := e.client.inner.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return executor.HealthDegraded, nil
		}
		return executor.HealthDegraded, fmt.Errorf("container inspect: %w", err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return executor.HealthDegraded, nil
	}
	if inspect.State.Health != nil && strings.EqualFold(inspect.State.Health.Status, "unhealthy") {
		return executor.HealthDegraded, nil
	}
	return executor.HealthOK, nil
}

// Teardown force-removes a container if it exists.
func (e *Executor) Teardown(ctx context.Context, containerID string) error {
	return e.removeContainer(ctx, containerID)
}

func (e *Executor) removeContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	if err := e.client.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func (e *Executor) waitForHostPort(ctx context.Context, containerID string) (nat.PortMap, error) {
	var inspect types.ContainerJSON
	var err error
	for attempt := 0; attempt < 10; attempt++ {
		inspect, err = e.client.inner.ContainerInspect(ctx, containerID)
		if err != nil {
			return nil, fmt.Errorf("container inspect: %w", err)
		}
		if hasHostPort(inspect.NetworkSettings) {
			break
		}
		if attempt == 9 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for host port: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
	if inspect.NetworkSettings == nil || inspect.NetworkSettings.Ports == nil {
		return nat.PortMap{}, nil
	}
	return inspect.NetworkSettings.Ports, nil
}

func (e *Executor) buildImage(ctx context.Context, dir, tag string, onOutput func(string)) error {
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
	}
	resp, err := e.client.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()
	decoder := json.NewDecoder(resp.Body)
	for {
		var msg imageBuildMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("decode build output: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return fmt.Errorf("docker image build: %s", errMsg)
		}
		line := msg.render()
		if line != "" && onOutput != nil {
			onOutput(line)
		}
	}
	return nil
}

func (e *Executor) imageTag(req executor.BuildRequest) string {
	registry := strings.TrimSuffix(e.registry, "/")
	if registry == "" {
		registry = "local"
	}
	return fmt.Sprintf("%s/%s:%s-a%d", registry, req.ProjectID, req.DeploymentID, req.AttemptNumber)
}

func containerName(deploymentID string) string {
	return "stevedore-" + deploymentID
}

func portMappings(bindings nat.PortMap) []domain.PortMapping {
	var out []domain.PortMapping
	for port, hostBindings := range bindings {
		for _, b := range hostBindings {
			hostPort, err := strconv.Atoi(strings.TrimSpace(b.HostPort))
			if err != nil || hostPort <= 0 {
				continue
			}
			out = append(out, domain.PortMapping{
				HostPort:      hostPort,
				ContainerPort: port.Int(),
				Protocol:      port.Proto(),
			})
		}
	}
	return out
}

func hasHostPort(settings *types.NetworkSettings) bool {
	if settings == nil || settings.Ports == nil {
		return false
	}
	for _, bindings := range settings.Ports {
		for _, binding := range bindings {
			if strings.TrimSpace(binding.HostPort) != "" {
				return true
			}
		}
	}
	return false
}

func isResourceFault(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "port is already allocated") ||
		strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "no space left on device") ||
		strings.Contains(msg, "cannot allocate memory")
}

type imageBuildMessage struct {
	Stream      string                `json:"stream"`
	Status      string                `json:"status"`
	ID          string                `json:"id"`
	Progress    string                `json:"progress"`
	Error       string                `json:"error"`
	ErrorDetail imageBuildErrorDetail `json:"errorDetail"`
	Aux         map[string]any        `json:"aux"`
}

type imageBuildErrorDetail struct {
	Message string `json:"message"`
}

func (m imageBuildMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	if strings.TrimSpace(m.ErrorDetail.Message) != "" {
		return strings.TrimSpace(m.ErrorDetail.Message)
	}
	return ""
}

func (m imageBuildMessage) render() string {
	if m.Stream != "" {
		return strings.TrimSpace(m.Stream)
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if strings.TrimSpace(m.ID) != "" {
			parts = append(parts, strings.TrimSpace(m.ID))
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		if progress := strings.TrimSpace(m.Progress); progress != "" {
			parts = append(parts, progress)
		}
		return strings.Join(parts, " ")
	}
	if len(m.Aux) > 0 {
		if id, ok := m.Aux["ID"]; ok {
			return fmt.Sprintf("image id: %v", id)
		}
	}
	return ""
}

// logTail retains the last n non-empty lines of build output.
type logTail struct {
	lines []string
	max   int
}

func newLogTail(max int) *logTail {
	return &logTail{max: max}
}

func (t *logTail) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *logTail) String() string {
	return strings.Join(t.lines, "\n")
}
