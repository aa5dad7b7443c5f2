package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harborhq/stevedore/internal/artifact"
	"github.com/harborhq/stevedore/internal/broadcast"
	"github.com/harborhq/stevedore/internal/domain"
	"github.com/harborhq/stevedore/internal/orchestrator"
	"github.com/harborhq/stevedore/internal/repository"
	"github.com/harborhq/stevedore/internal/ws"
	"github.com/harborhq/stevedore/pkg/config"
)

const (
	healthCheckTimeout = 2 * time.Second

	rateLimitRead     = 120
	rateLimitWrite    = 30
	rateLimitRealtime = 10
	rateWindow        = time.Minute
)

// HealthFunc probes one backing dependency.
type HealthFunc func(ctx context.Context) error

// Router exposes the operator HTTP API.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	orch         *orchestrator.Orchestrator
	deployments  repository.DeploymentRepository
	sessions     repository.SessionRepository
	store        *artifact.Store
	hub          *broadcast.Hub
	limiter      RateLimiter
	cfg          config.ServerConfig
	dbHealth     HealthFunc
	dockerHealth HealthFunc
	upgrader     websocket.Upgrader

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	deployResults      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, orch *orchestrator.Orchestrator,
	deployments repository.DeploymentRepository, sessions repository.SessionRepository,
	store *artifact.Store, hub *broadcast.Hub, limiter RateLimiter,
	cfg config.ServerConfig, dbHealth, dockerHealth HealthFunc) *Router {
	r := &Router{
		mux:          http.NewServeMux(),
		logger:       logger,
		orch:         orch,
		deployments:  deployments,
		sessions:     sessions,
		store:        store,
		hub:          hub,
		limiter:      limiter,
		cfg:          cfg,
		dbHealth:     dbHealth,
		dockerHealth: dockerHealth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	r.initMetrics()
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases router-held resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) routes() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("/deployments", r.instrument("/deployments",
		r.auth(r.rateLimit(rateLimitWrite, rateWindow, r.handleDeployments))))
	r.mux.HandleFunc("/deployments/", r.instrument("/deployments/:id",
		r.auth(r.rateLimit(rateLimitRead, rateWindow, r.handleDeploymentByID))))
	r.mux.HandleFunc("/configsets/", r.instrument("/configsets/:id",
		r.auth(r.rateLimit(rateLimitWrite, rateWindow, r.handleConfigSet))))
	r.mux.HandleFunc("/ws/deployments", r.auth(r.rateLimit(rateLimitRealtime, rateWindow, r.handleDeploymentWS)))
}

// auth enforces the static service token when one is configured.
func (r *Router) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token := strings.TrimSpace(r.cfg.ServiceToken)
		if token == "" {
			next(w, req)
			return
		}
		provided := req.Header.Get("X-Service-Token")
		if provided == "" {
			provided = req.URL.Query().Get("token")
		}
		if provided != token {
			writeError(w, http.StatusUnauthorized, "invalid service token")
			return
		}
		next(w, req)
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	components := map[string]any{}
	for name, probe := range map[string]HealthFunc{"database": r.dbHealth, "docker": r.dockerHealth} {
		if probe == nil {
			continue
		}
		if err := probe(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components[name] = map[string]any{"status": "up"}
		}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.handleCreateDeployment(w, req)
	case http.MethodGet:
		r.handleListDeployments(w, req)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (r *Router) handleCreateDeployment(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		ConfigSetID        string `json:"config_set_id"`
		ProjectID          string `json:"project_id"`
		Platform           string `json:"platform"`
		MaxAttempts        int    `json:"max_attempts"`
		CustomInstructions string `json:"custom_instructions"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	dep, err := r.orch.Start(req.Context(), orchestrator.StartRequest{
		ConfigSetID:        payload.ConfigSetID,
		ProjectID:          payload.ProjectID,
		Platform:           payload.Platform,
		MaxAttempts:        payload.MaxAttempts,
		CustomInstructions: payload.CustomInstructions,
	})
	if err != nil {
		r.recordDeployResult("rejected")
		if errors.Is(err, orchestrator.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.recordDeployResult("accepted")
	writeJSON(w, http.StatusAccepted, broadcast.NewDeploymentView(*dep))
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request) {
	projectID := strings.TrimSpace(req.URL.Query().Get("project_id"))
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	deployments, err := r.deployments.ListDeploymentsByProject(req.Context(), projectID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]*broadcast.DeploymentView, 0, len(deployments))
	for _, d := range deployments {
		views = append(views, broadcast.NewDeploymentView(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": views})
}

func (r *Router) handleDeploymentByID(w http.ResponseWriter, req *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "deployment id required")
		return
	}
	deploymentID := parts[0]

	if len(parts) == 2 {
		switch parts[1] {
		case "sessions":
			r.handleListSessions(w, req, deploymentID)
		case "events":
			r.handleDeploymentSSE(w, req, deploymentID)
		default:
			writeError(w, http.StatusNotFound, "not found")
		}
		return
	}
	if len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch req.Method {
	case http.MethodGet:
		dep, err := r.deployments.GetDeploymentByID(req.Context(), deploymentID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				writeError(w, http.StatusNotFound, "deployment not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, broadcast.NewDeploymentView(*dep))
	case http.MethodDelete:
		if r.orch.Cancel(deploymentID) {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
			return
		}
		writeError(w, http.StatusConflict, "deployment is not running")
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (r *Router) handleListSessions(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessions, err := r.sessions.ListSessionsByDeployment(req.Context(), deploymentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessionViews(sessions)})
}

func (r *Router) handleConfigSet(w http.ResponseWriter, req *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/configsets/"), "/")
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] != "artifacts" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	configSetID := parts[0]

	if len(parts) == 2 {
		if req.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		files, err := r.store.Read(req.Context(), configSetID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				writeError(w, http.StatusNotFound, "config set not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifactViews(files)})
		return
	}

	fileName := parts[2]
	if strings.HasSuffix(fileName, "/revisions") {
		fileName = strings.TrimSuffix(fileName, "/revisions")
		r.handleArtifactRevisions(w, req, configSetID, fileName)
		return
	}
	if req.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload struct {
		Content          string `json:"content"`
		ExpectedRevision *int   `json:"expected_revision"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := r.store.Write(req.Context(), artifact.WriteRequest{
		ConfigSetID:      configSetID,
		FileName:         fileName,
		Content:          payload.Content,
		ExpectedRevision: payload.ExpectedRevision,
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			writeError(w, http.StatusConflict, "revision conflict")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"file":     result.FileName,
		"content":  result.Content,
		"revision": result.Revision,
	})
}

func (r *Router) handleArtifactRevisions(w http.ResponseWriter, req *http.Request, configSetID, fileName string) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	revisions, err := r.store.History(req.Context(), configSetID, fileName, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revisionViews(revisions)})
}

// handleDeploymentSSE streams progress events over Server-Sent Events. The
// connected snapshot is delivered first, then the retained backlog and live
// events until done.
func (r *Router) handleDeploymentSSE(w http.ResponseWriter, req *http.Request, deploymentID string) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	snapshot, err := r.snapshotEvent(req.Context(), deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(deploymentID, client, snapshot)
	defer func() {
		r.hub.Unregister(deploymentID, client)
		client.Close()
	}()
	<-req.Context().Done()
}

func (r *Router) handleDeploymentWS(w http.ResponseWriter, req *http.Request) {
	deploymentID := strings.TrimSpace(req.URL.Query().Get("deployment_id"))
	if deploymentID == "" {
		writeError(w, http.StatusBadRequest, "deployment_id query parameter required")
		return
	}
	snapshot, err := r.snapshotEvent(req.Context(), deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(deploymentID, client, snapshot)
	go func() {
		defer func() {
			r.hub.Unregister(deploymentID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) snapshotEvent(ctx context.Context, deploymentID string) (*broadcast.Event, error) {
	dep, err := r.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	return &broadcast.Event{
		Type:         broadcast.EventConnected,
		DeploymentID: dep.ID,
		Status:       dep.Status,
		Attempt:      dep.AttemptNumber,
		Deployment:   broadcast.NewDeploymentView(*dep),
		Timestamp:    time.Now().UTC(),
	}, nil
}

type sessionView struct {
	ID                 string                 `json:"id"`
	DeploymentID       string                 `json:"deployment_id"`
	AttemptNumber      int                    `json:"attempt_number"`
	Status             string                 `json:"status"`
	CustomInstructions string                 `json:"custom_instructions,omitempty"`
	FileChanges        []domain.FileChange    `json:"file_changes"`
	ActivityLog        []domain.ActivityEntry `json:"activity_log"`
	BuildLogs          string                 `json:"build_logs,omitempty"`
	Error              string                 `json:"error,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	CompletedAt        *time.Time             `json:"completed_at,omitempty"`
}

func sessionViews(sessions []domain.Session) []sessionView {
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView{
			ID:                 s.ID,
			DeploymentID:       s.DeploymentID,
			AttemptNumber:      s.AttemptNumber,
			Status:             s.Status,
			CustomInstructions: s.CustomInstructions,
			FileChanges:        s.FileChanges,
			ActivityLog:        s.ActivityLog,
			BuildLogs:          s.BuildLogs,
			Error:              s.Error,
			CreatedAt:          s.CreatedAt,
			CompletedAt:        s.CompletedAt,
		})
	}
	return out
}

type artifactView struct {
	File     string    `json:"file"`
	Content  string    `json:"content"`
	Revision int       `json:"revision"`
	Updated  time.Time `json:"updated_at"`
}

func artifactViews(files []domain.ArtifactFile) []artifactView {
	out := make([]artifactView, 0, len(files))
	for _, f := range files {
		out = append(out, artifactView{File: f.FileName, Content: f.Content, Revision: f.Revision, Updated: f.UpdatedAt})
	}
	return out
}

type revisionView struct {
	File      string    `json:"file"`
	Content   string    `json:"content"`
	Revision  int       `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
}

func revisionViews(revisions []domain.ArtifactRevision) []revisionView {
	out := make([]revisionView, 0, len(revisions))
	for _, rev := range revisions {
		out = append(out, revisionView{File: rev.FileName, Content: rev.Content, Revision: rev.Revision, CreatedAt: rev.CreatedAt})
	}
	return out
}
