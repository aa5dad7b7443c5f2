package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
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

const terminalWait = 5 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDeploymentRepo struct {
	mu          sync.Mutex
	deployments map[string]*domain.Deployment
}

func newFakeDeploymentRepo() *fakeDeploymentRepo {
	return &fakeDeploymentRepo{deployments: make(map[string]*domain.Deployment)}
}

func (r *fakeDeploymentRepo) CreateDeployment(_ context.Context, dep *domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *dep
	r.deployments[dep.ID] = &copied
	return nil
}

func (r *fakeDeploymentRepo) UpdateDeployment(_ context.Context, upd domain.DeploymentUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dep, ok := r.deployments[upd.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	dep.Status = upd.Status
	if upd.AttemptNumber > dep.AttemptNumber {
		dep.AttemptNumber = upd.AttemptNumber
	}
	if upd.ContainerID != "" {
		dep.ContainerID = upd.ContainerID
	}
	if upd.ImageTag != "" {
		dep.ImageTag = upd.ImageTag
	}
	if len(upd.Ports) > 0 {
		dep.Ports = upd.Ports
	}
	if upd.DeployURL != "" {
		dep.DeployURL = upd.DeployURL
	}
	if upd.Error != "" {
		dep.Error = upd.Error
	}
	if upd.StartedAt != nil {
		dep.StartedAt = upd.StartedAt
	}
	if upd.CompletedAt != nil {
		dep.CompletedAt = upd.CompletedAt
	}
	dep.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *fakeDeploymentRepo) GetDeploymentByID(_ context.Context, id string) (*domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dep, ok := r.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *dep
	return &copied, nil
}

func (r *fakeDeploymentRepo) ListDeploymentsByProject(_ context.Context, projectID string, _ int) ([]domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Deployment
	for _, dep := range r.deployments {
		if dep.ProjectID == projectID {
			out = append(out, *dep)
		}
	}
	return out, nil
}

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*domain.Session)}
}

func (r *fakeSessionRepo) CreateSession(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *s
	r.sessions[s.ID] = &copied
	return nil
}

func (r *fakeSessionRepo) UpdateSession(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *s
	r.sessions[s.ID] = &copied
	return nil
}

func (r *fakeSessionRepo) GetSessionByID(_ context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (r *fakeSessionRepo) ListSessionsByDeployment(_ context.Context, deploymentID string) ([]domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Session
	for _, s := range r.sessions {
		if s.DeploymentID == deploymentID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

type fakeArtifactRepo struct {
	mu        sync.Mutex
	revisions map[string][]domain.ArtifactRevision // keyed configSetID/fileName
}

func newFakeArtifactRepo() *fakeArtifactRepo {
	return &fakeArtifactRepo{revisions: make(map[string][]domain.ArtifactRevision)}
}

func (r *fakeArtifactRepo) seed(configSetID, fileName, content string) {
	_ = r.AppendArtifactRevision(context.Background(), &domain.ArtifactRevision{
		ID:          uuid.NewString(),
		ConfigSetID: configSetID,
		FileName:    fileName,
		Content:     content,
		Revision:    1,
		CreatedAt:   time.Now().UTC(),
	})
}

func (r *fakeArtifactRepo) ListArtifacts(_ context.Context, configSetID string) ([]domain.ArtifactFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ArtifactFile
	for key, revs := range r.revisions {
		if !strings.HasPrefix(key, configSetID+"/") || len(revs) == 0 {
			continue
		}
		head := revs[len(revs)-1]
		out = append(out, domain.ArtifactFile{
			ConfigSetID: head.ConfigSetID,
			FileName:    head.FileName,
			Content:     head.Content,
			Revision:    head.Revision,
			UpdatedAt:   head.CreatedAt,
		})
	}
	if len(out) == 0 {
		return nil, repository.ErrNotFound
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })
	return out, nil
}

func (r *fakeArtifactRepo) GetArtifactHead(_ context.Context, configSetID, fileName string) (*domain.ArtifactFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	revs := r.revisions[configSetID+"/"+fileName]
	if len(revs) == 0 {
		return nil, repository.ErrNotFound
	}
	head := revs[len(revs)-1]
	return &domain.ArtifactFile{
		ConfigSetID: head.ConfigSetID,
		FileName:    head.FileName,
		Content:     head.Content,
		Revision:    head.Revision,
		UpdatedAt:   head.CreatedAt,
	}, nil
}

func (r *fakeArtifactRepo) AppendArtifactRevision(_ context.Context, rev *domain.ArtifactRevision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := rev.ConfigSetID + "/" + rev.FileName
	for _, existing := range r.revisions[key] {
		if existing.Revision == rev.Revision {
			return repository.ErrConflict
		}
	}
	r.revisions[key] = append(r.revisions[key], *rev)
	return nil
}

func (r *fakeArtifactRepo) ListArtifactRevisions(_ context.Context, configSetID, fileName string, limit int) ([]domain.ArtifactRevision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	revs := r.revisions[configSetID+"/"+fileName]
	out := make([]domain.ArtifactRevision, 0, len(revs))
	for i := len(revs) - 1; i >= 0; i-- {
		out = append(out, revs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type fakeExecutor struct {
	mu            sync.Mutex
	buildFailures int
	buildCalls    int
	deployCalls   int
	deployFault   bool
	healthCalls   int
}

func (e *fakeExecutor) Build(_ context.Context, req executor.BuildRequest) (executor.BuildResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buildCalls++
	if e.buildCalls <= e.buildFailures {
		return executor.BuildResult{OK: false, Logs: fmt.Sprintf("compile error on attempt %d", req.AttemptNumber)}, nil
	}
	return executor.BuildResult{OK: true, ImageTag: "stevedore/" + req.ProjectID + ":a1"}, nil
}

func (e *fakeExecutor) Deploy(_ context.Context, req executor.DeployRequest) (executor.DeployResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deployCalls++
	if e.deployFault {
		return executor.DeployResult{ResourceFault: true, Logs: "port is already allocated"}, nil
	}
	return executor.DeployResult{
		OK:          true,
		ContainerID: "cont-" + req.DeploymentID,
		Ports:       []domain.PortMapping{{HostPort: 49200, ContainerPort: 8080, Protocol: "tcp"}},
		URL:         "http://127.0.0.1:49200",
	}, nil
}

func (e *fakeExecutor) HealthCheck(_ context.Context, _ string) (executor.Health, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthCalls++
	return executor.HealthOK, nil
}

func (e *fakeExecutor) Teardown(_ context.Context, _ string) error { return nil }
func (e *fakeExecutor) Ping(_ context.Context) error               { return nil }

type fakeAdvisor struct {
	mu      sync.Mutex
	calls   int
	propose func(ctx context.Context, call int, req advisor.Request) (advisor.Proposal, error)
}

func (a *fakeAdvisor) Propose(ctx context.Context, req advisor.Request) (advisor.Proposal, error) {
	a.mu.Lock()
	a.calls++
	call := a.calls
	fn := a.propose
	a.mu.Unlock()
	if fn == nil {
		return advisor.Proposal{}, fmt.Errorf("unexpected advisor call %d", call)
	}
	return fn(ctx, call, req)
}

func (a *fakeAdvisor) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type testHarness struct {
	orch     *Orchestrator
	depRepo  *fakeDeploymentRepo
	sessRepo *fakeSessionRepo
	artRepo  *fakeArtifactRepo
	store    *artifact.Store
	hub      *broadcast.Hub
	exec     *fakeExecutor
	adv      *fakeAdvisor
}

func newTestHarness(t *testing.T, exec *fakeExecutor, adv *fakeAdvisor) *testHarness {
	t.Helper()
	log := discardLogger()
	depRepo := newFakeDeploymentRepo()
	sessRepo := newFakeSessionRepo()
	artRepo := newFakeArtifactRepo()
	store := artifact.NewStore(artRepo, log)
	hub := broadcast.NewHub(log, 64, time.Minute)

	cfg := config.ServerConfig{
		BuildTimeout:       time.Second,
		DeployTimeout:      time.Second,
		ArtifactTimeout:    time.Second,
		AdvisorTimeout:     time.Second,
		DefaultMaxAttempts: 3,
	}
	orch := New(depRepo, sessRepo, store, exec, adv, hub, log, cfg)
	t.Cleanup(func() {
		orch.Close()
		hub.Stop()
	})
	return &testHarness{orch: orch, depRepo: depRepo, sessRepo: sessRepo, artRepo: artRepo, store: store, hub: hub, exec: exec, adv: adv}
}

func (h *testHarness) waitForTerminal(t *testing.T, deploymentID string) domain.Deployment {
	t.Helper()
	deadline := time.Now().Add(terminalWait)
	for time.Now().Before(deadline) {
		dep, err := h.depRepo.GetDeploymentByID(context.Background(), deploymentID)
		if err != nil {
			t.Fatalf("fetch deployment: %v", err)
		}
		if dep.Terminal() {
			return *dep
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("deployment %s never reached a terminal state", deploymentID)
	return domain.Deployment{}
}

type collectingSubscriber struct {
	mu     sync.Mutex
	events []broadcast.Event
	closed bool
}

func (c *collectingSubscriber) Send(payload []byte) error {
	var event broadcast.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	return nil
}

func (c *collectingSubscriber) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *collectingSubscriber) snapshot() []broadcast.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]broadcast.Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestDeploymentSucceedsOnFirstAttempt(t *testing.T) {
	exec := &fakeExecutor{}
	adv := &fakeAdvisor{}
	h := newTestHarness(t, exec, adv)
	h.artRepo.seed("cs-1", "Dockerfile", "FROM alpine")

	dep, err := h.orch.Start(context.Background(), StartRequest{ConfigSetID: "cs-1", ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	final := h.waitForTerminal(t, dep.ID)
	if final.Status != domain.DeploymentRunning {
		t.Fatalf("expected running, got %s (error: %s)", final.Status, final.Error)
	}
	if final.AttemptNumber != 1 {
		t.Fatalf("expected attempt 1, got %d", final.AttemptNumber)
	}
	if final.ContainerID == "" || final.DeployURL == "" || len(final.Ports) == 0 {
		t.Fatalf("expected container id, url and ports on success, got %+v", final)
	}
	if adv.callCount() != 0 {
		t.Fatalf("expected no advisor calls, got %d", adv.callCount())
	}
	sessions, _ := h.sessRepo.ListSessionsByDeployment(context.Background(), dep.ID)
	if len(sessions) != 0 {
		t.Fatalf("expected no remediation sessions, got %d", len(sessions))
	}
}

func TestLateSubscriberSeesOrderedStreamWithSingleDone(t *testing.T) {
	exec := &fakeExecutor{}
	adv := &fakeAdvisor{}
	h := newTestHarness(t, exec, adv)
	h.artRepo.seed("cs-1", "Dockerfile", "FROM alpine")

	dep, err := h.orch.Start(context.Background(), StartRequest{ConfigSetID: "cs-1", ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	h.waitForTerminal(t, dep.ID)

	sub := &collectingSubscriber{}
	h.hub.Register(dep.ID, sub, nil)

	var events []broadcast.Event
	deadline := time.Now().Add(terminalWait)
	for time.Now().Before(deadline) {
		events = sub.snapshot()
		if containsDone(events) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !containsDone(events) {
		t.Fatalf("backlog replay never delivered a done event, got %d events", len(events))
	}

	doneCount := 0
	var statuses []string
	for _, e := range events {
		if e.Type == broadcast.EventDone {
			doneCount++
		}
		if e.Type == broadcast.EventProgress {
			statuses = append(statuses, e.Status)
		}
	}
	if doneCount != 1 {
		t.Fatalf("expected exactly one done event, got %d", doneCount)
	}
	want := []string{domain.DeploymentPreFlight, domain.DeploymentBuilding, domain.DeploymentDeploying}
	if len(statuses) != len(want) {
		t.Fatalf("expected progress statuses %v, got %v", want, statuses)
	}
	for i, s := range want {
		if statuses[i] != s {
			t.Fatalf("expected progress statuses %v, got %v", want, statuses)
		}
	}
	if last := events[len(events)-1]; last.Type != broadcast.EventDone || last.Status != domain.DeploymentRunning {
		t.Fatalf("expected terminal done(running), got %s(%s)", last.Type, last.Status)
	}
}

func containsDone(events []broadcast.Event) bool {
	for _, e := range events {
		if e.Type == broadcast.EventDone {
			return true
		}
	}
	return false
}

func TestBudgetExhaustionRunsOneSessionPerFailedAttempt(t *testing.T) {
	exec := &fakeExecutor{buildFailures: 100} // never builds
	adv := &fakeAdvisor{}
	adv.propose = func(_ context.Context, call int, req advisor.Request) (advisor.Proposal, error) {
		return advisor.Proposal{
			Edits:      []advisor.Edit{{File: "Dockerfile", Content: fmt.Sprintf("FROM alpine # fix %d", call), Reason: "retry base image"}},
			AgentState: fmt.Sprintf("state-%d", call),
		}, nil
	}
	h := newTestHarness(t, exec, adv)
	h.artRepo.seed("cs-1", "Dockerfile", "FROM alpine")

	dep, err := h.orch.Start(context.Background(), StartRequest{ConfigSetID: "cs-1", ProjectID: "proj-1", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	final := h.waitForTerminal(t, dep.ID)
	if final.Status != domain.DeploymentFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.AttemptNumber != 3 {
		t.Fatalf("expected attempt to stop at maxAttempts=3, got %d", final.AttemptNumber)
	}
	if !strings.Contains(final.Error, "attempt budget exhausted") {
		t.Fatalf("expected budget exhaustion as the terminal cause, got %q", final.Error)
	}

	exec.mu.Lock()
	builds := exec.buildCalls
	exec.mu.Unlock()
	if builds != 3 {
		t.Fatalf("expected exactly 3 build attempts, got %d", builds)
	}

	sessions, _ := h.sessRepo.ListSessionsByDeployment(context.Background(), dep.ID)
	if len(sessions) != 3 {
		t.Fatalf("expected one session per failed attempt, got %d", len(sessions))
	}
	for i, s := range sessions {
		if s.AttemptNumber != i+1 {
			t.Fatalf("expected sessions ordered by attempt, got attempt %d at index %d", s.AttemptNumber, i)
		}
		if s.Status != domain.SessionCompleted {
			t.Fatalf("expected session %d completed, got %s", i+1, s.Status)
		}
		if len(s.FileChanges) != 1 {
			t.Fatalf("expected one file change per session, got %d in session %d", len(s.FileChanges), i+1)
		}
	}

	// Each remediation appended one revision on top of the seed.
	head, err := h.artRepo.GetArtifactHead(context.Background(), "cs-1", "Dockerfile")
	if err != nil {
		t.Fatalf("fetch artifact head: %v", err)
	}
	if head.Revision != 4 {
		t.Fatalf("expected head revision 4 after 3 remediations, got %d", head.Revision)
	}
}

func TestAdvisorStateIsCarriedBetweenSessions(t *testing.T) {
	exec := &fakeExecutor{buildFailures: 100}
	adv := &fakeAdvisor{}
	var mu sync.Mutex
	var observedStates []string
	adv.propose = func(_ context.Context, call int, req advisor.Request) (advisor.Proposal, error) {
		mu.Lock()
		observedStates = append(observedStates, req.AgentState)
		mu.Unlock()
		return advisor.Proposal{
			Edits:      []advisor.Edit{{File: "Dockerfile", Content: fmt.Sprintf("FROM alpine:%d", call)}},
			AgentState: fmt.Sprintf("state-%d", call),
		}, nil
	}
	h := newTestHarness(t, exec, adv)
	h.artRepo.seed("cs-1", "Dockerfile", "FROM alpine")

	dep, err := h.orch.Start(context.Background(), StartRequest{ConfigSetID: "cs-1", ProjectID: "proj-1", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	h.waitForTerminal(t, dep.ID)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"", "state-1", "state-2"}
	if len(observedStates) != len(want) {
		t.Fatalf("expected %d advisor calls, got %d", len(want), len(observedStates))
	}
	for i, s := range want {
		if observedStates[i] != s {
			t.Fatalf("expected advisor state %q on call %d, got %q", s, i+1, observedStates[i])
		}
	}
}

func TestUnfixableFailsWithUnusedAttempts(t *testing.T) {
	exec := &fakeExecutor{buildFailures: 100}
	adv := &fakeAdvisor{}
	adv.propose = func(context.Context, int, advisor.Request) (advisor.Proposal, error) {
		return advisor.Proposal{Unfixable: true, Rationale: "missing upstream dependency"}, nil
	}
	h := newTestHarness(t, exec, adv)
	h.artRepo.seed("cs-1", "Dockerfile", "FROM alpine")

	dep, err := h.orch.Start(context.Background(), StartRequest{ConfigSetID: "cs-1", ProjectID: "proj-1", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	final := h.waitForTerminal(t, dep.ID)
	if final.Status != domain.DeploymentFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.AttemptNumber != 1 {
		t.Fatalf("expected attempt to stay at 1, got %d", final.AttemptNumber)
	}
	if !strings.Contains(final.Error, ErrUnfixable.Error()) {
		t.Fatalf("expected unfixable as the terminal cause, got %q", final.Error)
	}

	sessions, _ := h.sessRepo.ListSessionsByDeployment(context.Background(), dep.ID)
	if len(sessions) != 1 {
		t.Fatalf("expected exactly one session, got %d", len(sessions))
	}
	if sessions[0].Status != domain.SessionFailed {
		t.Fatalf("expected session failed, got %s", sessions[0].Status)
	}
	if len(sessions[0].FileChanges) != 0 {
		t.Fatalf("expected zero file changes on refusal, got %d", len(sessions[0].FileChanges))
	}

	head, err := h.artRepo.GetArtifactHead(context.Background(), "cs-1", "Dockerfile")
	if err != nil {
		t.Fatalf("fetch artifact head: %v", err)
	}
	if head.Revision != 1 {
		t.Fatalf("expected artifacts untouched on refusal, head revision %d", head.Revision)
	}
}

func TestCancelWhileAdvisorActiveDiscardsResult(t *testing.T) {
	exec := &fakeExecutor{buildFailures: 100}
	adv := &fakeAdvisor{}
	advisorEntered := make(chan struct{})
	adv.propose = func(ctx context.Context, _ int, _ advisor.Request) (advisor.Proposal, error) {
		close(advisorEntered)
		<-ctx.Done()
		return advisor.Proposal{}, ctx.Err()
	}
	h := newTestHarness(t, exec, adv)
	h.artRepo.seed("cs-1", "Dockerfile", "FROM alpine")

	dep, err := h.orch.Start(context.Background(), StartRequest{ConfigSetID: "cs-1", ProjectID: "proj-1", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	select {
	case <-advisorEntered:
	case <-time.After(terminalWait):
		t.Fatal("advisor was never invoked")
	}
	if !h.orch.Cancel(dep.ID) {
		t.Fatal("expected Cancel to find the running deployment")
	}

	final := h.waitForTerminal(t, dep.ID)
	if final.Status != domain.DeploymentCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}

	sessions, _ := h.sessRepo.ListSessionsByDeployment(context.Background(), dep.ID)
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	if sessions[0].Status != domain.SessionCancelled {
		t.Fatalf("expected session cancelled, got %s", sessions[0].Status)
	}
	if len(sessions[0].FileChanges) != 0 {
		t.Fatalf("expected discarded advisor result to apply no edits, got %d changes", len(sessions[0].FileChanges))
	}
	head, err := h.artRepo.GetArtifactHead(context.Background(), "cs-1", "Dockerfile")
	if err != nil {
		t.Fatalf("fetch artifact head: %v", err)
	}
	if head.Revision != 1 {
		t.Fatalf("expected artifacts untouched after cancellation, head revision %d", head.Revision)
	}
}

func TestResourceFaultSkipsRemediation(t *testing.T) {
	exec := &fakeExecutor{deployFault: true}
	adv := &fakeAdvisor{}
	h := newTestHarness(t, exec, adv)
	h.artRepo.seed("cs-1", "Dockerfile", "FROM alpine")

	dep, err := h.orch.Start(context.Background(), StartRequest{ConfigSetID: "cs-1", ProjectID: "proj-1", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	final := h.waitForTerminal(t, dep.ID)
	if final.Status != domain.DeploymentFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if !strings.Contains(final.Error, ErrResourceFault.Error()) {
		t.Fatalf("expected resource fault as the terminal cause, got %q", final.Error)
	}
	if adv.callCount() != 0 {
		t.Fatalf("expected advisor to be skipped on resource fault, got %d calls", adv.callCount())
	}
	sessions, _ := h.sessRepo.ListSessionsByDeployment(context.Background(), dep.ID)
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions on resource fault, got %d", len(sessions))
	}
}

func TestStartRejectsMissingIdentifiers(t *testing.T) {
	h := newTestHarness(t, &fakeExecutor{}, &fakeAdvisor{})
	_, err := h.orch.Start(context.Background(), StartRequest{ProjectID: "proj-1"})
	if err == nil || !strings.Contains(err.Error(), ErrValidation.Error()) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPreFlightRejectsDisabledPlatform(t *testing.T) {
	h := newTestHarness(t, &fakeExecutor{}, &fakeAdvisor{})
	h.artRepo.seed("cs-1", "Dockerfile", "FROM alpine")

	dep, err := h.orch.Start(context.Background(), StartRequest{
		ConfigSetID: "cs-1", ProjectID: "proj-1", Platform: domain.PlatformKubernetes,
	})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	final := h.waitForTerminal(t, dep.ID)
	if final.Status != domain.DeploymentFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if !strings.Contains(final.Error, "not enabled") {
		t.Fatalf("expected disabled platform rejection, got %q", final.Error)
	}
}

func TestPreFlightRejectsEmptyConfigSet(t *testing.T) {
	h := newTestHarness(t, &fakeExecutor{}, &fakeAdvisor{})

	dep, err := h.orch.Start(context.Background(), StartRequest{ConfigSetID: "cs-empty", ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	final := h.waitForTerminal(t, dep.ID)
	if final.Status != domain.DeploymentFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if !strings.Contains(final.Error, "no artifacts") {
		t.Fatalf("expected missing artifact rejection, got %q", final.Error)
	}
}

func TestAdvisorTimeoutRetriesWithinBudget(t *testing.T) {
	exec := &fakeExecutor{buildFailures: 1}
	adv := &fakeAdvisor{}
	adv.propose = func(_ context.Context, call int, _ advisor.Request) (advisor.Proposal, error) {
		if call == 1 {
			return advisor.Proposal{}, context.DeadlineExceeded
		}
		return advisor.Proposal{Edits: []advisor.Edit{{File: "Dockerfile", Content: "FROM alpine:3.20"}}}, nil
	}
	h := newTestHarness(t, exec, adv)
	h.artRepo.seed("cs-1", "Dockerfile", "FROM alpine")

	dep, err := h.orch.Start(context.Background(), StartRequest{ConfigSetID: "cs-1", ProjectID: "proj-1", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	final := h.waitForTerminal(t, dep.ID)
	if final.Status != domain.DeploymentRunning {
		t.Fatalf("expected running after advisor timeout retry, got %s (error: %s)", final.Status, final.Error)
	}
	if final.AttemptNumber != 2 {
		t.Fatalf("expected the timed-out session to consume attempt 1, got attempt %d", final.AttemptNumber)
	}
	if adv.callCount() != 1 {
		t.Fatalf("expected one advisor call, got %d", adv.callCount())
	}

	sessions, _ := h.sessRepo.ListSessionsByDeployment(context.Background(), dep.ID)
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	if sessions[0].Status != domain.SessionFailed {
		t.Fatalf("expected timed-out session failed, got %s", sessions[0].Status)
	}
	if !strings.Contains(sessions[0].Error, "advisor timed out") {
		t.Fatalf("expected advisor timeout recorded on the session, got %q", sessions[0].Error)
	}
	if len(sessions[0].FileChanges) != 0 {
		t.Fatalf("expected no edits from a timed-out session, got %d", len(sessions[0].FileChanges))
	}
	head, err := h.artRepo.GetArtifactHead(context.Background(), "cs-1", "Dockerfile")
	if err != nil {
		t.Fatalf("fetch artifact head: %v", err)
	}
	if head.Revision != 1 {
		t.Fatalf("expected artifacts untouched by the timed-out session, head revision %d", head.Revision)
	}
}

func TestAdvisorTimeoutExhaustsBudget(t *testing.T) {
	exec := &fakeExecutor{buildFailures: 100}
	adv := &fakeAdvisor{}
	adv.propose = func(context.Context, int, advisor.Request) (advisor.Proposal, error) {
		return advisor.Proposal{}, context.DeadlineExceeded
	}
	h := newTestHarness(t, exec, adv)
	h.artRepo.seed("cs-1", "Dockerfile", "FROM alpine")

	dep, err := h.orch.Start(context.Background(), StartRequest{ConfigSetID: "cs-1", ProjectID: "proj-1", MaxAttempts: 2})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	final := h.waitForTerminal(t, dep.ID)
	if final.Status != domain.DeploymentFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.AttemptNumber != 2 {
		t.Fatalf("expected attempt to stop at maxAttempts=2, got %d", final.AttemptNumber)
	}
	if !strings.Contains(final.Error, "attempt budget exhausted") || !strings.Contains(final.Error, "advisor timed out") {
		t.Fatalf("expected budget exhaustion caused by the advisor timeout, got %q", final.Error)
	}

	sessions, _ := h.sessRepo.ListSessionsByDeployment(context.Background(), dep.ID)
	if len(sessions) != 2 {
		t.Fatalf("expected one session per attempt, got %d", len(sessions))
	}
	for i, s := range sessions {
		if s.Status != domain.SessionFailed || !strings.Contains(s.Error, "advisor timed out") {
			t.Fatalf("expected session %d failed on advisor timeout, got %s (%q)", i+1, s.Status, s.Error)
		}
	}
}

func TestArtifactConflictAbortsSession(t *testing.T) {
	exec := &fakeExecutor{buildFailures: 100}
	adv := &fakeAdvisor{}
	h := newTestHarness(t, exec, adv)
	h.artRepo.seed("cs-1", "Dockerfile", "FROM alpine")

	// A racing writer commits between the session's head read and its edit, so
	// the session's optimistic revision check must fail.
	adv.propose = func(ctx context.Context, _ int, _ advisor.Request) (advisor.Proposal, error) {
		if _, err := h.store.Write(ctx, artifact.WriteRequest{
			ConfigSetID: "cs-1", FileName: "Dockerfile", Content: "FROM busybox",
		}); err != nil {
			return advisor.Proposal{}, err
		}
		return advisor.Proposal{Edits: []advisor.Edit{{File: "Dockerfile", Content: "FROM alpine:3.20"}}}, nil
	}

	dep, err := h.orch.Start(context.Background(), StartRequest{ConfigSetID: "cs-1", ProjectID: "proj-1", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	final := h.waitForTerminal(t, dep.ID)
	if final.Status != domain.DeploymentFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if !strings.Contains(final.Error, ErrArtifactConflict.Error()) {
		t.Fatalf("expected artifact conflict as the terminal cause, got %q", final.Error)
	}
	if adv.callCount() != 1 {
		t.Fatalf("expected no retry after a conflict, got %d advisor calls", adv.callCount())
	}

	sessions, _ := h.sessRepo.ListSessionsByDeployment(context.Background(), dep.ID)
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	if sessions[0].Status != domain.SessionFailed {
		t.Fatalf("expected session failed, got %s", sessions[0].Status)
	}
	if !strings.Contains(sessions[0].Error, ErrArtifactConflict.Error()) {
		t.Fatalf("expected conflict recorded on the session, got %q", sessions[0].Error)
	}

	// The racing write owns the head; the stale edit was never applied.
	head, err := h.artRepo.GetArtifactHead(context.Background(), "cs-1", "Dockerfile")
	if err != nil {
		t.Fatalf("fetch artifact head: %v", err)
	}
	if head.Revision != 2 || head.Content != "FROM busybox" {
		t.Fatalf("expected the racing write to keep the head, got revision %d content %q", head.Revision, head.Content)
	}
}

func TestRemediationRecoversAfterSingleFailure(t *testing.T) {
	exec := &fakeExecutor{buildFailures: 1}
	adv := &fakeAdvisor{}
	adv.propose = func(context.Context, int, advisor.Request) (advisor.Proposal, error) {
		return advisor.Proposal{Edits: []advisor.Edit{{File: "Dockerfile", Content: "FROM alpine:3.20", Reason: "pin base"}}}, nil
	}
	h := newTestHarness(t, exec, adv)
	h.artRepo.seed("cs-1", "Dockerfile", "FROM alpine")

	dep, err := h.orch.Start(context.Background(), StartRequest{ConfigSetID: "cs-1", ProjectID: "proj-1", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	final := h.waitForTerminal(t, dep.ID)
	if final.Status != domain.DeploymentRunning {
		t.Fatalf("expected running after remediation, got %s (error: %s)", final.Status, final.Error)
	}
	if final.AttemptNumber != 2 {
		t.Fatalf("expected success on attempt 2, got %d", final.AttemptNumber)
	}
	sessions, _ := h.sessRepo.ListSessionsByDeployment(context.Background(), dep.ID)
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	if sessions[0].Status != domain.SessionCompleted {
		t.Fatalf("expected session completed, got %s", sessions[0].Status)
	}
	changes := sessions[0].FileChanges
	if len(changes) != 1 || changes[0].Before == nil || *changes[0].Before != "FROM alpine" || changes[0].After != "FROM alpine:3.20" {
		t.Fatalf("unexpected file change audit: %+v", changes)
	}
}
