package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harborhq/stevedore/internal/advisor"
	"github.com/harborhq/stevedore/internal/artifact"
	"github.com/harborhq/stevedore/internal/broadcast"
	"github.com/harborhq/stevedore/internal/domain"
	"github.com/harborhq/stevedore/internal/repository"
)

// runSession executes one remediation attempt: collect failure context, ask
// the advisor for edits, record the audit trail, and apply the edits to the
// artifact store. The session is single-shot; it leaves active exactly once.
func (o *Orchestrator) runSession(ctx context.Context, dep *domain.Deployment, failure *ExecutorFailure, instructions, agentState string) (*domain.Session, error) {
	if _, loaded := o.activeSessions.LoadOrStore(dep.ID, dep.ID); loaded {
		return nil, ErrSessionActive
	}
	defer o.activeSessions.Delete(dep.ID)

	now := time.Now().UTC()
	session := &domain.Session{
		ID:                 uuid.NewString(),
		DeploymentID:       dep.ID,
		AttemptNumber:      dep.AttemptNumber,
		Status:             domain.SessionActive,
		CustomInstructions: instructions,
		AgentState:         agentState,
		BuildLogs:          failure.Logs,
		CreatedAt:          now,
	}
	if err := o.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	o.activeSessions.Store(dep.ID, session.ID)

	files, err := o.collectArtifacts(ctx, dep.ConfigSetID)
	if err != nil {
		return o.finishSession(session, domain.SessionFailed, err)
	}

	proposal, err := o.propose(ctx, dep, session, failure, files)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			// Operator cancellation: the advisor result, if any, is discarded.
			return o.finishSession(session, domain.SessionCancelled, ErrCancelled)
		}
		return o.finishSession(session, domain.SessionFailed, err)
	}

	session.AgentState = proposal.AgentState
	for _, call := range proposal.ToolCalls {
		session.ActivityLog = append(session.ActivityLog, domain.ActivityEntry{
			ID:        uuid.NewString(),
			Type:      call.Type,
			Action:    call.Action,
			Input:     call.Input,
			Output:    call.Output,
			Timestamp: time.Now().UTC(),
		})
	}

	if proposal.Unfixable {
		o.publishSessionProgress(dep, session, "advisor declined to propose a fix")
		return o.finishSession(session, domain.SessionFailed, ErrUnfixable)
	}

	// Cancellation boundary between the advisor step and artifact writes.
	if ctx.Err() != nil {
		return o.finishSession(session, domain.SessionCancelled, ErrCancelled)
	}

	heads := make(map[string]domain.ArtifactFile, len(files))
	for _, f := range files {
		heads[f.FileName] = f
	}
	for _, edit := range proposal.Edits {
		change := domain.FileChange{
			File:      edit.File,
			After:     edit.Content,
			Reason:    edit.Reason,
			Timestamp: time.Now().UTC(),
		}
		var expected *int
		if head, ok := heads[edit.File]; ok {
			before := head.Content
			change.Before = &before
			rev := head.Revision
			expected = &rev
		} else {
			zero := 0
			expected = &zero
		}

		writeCtx, cancel := context.WithTimeout(ctx, o.cfg.ArtifactTimeout)
		result, err := o.store.Write(writeCtx, artifact.WriteRequest{
			ConfigSetID:      dep.ConfigSetID,
			FileName:         edit.File,
			Content:          edit.Content,
			ExpectedRevision: expected,
		})
		cancel()
		if err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return o.finishSession(session, domain.SessionFailed, ErrArtifactConflict)
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return o.finishSession(session, domain.SessionFailed, &TimeoutError{Op: "artifact write"})
			}
			return o.finishSession(session, domain.SessionFailed, fmt.Errorf("apply edit %s: %w", edit.File, err))
		}
		change.After = result.Content
		session.FileChanges = append(session.FileChanges, change)
	}

	o.publishSessionProgress(dep, session, "remediation applied")
	return o.finishSession(session, domain.SessionCompleted, nil)
}

// propose invokes the advisor under the configured ceiling and records the
// advisor invocation in the activity log regardless of outcome.
func (o *Orchestrator) propose(ctx context.Context, dep *domain.Deployment, session *domain.Session, failure *ExecutorFailure, files []domain.ArtifactFile) (advisor.Proposal, error) {
	adCtx, cancel := context.WithTimeout(ctx, o.cfg.AdvisorTimeout)
	defer cancel()

	proposal, err := o.advisor.Propose(adCtx, advisor.Request{
		DeploymentID: dep.ID,
		Logs:         failure.Logs,
		Files:        files,
		Hint:         session.CustomInstructions,
		AgentState:   session.AgentState,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return advisor.Proposal{}, &TimeoutError{Op: "advisor"}
		}
		return advisor.Proposal{}, err
	}
	return proposal, nil
}

func (o *Orchestrator) collectArtifacts(ctx context.Context, configSetID string) ([]domain.ArtifactFile, error) {
	readCtx, cancel := context.WithTimeout(ctx, o.cfg.ArtifactTimeout)
	defer cancel()
	files, err := o.store.Read(readCtx, configSetID)
	if err != nil {
		return nil, fmt.Errorf("read artifacts: %w", err)
	}
	return files, nil
}

// finishSession persists the terminal session state. Persistence failures are
// logged but do not mask the session outcome.
func (o *Orchestrator) finishSession(session *domain.Session, status string, cause error) (*domain.Session, error) {
	now := time.Now().UTC()
	session.Status = status
	session.CompletedAt = &now
	if cause != nil {
		session.Error = cause.Error()
	}
	if err := o.sessions.UpdateSession(context.Background(), session); err != nil {
		o.logger.Error("failed to persist session outcome",
			"session_id", session.ID, "deployment_id", session.DeploymentID, "error", err)
	}
	return session, cause
}

func (o *Orchestrator) publishSessionProgress(dep *domain.Deployment, session *domain.Session, message string) {
	o.hub.Publish(dep.ID, broadcast.Event{
		Type:         broadcast.EventProgress,
		DeploymentID: dep.ID,
		Status:       dep.Status,
		Attempt:      session.AttemptNumber,
		Message:      message,
		ActivityLog:  session.ActivityLog,
		FileChanges:  session.FileChanges,
		Timestamp:    time.Now().UTC(),
	})
}
