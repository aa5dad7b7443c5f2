package domain

import "time"

// Session statuses. A session is single-shot: it leaves active exactly once.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionCancelled = "cancelled"
)

// FileChange records one advisor-proposed artifact edit. Before is nil for a
// newly created file. Entries are append-only and ordered by observation time.
type FileChange struct {
	File      string    `json:"file"`
	Before    *string   `json:"before"`
	After     string    `json:"after"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// ActivityEntry is one advisor tool invocation observed during a session.
// The audit trail preserves arrival order.
type ActivityEntry struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Action    string    `json:"action"`
	Input     string    `json:"input,omitempty"`
	Output    string    `json:"output,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one remediation attempt within a deployment.
type Session struct {
	ID                 string
	DeploymentID       string
	AttemptNumber      int
	Status             string
	CustomInstructions string
	AgentState         string
	FileChanges        []FileChange
	ActivityLog        []ActivityEntry
	BuildLogs          string
	Error              string
	CreatedAt          time.Time
	CompletedAt        *time.Time
}
