package advisor

import (
	"context"

	"github.com/harborhq/stevedore/internal/domain"
)

// Edit is one proposed artifact change.
type Edit struct {
	File    string `json:"file"`
	Content string `json:"content"`
	Reason  string `json:"reason"`
}

// ToolCall is one advisor-side invocation observed while producing a proposal.
// Calls are reported in arrival order for the session audit trail.
type ToolCall struct {
	Type   string
	Action string
	Input  string
	Output string
}

// Request carries the failure context handed to the advisor.
type Request struct {
	DeploymentID string
	Logs         string
	Files        []domain.ArtifactFile
	Hint         string
	// AgentState is an opaque token issued by a previous proposal. It is
	// passed back unmodified; nothing here inspects its contents.
	AgentState string
}

// Proposal is the advisor's answer: either a set of edits or an explicit
// refusal (Unfixable) when it cannot produce a fix.
type Proposal struct {
	Edits      []Edit
	Rationale  string
	Unfixable  bool
	ToolCalls  []ToolCall
	AgentState string
}

// Advisor proposes artifact edits in response to failure logs.
type Advisor interface {
	Propose(ctx context.Context, req Request) (Proposal, error)
}
