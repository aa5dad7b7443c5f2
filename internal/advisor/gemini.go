package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"log/slog"

	"google.golang.org/genai"
)

const proposalInstructions = `You are a deployment remediation assistant. A container build or deploy failed.
You are given the failure logs and the current generated configuration files.
Respond with a single JSON object and nothing else:
{"unfixable": bool, "rationale": string, "state": string, "edits": [{"file": string, "content": string, "reason": string}]}
Rules:
- "content" is the complete new file content, not a diff.
- Only edit the provided configuration files or add new ones; never invent application source code.
- Set "unfixable" to true with an empty edits list when the failure cannot be fixed by editing these files.`

// GeminiAdvisor proposes artifact edits using the Gemini API.
type GeminiAdvisor struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

var _ Advisor = (*GeminiAdvisor)(nil)

// NewGeminiAdvisor constructs an advisor backed by the Gemini API.
func NewGeminiAdvisor(ctx context.Context, apiKey, model string, logger *slog.Logger) (*GeminiAdvisor, error) {
	if model == "" {
		return nil, fmt.Errorf("advisor model required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiAdvisor{client: client, model: model, logger: logger}, nil
}

// Propose sends the failure context to the model and parses its proposal.
func (g *GeminiAdvisor) Propose(ctx context.Context, req Request) (Proposal, error) {
	prompt := buildPrompt(req)
	content := genai.NewContentFromText(prompt, genai.RoleUser)
	resp, err := g.client.Models.GenerateContent(ctx, g.model, []*genai.Content{content}, nil)
	if err != nil {
		return Proposal{}, fmt.Errorf("generate proposal: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Proposal{}, fmt.Errorf("no response candidates from model")
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
	}

	proposal, err := ParseProposal(text.String())
	if err != nil {
		return Proposal{}, err
	}
	proposal.ToolCalls = []ToolCall{{
		Type:   "llm",
		Action: "generate_content",
		Input:  summarize(prompt, 2000),
		Output: summarize(text.String(), 2000),
	}}
	g.logger.Debug("advisor proposal parsed",
		"deployment_id", req.DeploymentID, "edits", len(proposal.Edits), "unfixable", proposal.Unfixable)
	return proposal, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(proposalInstructions)
	b.WriteString("\n\n## Failure logs\n")
	b.WriteString(req.Logs)
	if strings.TrimSpace(req.Hint) != "" {
		b.WriteString("\n\n## Operator instructions\n")
		b.WriteString(req.Hint)
	}
	if strings.TrimSpace(req.AgentState) != "" {
		b.WriteString("\n\n## Previous state token\n")
		b.WriteString(req.AgentState)
	}
	b.WriteString("\n\n## Current configuration files\n")
	for _, f := range req.Files {
		fmt.Fprintf(&b, "\n### %s\n```\n%s\n```\n", f.FileName, f.Content)
	}
	return b.String()
}

type proposalPayload struct {
	Unfixable bool   `json:"unfixable"`
	Rationale string `json:"rationale"`
	State     string `json:"state"`
	Edits     []Edit `json:"edits"`
}

// ParseProposal decodes a model response, tolerating markdown code fences
// around the JSON object.
func ParseProposal(raw string) (Proposal, error) {
	cleaned := stripFences(raw)
	var payload proposalPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return Proposal{}, fmt.Errorf("parse proposal: %w", err)
	}
	if !payload.Unfixable && len(payload.Edits) == 0 {
		return Proposal{}, fmt.Errorf("proposal contains neither edits nor an unfixable marker")
	}
	for i, edit := range payload.Edits {
		if strings.TrimSpace(edit.File) == "" {
			return Proposal{}, fmt.Errorf("proposal edit %d has no file name", i)
		}
	}
	return Proposal{
		Edits:      payload.Edits,
		Rationale:  payload.Rationale,
		Unfixable:  payload.Unfixable,
		AgentState: payload.State,
	}, nil
}

func stripFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

func summarize(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max] + "…(truncated)"
}
