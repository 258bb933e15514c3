package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"reagent/internal/graph"
	"reagent/internal/llm"
)

// Role-specific system prompts for the LLM-backed executors. The
// prediction role is not listed: it delegates to an external tool.
var roleSystemPrompts = map[graph.Role]string{
	graph.RoleResearch: "You are a biomedical research agent. Given a subtask from a drug-repurposing " +
		"investigation, retrieve and summarize the relevant literature, target, and pathway evidence. " +
		"Report findings factually with sources; do not speculate beyond the evidence.",
	graph.RoleData: "You are a data agent. Given a subtask and upstream results, perform the requested " +
		"data assembly, transformation, or analysis and report the processed output. You never make " +
		"predictions; that is another agent's job.",
	graph.RoleReport: "You are a report agent. Synthesize the upstream results of a drug-repurposing " +
		"investigation into a structured report: goal, method, findings per subtask, and conclusions " +
		"with caveats.",
}

// LLMExecutor fulfils a role by a single LLM completion over the fused
// node input.
type LLMExecutor struct {
	role   graph.Role
	client llm.Client
	logger *zap.Logger
}

// NewLLMExecutor builds an LLM-backed executor for the research, data,
// or report role.
func NewLLMExecutor(role graph.Role, client llm.Client, logger *zap.Logger) (*LLMExecutor, error) {
	if _, ok := roleSystemPrompts[role]; !ok {
		return nil, fmt.Errorf("role %q has no LLM-backed executor", role)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMExecutor{role: role, client: client, logger: logger}, nil
}

// Invoke renders the input into a prompt and returns the completion as a
// JSON result payload.
func (e *LLMExecutor) Invoke(ctx context.Context, input Input) (json.RawMessage, error) {
	prompt := renderInput(input)

	e.logger.Debug("invoking llm executor",
		zap.String("role", string(e.role)),
		zap.Int("prompt_bytes", len(prompt)))

	text, err := e.client.CompleteWithSystem(ctx, roleSystemPrompts[e.role], prompt)
	if err != nil {
		return nil, err
	}

	result, err := json.Marshal(map[string]string{
		"role":    string(e.role),
		"summary": text,
	})
	if err != nil {
		return nil, Fatal(fmt.Errorf("encode result: %w", err))
	}
	return result, nil
}

func renderInput(in Input) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Investigation goal: %s\n\nSubtask: %s\n", in.Goal, in.Description)
	if len(in.Payload) > 0 {
		fmt.Fprintf(&sb, "\nInput payload:\n%s\n", string(in.Payload))
	}
	if len(in.Dependencies) > 0 {
		sb.WriteString("\nUpstream results:\n")
		for id, res := range in.Dependencies {
			fmt.Fprintf(&sb, "- %s: %s\n", id, string(res))
		}
	}
	return sb.String()
}

// PredictionTool is the external molecular-property prediction service.
// Its internals (models, conformal calibration) are opaque to the core.
type PredictionTool interface {
	Predict(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// PredictionExecutor routes prediction subtasks to the external tool.
type PredictionExecutor struct {
	tool   PredictionTool
	logger *zap.Logger
}

// NewPredictionExecutor wraps the external prediction tool as an
// Executor.
func NewPredictionExecutor(tool PredictionTool, logger *zap.Logger) *PredictionExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PredictionExecutor{tool: tool, logger: logger}
}

// Invoke forwards the node input to the prediction tool.
func (e *PredictionExecutor) Invoke(ctx context.Context, input Input) (json.RawMessage, error) {
	if e.tool == nil {
		return nil, Fatal(fmt.Errorf("prediction tool not configured"))
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, Fatal(fmt.Errorf("encode prediction input: %w", err))
	}

	e.logger.Debug("invoking prediction tool", zap.Int("payload_bytes", len(payload)))
	return e.tool.Predict(ctx, payload)
}
