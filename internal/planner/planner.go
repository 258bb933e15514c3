// Package planner turns a goal into a validated task graph. Planning
// fuses the goal with retrieved SOP passages and similar past episodes,
// asks the completion service for a subtask decomposition, and accepts
// the result only after the graph invariants hold.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"reagent/internal/episodic"
	"reagent/internal/graph"
	"reagent/internal/llm"
	"reagent/internal/sop"
)

var (
	// ErrMalformedPlan marks a decomposition that could not be turned
	// into a valid graph. Consumed by the supervisor's replanning budget.
	ErrMalformedPlan = errors.New("malformed plan")

	// ErrRetrievalUnavailable marks a retrieval source that could not be
	// reached. Planning degrades when one source fails and aborts only
	// when both do.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
)

const systemPrompt = `You are the planning agent of a drug-repurposing research system.
Decompose the investigation goal into subtasks for four executor agents:
- research: literature and knowledge-graph mining
- prediction: molecular-property prediction via an external tool
- data: data assembly, transformation, and analysis
- report: final report synthesis

Respond with ONLY a JSON array of subtasks, no prose. Each subtask:
{"id": "<short unique id>", "role": "<research|prediction|data|report>",
 "description": "<what to do>", "depends_on": ["<ids>"],
 "input": {<role-specific payload>}}

Rules:
- Every role must be one of the four above.
- depends_on may only reference ids defined in the same array.
- Dependencies must form a DAG; no subtask may depend on itself.
- The final subtask is normally a report that depends on the rest.`

// SOPSource is the slice of the SOP retriever the planner needs.
type SOPSource interface {
	Query(ctx context.Context, text string, k int) ([]sop.Match, error)
}

// EpisodeSource is the slice of the episodic store the planner needs.
type EpisodeSource interface {
	Query(ctx context.Context, goal string, m int, minSimilarity float64) ([]episodic.Match, error)
}

// Policy carries the retrieval and repair knobs for one planner.
type Policy struct {
	SOPTopK       int
	EpisodicTopM  int
	MinSimilarity float64
	RepairRounds  int
}

// FailureContext is handed to Plan when replanning after node failures.
type FailureContext struct {
	Reason    string
	Failed    []graph.Node
	Completed []graph.Node
}

// Planner produces validated task graphs.
type Planner struct {
	client   llm.Client
	sops     SOPSource
	episodes EpisodeSource
	policy   Policy
	logger   *zap.Logger
}

// New builds a planner. Either retrieval source may be nil, in which
// case it counts as unavailable.
func New(client llm.Client, sops SOPSource, episodes EpisodeSource, policy Policy, logger *zap.Logger) *Planner {
	if policy.SOPTopK <= 0 {
		policy.SOPTopK = 4
	}
	if policy.EpisodicTopM <= 0 {
		policy.EpisodicTopM = 3
	}
	if policy.RepairRounds < 0 {
		policy.RepairRounds = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{client: client, sops: sops, episodes: episodes, policy: policy, logger: logger}
}

// Plan decomposes the goal into a task graph. failureCtx is nil for the
// first plan and carries the failure context when replanning.
func (p *Planner) Plan(ctx context.Context, goal string, failureCtx *FailureContext) (*graph.Graph, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("%w: empty goal", ErrMalformedPlan)
	}

	passages, passagesErr := p.querySOP(ctx, goal)
	episodes, episodesErr := p.queryEpisodes(ctx, goal)
	if passagesErr != nil && episodesErr != nil {
		return nil, fmt.Errorf("%w: no retrieval source reachable: sop: %v; episodic: %v",
			ErrMalformedPlan, passagesErr, episodesErr)
	}
	if passagesErr != nil {
		p.logger.Warn("planning without sop guidance", zap.Error(passagesErr))
	}
	if episodesErr != nil {
		p.logger.Warn("planning without episodic patterns", zap.Error(episodesErr))
	}

	prompt := p.buildPrompt(goal, passages, passagesErr, episodes, episodesErr, failureCtx)

	g, issue, err := p.propose(ctx, goal, prompt)
	if err != nil {
		return nil, err
	}
	for round := 0; g == nil && round < p.policy.RepairRounds; round++ {
		p.logger.Warn("plan rejected, requesting repair", zap.String("issue", issue), zap.Int("round", round+1))
		repairPrompt := prompt + "\n\nYour previous plan was rejected: " + issue +
			"\nReturn a corrected JSON array that fixes this."
		g, issue, err = p.propose(ctx, goal, repairPrompt)
		if err != nil {
			return nil, err
		}
	}
	if g == nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedPlan, issue)
	}

	p.logger.Info("plan accepted",
		zap.String("graph", g.ID),
		zap.Int("subtasks", g.Len()),
		zap.Bool("replan", failureCtx != nil))
	return g, nil
}

// propose runs one completion round. A nil graph with a non-empty issue
// means the output was parseable as a rejection worth repairing; a
// non-nil error means the completion service itself failed.
func (p *Planner) propose(ctx context.Context, goal, prompt string) (*graph.Graph, string, error) {
	resp, err := p.client.CompleteWithSystem(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, "", fmt.Errorf("decomposition request: %w", err)
	}

	var specs []graph.NodeSpec
	cleaned := cleanJSONResponse(resp)
	if err := json.Unmarshal([]byte(cleaned), &specs); err != nil {
		return nil, fmt.Sprintf("output is not a JSON subtask array: %v", err), nil
	}

	g, err := graph.New(goal, specs)
	if err != nil {
		return nil, err.Error(), nil
	}
	return g, "", nil
}

func (p *Planner) querySOP(ctx context.Context, goal string) ([]sop.Match, error) {
	if p.sops == nil {
		return nil, fmt.Errorf("%w: sop retriever not configured", ErrRetrievalUnavailable)
	}
	matches, err := p.sops.Query(ctx, goal, p.policy.SOPTopK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
	}
	return matches, nil
}

func (p *Planner) queryEpisodes(ctx context.Context, goal string) ([]episodic.Match, error) {
	if p.episodes == nil {
		return nil, fmt.Errorf("%w: episodic store not configured", ErrRetrievalUnavailable)
	}
	matches, err := p.episodes.Query(ctx, goal, p.policy.EpisodicTopM, p.policy.MinSimilarity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
	}
	return matches, nil
}

func (p *Planner) buildPrompt(goal string, passages []sop.Match, passagesErr error,
	episodes []episodic.Match, episodesErr error, failureCtx *FailureContext) string {

	var sb strings.Builder
	fmt.Fprintf(&sb, "Investigation goal: %s\n", goal)

	switch {
	case passagesErr != nil:
		sb.WriteString("\nStandard operating procedures: unavailable for this plan.\n")
	case len(passages) == 0:
		sb.WriteString("\nStandard operating procedures: none matched this goal.\n")
	default:
		sb.WriteString("\nRelevant standard operating procedures:\n")
		for _, m := range passages {
			fmt.Fprintf(&sb, "[%s #%d] %s\n", m.DocID, m.Pos, m.Content)
		}
	}

	switch {
	case episodesErr != nil:
		sb.WriteString("\nPast investigations: unavailable for this plan.\n")
	case len(episodes) == 0:
		sb.WriteString("\nPast investigations: none similar to this goal.\n")
	default:
		sb.WriteString("\nSimilar past investigations (goal, outcome, plan):\n")
		for _, m := range episodes {
			fmt.Fprintf(&sb, "- goal: %s | outcome: %s (score %.2f) | plan: %s\n",
				m.Goal, m.Outcome, m.Score, string(m.Plan))
		}
	}

	if failureCtx != nil {
		sb.WriteString("\nThis is a REPLAN after execution failures.\n")
		if failureCtx.Reason != "" {
			fmt.Fprintf(&sb, "Reason: %s\n", failureCtx.Reason)
		}
		for _, n := range failureCtx.Failed {
			fmt.Fprintf(&sb, "- failed subtask %s (%s): %s: %s\n", n.ID, n.Role, n.Description, n.Err)
		}
		if len(failureCtx.Completed) > 0 {
			sb.WriteString("Already completed (do not redo, their results are available):\n")
			for _, n := range failureCtx.Completed {
				fmt.Fprintf(&sb, "- %s (%s): %s\n", n.ID, n.Role, n.Description)
			}
		}
		sb.WriteString("Produce an alternate plan that routes around the failed subtasks.\n")
	}

	return sb.String()
}

// cleanJSONResponse strips markdown code fences some models wrap around
// JSON output.
func cleanJSONResponse(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	return strings.TrimSpace(resp)
}
