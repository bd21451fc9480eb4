// Package agent holds the planner/executor loop: a CRC message goes
// to the LLM planner, which emits a structured action plan; the
// executor runs the plan through an action provider and formats the
// outcome for the coordinator.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cadencehq/cadence/internal/actions"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/llm"
	"github.com/cadencehq/cadence/internal/trial"
)

// PlanMeta carries per-call usage metadata for cost tracking.
type PlanMeta struct {
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	LatencyMs    float64 `json:"latency_ms"`
	CostUSD      float64 `json:"cost_usd"`
}

// Plan is the planner's structured output for one CRC message.
type Plan struct {
	Thinking         string                   `json:"thinking"`
	Actions          []*actions.ActionRequest `json:"actions"`
	ResponseTemplate string                   `json:"response_template"`
	RequiresApproval bool                     `json:"requires_approval"`
	Meta             PlanMeta                 `json:"meta"`
}

// Planner converts natural language CRC requests into action plans.
// Not safe for concurrent use; the gateway keeps one per session.
type Planner struct {
	llm          llm.Provider
	usage        *llm.UsageTracker
	system       string
	history      []llm.Message
	historyLimit int
	temperature  float64
	maxTokens    int
}

func NewPlanner(provider llm.Provider, usage *llm.UsageTracker, cfg config.AgentConfig, trials []trial.Trial, sites []trial.Site) *Planner {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = config.DefaultHistoryLimit
	}
	if cfg.Temperature < 0 {
		cfg.Temperature = config.DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = config.DefaultMaxTokens
	}
	return &Planner{
		llm:          provider,
		usage:        usage,
		system:       buildSystemPrompt(trials, sites),
		historyLimit: cfg.HistoryLimit,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
	}
}

// Plan asks the model for an action plan. Context (site, resolved
// patients, dashboard state) is prepended to the user message.
func (p *Planner) Plan(ctx context.Context, message string, planCtx map[string]any) (*Plan, error) {
	content := message
	if len(planCtx) > 0 {
		ctxJSON, err := json.Marshal(planCtx)
		if err != nil {
			return nil, fmt.Errorf("marshal plan context: %w", err)
		}
		content = fmt.Sprintf("[Context: %s]\n\n%s", ctxJSON, message)
	}

	messages := make([]llm.Message, 0, len(p.history)+1)
	messages = append(messages, p.history...)
	messages = append(messages, llm.Message{Role: "user", Content: content})

	resp, err := p.llm.Complete(ctx, messages, p.system, p.temperature, p.maxTokens)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	p.usage.Record(resp)

	plan := parsePlan(resp.Content)
	plan.Meta = PlanMeta{
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		LatencyMs:    resp.LatencyMs,
		CostUSD:      resp.CostUSD,
	}

	p.history = append(p.history,
		llm.Message{Role: "user", Content: content},
		llm.Message{Role: "assistant", Content: resp.Content})
	if len(p.history) > p.historyLimit {
		p.history = p.history[len(p.history)-p.historyLimit:]
	}

	return plan, nil
}

// Reset clears conversation history.
func (p *Planner) Reset() {
	p.history = nil
}

type rawAction struct {
	ActionType       string         `json:"action_type"`
	Parameters       map[string]any `json:"parameters"`
	Description      string         `json:"description"`
	RequiresApproval bool           `json:"requires_approval"`
}

type rawPlan struct {
	Thinking         string      `json:"thinking"`
	Actions          []rawAction `json:"actions"`
	ResponseTemplate string      `json:"response_template"`
	RequiresApproval bool        `json:"requires_approval"`
}

// parsePlan decodes model output. Unparseable output degrades to a
// zero-action plan whose response is the raw text; unknown action
// kinds are dropped.
func parsePlan(raw string) *Plan {
	cleaned := stripCodeFence(raw)

	var rp rawPlan
	if err := json.Unmarshal([]byte(cleaned), &rp); err != nil {
		return &Plan{
			Thinking:         "Could not parse structured plan",
			Actions:          []*actions.ActionRequest{},
			ResponseTemplate: raw,
		}
	}

	plan := &Plan{
		Thinking:         rp.Thinking,
		Actions:          make([]*actions.ActionRequest, 0, len(rp.Actions)),
		ResponseTemplate: rp.ResponseTemplate,
		RequiresApproval: rp.RequiresApproval,
	}
	for _, a := range rp.Actions {
		kind, ok := actions.ParseKind(a.ActionType)
		if !ok {
			continue
		}
		params := a.Parameters
		if params == nil {
			params = map[string]any{}
		}
		plan.Actions = append(plan.Actions, &actions.ActionRequest{
			Kind:             kind,
			Params:           params,
			Description:      a.Description,
			RequiresApproval: a.RequiresApproval || kind.AlwaysGated(),
		})
	}
	return plan
}

func stripCodeFence(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		if i := strings.Index(cleaned, "\n"); i >= 0 {
			cleaned = cleaned[i+1:]
		} else {
			cleaned = cleaned[3:]
		}
	}
	cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.TrimPrefix(cleaned, "json")
	return strings.TrimSpace(cleaned)
}
