package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cadencehq/cadence/internal/actions"
	"github.com/cadencehq/cadence/internal/config"
	"github.com/cadencehq/cadence/internal/llm"
	"github.com/cadencehq/cadence/internal/resolver"
	"github.com/cadencehq/cadence/internal/trial"
)

const patientListCap = 10

// ActionSummary describes one executed action for the reply payload.
type ActionSummary struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Success     bool   `json:"success"`
	Summary     string `json:"summary"`
}

// Reply is the executor's answer to one CRC message.
type Reply struct {
	Response         string                   `json:"response"`
	ActionsTaken     []ActionSummary          `json:"actions_taken"`
	Data             []any                    `json:"data"`
	RequiresApproval bool                     `json:"requires_approval"`
	PendingActions   []*actions.ActionRequest `json:"pending_actions"`
	Meta             PlanMeta                 `json:"meta"`
}

// Executor is the main agent loop: plan, execute, format. One per
// session; not safe for concurrent use.
type Executor struct {
	planner  *Planner
	provider actions.Provider
	llm      llm.Provider
	usage    *llm.UsageTracker

	// name (lowercase) -> patient ID, remembered across turns so a
	// follow-up "call her tomorrow" keeps referring to the same
	// patient.
	resolved map[string]string
	pending  []*actions.ActionRequest
}

func NewExecutor(planner *Planner, provider actions.Provider, model llm.Provider, usage *llm.UsageTracker) *Executor {
	return &Executor{
		planner:  planner,
		provider: provider,
		llm:      model,
		usage:    usage,
		resolved: map[string]string{},
	}
}

type executed struct {
	request *actions.ActionRequest
	result  *actions.ActionResult
}

// HandleMessage processes one CRC message end to end. Actions marked
// for approval are held pending; everything else executes in plan
// order, one action's failure never stopping the rest.
func (e *Executor) HandleMessage(ctx context.Context, message string, planCtx map[string]any) (*Reply, error) {
	if planCtx == nil {
		planCtx = map[string]any{}
	}
	if len(e.resolved) > 0 {
		planCtx["resolved_patients"] = e.resolved
	}

	plan, err := e.planner.Plan(ctx, message, planCtx)
	if err != nil {
		return nil, err
	}

	var auto, gated []*actions.ActionRequest
	for _, a := range plan.Actions {
		if a.RequiresApproval {
			gated = append(gated, a)
		} else {
			auto = append(auto, a)
		}
	}
	e.pending = gated

	results := e.run(ctx, auto)

	reply := e.buildReply(results, gated)
	reply.Meta = plan.Meta
	reply.Response = e.formatResponse(ctx, plan.ResponseTemplate, results, message)
	return reply, nil
}

// ApprovePending executes the actions held from the last plan after
// the CRC confirmed them. The stored requests run as planned; no
// replanning happens.
func (e *Executor) ApprovePending(ctx context.Context) (*Reply, error) {
	if len(e.pending) == 0 {
		return &Reply{
			Response:       "No actions are waiting for approval.",
			ActionsTaken:   []ActionSummary{},
			Data:           []any{},
			PendingActions: []*actions.ActionRequest{},
		}, nil
	}

	gated := e.pending
	e.pending = nil
	results := e.run(ctx, gated)

	reply := e.buildReply(results, nil)
	var lines []string
	for _, r := range results {
		if r.result.Success {
			lines = append(lines, "✅ "+firstNonEmpty(r.result.Description, r.request.Description))
		} else {
			lines = append(lines, "⚠️ "+firstNonEmpty(r.request.Description, string(r.request.Kind))+" failed: "+r.result.Error)
		}
	}
	reply.Response = strings.Join(lines, "\n")
	return reply, nil
}

// RejectPending drops actions held for approval.
func (e *Executor) RejectPending() int {
	n := len(e.pending)
	e.pending = nil
	return n
}

// Pending returns the actions currently awaiting approval.
func (e *Executor) Pending() []*actions.ActionRequest {
	return e.pending
}

// Reset clears conversation state.
func (e *Executor) Reset() {
	e.planner.Reset()
	e.resolved = map[string]string{}
	e.pending = nil
}

func (e *Executor) run(ctx context.Context, requests []*actions.ActionRequest) []executed {
	results := make([]executed, 0, len(requests))
	for _, req := range requests {
		res := e.provider.Execute(ctx, req)
		results = append(results, executed{request: req, result: res})
		e.rememberResolution(req, res)
	}
	return results
}

// rememberResolution keeps confidently resolved patients so later
// turns can reuse the ID.
func (e *Executor) rememberResolution(req *actions.ActionRequest, res *actions.ActionResult) {
	if req.Kind != actions.KindResolvePatient || !res.Success {
		return
	}
	r, ok := res.Data.(*resolver.Result)
	if !ok || len(r.Patients) != 1 {
		return
	}
	if r.Match != resolver.MatchExact && r.Match != resolver.MatchSingle {
		return
	}
	p := r.Patients[0]
	if p.Name != "" && p.ID != "" {
		e.resolved[strings.ToLower(p.Name)] = p.ID
	}
}

func (e *Executor) buildReply(results []executed, gated []*actions.ActionRequest) *Reply {
	reply := &Reply{
		ActionsTaken:     make([]ActionSummary, 0, len(results)),
		Data:             []any{},
		RequiresApproval: len(gated) > 0,
		PendingActions:   gated,
	}
	if gated == nil {
		reply.PendingActions = []*actions.ActionRequest{}
	}
	for _, r := range results {
		reply.ActionsTaken = append(reply.ActionsTaken, ActionSummary{
			Type:        string(r.request.Kind),
			Description: r.request.Description,
			Success:     r.result.Success,
			Summary:     firstNonEmpty(r.result.Description, r.result.Error),
		})
		if r.result.Success {
			reply.Data = append(reply.Data, r.result.Data)
		}
	}
	return reply
}

// formatResponse fills {result_N} placeholders in the plan template.
// When the template is empty or untouched, the model writes the
// response from the results instead.
func (e *Executor) formatResponse(ctx context.Context, template string, results []executed, message string) string {
	response := template
	for i, r := range results {
		placeholder := fmt.Sprintf("{result_%d}", i)
		if strings.Contains(response, placeholder) {
			response = strings.ReplaceAll(response, placeholder, formatResult(r))
		}
	}

	if strings.TrimSpace(response) == "" || (response == template && len(results) > 0) {
		return e.generateResponse(ctx, message, results)
	}
	return response
}

// generateResponse asks the model to write the reply from the action
// results. A model failure degrades to the plain result summaries.
func (e *Executor) generateResponse(ctx context.Context, message string, results []executed) string {
	type resultSummary struct {
		Action  string `json:"action"`
		Success bool   `json:"success"`
		Data    any    `json:"data"`
		Summary string `json:"summary"`
	}
	summaries := make([]resultSummary, 0, len(results))
	for _, r := range results {
		summaries = append(summaries, resultSummary{
			Action:  r.request.Description,
			Success: r.result.Success,
			Data:    previewData(r.result.Data),
			Summary: r.result.Description,
		})
	}
	summaryJSON, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		summaryJSON = []byte("[]")
	}

	prompt := fmt.Sprintf(`The CRC asked: %q

Here are the results from the actions I took:
%s

Write a concise, helpful response for the CRC. Be specific with numbers and patient details.
If showing patient data, format clearly with risk indicators.
Keep it under 300 words. Be direct, CRCs are busy.`, message, summaryJSON)

	resp, err := e.llm.Complete(ctx,
		[]llm.Message{{Role: "user", Content: prompt}},
		"You are Cadence, a helpful AI assistant for Clinical Research Coordinators. Be concise and actionable.",
		0.3, 1024)
	if err != nil {
		var lines []string
		for _, r := range results {
			lines = append(lines, formatResult(r))
		}
		return strings.Join(lines, "\n\n")
	}
	e.usage.Record(resp)
	return resp.Content
}

// previewData trims large result payloads before they reach the
// summarizing model.
func previewData(data any) any {
	limit := config.DefaultResultPreviewItems
	switch v := data.(type) {
	case []*trial.Patient:
		if len(v) > limit {
			return map[string]any{"patients": v[:limit], "note": fmt.Sprintf("... and %d more", len(v)-limit)}
		}
	case []actions.RiskScore:
		if len(v) > limit {
			return map[string]any{"scores": v[:limit], "note": fmt.Sprintf("... and %d more", len(v)-limit)}
		}
	case []trial.Task:
		if len(v) > limit {
			return map[string]any{"tasks": v[:limit], "note": fmt.Sprintf("... and %d more", len(v)-limit)}
		}
	}
	return data
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
