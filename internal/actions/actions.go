// Package actions defines the closed set of operations the agent can
// plan, and providers that execute them. The planner emits
// ActionRequests; the executor routes them through a Provider. Keeping
// the catalogue closed means a hallucinated action name can never
// reach a handler.
package actions

import "context"

// Kind identifies one agent-executable operation.
type Kind string

const (
	KindQueryPatients        Kind = "query_patients"
	KindGetRiskScores        Kind = "get_risk_scores"
	KindGetPatientTimeline   Kind = "get_patient_timeline"
	KindGetPatientSummary    Kind = "get_patient_summary"
	KindScheduleVisit        Kind = "schedule_visit"
	KindLogIntervention      Kind = "log_intervention"
	KindSendReminder         Kind = "send_reminder"
	KindResolvePatient       Kind = "resolve_patient"
	KindReassignPatient      Kind = "reassign_patient"
	KindListTasks            Kind = "list_tasks"
	KindGetTodayTasks        Kind = "get_today_tasks"
	KindCreateTask           Kind = "create_task"
	KindCompleteTask         Kind = "complete_task"
	KindSearchKnowledge      Kind = "search_knowledge"
	KindAddSiteKnowledge     Kind = "add_site_knowledge"
	KindSearchProtocols      Kind = "search_protocols"
	KindGetTrialInfo         Kind = "get_trial_info"
	KindGetInterventionStats Kind = "get_intervention_stats"
)

var allKinds = map[Kind]bool{
	KindQueryPatients:        true,
	KindGetRiskScores:        true,
	KindGetPatientTimeline:   true,
	KindGetPatientSummary:    true,
	KindScheduleVisit:        true,
	KindLogIntervention:      true,
	KindSendReminder:         true,
	KindResolvePatient:       true,
	KindReassignPatient:      true,
	KindListTasks:            true,
	KindGetTodayTasks:        true,
	KindCreateTask:           true,
	KindCompleteTask:         true,
	KindSearchKnowledge:      true,
	KindAddSiteKnowledge:     true,
	KindSearchProtocols:      true,
	KindGetTrialInfo:         true,
	KindGetInterventionStats: true,
}

// ParseKind validates a raw action name from the planner.
func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	return k, allKinds[k]
}

// Kinds returns every known action kind. Order is not significant.
func Kinds() []Kind {
	out := make([]Kind, 0, len(allKinds))
	for k := range allKinds {
		out = append(out, k)
	}
	return out
}

var mutating = map[Kind]bool{
	KindScheduleVisit:    true,
	KindLogIntervention:  true,
	KindSendReminder:     true,
	KindReassignPatient:  true,
	KindCreateTask:       true,
	KindCompleteTask:     true,
	KindAddSiteKnowledge: true,
}

// Mutating reports whether the action changes trial or knowledge
// state. Read-only actions always run without approval.
func (k Kind) Mutating() bool {
	return mutating[k]
}

// AlwaysGated reports whether the action requires CRC approval
// regardless of what the planner marked.
func (k Kind) AlwaysGated() bool {
	return k == KindReassignPatient
}

// ActionRequest is one planned operation plus the parameters the
// model filled in.
type ActionRequest struct {
	Kind             Kind           `json:"action_type"`
	Params           map[string]any `json:"parameters"`
	Description      string         `json:"description"`
	RequiresApproval bool           `json:"requires_approval"`
}

// ActionResult is the outcome of executing one request. A handler
// failure is reported here, never as a provider error.
type ActionResult struct {
	Success     bool   `json:"success"`
	Data        any    `json:"data,omitempty"`
	Error       string `json:"error,omitempty"`
	Description string `json:"description,omitempty"`
}

// Provider executes planned actions against some backend. v1 is the
// local store; later versions may target a CTMS API.
type Provider interface {
	Execute(ctx context.Context, req *ActionRequest) *ActionResult
	CanExecute(kind Kind) bool
	HealthCheck(ctx context.Context) error
}
