package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/cadencehq/cadence/internal/knowledge"
	"github.com/cadencehq/cadence/internal/protocol"
	"github.com/cadencehq/cadence/internal/resolver"
	"github.com/cadencehq/cadence/internal/trial"
)

const (
	defaultPatientLimit   = 20
	knowledgeResultCap    = 8
	protocolMixinCap      = 3
	summaryRecentItemsCap = 5
)

// ProtocolSearcher finds protocol document sections. Optional; a nil
// searcher means protocol actions return empty results.
type ProtocolSearcher interface {
	Search(query, siteID, trialID string, limit int) []protocol.Chunk
}

// StoreProvider executes actions against the local trial and
// knowledge stores.
type StoreProvider struct {
	trials    *trial.Store
	entries   *knowledge.Store
	retriever *knowledge.Retriever
	resolver  *resolver.Resolver
	protocols ProtocolSearcher
}

func NewStoreProvider(trials *trial.Store, entries *knowledge.Store, retriever *knowledge.Retriever, res *resolver.Resolver) *StoreProvider {
	return &StoreProvider{
		trials:    trials,
		entries:   entries,
		retriever: retriever,
		resolver:  res,
	}
}

// WithProtocols attaches a protocol searcher.
func (p *StoreProvider) WithProtocols(ps ProtocolSearcher) *StoreProvider {
	p.protocols = ps
	return p
}

func (p *StoreProvider) CanExecute(kind Kind) bool {
	return allKinds[kind]
}

func (p *StoreProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.trials.ListTrials(); err != nil {
		return fmt.Errorf("trial store: %w", err)
	}
	if _, err := p.entries.ListEntries(knowledge.EntryFilter{}); err != nil {
		return fmt.Errorf("knowledge store: %w", err)
	}
	return nil
}

// Execute runs one action. Handler failures come back as a failed
// ActionResult so one bad action never aborts a plan.
func (p *StoreProvider) Execute(ctx context.Context, req *ActionRequest) *ActionResult {
	var (
		data any
		desc string
		err  error
	)
	switch req.Kind {
	case KindQueryPatients:
		data, desc, err = p.queryPatients(req.Params)
	case KindGetRiskScores:
		data, desc, err = p.getRiskScores(req.Params)
	case KindGetPatientTimeline:
		data, desc, err = p.getPatientTimeline(req.Params)
	case KindGetPatientSummary:
		data, desc, err = p.getPatientSummary(req.Params)
	case KindScheduleVisit:
		data, desc, err = p.scheduleVisit(req.Params)
	case KindLogIntervention:
		data, desc, err = p.logIntervention(req.Params)
	case KindSendReminder:
		data, desc, err = p.sendReminder(req.Params)
	case KindResolvePatient:
		data, desc, err = p.resolvePatient(req.Params)
	case KindReassignPatient:
		data, desc, err = p.reassignPatient(req.Params)
	case KindListTasks:
		data, desc, err = p.listTasks(req.Params)
	case KindGetTodayTasks:
		data, desc, err = p.getTodayTasks(req.Params)
	case KindCreateTask:
		data, desc, err = p.createTask(req.Params)
	case KindCompleteTask:
		data, desc, err = p.completeTask(req.Params)
	case KindSearchKnowledge:
		data, desc, err = p.searchKnowledge(ctx, req.Params)
	case KindAddSiteKnowledge:
		data, desc, err = p.addSiteKnowledge(req.Params)
	case KindSearchProtocols:
		data, desc, err = p.searchProtocols(req.Params)
	case KindGetTrialInfo:
		data, desc, err = p.getTrialInfo(req.Params)
	case KindGetInterventionStats:
		data, desc, err = p.getInterventionStats(req.Params)
	default:
		err = fmt.Errorf("unknown action type: %s", req.Kind)
	}
	if err != nil {
		return &ActionResult{Success: false, Error: err.Error()}
	}
	return &ActionResult{Success: true, Data: data, Description: desc}
}

func (p *StoreProvider) queryPatients(params map[string]any) (any, string, error) {
	limit := intParam(params, "limit", defaultPatientLimit)
	filter := trial.PatientFilter{
		SiteID:    strParam(params, "site_id"),
		TrialID:   strParam(params, "trial_id"),
		Status:    strParam(params, "status"),
		RiskLevel: strParam(params, "risk_level"),
	}
	if !boolParam(params, "overdue_only") {
		filter.Limit = limit
	}
	patients, err := p.trials.ListPatients(filter)
	if err != nil {
		return nil, "", err
	}
	if boolParam(params, "overdue_only") {
		today := time.Now().Format("2006-01-02")
		overdue := patients[:0]
		for _, pt := range patients {
			if pt.NextVisitDate != "" && pt.NextVisitDate < today {
				overdue = append(overdue, pt)
			}
		}
		patients = overdue
		if len(patients) > limit {
			patients = patients[:limit]
		}
	}
	return patients, fmt.Sprintf("Found %d patients matching your criteria.", len(patients)), nil
}

// RiskScore is one row of a get_risk_scores result.
type RiskScore struct {
	PatientID          string   `json:"patient_id"`
	Name               string   `json:"name"`
	SiteID             string   `json:"site_id"`
	TrialID            string   `json:"trial_id"`
	Score              float64  `json:"dropout_risk_score"`
	Level              string   `json:"risk_level"`
	RiskFactors        []string `json:"risk_factors"`
	RecommendedActions []string `json:"recommended_actions"`
}

func riskLevel(score float64) string {
	switch {
	case score >= 0.7:
		return "high"
	case score >= 0.4:
		return "medium"
	default:
		return "low"
	}
}

func (p *StoreProvider) getRiskScores(params map[string]any) (any, string, error) {
	var patients []*trial.Patient
	if id := strParam(params, "patient_id"); id != "" {
		pt, err := p.trials.GetPatient(id)
		if err != nil {
			return nil, "", err
		}
		if pt != nil {
			patients = append(patients, pt)
		}
	} else {
		var err error
		patients, err = p.trials.ListPatients(trial.PatientFilter{SiteID: strParam(params, "site_id")})
		if err != nil {
			return nil, "", err
		}
	}

	scores := make([]RiskScore, 0, len(patients))
	high := 0
	for _, pt := range patients {
		level := riskLevel(pt.DropoutRiskScore)
		if level == "high" {
			high++
		}
		scores = append(scores, RiskScore{
			PatientID:          pt.ID,
			Name:               pt.Name,
			SiteID:             pt.SiteID,
			TrialID:            pt.TrialID,
			Score:              pt.DropoutRiskScore,
			Level:              level,
			RiskFactors:        pt.RiskFactors,
			RecommendedActions: pt.RecommendedActions,
		})
	}
	return scores, fmt.Sprintf("Retrieved risk scores for %d patients (%d high-risk).", len(scores), high), nil
}

// TimelineView is the get_patient_timeline payload.
type TimelineView struct {
	PatientID        string        `json:"patient_id"`
	Name             string        `json:"name"`
	SiteID           string        `json:"site_id"`
	TrialID          string        `json:"trial_id"`
	EnrollmentDate   string        `json:"enrollment_date"`
	Events           []trial.Event `json:"events"`
	NextVisitDate    string        `json:"next_visit_date,omitempty"`
	DropoutRiskScore float64       `json:"dropout_risk_score"`
}

func (p *StoreProvider) getPatientTimeline(params map[string]any) (any, string, error) {
	id := strParam(params, "patient_id")
	pt, err := p.trials.GetPatient(id)
	if err != nil {
		return nil, "", err
	}
	if pt == nil {
		return nil, "", fmt.Errorf("patient %s not found", id)
	}
	view := &TimelineView{
		PatientID:        pt.ID,
		Name:             pt.Name,
		SiteID:           pt.SiteID,
		TrialID:          pt.TrialID,
		EnrollmentDate:   pt.EnrollmentDate,
		Events:           pt.Events,
		NextVisitDate:    pt.NextVisitDate,
		DropoutRiskScore: pt.DropoutRiskScore,
	}
	return view, fmt.Sprintf("Timeline for %s: %d events.", pt.Name, len(pt.Events)), nil
}

// PatientSummary is the get_patient_summary payload.
type PatientSummary struct {
	Patient             *trial.Patient       `json:"patient"`
	UpcomingTasks       []trial.Task         `json:"upcoming_tasks"`
	RecentNotes         []trial.Note         `json:"recent_notes"`
	RecentInterventions []trial.Intervention `json:"recent_interventions"`
}

func (p *StoreProvider) getPatientSummary(params map[string]any) (any, string, error) {
	id := strParam(params, "patient_id")
	pt, err := p.trials.GetPatient(id)
	if err != nil {
		return nil, "", err
	}
	if pt == nil {
		return nil, "", fmt.Errorf("patient %s not found", id)
	}
	tasks, err := p.trials.ListTasks(trial.TaskFilter{PatientID: id, Status: "pending"})
	if err != nil {
		return nil, "", err
	}
	if len(tasks) > summaryRecentItemsCap {
		tasks = tasks[:summaryRecentItemsCap]
	}
	notes := pt.Notes
	if len(notes) > summaryRecentItemsCap {
		notes = notes[:summaryRecentItemsCap]
	}
	intvs := pt.Interventions
	if len(intvs) > summaryRecentItemsCap {
		intvs = intvs[len(intvs)-summaryRecentItemsCap:]
	}
	summary := &PatientSummary{
		Patient:             pt,
		UpcomingTasks:       tasks,
		RecentNotes:         notes,
		RecentInterventions: intvs,
	}
	return summary, fmt.Sprintf("Summary for %s (%s risk).", pt.Name, riskLevel(pt.DropoutRiskScore)), nil
}

// VisitConfirmation is the schedule_visit payload.
type VisitConfirmation struct {
	Scheduled bool   `json:"scheduled"`
	PatientID string `json:"patient_id"`
	VisitDate string `json:"visit_date"`
	VisitType string `json:"visit_type"`
}

func (p *StoreProvider) scheduleVisit(params map[string]any) (any, string, error) {
	id := strParam(params, "patient_id")
	date := strParam(params, "visit_date")
	if id == "" || date == "" {
		return nil, "", fmt.Errorf("schedule_visit needs patient_id and visit_date")
	}
	visitType := strParamDefault(params, "visit_type", "follow_up")
	if err := p.trials.ScheduleVisit(id, date, visitType+" visit scheduled"); err != nil {
		return nil, "", err
	}
	conf := &VisitConfirmation{Scheduled: true, PatientID: id, VisitDate: date, VisitType: visitType}
	return conf, fmt.Sprintf("Visit scheduled for patient %s on %s.", id, date), nil
}

func (p *StoreProvider) logIntervention(params map[string]any) (any, string, error) {
	id := strParam(params, "patient_id")
	if id == "" {
		return nil, "", fmt.Errorf("log_intervention needs patient_id")
	}
	intv, err := p.trials.LogIntervention(
		id,
		strParamDefault(params, "type", "phone_call"),
		strParamDefault(params, "outcome", "pending"),
		strParam(params, "notes"),
		strParamDefault(params, "triggered_by", "manual"),
	)
	if err != nil {
		return nil, "", err
	}
	return intv, fmt.Sprintf("Logged %s intervention for patient %s.", intv.Type, id), nil
}

// ReminderConfirmation is the send_reminder payload.
type ReminderConfirmation struct {
	Sent           bool   `json:"sent"`
	PatientID      string `json:"patient_id"`
	Channel        string `json:"channel"`
	MessagePreview string `json:"message_preview"`
}

func (p *StoreProvider) sendReminder(params map[string]any) (any, string, error) {
	id := strParam(params, "patient_id")
	if id == "" {
		return nil, "", fmt.Errorf("send_reminder needs patient_id")
	}
	channel := strParamDefault(params, "channel", "sms")
	visitDate := strParamDefault(params, "visit_date", "TBD")
	preview := fmt.Sprintf("Reminder for upcoming visit on %s", visitDate)
	err := p.trials.AddEvent(id, trial.Event{
		Type: "reminder_sent",
		Date: time.Now().Format("2006-01-02"),
		Note: fmt.Sprintf("%s reminder: %s", channel, preview),
	})
	if err != nil {
		return nil, "", err
	}
	conf := &ReminderConfirmation{Sent: true, PatientID: id, Channel: channel, MessagePreview: preview}
	return conf, fmt.Sprintf("Reminder sent to patient %s via %s.", id, channel), nil
}

func (p *StoreProvider) resolvePatient(params map[string]any) (any, string, error) {
	result, err := p.resolver.Resolve(strParam(params, "query"), strParam(params, "site_id"))
	if err != nil {
		return nil, "", err
	}
	desc := fmt.Sprintf("Resolved %d candidate(s) at %.2f confidence.", len(result.Patients), result.Confidence)
	return result, desc, nil
}

func (p *StoreProvider) reassignPatient(params map[string]any) (any, string, error) {
	id := strParam(params, "patient_id")
	crcID := strParam(params, "crc_id")
	if id == "" || crcID == "" {
		return nil, "", fmt.Errorf("reassign_patient needs patient_id and crc_id")
	}
	if err := p.trials.ReassignPatient(id, crcID); err != nil {
		return nil, "", err
	}
	data := map[string]any{"patient_id": id, "crc_id": crcID, "reassigned": true}
	return data, fmt.Sprintf("Patient %s reassigned to %s.", id, crcID), nil
}

func (p *StoreProvider) listTasks(params map[string]any) (any, string, error) {
	tasks, err := p.trials.ListTasks(trial.TaskFilter{
		SiteID:    strParam(params, "site_id"),
		PatientID: strParam(params, "patient_id"),
		Status:    strParamDefault(params, "status", "pending"),
		Category:  strParam(params, "category"),
		StartDate: strParam(params, "start_date"),
		EndDate:   strParam(params, "end_date"),
	})
	if err != nil {
		return nil, "", err
	}
	return tasks, fmt.Sprintf("Found %d tasks.", len(tasks)), nil
}

// TodaySummary is the get_today_tasks payload.
type TodaySummary struct {
	Today   int          `json:"today"`
	Overdue int          `json:"overdue"`
	Tasks   []trial.Task `json:"tasks"`
}

func (p *StoreProvider) getTodayTasks(params map[string]any) (any, string, error) {
	tasks, err := p.trials.ListTasks(trial.TaskFilter{
		SiteID: strParam(params, "site_id"),
		Status: "pending",
	})
	if err != nil {
		return nil, "", err
	}
	today := time.Now().Format("2006-01-02")
	summary := &TodaySummary{}
	for _, t := range tasks {
		switch {
		case t.DueDate == today:
			summary.Today++
			summary.Tasks = append(summary.Tasks, t)
		case t.DueDate != "" && t.DueDate < today:
			summary.Overdue++
			summary.Tasks = append(summary.Tasks, t)
		}
	}
	return summary, fmt.Sprintf("Today: %d tasks, %d overdue.", summary.Today, summary.Overdue), nil
}

func (p *StoreProvider) createTask(params map[string]any) (any, string, error) {
	title := strParam(params, "title")
	if title == "" {
		return nil, "", fmt.Errorf("create_task needs a title")
	}
	task := &trial.Task{
		Title:       title,
		Description: strParam(params, "description"),
		PatientID:   strParam(params, "patient_id"),
		TrialID:     strParam(params, "trial_id"),
		SiteID:      strParam(params, "site_id"),
		DueDate:     strParam(params, "due_date"),
		Priority:    strParam(params, "priority"),
		Category:    strParam(params, "category"),
		CreatedBy:   strParamDefault(params, "created_by", "agent"),
	}
	if err := p.trials.CreateTask(task); err != nil {
		return nil, "", err
	}
	return task, fmt.Sprintf("Created task %q.", task.Title), nil
}

func (p *StoreProvider) completeTask(params map[string]any) (any, string, error) {
	id := strParam(params, "task_id")
	if id == "" {
		return nil, "", fmt.Errorf("complete_task needs task_id")
	}
	task, err := p.trials.CompleteTask(id)
	if err != nil {
		return nil, "", err
	}
	return task, fmt.Sprintf("Task %q marked complete.", task.Title), nil
}

// KnowledgeHits is the search_knowledge payload: ranked entries plus
// a few matching protocol sections when a protocol library is loaded.
type KnowledgeHits struct {
	Entries   []*knowledge.Entry `json:"entries"`
	Protocols []protocol.Chunk   `json:"protocols,omitempty"`
}

func (p *StoreProvider) searchKnowledge(ctx context.Context, params map[string]any) (any, string, error) {
	query := strParam(params, "query")
	siteID := strParam(params, "site_id")
	entries, err := p.retriever.Search(ctx, query, knowledge.SearchOptions{
		SiteID:   siteID,
		Category: strParam(params, "category"),
		Limit:    knowledgeResultCap,
	})
	if err != nil {
		return nil, "", err
	}
	for _, e := range entries {
		if err := p.entries.TrackReference(e.ID); err != nil {
			return nil, "", err
		}
	}
	hits := &KnowledgeHits{Entries: entries}
	if p.protocols != nil && query != "" {
		hits.Protocols = p.protocols.Search(query, siteID, strParam(params, "trial_id"), protocolMixinCap)
	}
	return hits, fmt.Sprintf("Found %d knowledge base entries.", len(entries)), nil
}

func (p *StoreProvider) addSiteKnowledge(params map[string]any) (any, string, error) {
	content := strParam(params, "content")
	if content == "" {
		return nil, "", fmt.Errorf("add_site_knowledge needs content")
	}
	entry := &knowledge.Entry{
		Tier:     knowledge.TierSite,
		SiteID:   strParam(params, "site_id"),
		Category: strParamDefault(params, "category", "site_practice"),
		Content:  content,
		Source:   "crc_contributed",
		Author:   strParam(params, "author"),
		TrialID:  strParam(params, "trial_id"),
		Tags:     strSliceParam(params, "tags"),
	}
	if err := p.entries.AddEntry(entry); err != nil {
		return nil, "", err
	}
	return entry, fmt.Sprintf("Saved site knowledge entry %s.", entry.ID), nil
}

func (p *StoreProvider) searchProtocols(params map[string]any) (any, string, error) {
	if p.protocols == nil {
		return []protocol.Chunk{}, "No protocol documents loaded.", nil
	}
	chunks := p.protocols.Search(
		strParam(params, "query"),
		strParam(params, "site_id"),
		strParam(params, "trial_id"),
		intParam(params, "limit", 5),
	)
	return chunks, fmt.Sprintf("Found %d protocol sections.", len(chunks)), nil
}

func (p *StoreProvider) getTrialInfo(params map[string]any) (any, string, error) {
	id := strParam(params, "trial_id")
	tr, err := p.trials.GetTrial(id)
	if err != nil {
		return nil, "", err
	}
	if tr == nil {
		return nil, "", fmt.Errorf("trial %s not found", id)
	}
	return tr, fmt.Sprintf("Trial info for %s.", tr.Name), nil
}

func (p *StoreProvider) getInterventionStats(params map[string]any) (any, string, error) {
	stats, err := p.trials.Stats(strParam(params, "site_id"))
	if err != nil {
		return nil, "", err
	}
	return stats, fmt.Sprintf("Total interventions: %d.", stats.Total), nil
}

// Planner parameters arrive as decoded JSON, so numbers are float64.

func strParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

func strParamDefault(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func boolParam(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func strSliceParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
