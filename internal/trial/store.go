package trial

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is the operational trial database: patients, visits, tasks,
// interventions. SQLite keeps the deployment single-binary.
type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trials (
			trial_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			phase TEXT NOT NULL DEFAULT '',
			condition_name TEXT NOT NULL DEFAULT '',
			sponsor TEXT NOT NULL DEFAULT '',
			expected_duration_weeks INTEGER NOT NULL DEFAULT 52,
			visit_schedule TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS sites (
			site_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			pi_name TEXT NOT NULL DEFAULT '',
			crc_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS patients (
			patient_id TEXT PRIMARY KEY,
			site_id TEXT NOT NULL,
			trial_id TEXT NOT NULL,
			name TEXT NOT NULL,
			age INTEGER NOT NULL DEFAULT 0,
			sex TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			enrollment_date TEXT NOT NULL DEFAULT '',
			weeks_enrolled INTEGER NOT NULL DEFAULT 0,
			dropout_risk_score REAL NOT NULL DEFAULT 0.5,
			risk_factors TEXT NOT NULL DEFAULT '[]',
			recommended_actions TEXT NOT NULL DEFAULT '[]',
			next_visit_date TEXT NOT NULL DEFAULT '',
			visits_completed INTEGER NOT NULL DEFAULT 0,
			visits_missed INTEGER NOT NULL DEFAULT 0,
			last_contact_date TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			primary_crc_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_patients_site ON patients(site_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_patients_risk ON patients(dropout_risk_score)`,
		`CREATE TABLE IF NOT EXISTS patient_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			patient_id TEXT NOT NULL,
			type TEXT NOT NULL,
			date TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_patient ON patient_events(patient_id, date)`,
		`CREATE TABLE IF NOT EXISTS patient_notes (
			id TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			author TEXT NOT NULL DEFAULT 'CRC',
			content TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT 'general',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_patient ON patient_notes(patient_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS interventions (
			id TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			site_id TEXT NOT NULL,
			trial_id TEXT NOT NULL,
			type TEXT NOT NULL,
			date TEXT NOT NULL,
			outcome TEXT NOT NULL DEFAULT 'pending',
			notes TEXT NOT NULL DEFAULT '',
			triggered_by TEXT NOT NULL DEFAULT 'manual'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interventions_site ON interventions(site_id, type, outcome)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			patient_id TEXT NOT NULL DEFAULT '',
			trial_id TEXT NOT NULL DEFAULT '',
			site_id TEXT NOT NULL,
			due_date TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT 'normal',
			status TEXT NOT NULL DEFAULT 'pending',
			category TEXT NOT NULL DEFAULT 'documentation',
			created_by TEXT NOT NULL DEFAULT 'system',
			assigned_to TEXT NOT NULL DEFAULT '',
			completed_date TEXT NOT NULL DEFAULT '',
			snoozed_until TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_site ON tasks(site_id, status, due_date)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

func today() string {
	return time.Now().Format("2006-01-02")
}

const patientColumns = `p.patient_id, p.site_id, p.trial_id, p.name, p.age, p.sex,
	p.status, p.enrollment_date, p.weeks_enrolled, p.dropout_risk_score,
	p.risk_factors, p.recommended_actions, p.next_visit_date,
	p.visits_completed, p.visits_missed, p.last_contact_date, p.phone,
	p.primary_crc_id, t.name, s.name`

const patientJoin = `FROM patients p
	JOIN trials t ON p.trial_id = t.trial_id
	JOIN sites s ON p.site_id = s.site_id`

func scanPatient(row interface{ Scan(...any) error }) (*Patient, error) {
	var p Patient
	var riskFactors, recommendedActions string
	err := row.Scan(&p.ID, &p.SiteID, &p.TrialID, &p.Name, &p.Age, &p.Sex,
		&p.Status, &p.EnrollmentDate, &p.WeeksEnrolled, &p.DropoutRiskScore,
		&riskFactors, &recommendedActions, &p.NextVisitDate,
		&p.VisitsCompleted, &p.VisitsMissed, &p.LastContactDate, &p.Phone,
		&p.PrimaryCRCID, &p.TrialName, &p.SiteName)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(riskFactors), &p.RiskFactors)
	_ = json.Unmarshal([]byte(recommendedActions), &p.RecommendedActions)
	return &p, nil
}

// ListPatients returns flat patient records (no events or notes).
func (s *Store) ListPatients(f PatientFilter) ([]*Patient, error) {
	var conditions []string
	var args []any

	if f.SiteID != "" {
		conditions = append(conditions, "p.site_id = ?")
		args = append(args, f.SiteID)
	}
	if f.TrialID != "" {
		conditions = append(conditions, "p.trial_id = ?")
		args = append(args, f.TrialID)
	}
	if f.Status != "" {
		conditions = append(conditions, "p.status = ?")
		args = append(args, f.Status)
	}
	switch f.RiskLevel {
	case "high":
		conditions = append(conditions, "p.dropout_risk_score >= 0.7")
	case "medium":
		conditions = append(conditions, "p.dropout_risk_score >= 0.4 AND p.dropout_risk_score < 0.7")
	case "low":
		conditions = append(conditions, "p.dropout_risk_score < 0.4")
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	order := "p.dropout_risk_score DESC"
	switch f.SortBy {
	case "name":
		order = "p.name"
	case "enrollment_date":
		order = "p.enrollment_date DESC"
	case "next_visit":
		order = "CASE WHEN p.next_visit_date = '' THEN 1 ELSE 0 END, p.next_visit_date ASC"
	}

	limit := ""
	if f.Limit > 0 {
		limit = "LIMIT ?"
		args = append(args, f.Limit)
	}

	query := fmt.Sprintf("SELECT %s %s %s ORDER BY %s %s", patientColumns, patientJoin, where, order, limit)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

// GetPatient returns one patient with events, notes and interventions,
// or nil when the id is unknown.
func (s *Store) GetPatient(patientID string) (*Patient, error) {
	query := fmt.Sprintf("SELECT %s %s WHERE p.patient_id = ?", patientColumns, patientJoin)
	p, err := scanPatient(s.db.QueryRow(query, patientID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}

	p.Events, err = s.Timeline(patientID)
	if err != nil {
		return nil, err
	}

	noteRows, err := s.db.Query(
		`SELECT id, patient_id, author, content, category, created_at
		 FROM patient_notes WHERE patient_id = ? ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("get patient notes: %w", err)
	}
	defer noteRows.Close()
	for noteRows.Next() {
		var n Note
		if err := noteRows.Scan(&n.ID, &n.PatientID, &n.Author, &n.Content, &n.Category, &n.Timestamp); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		p.Notes = append(p.Notes, n)
	}
	if err := noteRows.Err(); err != nil {
		return nil, err
	}

	p.Interventions, err = s.ListInterventions(InterventionFilter{PatientID: patientID})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FindPatientsByIDPrefix matches partial patient identifiers across
// all statuses, case-insensitively.
func (s *Store) FindPatientsByIDPrefix(fragment string) ([]*Patient, error) {
	query := fmt.Sprintf(
		"SELECT %s %s WHERE instr(lower(p.patient_id), lower(?)) > 0 ORDER BY p.patient_id",
		patientColumns, patientJoin)
	rows, err := s.db.Query(query, fragment)
	if err != nil {
		return nil, fmt.Errorf("find patients by id fragment: %w", err)
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		patients = append(patients, p)
	}
	return patients, rows.Err()
}

func (s *Store) CreatePatient(p *Patient) error {
	riskFactors, _ := json.Marshal(p.RiskFactors)
	recommendedActions, _ := json.Marshal(p.RecommendedActions)
	_, err := s.db.Exec(
		`INSERT INTO patients (patient_id, site_id, trial_id, name, age, sex, status,
			enrollment_date, weeks_enrolled, dropout_risk_score, risk_factors,
			recommended_actions, next_visit_date, visits_completed, visits_missed,
			last_contact_date, phone, primary_crc_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SiteID, p.TrialID, p.Name, p.Age, p.Sex, p.Status,
		p.EnrollmentDate, p.WeeksEnrolled, p.DropoutRiskScore, string(riskFactors),
		string(recommendedActions), p.NextVisitDate, p.VisitsCompleted, p.VisitsMissed,
		p.LastContactDate, p.Phone, p.PrimaryCRCID)
	if err != nil {
		return fmt.Errorf("create patient: %w", err)
	}
	return nil
}

// ScheduleVisit sets the next visit date and records a timeline event.
func (s *Store) ScheduleVisit(patientID, date, note string) error {
	res, err := s.db.Exec("UPDATE patients SET next_visit_date = ? WHERE patient_id = ?", date, patientID)
	if err != nil {
		return fmt.Errorf("schedule visit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule visit: patient %s not found", patientID)
	}
	return s.AddEvent(patientID, Event{Type: "visit_scheduled", Date: date, Note: note})
}

// ReassignPatient moves a patient to a different coordinator.
func (s *Store) ReassignPatient(patientID, crcID string) error {
	res, err := s.db.Exec("UPDATE patients SET primary_crc_id = ? WHERE patient_id = ?", crcID, patientID)
	if err != nil {
		return fmt.Errorf("reassign patient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reassign patient: patient %s not found", patientID)
	}
	return nil
}

func (s *Store) AddEvent(patientID string, ev Event) error {
	_, err := s.db.Exec(
		"INSERT INTO patient_events (patient_id, type, date, note) VALUES (?, ?, ?, ?)",
		patientID, ev.Type, ev.Date, ev.Note)
	if err != nil {
		return fmt.Errorf("add event: %w", err)
	}
	return nil
}

// Timeline returns a patient's events in chronological order.
func (s *Store) Timeline(patientID string) ([]Event, error) {
	rows, err := s.db.Query(
		"SELECT type, date, note FROM patient_events WHERE patient_id = ? ORDER BY date", patientID)
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Type, &ev.Date, &ev.Note); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) AddNote(patientID, content, author, category string) (*Note, error) {
	if author == "" {
		author = "CRC"
	}
	if category == "" {
		category = "general"
	}
	n := Note{
		ID:        newID("note"),
		PatientID: patientID,
		Author:    author,
		Content:   content,
		Category:  category,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	_, err := s.db.Exec(
		"INSERT INTO patient_notes (id, patient_id, author, content, category, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		n.ID, n.PatientID, n.Author, n.Content, n.Category, n.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("add note: %w", err)
	}
	return &n, nil
}

// LogIntervention records an outreach action. Site and trial are
// looked up from the patient record.
func (s *Store) LogIntervention(patientID, intvType, outcome, notes, triggeredBy string) (*Intervention, error) {
	var siteID, trialID string
	err := s.db.QueryRow("SELECT site_id, trial_id FROM patients WHERE patient_id = ?", patientID).
		Scan(&siteID, &trialID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("log intervention: patient %s not found", patientID)
	}
	if err != nil {
		return nil, fmt.Errorf("log intervention: %w", err)
	}

	if outcome == "" {
		outcome = "pending"
	}
	if triggeredBy == "" {
		triggeredBy = "manual"
	}
	intv := Intervention{
		ID:          newID("int"),
		PatientID:   patientID,
		SiteID:      siteID,
		TrialID:     trialID,
		Type:        intvType,
		Date:        today(),
		Outcome:     outcome,
		Notes:       notes,
		TriggeredBy: triggeredBy,
	}
	_, err = s.db.Exec(
		`INSERT INTO interventions (id, patient_id, site_id, trial_id, type, date, outcome, notes, triggered_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		intv.ID, intv.PatientID, intv.SiteID, intv.TrialID, intv.Type, intv.Date,
		intv.Outcome, intv.Notes, intv.TriggeredBy)
	if err != nil {
		return nil, fmt.Errorf("log intervention: %w", err)
	}
	return &intv, nil
}

func (s *Store) ListInterventions(f InterventionFilter) ([]Intervention, error) {
	var conditions []string
	var args []any
	if f.SiteID != "" {
		conditions = append(conditions, "site_id = ?")
		args = append(args, f.SiteID)
	}
	if f.PatientID != "" {
		conditions = append(conditions, "patient_id = ?")
		args = append(args, f.PatientID)
	}
	if f.TrialID != "" {
		conditions = append(conditions, "trial_id = ?")
		args = append(args, f.TrialID)
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	rows, err := s.db.Query(
		"SELECT id, patient_id, site_id, trial_id, type, date, outcome, notes, triggered_by FROM interventions "+
			where+" ORDER BY date DESC", args...)
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	defer rows.Close()

	var result []Intervention
	for rows.Next() {
		var intv Intervention
		if err := rows.Scan(&intv.ID, &intv.PatientID, &intv.SiteID, &intv.TrialID,
			&intv.Type, &intv.Date, &intv.Outcome, &intv.Notes, &intv.TriggeredBy); err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		result = append(result, intv)
	}
	return result, rows.Err()
}

// SetInterventionOutcome closes out a pending intervention.
func (s *Store) SetInterventionOutcome(interventionID, outcome string) error {
	res, err := s.db.Exec("UPDATE interventions SET outcome = ? WHERE id = ?", outcome, interventionID)
	if err != nil {
		return fmt.Errorf("set intervention outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set intervention outcome: intervention %s not found", interventionID)
	}
	return nil
}

// Stats aggregates intervention outcomes, optionally per site.
func (s *Store) Stats(siteID string) (*InterventionStats, error) {
	condition := ""
	var args []any
	if siteID != "" {
		condition = "WHERE site_id = ?"
		args = append(args, siteID)
	}

	rows, err := s.db.Query(
		"SELECT type, outcome, count(*) FROM interventions "+condition+" GROUP BY type, outcome", args...)
	if err != nil {
		return nil, fmt.Errorf("intervention stats: %w", err)
	}
	defer rows.Close()

	stats := &InterventionStats{
		ByOutcome:         map[string]int{},
		SuccessRateByType: map[string]float64{},
	}
	totalByType := map[string]int{}
	positiveByType := map[string]int{}
	for rows.Next() {
		var intvType, outcome string
		var count int
		if err := rows.Scan(&intvType, &outcome, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.Total += count
		stats.ByOutcome[outcome] += count
		totalByType[intvType] += count
		if outcome == "positive" {
			positiveByType[intvType] += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for t, total := range totalByType {
		stats.SuccessRateByType[t] = round1(float64(positiveByType[t]) / float64(max(total, 1)) * 100)
	}

	weekAgo := time.Now().AddDate(0, 0, -7).Format("2006-01-02")
	weekQuery := "SELECT count(*) FROM interventions WHERE date >= ?"
	weekArgs := []any{weekAgo}
	if siteID != "" {
		weekQuery += " AND site_id = ?"
		weekArgs = append(weekArgs, siteID)
	}
	if err := s.db.QueryRow(weekQuery, weekArgs...).Scan(&stats.ThisWeek); err != nil {
		return nil, fmt.Errorf("intervention stats: %w", err)
	}

	sysQuery := "SELECT count(*) FROM interventions WHERE triggered_by = 'system_recommendation'"
	posQuery := sysQuery + " AND outcome = 'positive'"
	if siteID != "" {
		sysQuery += " AND site_id = ?"
		posQuery += " AND site_id = ?"
	}
	var sysTotal, sysPositive int
	if err := s.db.QueryRow(sysQuery, args...).Scan(&sysTotal); err != nil {
		return nil, fmt.Errorf("intervention stats: %w", err)
	}
	if err := s.db.QueryRow(posQuery, args...).Scan(&sysPositive); err != nil {
		return nil, fmt.Errorf("intervention stats: %w", err)
	}
	stats.SystemSuccessRate = round1(float64(sysPositive) / float64(max(sysTotal, 1)) * 100)
	return stats, nil
}

// AllPatients loads every patient with timeline events attached.
// Used by the resolver, which matches in memory.
func (s *Store) AllPatients() ([]*Patient, error) {
	patients, err := s.ListPatients(PatientFilter{})
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query("SELECT patient_id, type, date, note FROM patient_events ORDER BY patient_id, date")
	if err != nil {
		return nil, fmt.Errorf("all patients: %w", err)
	}
	defer rows.Close()

	eventsByPatient := map[string][]Event{}
	for rows.Next() {
		var patientID string
		var ev Event
		if err := rows.Scan(&patientID, &ev.Type, &ev.Date, &ev.Note); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		eventsByPatient[patientID] = append(eventsByPatient[patientID], ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, p := range patients {
		p.Events = eventsByPatient[p.ID]
	}
	return patients, nil
}

// OutcomeSamples returns all intervention outcomes for pattern
// analysis, pending ones excluded.
func (s *Store) OutcomeSamples() ([]OutcomeSample, error) {
	rows, err := s.db.Query(
		"SELECT site_id, type, outcome, notes FROM interventions WHERE outcome != 'pending' ORDER BY site_id, type")
	if err != nil {
		return nil, fmt.Errorf("outcome samples: %w", err)
	}
	defer rows.Close()

	var samples []OutcomeSample
	for rows.Next() {
		var sm OutcomeSample
		if err := rows.Scan(&sm.SiteID, &sm.Type, &sm.Outcome, &sm.Notes); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		samples = append(samples, sm)
	}
	return samples, rows.Err()
}

func (s *Store) ListTasks(f TaskFilter) ([]Task, error) {
	var conditions []string
	var args []any
	if f.SiteID != "" {
		conditions = append(conditions, "site_id = ?")
		args = append(args, f.SiteID)
	}
	if f.PatientID != "" {
		conditions = append(conditions, "patient_id = ?")
		args = append(args, f.PatientID)
	}
	if f.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		conditions = append(conditions, "category = ?")
		args = append(args, f.Category)
	}
	if f.StartDate != "" {
		conditions = append(conditions, "due_date >= ?")
		args = append(args, f.StartDate)
	}
	if f.EndDate != "" {
		conditions = append(conditions, "due_date <= ?")
		args = append(args, f.EndDate)
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	rows, err := s.db.Query(
		`SELECT id, title, description, patient_id, trial_id, site_id, due_date,
			priority, status, category, created_by, assigned_to, completed_date, snoozed_until
		 FROM tasks `+where+`
		 ORDER BY
			CASE priority
				WHEN 'urgent' THEN 1
				WHEN 'high' THEN 2
				WHEN 'normal' THEN 3
				WHEN 'low' THEN 4
			END,
			due_date ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Title, &t.Description, &t.PatientID, &t.TrialID,
			&t.SiteID, &t.DueDate, &t.Priority, &t.Status, &t.Category, &t.CreatedBy,
			&t.AssignedTo, &t.CompletedDate, &t.SnoozedUntil); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) GetTask(taskID string) (*Task, error) {
	var t Task
	err := s.db.QueryRow(
		`SELECT id, title, description, patient_id, trial_id, site_id, due_date,
			priority, status, category, created_by, assigned_to, completed_date, snoozed_until
		 FROM tasks WHERE id = ?`, taskID).
		Scan(&t.ID, &t.Title, &t.Description, &t.PatientID, &t.TrialID, &t.SiteID,
			&t.DueDate, &t.Priority, &t.Status, &t.Category, &t.CreatedBy,
			&t.AssignedTo, &t.CompletedDate, &t.SnoozedUntil)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

func (s *Store) CreateTask(t *Task) error {
	if t.ID == "" {
		t.ID = newID("task")
	}
	if t.Priority == "" {
		t.Priority = "normal"
	}
	if t.Status == "" {
		t.Status = "pending"
	}
	if t.Category == "" {
		t.Category = "documentation"
	}
	if t.CreatedBy == "" {
		t.CreatedBy = "system"
	}
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, title, description, patient_id, trial_id, site_id,
			due_date, priority, status, category, created_by, assigned_to, completed_date, snoozed_until)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.PatientID, t.TrialID, t.SiteID,
		t.DueDate, t.Priority, t.Status, t.Category, t.CreatedBy, t.AssignedTo,
		t.CompletedDate, t.SnoozedUntil)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) CompleteTask(taskID string) (*Task, error) {
	res, err := s.db.Exec(
		"UPDATE tasks SET status = 'completed', completed_date = ? WHERE id = ?",
		today(), taskID)
	if err != nil {
		return nil, fmt.Errorf("complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("complete task: task %s not found", taskID)
	}
	return s.GetTask(taskID)
}

func (s *Store) ListTrials() ([]Trial, error) {
	rows, err := s.db.Query(
		"SELECT trial_id, name, phase, condition_name, sponsor, expected_duration_weeks, visit_schedule FROM trials ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}
	defer rows.Close()

	var trials []Trial
	for rows.Next() {
		var t Trial
		if err := rows.Scan(&t.ID, &t.Name, &t.Phase, &t.Condition, &t.Sponsor,
			&t.ExpectedDurationWeeks, &t.VisitSchedule); err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		trials = append(trials, t)
	}
	return trials, rows.Err()
}

func (s *Store) GetTrial(trialID string) (*Trial, error) {
	var t Trial
	err := s.db.QueryRow(
		"SELECT trial_id, name, phase, condition_name, sponsor, expected_duration_weeks, visit_schedule FROM trials WHERE trial_id = ?",
		trialID).
		Scan(&t.ID, &t.Name, &t.Phase, &t.Condition, &t.Sponsor, &t.ExpectedDurationWeeks, &t.VisitSchedule)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trial: %w", err)
	}
	return &t, nil
}

func (s *Store) CreateTrial(t *Trial) error {
	_, err := s.db.Exec(
		"INSERT INTO trials (trial_id, name, phase, condition_name, sponsor, expected_duration_weeks, visit_schedule) VALUES (?, ?, ?, ?, ?, ?, ?)",
		t.ID, t.Name, t.Phase, t.Condition, t.Sponsor, t.ExpectedDurationWeeks, t.VisitSchedule)
	if err != nil {
		return fmt.Errorf("create trial: %w", err)
	}
	return nil
}

func (s *Store) ListSites() ([]Site, error) {
	rows, err := s.db.Query("SELECT site_id, name, location, pi_name, crc_count FROM sites ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var sites []Site
	for rows.Next() {
		var site Site
		if err := rows.Scan(&site.ID, &site.Name, &site.Location, &site.PIName, &site.CRCCount); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

func (s *Store) CreateSite(site *Site) error {
	_, err := s.db.Exec(
		"INSERT INTO sites (site_id, name, location, pi_name, crc_count) VALUES (?, ?, ?, ?, ?)",
		site.ID, site.Name, site.Location, site.PIName, site.CRCCount)
	if err != nil {
		return fmt.Errorf("create site: %w", err)
	}
	return nil
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
