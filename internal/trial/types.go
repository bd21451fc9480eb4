package trial

// Patient statuses.
const (
	StatusActive    = "active"
	StatusAtRisk    = "at_risk"
	StatusCompleted = "completed"
	StatusDropped   = "dropped"
)

// Dates are stored and exchanged as YYYY-MM-DD strings; timestamps
// as RFC3339-ish TEXT produced by sqlite's datetime('now').

type Patient struct {
	ID                 string   `json:"patient_id"`
	SiteID             string   `json:"site_id"`
	TrialID            string   `json:"trial_id"`
	Name               string   `json:"name"`
	Age                int      `json:"age"`
	Sex                string   `json:"sex"`
	Status             string   `json:"status"`
	EnrollmentDate     string   `json:"enrollment_date"`
	WeeksEnrolled      int      `json:"weeks_enrolled"`
	DropoutRiskScore   float64  `json:"dropout_risk_score"`
	RiskFactors        []string `json:"risk_factors"`
	RecommendedActions []string `json:"recommended_actions"`
	NextVisitDate      string   `json:"next_visit_date,omitempty"`
	VisitsCompleted    int      `json:"visits_completed"`
	VisitsMissed       int      `json:"visits_missed"`
	LastContactDate    string   `json:"last_contact_date,omitempty"`
	Phone              string   `json:"phone,omitempty"`
	PrimaryCRCID       string   `json:"primary_crc_id,omitempty"`

	// Joined from trials/sites.
	TrialName string `json:"trial_name,omitempty"`
	SiteName  string `json:"site_name,omitempty"`

	Events        []Event        `json:"events,omitempty"`
	Notes         []Note         `json:"notes,omitempty"`
	Interventions []Intervention `json:"interventions,omitempty"`
}

type Event struct {
	Type string `json:"type"`
	Date string `json:"date"`
	Note string `json:"note"`
}

type Note struct {
	ID        string `json:"id"`
	PatientID string `json:"patient_id"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	Category  string `json:"category"`
	Timestamp string `json:"timestamp"`
}

type Intervention struct {
	ID          string `json:"id"`
	PatientID   string `json:"patient_id"`
	SiteID      string `json:"site_id"`
	TrialID     string `json:"trial_id"`
	Type        string `json:"type"`
	Date        string `json:"date"`
	Outcome     string `json:"outcome"`
	Notes       string `json:"notes"`
	TriggeredBy string `json:"triggered_by"`
}

type Task struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	PatientID     string `json:"patient_id,omitempty"`
	TrialID       string `json:"trial_id,omitempty"`
	SiteID        string `json:"site_id"`
	DueDate       string `json:"due_date"`
	Priority      string `json:"priority"`
	Status        string `json:"status"`
	Category      string `json:"category"`
	CreatedBy     string `json:"created_by"`
	AssignedTo    string `json:"assigned_to,omitempty"`
	CompletedDate string `json:"completed_date,omitempty"`
	SnoozedUntil  string `json:"snoozed_until,omitempty"`
}

type Trial struct {
	ID                    string `json:"trial_id"`
	Name                  string `json:"name"`
	Phase                 string `json:"phase"`
	Condition             string `json:"condition"`
	Sponsor               string `json:"sponsor"`
	ExpectedDurationWeeks int    `json:"expected_duration_weeks"`
	VisitSchedule         string `json:"visit_schedule"`
}

type Site struct {
	ID       string `json:"site_id"`
	Name     string `json:"name"`
	Location string `json:"location"`
	PIName   string `json:"pi_name"`
	CRCCount int    `json:"crc_count"`
}

// PatientFilter narrows ListPatients. RiskLevel is one of high,
// medium, low and maps to dropout score bands.
type PatientFilter struct {
	SiteID    string
	TrialID   string
	Status    string
	RiskLevel string
	SortBy    string
	Limit     int
}

type TaskFilter struct {
	SiteID    string
	PatientID string
	Status    string
	Category  string
	StartDate string
	EndDate   string
}

type InterventionFilter struct {
	SiteID    string
	PatientID string
	TrialID   string
}

// InterventionStats summarizes outcomes per intervention type.
type InterventionStats struct {
	Total             int                `json:"total"`
	ByOutcome         map[string]int     `json:"by_outcome"`
	SuccessRateByType map[string]float64 `json:"by_type"`
	SystemSuccessRate float64            `json:"system_success_rate"`
	ThisWeek          int                `json:"this_week"`
}

// OutcomeSample feeds pattern analysis: one intervention outcome with
// the site and type it was recorded under.
type OutcomeSample struct {
	SiteID  string
	Type    string
	Outcome string
	Notes   string
}
