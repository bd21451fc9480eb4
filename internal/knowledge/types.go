package knowledge

// Knowledge tiers. Tier 2 carries the highest retrieval weight
// because site-specific knowledge is the most actionable.
const (
	TierBase      = 1
	TierSite      = 2
	TierCrossSite = 3
)

// Entry statuses. Stale is derived at read time from the validation
// age, never stored.
const (
	StatusActive    = "active"
	StatusStale     = "stale"
	StatusDraft     = "draft"
	StatusArchived  = "archived"
	StatusApproved  = "approved"
	StatusDismissed = "dismissed"
)

type Entry struct {
	ID                 string   `json:"id"`
	Tier               int      `json:"tier"`
	SiteID             string   `json:"site_id,omitempty"`
	Category           string   `json:"category"`
	Subcategory        string   `json:"subcategory,omitempty"`
	TherapeuticArea    string   `json:"therapeutic_area,omitempty"`
	Content            string   `json:"content"`
	Source             string   `json:"source"`
	Author             string   `json:"author,omitempty"`
	TrialID            string   `json:"trial_id,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	EffectivenessScore float64  `json:"effectiveness_score,omitempty"`
	Confidence         float64  `json:"confidence,omitempty"`
	EvidenceCount      int      `json:"evidence_count,omitempty"`
	Status             string   `json:"status"`
	CreatedAt          string   `json:"created_at"`
	LastValidatedAt    string   `json:"last_validated_at"`
	ReferenceCount     int      `json:"reference_count"`
	LastReferencedAt   string   `json:"last_referenced_at,omitempty"`

	// Set by search, zero when browsing.
	RelevanceScore float64 `json:"relevance_score"`
}

// Suggestion is a draft Tier 2 entry surfaced by pattern analysis,
// awaiting coordinator review.
type Suggestion struct {
	ID            string   `json:"id"`
	SiteID        string   `json:"site_id"`
	Category      string   `json:"category"`
	Content       string   `json:"content"`
	Source        string   `json:"source"`
	SourceDetail  string   `json:"source_detail,omitempty"`
	TrialID       string   `json:"trial_id,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	EvidenceCount int      `json:"evidence_count"`
	Confidence    float64  `json:"confidence"`
	Status        string   `json:"status"`
	CreatedAt     string   `json:"created_at"`
	ResolvedAt    string   `json:"resolved_at,omitempty"`
}

type EntryFilter struct {
	Tier            int
	SiteID          string
	Category        string
	IncludeArchived bool
}

type Stats struct {
	Total              int            `json:"total"`
	ByTier             map[int]int    `json:"by_tier"`
	BySite             map[string]int `json:"by_site"`
	ByCategory         map[string]int `json:"by_category"`
	Active             int            `json:"active"`
	Stale              int            `json:"stale"`
	Archived           int            `json:"archived"`
	SuggestionsPending int            `json:"suggestions_pending"`
}
