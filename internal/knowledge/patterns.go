package knowledge

import (
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
)

// minSampleSize is the evidence floor: a (site, intervention type)
// group needs at least this many resolved outcomes before a pattern
// is worth suggesting.
const minSampleSize = 3

// OutcomeSource feeds the detector with intervention outcomes.
type OutcomeSource interface {
	OutcomeSamples() ([]OutcomeSample, error)
}

type OutcomeSample struct {
	SiteID  string
	Type    string
	Outcome string
	Notes   string
}

type Pattern struct {
	SiteID           string  `json:"site_id"`
	InterventionType string  `json:"intervention_type"`
	SuccessRate      float64 `json:"success_rate"`
	SampleSize       int     `json:"sample_size"`
}

// Detector turns intervention outcome history into draft Tier 2
// knowledge suggestions for coordinator review.
type Detector struct {
	store  *Store
	source OutcomeSource
}

func NewDetector(store *Store, source OutcomeSource) *Detector {
	return &Detector{store: store, source: source}
}

// Analyze groups outcomes by (site, intervention type), computes
// success rates for groups above the sample floor, and files a draft
// suggestion for each group not already suggested. Returns the
// detected patterns sorted by success rate.
func (d *Detector) Analyze() ([]Pattern, error) {
	samples, err := d.source.OutcomeSamples()
	if err != nil {
		return nil, fmt.Errorf("analyze patterns: %w", err)
	}

	type counts struct{ total, positive int }
	bySiteType := map[string]*counts{}
	for _, sm := range samples {
		key := sm.SiteID + "\x00" + sm.Type
		c, ok := bySiteType[key]
		if !ok {
			c = &counts{}
			bySiteType[key] = c
		}
		c.total++
		if sm.Outcome == "positive" {
			c.positive++
		}
	}

	var patterns []Pattern
	for key, c := range bySiteType {
		if c.total < minSampleSize {
			continue
		}
		siteID, intvType, _ := strings.Cut(key, "\x00")
		rate := math.Round(float64(c.positive)/float64(c.total)*100) / 100
		patterns = append(patterns, Pattern{
			SiteID:           siteID,
			InterventionType: intvType,
			SuccessRate:      rate,
			SampleSize:       c.total,
		})
	}
	sort.Slice(patterns, func(i, j int) bool {
		return patterns[i].SuccessRate > patterns[j].SuccessRate
	})

	for _, p := range patterns {
		if err := d.suggestPattern(p); err != nil {
			log.Printf("[patterns] suggestion for %s/%s failed: %v", p.SiteID, p.InterventionType, err)
		}
	}
	return patterns, nil
}

func (d *Detector) suggestPattern(p Pattern) error {
	content := fmt.Sprintf(
		"%s interventions at %s resolve positively in %.0f%% of cases (%d logged outcomes). Consider making this the default outreach for similar situations.",
		strings.ReplaceAll(p.InterventionType, "_", " "), p.SiteID, p.SuccessRate*100, p.SampleSize)

	// One open suggestion per (site, type) group
	pending, err := d.store.PendingSuggestions(p.SiteID)
	if err != nil {
		return err
	}
	for _, sg := range pending {
		for _, tag := range sg.Tags {
			if tag == p.InterventionType {
				return nil
			}
		}
	}

	return d.store.AddSuggestion(&Suggestion{
		SiteID:        p.SiteID,
		Category:      "intervention_pattern",
		Content:       content,
		SourceDetail:  "intervention outcome analysis",
		Tags:          []string{p.InterventionType, "auto_detected"},
		EvidenceCount: p.SampleSize,
		Confidence:    p.SuccessRate,
	})
}

// Suggestions lists pending drafts, highest confidence first.
func (d *Detector) Suggestions(siteID string) ([]*Suggestion, error) {
	return d.store.PendingSuggestions(siteID)
}

// Approve promotes a suggestion to an active Tier 2 entry through the
// same creation path manual entries use. Approving an already
// resolved suggestion is a no-op returning the existing state.
func (d *Detector) Approve(suggestionID string) (*Entry, error) {
	sg, err := d.store.GetSuggestion(suggestionID)
	if err != nil {
		return nil, err
	}
	if sg == nil {
		return nil, fmt.Errorf("approve suggestion: %s not found", suggestionID)
	}
	if sg.Status != StatusDraft {
		return nil, nil
	}

	entry := &Entry{
		Tier:          TierSite,
		SiteID:        sg.SiteID,
		Category:      sg.Category,
		Content:       sg.Content,
		Source:        sg.Source,
		Author:        "Cadence AI",
		TrialID:       sg.TrialID,
		Tags:          sg.Tags,
		EvidenceCount: sg.EvidenceCount,
		Confidence:    sg.Confidence,
	}
	if err := d.store.AddEntry(entry); err != nil {
		return nil, err
	}
	if err := d.store.SetSuggestionStatus(suggestionID, StatusApproved); err != nil {
		return nil, err
	}
	return entry, nil
}

// Dismiss rejects a suggestion. Idempotent on resolved suggestions.
func (d *Detector) Dismiss(suggestionID string) (*Suggestion, error) {
	sg, err := d.store.GetSuggestion(suggestionID)
	if err != nil {
		return nil, err
	}
	if sg == nil {
		return nil, fmt.Errorf("dismiss suggestion: %s not found", suggestionID)
	}
	if sg.Status != StatusDraft {
		return sg, nil
	}
	if err := d.store.SetSuggestionStatus(suggestionID, StatusDismissed); err != nil {
		return nil, err
	}
	return d.store.GetSuggestion(suggestionID)
}
