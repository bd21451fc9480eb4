package knowledge

import (
	"context"
	"testing"

	"github.com/cadencehq/cadence/internal/config"
)

type staticOutcomes []OutcomeSample

func (s staticOutcomes) OutcomeSamples() ([]OutcomeSample, error) {
	return s, nil
}

func outcomes() staticOutcomes {
	return staticOutcomes{
		// site_sinai phone_call: 3 samples, 2 positive
		{SiteID: "site_sinai", Type: "phone_call", Outcome: "positive"},
		{SiteID: "site_sinai", Type: "phone_call", Outcome: "positive"},
		{SiteID: "site_sinai", Type: "phone_call", Outcome: "negative"},
		// site_sinai home_visit: only 2 samples, below floor
		{SiteID: "site_sinai", Type: "home_visit", Outcome: "positive"},
		{SiteID: "site_sinai", Type: "home_visit", Outcome: "positive"},
		// site_boston sms: 4 samples, all positive
		{SiteID: "site_boston", Type: "sms", Outcome: "positive"},
		{SiteID: "site_boston", Type: "sms", Outcome: "positive"},
		{SiteID: "site_boston", Type: "sms", Outcome: "positive"},
		{SiteID: "site_boston", Type: "sms", Outcome: "positive"},
	}
}

func TestAnalyze_SampleFloorAndOrdering(t *testing.T) {
	s := newTestStore(t)
	d := NewDetector(s, outcomes())

	patterns, err := d.Analyze()
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(patterns) != 2 {
		t.Fatalf("patterns = %d, want 2 (home_visit below sample floor)", len(patterns))
	}
	if patterns[0].InterventionType != "sms" || patterns[0].SuccessRate != 1.0 {
		t.Errorf("top pattern = %+v, want sms at 1.0", patterns[0])
	}
	if patterns[1].InterventionType != "phone_call" || patterns[1].SuccessRate != 0.67 {
		t.Errorf("second pattern = %+v, want phone_call at 0.67", patterns[1])
	}
}

func TestAnalyze_FilesDraftSuggestionsOnce(t *testing.T) {
	s := newTestStore(t)
	d := NewDetector(s, outcomes())

	d.Analyze()
	d.Analyze() // second run must not duplicate

	pending, err := d.Suggestions("")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	// Ordered by confidence descending
	if pending[0].Confidence < pending[1].Confidence {
		t.Errorf("suggestions not ordered by confidence: %v, %v", pending[0].Confidence, pending[1].Confidence)
	}
}

func TestApprove_PromotesToTier2(t *testing.T) {
	s := newTestStore(t)
	d := NewDetector(s, outcomes())
	d.Analyze()

	pending, _ := d.Suggestions("site_boston")
	if len(pending) != 1 {
		t.Fatalf("pending for boston = %d, want 1", len(pending))
	}

	entry, err := d.Approve(pending[0].ID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if entry == nil {
		t.Fatal("no entry created")
	}
	if entry.Tier != TierSite || entry.SiteID != "site_boston" || entry.Status != StatusActive {
		t.Errorf("promoted entry = %+v", entry)
	}

	// Approved suggestion leaves the pending queue
	pending, _ = d.Suggestions("site_boston")
	if len(pending) != 0 {
		t.Errorf("pending after approve = %d, want 0", len(pending))
	}

	// The promoted entry is searchable like any manual entry
	r := NewRetriever(s, config.DefaultRetrievalConfig())
	results, _ := r.Search(context.Background(), "sms", SearchOptions{SiteID: "site_boston"})
	found := false
	for _, e := range results {
		if e.ID == entry.ID {
			found = true
		}
	}
	if !found {
		t.Error("promoted entry not searchable")
	}
}

func TestApprove_Idempotent(t *testing.T) {
	s := newTestStore(t)
	d := NewDetector(s, outcomes())
	d.Analyze()

	pending, _ := d.Suggestions("site_boston")
	id := pending[0].ID

	first, err := d.Approve(id)
	if err != nil || first == nil {
		t.Fatalf("first approve: %v %v", first, err)
	}
	second, err := d.Approve(id)
	if err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if second != nil {
		t.Error("second approve created another entry")
	}

	entries, _ := s.ListEntries(EntryFilter{SiteID: "site_boston"})
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
}

func TestDismiss(t *testing.T) {
	s := newTestStore(t)
	d := NewDetector(s, outcomes())
	d.Analyze()

	pending, _ := d.Suggestions("site_sinai")
	id := pending[0].ID

	sg, err := d.Dismiss(id)
	if err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if sg.Status != StatusDismissed {
		t.Errorf("status = %q, want dismissed", sg.Status)
	}

	// Dismiss again: no-op, keeps state
	again, err := d.Dismiss(id)
	if err != nil {
		t.Fatalf("second dismiss: %v", err)
	}
	if again.Status != StatusDismissed {
		t.Errorf("second dismiss status = %q", again.Status)
	}

	// No Tier 2 entry was created
	entries, _ := s.ListEntries(EntryFilter{SiteID: "site_sinai"})
	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
}

func TestApproveUnknownSuggestion(t *testing.T) {
	s := newTestStore(t)
	d := NewDetector(s, outcomes())
	if _, err := d.Approve("suggest_missing"); err == nil {
		t.Error("expected error for unknown suggestion")
	}
	if _, err := d.Dismiss("suggest_missing"); err == nil {
		t.Error("expected error for unknown suggestion")
	}
}
