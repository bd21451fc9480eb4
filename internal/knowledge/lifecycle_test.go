package knowledge

import (
	"testing"
	"time"
)

func TestIsStale_PerTierThresholds(t *testing.T) {
	l := NewLifecycle(nil)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	daysAgo := func(d int) string {
		return now.AddDate(0, 0, -d).Format("2006-01-02")
	}

	tests := []struct {
		name      string
		tier      int
		validated string
		want      bool
	}{
		{"tier1 within year", TierBase, daysAgo(300), false},
		{"tier1 over year", TierBase, daysAgo(400), true},
		{"tier2 within quarter", TierSite, daysAgo(60), false},
		{"tier2 over quarter", TierSite, daysAgo(120), true},
		{"tier3 within half year", TierCrossSite, daysAgo(150), false},
		{"tier3 over half year", TierCrossSite, daysAgo(200), true},
		{"no dates at all", TierSite, "", true},
		{"garbage date", TierSite, "soon", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Entry{Tier: tt.tier, LastValidatedAt: tt.validated}
			if got := l.IsStale(e); got != tt.want {
				t.Errorf("IsStale = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsStale_FallsBackToCreatedAt(t *testing.T) {
	l := NewLifecycle(nil)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	e := &Entry{Tier: TierSite, CreatedAt: now.AddDate(0, 0, -30).Format("2006-01-02")}
	if l.IsStale(e) {
		t.Error("fresh entry judged stale")
	}
}

func TestStaleEntries(t *testing.T) {
	s := newTestStore(t)
	l := NewLifecycle(s)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	s.AddEntry(&Entry{ID: "fresh", SiteID: "site_sinai", Content: "x",
		LastValidatedAt: now.AddDate(0, 0, -10).Format("2006-01-02")})
	s.AddEntry(&Entry{ID: "old", SiteID: "site_sinai", Content: "y",
		LastValidatedAt: now.AddDate(0, 0, -120).Format("2006-01-02")})
	s.AddEntry(&Entry{ID: "retired", SiteID: "site_sinai", Content: "z",
		LastValidatedAt: now.AddDate(0, 0, -120).Format("2006-01-02")})
	s.Archive("retired")

	stale, err := l.StaleEntries("site_sinai")
	if err != nil {
		t.Fatalf("StaleEntries: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "old" {
		t.Errorf("stale = %v, want only 'old'", stale)
	}
	if stale[0].Status != StatusStale {
		t.Errorf("status = %q, want stale", stale[0].Status)
	}
}

func TestLifecycleStats(t *testing.T) {
	s := newTestStore(t)
	l := NewLifecycle(s)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	s.AddEntry(&Entry{ID: "a", Content: "x", LastValidatedAt: now.AddDate(0, 0, -5).Format("2006-01-02")})
	s.AddEntry(&Entry{ID: "b", Content: "y", LastValidatedAt: now.AddDate(0, 0, -200).Format("2006-01-02")})
	s.AddEntry(&Entry{ID: "c", Content: "z"})
	s.Archive("c")

	stats, err := l.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 || stats.Active != 1 || stats.Stale != 1 || stats.Archived != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
