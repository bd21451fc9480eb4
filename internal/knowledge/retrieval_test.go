package knowledge

import (
	"context"
	"testing"

	"github.com/cadencehq/cadence/internal/config"
)

func newTestRetriever(t *testing.T) (*Retriever, *Store) {
	t.Helper()
	s := newTestStore(t)
	return NewRetriever(s, config.DefaultRetrievalConfig()), s
}

func seedRetrievalFixtures(t *testing.T, s *Store) {
	t.Helper()
	entries := []*Entry{
		{ID: "base_nausea", Tier: TierBase, Category: "protocol_tip",
			Content: "Report nausea complaints to the PI early to prevent dropouts.",
			Tags:    []string{"nausea", "adverse_event"}},
		{ID: "site_nausea_kit", Tier: TierSite, SiteID: "site_sinai", Category: "retention_strategy",
			Content:            "Hand out the GLP-1 nausea management kit at enrollment. Dropout during titration fell from 18% to 5% after we started.",
			Tags:               []string{"glp1", "nausea", "titration"},
			EffectivenessScore: 0.85},
		{ID: "cross_nausea", Tier: TierCrossSite, Category: "intervention_pattern",
			Content:    "Across sites, proactive nausea management kits cut titration dropout roughly in half.",
			Tags:       []string{"nausea", "glp1"},
			Confidence: 0.90},
		{ID: "site_other", Tier: TierSite, SiteID: "site_boston", Category: "workflow",
			Content: "Fasting visits before 9 AM reduce protocol deviations."},
	}
	for _, e := range entries {
		if err := s.AddEntry(e); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSearch_TierAndScopeRanking(t *testing.T) {
	r, s := newTestRetriever(t)
	seedRetrievalFixtures(t, s)

	results, err := r.Search(context.Background(), "nausea kit", SearchOptions{SiteID: "site_sinai"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}

	// The site-scoped Tier 2 entry with proven effectiveness must
	// outrank the base and cross-site entries.
	if results[0].ID != "site_nausea_kit" {
		t.Errorf("top result = %s, want site_nausea_kit", results[0].ID)
	}
	for i := 1; i < len(results); i++ {
		if results[i].RelevanceScore > results[i-1].RelevanceScore {
			t.Errorf("results not sorted at %d", i)
		}
	}
}

func TestSearch_ScoreComposition(t *testing.T) {
	r, s := newTestRetriever(t)
	seedRetrievalFixtures(t, s)

	results, _ := r.Search(context.Background(), "nausea kit", SearchOptions{SiteID: "site_sinai"})
	var top *Entry
	for _, e := range results {
		if e.ID == "site_nausea_kit" {
			top = e
		}
	}
	if top == nil {
		t.Fatal("site_nausea_kit not in results")
	}
	// Both words match: 1.0 * 1.5 tier weight + 0.3 scope + 0.1 effectiveness
	if top.RelevanceScore != 1.9 {
		t.Errorf("score = %v, want 1.9", top.RelevanceScore)
	}
}

func TestSearch_EmptyQueryBrowses(t *testing.T) {
	r, s := newTestRetriever(t)
	seedRetrievalFixtures(t, s)

	results, err := r.Search(context.Background(), "   ", SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 4 {
		t.Errorf("browse = %d entries, want 4", len(results))
	}
	for _, e := range results {
		if e.RelevanceScore != 0 {
			t.Errorf("browse score = %v, want 0", e.RelevanceScore)
		}
	}
}

func TestSearch_NoMatches(t *testing.T) {
	r, s := newTestRetriever(t)
	seedRetrievalFixtures(t, s)

	results, err := r.Search(context.Background(), "cryogenics", SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestSearch_ExcludesArchived(t *testing.T) {
	r, s := newTestRetriever(t)
	seedRetrievalFixtures(t, s)

	s.Archive("site_nausea_kit")

	results, _ := r.Search(context.Background(), "nausea kit", SearchOptions{SiteID: "site_sinai"})
	for _, e := range results {
		if e.ID == "site_nausea_kit" {
			t.Error("archived entry returned from search")
		}
	}
}

func TestSearch_CategoryAndTierFilters(t *testing.T) {
	r, s := newTestRetriever(t)
	seedRetrievalFixtures(t, s)

	results, _ := r.Search(context.Background(), "nausea", SearchOptions{Tier: TierBase})
	if len(results) != 1 || results[0].ID != "base_nausea" {
		t.Errorf("tier filter = %v", results)
	}

	results, _ = r.Search(context.Background(), "nausea", SearchOptions{Category: "intervention_pattern"})
	if len(results) != 1 || results[0].ID != "cross_nausea" {
		t.Errorf("category filter = %v", results)
	}
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, context.DeadlineExceeded
}
func (failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, context.DeadlineExceeded
}

func TestSearch_VectorFallbackToKeyword(t *testing.T) {
	r, s := newTestRetriever(t)
	seedRetrievalFixtures(t, s)
	r.WithEmbedder(failingEmbedder{})

	// Embedder errors must not surface; keyword results come back
	results, err := r.Search(context.Background(), "nausea kit", SearchOptions{SiteID: "site_sinai"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 || results[0].ID != "site_nausea_kit" {
		t.Errorf("fallback results = %v", results)
	}
}

type staticEmbedder struct {
	vec []float32
}

func (s staticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.vec, nil
}
func (s staticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, nil
}

func TestSearch_VectorMode(t *testing.T) {
	r, s := newTestRetriever(t)
	seedRetrievalFixtures(t, s)

	blob, _ := EncodeVector([]float32{1, 0, 0})
	s.SetEmbedding("site_nausea_kit", blob)

	r.WithEmbedder(staticEmbedder{vec: []float32{1, 0, 0}})
	results, err := r.Search(context.Background(), "anything", SearchOptions{SiteID: "site_sinai"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != "site_nausea_kit" {
		t.Errorf("vector results = %v", results)
	}
	// Perfect similarity: 1.0 * 1.5 + 0.3 + 0.1
	if results[0].RelevanceScore != 1.9 {
		t.Errorf("vector score = %v, want 1.9", results[0].RelevanceScore)
	}
}
