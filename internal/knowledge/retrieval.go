package knowledge

import (
	"context"
	"log"
	"math"
	"sort"
	"strings"

	"github.com/cadencehq/cadence/internal/config"
)

// Retriever ranks knowledge entries against a query. Keyword scoring
// is the baseline; when an embedder is attached, vector similarity is
// tried first and falls back to keywords on any failure.
type Retriever struct {
	store    *Store
	cfg      config.RetrievalConfig
	embedder Embedder
}

func NewRetriever(store *Store, cfg config.RetrievalConfig) *Retriever {
	return &Retriever{store: store, cfg: cfg}
}

// WithEmbedder enables vector search.
func (r *Retriever) WithEmbedder(e Embedder) *Retriever {
	r.embedder = e
	return r
}

type SearchOptions struct {
	SiteID   string
	Tier     int
	Category string
	Limit    int
}

// Search returns entries ranked by relevance. An empty query browses
// instead: filter matches in stored order, all scores zero.
func (r *Retriever) Search(ctx context.Context, query string, opts SearchOptions) ([]*Entry, error) {
	if opts.Limit <= 0 {
		opts.Limit = config.DefaultSearchLimit
	}

	entries, err := r.store.ListEntries(EntryFilter{
		Tier:     opts.Tier,
		SiteID:   opts.SiteID,
		Category: opts.Category,
	})
	if err != nil {
		return nil, err
	}

	query = strings.TrimSpace(query)
	if query == "" {
		if len(entries) > opts.Limit {
			entries = entries[:opts.Limit]
		}
		for _, e := range entries {
			e.RelevanceScore = 0
		}
		return entries, nil
	}

	if r.embedder != nil {
		if results, err := r.vectorSearch(ctx, query, entries, opts); err == nil {
			return results, nil
		} else {
			log.Printf("[knowledge] vector search failed, falling back to keywords: %v", err)
		}
	}

	return r.keywordSearch(query, entries, opts), nil
}

func (r *Retriever) keywordSearch(query string, entries []*Entry, opts SearchOptions) []*Entry {
	words := strings.Fields(strings.ToLower(query))

	var results []*Entry
	for _, e := range entries {
		score := r.scoreEntry(e, words, opts.SiteID)
		if score > 0 {
			e.RelevanceScore = score
			results = append(results, e)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RelevanceScore > results[j].RelevanceScore
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results
}

// scoreEntry is the keyword relevance model: fraction of query words
// found in the entry text, scaled by tier weight, plus flat boosts for
// site scope, proven effectiveness and high confidence.
func (r *Retriever) scoreEntry(e *Entry, words []string, siteID string) float64 {
	text := strings.ToLower(strings.Join([]string{
		e.Content, e.Category, e.Subcategory, e.TherapeuticArea, e.Source,
		strings.Join(e.Tags, " "),
	}, " "))

	matches := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			matches++
		}
	}
	if matches == 0 {
		return 0
	}

	score := float64(matches) / float64(len(words)) * r.tierWeight(e.Tier)

	if siteID != "" && e.SiteID == siteID {
		score += r.cfg.ScopeBoost
	}
	if e.EffectivenessScore > r.cfg.EffectivenessThreshold {
		score += r.cfg.EffectivenessBoost
	}
	if e.Confidence > r.cfg.ConfidenceThreshold {
		score += r.cfg.ConfidenceBoost
	}

	return math.Round(score*1000) / 1000
}

func (r *Retriever) tierWeight(tier int) float64 {
	switch tier {
	case TierSite:
		return r.cfg.Tier2Weight
	case TierCrossSite:
		return r.cfg.Tier3Weight
	default:
		return r.cfg.Tier1Weight
	}
}

func (r *Retriever) vectorSearch(ctx context.Context, query string, entries []*Entry, opts SearchOptions) ([]*Entry, error) {
	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	var results []*Entry
	for _, e := range entries {
		blob, err := r.store.GetEmbedding(e.ID)
		if err != nil || blob == nil {
			continue
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			continue
		}
		sim, err := CosineSimilarity(queryVec, vec)
		if err != nil || sim <= 0 {
			continue
		}

		score := sim * r.tierWeight(e.Tier)
		if opts.SiteID != "" && e.SiteID == opts.SiteID {
			score += r.cfg.ScopeBoost
		}
		if e.EffectivenessScore > r.cfg.EffectivenessThreshold {
			score += r.cfg.EffectivenessBoost
		}
		if e.Confidence > r.cfg.ConfidenceThreshold {
			score += r.cfg.ConfidenceBoost
		}
		e.RelevanceScore = math.Round(score*1000) / 1000
		results = append(results, e)
	}

	if len(results) == 0 {
		// No stored vectors yet: let keyword search handle it
		return r.keywordSearch(query, entries, opts), nil
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RelevanceScore > results[j].RelevanceScore
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}
