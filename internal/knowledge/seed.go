package knowledge

// Foundational coordinator knowledge that ships with the product.
// Seeded once; sites grow their own Tier 2 entries on top of it.
var baseKnowledgeSeed = []Entry{
	{
		ID:              "base_001",
		Tier:            TierBase,
		Category:        "retention_strategy",
		Subcategory:     "communication",
		Content:         "Dropout risk spikes in the first four weeks after enrollment. A welcome call within 72 hours of consent, covering what to expect at the first three visits, measurably improves early retention.",
		Source:          "Cadence foundational library",
		Tags:            []string{"onboarding", "welcome_call", "early_dropout"},
		CreatedAt:       "2025-06-01",
		LastValidatedAt: "2026-06-01",
	},
	{
		ID:              "base_002",
		Tier:            TierBase,
		Category:        "retention_strategy",
		Subcategory:     "scheduling",
		Content:         "Patients who pick their own visit slots keep them. Offer two or three concrete times rather than asking an open-ended availability question, and always book the next visit before the patient leaves the clinic.",
		Source:          "Cadence foundational library",
		Tags:            []string{"scheduling", "visit_booking", "no_show"},
		CreatedAt:       "2025-06-01",
		LastValidatedAt: "2026-06-01",
	},
	{
		ID:              "base_003",
		Tier:            TierBase,
		Category:        "workflow",
		Subcategory:     "missed_visits",
		Content:         "Standard missed-visit escalation: call the same day, text on day 3, escalate to the PI by day 5. Most protocols allow a visit window of about a week; do not mark a visit missed until the window closes.",
		Source:          "Cadence foundational library",
		Tags:            []string{"missed_visit", "escalation", "visit_window"},
		CreatedAt:       "2025-06-01",
		LastValidatedAt: "2026-06-01",
	},
	{
		ID:              "base_004",
		Tier:            TierBase,
		Category:        "protocol_tip",
		Subcategory:     "adverse_events",
		Content:         "Report nausea and other tolerability complaints to the PI even when the patient calls them minor. Early dose-adjustment conversations prevent both dropouts and late adverse event filings.",
		Source:          "Cadence foundational library",
		TherapeuticArea: "general",
		Tags:            []string{"adverse_event", "nausea", "tolerability", "reporting"},
		CreatedAt:       "2025-06-01",
		LastValidatedAt: "2026-06-01",
	},
	{
		ID:              "base_005",
		Tier:            TierBase,
		Category:        "onboarding",
		Content:         "New coordinators should sit in on at least three consent discussions before leading one. Consent is where retention starts: patients who understand the study timeline rarely drop from surprise.",
		Source:          "Cadence foundational library",
		Tags:            []string{"training", "consent", "new_crc"},
		CreatedAt:       "2025-06-01",
		LastValidatedAt: "2026-06-01",
	},
}

// SeedBaseKnowledge loads the Tier 1 library once. Safe to call at
// every startup.
func SeedBaseKnowledge(store *Store) error {
	for i := range baseKnowledgeSeed {
		e := baseKnowledgeSeed[i]
		existing, err := store.GetEntry(e.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if err := store.AddEntry(&e); err != nil {
			return err
		}
	}
	return nil
}
