package protocol

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleProtocol = `---
name: CARDIO-PREVENT Protocol
trial_id: trial_cardio
version: "2.1"
---
This protocol governs the CARDIO-PREVENT phase III study.

1. Visit Schedule
Visits occur every 4 weeks. A missed visit must be rescheduled
within 7 days or reported as a protocol deviation.

2. Adverse Event Reporting
Serious adverse events must be reported to the sponsor within
24 hours of site awareness.
`

func writeProtocol(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write protocol file: %v", err)
	}
}

func TestLoad_SingleDocument(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeProtocol(t, root, "cardio.md", sampleProtocol)

	lib, err := Load(root)
	if err != nil {
		t.Fatalf("load protocols: %v", err)
	}
	docs := lib.Documents("", "")
	if len(docs) != 1 {
		t.Fatalf("document count = %d, want 1", len(docs))
	}

	doc := docs[0]
	if doc.Name != "CARDIO-PREVENT Protocol" {
		t.Fatalf("name = %q", doc.Name)
	}
	if doc.TrialID != "trial_cardio" || doc.Version != "2.1" {
		t.Fatalf("metadata = %q/%q", doc.TrialID, doc.Version)
	}
	if len(doc.Chunks) != 3 {
		t.Fatalf("chunk count = %d, want 3", len(doc.Chunks))
	}
	if doc.Chunks[0].Header != "Overview" {
		t.Errorf("first header = %q, want Overview", doc.Chunks[0].Header)
	}
	if doc.Chunks[1].Header != "1. Visit Schedule" {
		t.Errorf("second header = %q", doc.Chunks[1].Header)
	}
}

func TestLoad_MissingDirIsEmpty(t *testing.T) {
	t.Parallel()

	lib, err := Load(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := lib.Documents("", ""); len(got) != 0 {
		t.Fatalf("documents = %d, want 0", len(got))
	}
}

func TestLoad_NoFrontmatterUsesFilename(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeProtocol(t, root, "onboarding.md", "General onboarding guidance.\n\n1. Consent\nObtain written consent before any procedure.\n")

	lib, err := Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	docs := lib.Documents("", "")
	if len(docs) != 1 {
		t.Fatalf("document count = %d, want 1", len(docs))
	}
	if docs[0].Name != "onboarding" {
		t.Errorf("name = %q, want onboarding", docs[0].Name)
	}
}

func TestLoad_SkipsBrokenFrontmatter(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeProtocol(t, root, "broken.md", "---\nname: [unclosed\n---\nbody\n")
	writeProtocol(t, root, "good.md", sampleProtocol)

	lib, err := Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := lib.Documents("", ""); len(got) != 1 {
		t.Fatalf("documents = %d, want 1 (broken skipped)", len(got))
	}
}

func TestSearch_RanksAndFilters(t *testing.T) {
	t.Parallel()

	lib := &Library{}
	lib.Add(`This protocol governs the CARDIO-PREVENT phase III study.

1. Visit Schedule
Visits occur every 4 weeks. A missed visit must be rescheduled
within 7 days or reported as a protocol deviation.

2. Adverse Event Reporting
Serious adverse events must be reported to the sponsor within
24 hours of site awareness.
`, "CARDIO-PREVENT Protocol", "trial_cardio", "", "2.1")
	lib.Add("1. Dosing\nDosing adjustments require PI sign-off.\n", "NASH Protocol", "trial_nash", "site_boston", "1.0")

	results := lib.Search("missed visit reschedule", "", "", 0)
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Header != "1. Visit Schedule" {
		t.Errorf("top result = %q, want visit schedule section", results[0].Header)
	}
	if results[0].Score < results[len(results)-1].Score {
		t.Error("results not sorted by score")
	}

	// Trial filter excludes the other protocol
	results = lib.Search("dosing", "", "trial_cardio", 0)
	if len(results) != 0 {
		t.Fatalf("results = %d, want 0 for wrong trial", len(results))
	}

	// Site filter keeps global protocols
	results = lib.Search("adverse event", "site_sinai", "", 0)
	if len(results) == 0 {
		t.Fatal("global protocol filtered out by site scope")
	}

	if got := lib.Search("", "", "", 0); got != nil {
		t.Fatalf("empty query results = %v, want nil", got)
	}
}

func TestSearch_Limit(t *testing.T) {
	t.Parallel()

	lib := &Library{}
	lib.Add(sampleProtocol, "Doc", "trial_cardio", "", "1.0")

	results := lib.Search("protocol", "", "", 1)
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
}
