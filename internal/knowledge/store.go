package knowledge

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

// Store persists knowledge entries and pattern suggestions in SQLite.
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
		`CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			tier INTEGER NOT NULL DEFAULT 2,
			site_id TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			subcategory TEXT NOT NULL DEFAULT '',
			therapeutic_area TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL DEFAULT '',
			trial_id TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			effectiveness_score REAL NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			evidence_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL DEFAULT '',
			last_validated_at TEXT NOT NULL DEFAULT '',
			reference_count INTEGER NOT NULL DEFAULT 0,
			last_referenced_at TEXT NOT NULL DEFAULT '',
			embedding BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_tier ON entries(tier, site_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_category ON entries(category)`,
		`CREATE TABLE IF NOT EXISTS suggestions (
			id TEXT PRIMARY KEY,
			site_id TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'pattern_analysis',
			source_detail TEXT NOT NULL DEFAULT '',
			trial_id TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			evidence_count INTEGER NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'draft',
			created_at TEXT NOT NULL DEFAULT '',
			resolved_at TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_suggestions_status ON suggestions(status, site_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func newEntryID() string {
	return "kn_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

func today() string {
	return time.Now().Format("2006-01-02")
}

const entryColumns = `id, tier, site_id, category, subcategory, therapeutic_area,
	content, source, author, trial_id, tags, effectiveness_score, confidence,
	evidence_count, status, created_at, last_validated_at, reference_count,
	last_referenced_at`

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var e Entry
	var tags string
	err := row.Scan(&e.ID, &e.Tier, &e.SiteID, &e.Category, &e.Subcategory,
		&e.TherapeuticArea, &e.Content, &e.Source, &e.Author, &e.TrialID, &tags,
		&e.EffectivenessScore, &e.Confidence, &e.EvidenceCount, &e.Status,
		&e.CreatedAt, &e.LastValidatedAt, &e.ReferenceCount, &e.LastReferencedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(tags), &e.Tags)
	return &e, nil
}

// AddEntry stores a new entry. Missing id, status and timestamps are
// filled in. This is the single creation path for both manual entries
// and approved suggestions.
func (s *Store) AddEntry(e *Entry) error {
	if e.ID == "" {
		e.ID = newEntryID()
	}
	if e.Tier == 0 {
		e.Tier = TierSite
	}
	if e.Status == "" {
		e.Status = StatusActive
	}
	if e.CreatedAt == "" {
		e.CreatedAt = today()
	}
	if e.LastValidatedAt == "" {
		e.LastValidatedAt = e.CreatedAt
	}
	tags, _ := json.Marshal(e.Tags)
	_, err := s.db.Exec(
		`INSERT INTO entries (id, tier, site_id, category, subcategory, therapeutic_area,
			content, source, author, trial_id, tags, effectiveness_score, confidence,
			evidence_count, status, created_at, last_validated_at, reference_count, last_referenced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Tier, e.SiteID, e.Category, e.Subcategory, e.TherapeuticArea,
		e.Content, e.Source, e.Author, e.TrialID, string(tags), e.EffectivenessScore,
		e.Confidence, e.EvidenceCount, e.Status, e.CreatedAt, e.LastValidatedAt,
		e.ReferenceCount, e.LastReferencedAt)
	if err != nil {
		return fmt.Errorf("add entry: %w", err)
	}
	return nil
}

func (s *Store) GetEntry(id string) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRow("SELECT "+entryColumns+" FROM entries WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// ListEntries returns entries matching the filter. Archived entries
// are excluded unless asked for.
func (s *Store) ListEntries(f EntryFilter) ([]*Entry, error) {
	var conditions []string
	var args []any
	if f.Tier != 0 {
		conditions = append(conditions, "tier = ?")
		args = append(args, f.Tier)
	}
	if f.SiteID != "" {
		// Site filter keeps global entries visible
		conditions = append(conditions, "(site_id = ? OR site_id = '')")
		args = append(args, f.SiteID)
	}
	if f.Category != "" {
		conditions = append(conditions, "category = ?")
		args = append(args, f.Category)
	}
	if !f.IncludeArchived {
		conditions = append(conditions, "status != 'archived'")
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	rows, err := s.db.Query("SELECT "+entryColumns+" FROM entries "+where+" ORDER BY tier, created_at", args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Validate marks an entry as reviewed and current. Works on archived
// entries too, restoring them to active.
func (s *Store) Validate(id string) (*Entry, error) {
	res, err := s.db.Exec(
		"UPDATE entries SET status = 'active', last_validated_at = ? WHERE id = ?", today(), id)
	if err != nil {
		return nil, fmt.Errorf("validate entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.GetEntry(id)
}

// Archive retires an entry. Archived entries stay queryable by id but
// never appear in search results.
func (s *Store) Archive(id string) (*Entry, error) {
	res, err := s.db.Exec("UPDATE entries SET status = 'archived' WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("archive entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.GetEntry(id)
}

// TrackReference bumps the reference counter when an entry is
// surfaced in a search or chat reply.
func (s *Store) TrackReference(id string) error {
	_, err := s.db.Exec(
		"UPDATE entries SET reference_count = reference_count + 1, last_referenced_at = ? WHERE id = ?",
		today(), id)
	if err != nil {
		return fmt.Errorf("track reference: %w", err)
	}
	return nil
}

func (s *Store) SetEmbedding(id string, blob []byte) error {
	_, err := s.db.Exec("UPDATE entries SET embedding = ? WHERE id = ?", blob, id)
	if err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	return nil
}

func (s *Store) GetEmbedding(id string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow("SELECT embedding FROM entries WHERE id = ?", id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding: %w", err)
	}
	return blob, nil
}

// EntriesMissingEmbeddings lists entry ids that have no stored vector.
func (s *Store) EntriesMissingEmbeddings() ([]*Entry, error) {
	rows, err := s.db.Query("SELECT " + entryColumns + " FROM entries WHERE embedding IS NULL AND status != 'archived'")
	if err != nil {
		return nil, fmt.Errorf("entries missing embeddings: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) AddSuggestion(sg *Suggestion) error {
	if sg.ID == "" {
		sg.ID = "suggest_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	}
	if sg.Status == "" {
		sg.Status = StatusDraft
	}
	if sg.CreatedAt == "" {
		sg.CreatedAt = today()
	}
	if sg.Source == "" {
		sg.Source = "pattern_analysis"
	}
	tags, _ := json.Marshal(sg.Tags)
	_, err := s.db.Exec(
		`INSERT INTO suggestions (id, site_id, category, content, source, source_detail,
			trial_id, tags, evidence_count, confidence, status, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sg.ID, sg.SiteID, sg.Category, sg.Content, sg.Source, sg.SourceDetail,
		sg.TrialID, string(tags), sg.EvidenceCount, sg.Confidence, sg.Status,
		sg.CreatedAt, sg.ResolvedAt)
	if err != nil {
		return fmt.Errorf("add suggestion: %w", err)
	}
	return nil
}

func (s *Store) GetSuggestion(id string) (*Suggestion, error) {
	sg, err := scanSuggestion(s.db.QueryRow(
		"SELECT id, site_id, category, content, source, source_detail, trial_id, tags, evidence_count, confidence, status, created_at, resolved_at FROM suggestions WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get suggestion: %w", err)
	}
	return sg, nil
}

// PendingSuggestions lists draft suggestions ordered by confidence,
// highest first.
func (s *Store) PendingSuggestions(siteID string) ([]*Suggestion, error) {
	query := "SELECT id, site_id, category, content, source, source_detail, trial_id, tags, evidence_count, confidence, status, created_at, resolved_at FROM suggestions WHERE status = 'draft'"
	var args []any
	if siteID != "" {
		query += " AND site_id = ?"
		args = append(args, siteID)
	}
	query += " ORDER BY confidence DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("pending suggestions: %w", err)
	}
	defer rows.Close()

	var suggestions []*Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		suggestions = append(suggestions, sg)
	}
	return suggestions, rows.Err()
}

func (s *Store) SetSuggestionStatus(id, status string) error {
	_, err := s.db.Exec(
		"UPDATE suggestions SET status = ?, resolved_at = ? WHERE id = ?", status, today(), id)
	if err != nil {
		return fmt.Errorf("set suggestion status: %w", err)
	}
	return nil
}

func scanSuggestion(row interface{ Scan(...any) error }) (*Suggestion, error) {
	var sg Suggestion
	var tags string
	err := row.Scan(&sg.ID, &sg.SiteID, &sg.Category, &sg.Content, &sg.Source,
		&sg.SourceDetail, &sg.TrialID, &tags, &sg.EvidenceCount, &sg.Confidence,
		&sg.Status, &sg.CreatedAt, &sg.ResolvedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(tags), &sg.Tags)
	return &sg, nil
}

// Stats aggregates entry counts per tier, site, category and status.
func (s *Store) Stats(stale func(*Entry) bool) (*Stats, error) {
	entries, err := s.ListEntries(EntryFilter{IncludeArchived: true})
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		ByTier:     map[int]int{},
		BySite:     map[string]int{},
		ByCategory: map[string]int{},
	}
	for _, e := range entries {
		stats.Total++
		stats.ByTier[e.Tier]++
		if e.Tier == TierSite && e.SiteID != "" {
			stats.BySite[e.SiteID]++
		}
		stats.ByCategory[e.Category]++
		switch {
		case e.Status == StatusArchived:
			stats.Archived++
		case stale != nil && stale(e):
			stats.Stale++
		default:
			stats.Active++
		}
	}

	pending, err := s.PendingSuggestions("")
	if err != nil {
		return nil, err
	}
	stats.SuggestionsPending = len(pending)
	return stats, nil
}
