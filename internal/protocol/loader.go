// Package protocol loads trial protocol documents from a directory,
// chunks them by numbered section headers, and serves keyword search
// over the chunks.
package protocol

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const searchResultCap = 10

var errInvalidFrontmatter = errors.New("invalid protocol YAML frontmatter")

// Document is one loaded protocol file.
type Document struct {
	ID      string
	Name    string
	TrialID string
	SiteID  string
	Version string
	Chunks  []Chunk
}

// Chunk is one section of a protocol document.
type Chunk struct {
	ID           string  `json:"chunk_id"`
	ProtocolID   string  `json:"protocol_id"`
	ProtocolName string  `json:"protocol_name"`
	TrialID      string  `json:"trial_id"`
	SiteID       string  `json:"site_id,omitempty"`
	Header       string  `json:"header"`
	Content      string  `json:"content"`
	Score        float64 `json:"relevance_score"`
}

type frontmatter struct {
	Name    string `yaml:"name"`
	TrialID string `yaml:"trial_id"`
	SiteID  string `yaml:"site_id"`
	Version string `yaml:"version"`
}

// Library holds loaded protocol documents. Load once at startup;
// reads are lock-free.
type Library struct {
	docs []*Document
}

// Load reads every .md file under dir. A missing or empty dir yields
// an empty library, not an error. Files with broken frontmatter are
// skipped with a warning.
func Load(dir string) (*Library, error) {
	lib := &Library{}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return lib, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return lib, nil
		}
		return nil, fmt.Errorf("stat protocols dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("protocols path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read protocols dir %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		doc, err := parseProtocolFile(path)
		if err != nil {
			if errors.Is(err, errInvalidFrontmatter) {
				log.Printf("[protocol] warning: skip %s: %v", path, err)
				continue
			}
			return nil, err
		}
		lib.docs = append(lib.docs, doc)
	}
	return lib, nil
}

// Add registers a protocol from raw text, the path uploads take.
func (l *Library) Add(content, name, trialID, siteID, version string) *Document {
	if version == "" {
		version = "1.0"
	}
	doc := &Document{
		ID:      "proto_" + uuid.NewString()[:8],
		Name:    name,
		TrialID: trialID,
		SiteID:  siteID,
		Version: version,
	}
	doc.Chunks = chunk(doc, content)
	l.docs = append(l.docs, doc)
	return doc
}

// Documents lists loaded protocols, optionally filtered. A site
// filter keeps global protocols.
func (l *Library) Documents(siteID, trialID string) []*Document {
	var out []*Document
	for _, doc := range l.docs {
		if siteID != "" && doc.SiteID != "" && doc.SiteID != siteID {
			continue
		}
		if trialID != "" && doc.TrialID != trialID {
			continue
		}
		out = append(out, doc)
	}
	return out
}

// Search scores chunks by query-word hits, highest first. limit <= 0
// means the default cap.
func (l *Library) Search(query, siteID, trialID string, limit int) []Chunk {
	if limit <= 0 || limit > searchResultCap {
		limit = searchResultCap
	}
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return nil
	}

	var results []Chunk
	for _, doc := range l.Documents(siteID, trialID) {
		for _, c := range doc.Chunks {
			text := strings.ToLower(c.Header + "\n" + c.Content)
			score := 0
			for _, w := range words {
				if strings.Contains(text, w) {
					score++
				}
			}
			if score == 0 {
				continue
			}
			c.Score = float64(score)
			results = append(results, c)
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func parseProtocolFile(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read protocol %q: %w", path, err)
	}

	meta, body, err := splitFrontmatter(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse protocol %q: %w", path, err)
	}
	name := strings.TrimSpace(meta.Name)
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), ".md")
	}

	doc := &Document{
		ID:      "proto_" + uuid.NewString()[:8],
		Name:    name,
		TrialID: meta.TrialID,
		SiteID:  meta.SiteID,
		Version: meta.Version,
	}
	if doc.Version == "" {
		doc.Version = "1.0"
	}
	doc.Chunks = chunk(doc, body)
	return doc, nil
}

func splitFrontmatter(text string) (frontmatter, string, error) {
	text = strings.TrimPrefix(text, "\xEF\xBB\xBF")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		// No frontmatter: treat the whole file as body.
		return frontmatter{}, text, nil
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return frontmatter{}, "", fmt.Errorf("%w: missing closing separator", errInvalidFrontmatter)
	}

	var meta frontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return frontmatter{}, "", fmt.Errorf("%w: %v", errInvalidFrontmatter, err)
	}
	return meta, strings.Join(lines[end+1:], "\n"), nil
}

// chunk splits a protocol body on numbered section headers like
// "3. Visit Schedule". Content before the first header lands in an
// "Overview" chunk.
func chunk(doc *Document, content string) []Chunk {
	lines := strings.Split(strings.TrimSpace(content), "\n")
	var chunks []Chunk
	header := "Overview"
	var current []string

	flush := func() {
		body := strings.TrimSpace(strings.Join(current, "\n"))
		if body == "" {
			return
		}
		chunks = append(chunks, Chunk{
			ID:           "chunk_" + uuid.NewString()[:8],
			ProtocolID:   doc.ID,
			ProtocolName: doc.Name,
			TrialID:      doc.TrialID,
			SiteID:       doc.SiteID,
			Header:       header,
			Content:      body,
		})
	}

	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if isSectionHeader(stripped) {
			flush()
			header = stripped
			current = current[:0]
			continue
		}
		current = append(current, line)
	}
	flush()
	return chunks
}

func isSectionHeader(line string) bool {
	if line == "" || !unicode.IsDigit(rune(line[0])) {
		return false
	}
	head := line
	if len(head) > 5 {
		head = head[:5]
	}
	return strings.Contains(head, ". ")
}
