package knowledge

import (
	"time"

	"github.com/cadencehq/cadence/internal/config"
)

// Lifecycle handles validation, staleness and archival. Staleness is
// derived from the last validation date at read time; nothing ever
// writes a "stale" status to the store.
type Lifecycle struct {
	store     *Store
	staleDays map[int]int
	now       func() time.Time
}

func NewLifecycle(store *Store) *Lifecycle {
	return &Lifecycle{
		store: store,
		staleDays: map[int]int{
			TierBase:      config.DefaultTier1StaleDays,
			TierSite:      config.DefaultTier2StaleDays,
			TierCrossSite: config.DefaultTier3StaleDays,
		},
		now: time.Now,
	}
}

// IsStale reports whether the entry's validation age exceeds its
// tier's review threshold. Entries with unparseable dates count as
// stale so they surface for review.
func (l *Lifecycle) IsStale(e *Entry) bool {
	threshold, ok := l.staleDays[e.Tier]
	if !ok {
		threshold = config.DefaultTier3StaleDays
	}

	lastValidated := e.LastValidatedAt
	if lastValidated == "" {
		lastValidated = e.CreatedAt
	}
	if lastValidated == "" {
		return true
	}
	t, err := time.Parse("2006-01-02", lastValidated)
	if err != nil {
		return true
	}
	return l.now().Sub(t) > time.Duration(threshold)*24*time.Hour
}

// StaleEntries returns non-archived entries due for review, with
// their status set to stale in the returned copies.
func (l *Lifecycle) StaleEntries(siteID string) ([]*Entry, error) {
	entries, err := l.store.ListEntries(EntryFilter{SiteID: siteID})
	if err != nil {
		return nil, err
	}
	var stale []*Entry
	for _, e := range entries {
		if l.IsStale(e) {
			e.Status = StatusStale
			stale = append(stale, e)
		}
	}
	return stale, nil
}

// Validate confirms an entry is still current. Returns nil for
// unknown ids.
func (l *Lifecycle) Validate(id string) (*Entry, error) {
	return l.store.Validate(id)
}

// Archive retires an entry. Archival is terminal for search but a
// later Validate restores the entry.
func (l *Lifecycle) Archive(id string) (*Entry, error) {
	return l.store.Archive(id)
}

// TrackReference records that an entry was surfaced to a user.
func (l *Lifecycle) TrackReference(id string) error {
	return l.store.TrackReference(id)
}

func (l *Lifecycle) Stats() (*Stats, error) {
	return l.store.Stats(l.IsStale)
}
