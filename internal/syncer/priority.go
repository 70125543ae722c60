package syncer

import (
	"sort"
	"time"

	"github.com/linkmesh/linkmesh/internal/store"
)

// Priority is a sync tier. Lower values sync first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Thresholds are the tunable knobs of priority classification.
type Thresholds struct {
	// RecentWindow promotes bookmarks updated within it to HIGH.
	RecentWindow time.Duration

	// MediumWindow promotes tagged bookmarks updated within it to MEDIUM.
	MediumWindow time.Duration

	// HighTagCount promotes bookmarks carrying at least this many tags to
	// HIGH regardless of age.
	HighTagCount int
}

// DefaultThresholds returns the stock classification windows.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RecentWindow: 3 * 24 * time.Hour,
		MediumWindow: 15 * 24 * time.Hour,
		HighTagCount: 3,
	}
}

// Classifier assigns sync priorities.
type Classifier struct {
	thresholds Thresholds
	clock      Clock

	// Viewed reports whether a bookmark is in the user's current view or
	// pinned; those sync before everything else. Nil means nothing is.
	Viewed func(id string) bool
}

// NewClassifier creates a classifier. Zero-valued thresholds fall back to
// the defaults; a nil clock uses the system clock.
func NewClassifier(thresholds Thresholds, clock Clock) *Classifier {
	defaults := DefaultThresholds()
	if thresholds.RecentWindow == 0 {
		thresholds.RecentWindow = defaults.RecentWindow
	}
	if thresholds.MediumWindow == 0 {
		thresholds.MediumWindow = defaults.MediumWindow
	}
	if thresholds.HighTagCount == 0 {
		thresholds.HighTagCount = defaults.HighTagCount
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Classifier{thresholds: thresholds, clock: clock}
}

// Classify returns the bookmark's sync tier.
func (c *Classifier) Classify(b store.Bookmark) Priority {
	if c.Viewed != nil && c.Viewed(b.ID) {
		return PriorityCritical
	}

	age := c.clock.Now().Sub(b.UpdatedAt)
	switch {
	case age <= c.thresholds.RecentWindow,
		b.ReadLater,
		len(b.Tags) >= c.thresholds.HighTagCount:
		return PriorityHigh
	case age <= c.thresholds.MediumWindow && len(b.Tags) >= 1:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Prioritize sorts bookmarks by tier, then by UpdatedAt descending within a
// tier. The input slice is not modified.
func (c *Classifier) Prioritize(bookmarks []store.Bookmark) []store.Bookmark {
	out := append([]store.Bookmark(nil), bookmarks...)
	tiers := make(map[string]Priority, len(out))
	for _, b := range out {
		tiers[b.ID] = c.Classify(b)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := tiers[out[i].ID], tiers[out[j].ID]
		if ti != tj {
			return ti < tj
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}
