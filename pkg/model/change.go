package model

import "time"

// Change represents a proposed change under test. For ref-updated style
// events (branch pushes, tags) most of the review fields are empty and only
// Ref/Oldrev/Newrev are set.
type Change struct {
	Project   string `json:"project"`
	Branch    string `json:"branch"`
	Number    string `json:"number,omitempty"`
	Patchset  string `json:"patchset,omitempty"`
	Ref       string `json:"ref,omitempty"`
	Oldrev    string `json:"oldrev,omitempty"`
	Newrev    string `json:"newrev,omitempty"`
	URL       string `json:"url,omitempty"`
	CommitMsg string `json:"commit_msg,omitempty"`

	// Files touched by the change; used to decide whether a dynamic
	// layout is needed.
	Files []string `json:"files,omitempty"`

	// Cache keys of changes this change depends on, in order, and of
	// changes known to depend on this one.
	NeedsChanges    []string `json:"needs_changes,omitempty"`
	NeededByChanges []string `json:"needed_by_changes,omitempty"`

	IsMerged     bool      `json:"is_merged,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
	CacheVersion int64     `json:"cache_version,omitempty"`
}

// CacheKey identifies a change in the change cache. Review changes key on
// number/patchset, ref updates on ref/newrev.
func (c *Change) CacheKey() string {
	if c.Number != "" {
		return c.Project + "/" + c.Number + "/" + c.Patchset
	}
	return c.Project + "/" + c.Ref + "/" + c.Newrev
}

// IsReviewChange reports whether this is a code-review change rather than a
// bare ref update.
func (c *Change) IsReviewChange() bool {
	return c.Number != ""
}

// UpdatesConfig reports whether the change touches in-repo configuration
// files and therefore needs a dynamic layout.
func (c *Change) UpdatesConfig() bool {
	for _, f := range c.Files {
		if f == "zuul.yaml" || f == ".zuul.yaml" {
			return true
		}
		if len(f) > 8 && (f[:8] == "zuul.d/." || f[:7] == "zuul.d/") {
			return true
		}
		if len(f) > 8 && f[:8] == ".zuul.d/" {
			return true
		}
	}
	return false
}
