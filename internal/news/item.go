// Package news fetches exchange announcements (API and HTML listings),
// matches delisting and security signals against a coin, and caches
// per-(coin,venue) verdicts.
package news

import (
	"net/url"
	"sort"
	"strings"
	"time"
)

// Item is one announcement or post. PublishedAtInferred marks entries whose
// listing page exposed no date; such items carry now() so the lookback
// filter does not drop them before the article itself is consulted.
type Item struct {
	Title               string
	Body                string
	URL                 string
	Source              string // venue id or "x"
	PublishedAt         time.Time
	PublishedAtInferred bool
	Tags                []string
}

// HasTag reports whether the item carries tag (case-insensitive).
func (it Item) HasTag(tag string) bool {
	for _, t := range it.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// withTag returns a copy of the item carrying tag; the original tag slice
// is never mutated.
func (it Item) withTag(tag string) Item {
	if it.HasTag(tag) {
		return it
	}
	tags := make([]string, 0, len(it.Tags)+1)
	tags = append(tags, it.Tags...)
	tags = append(tags, tag)
	it.Tags = tags
	return it
}

// NormalizeURL strips the query string and fragment while preserving
// scheme, host and path (trailing slashes included — some sites distinguish
// /foo from /foo/). Idempotent; malformed input is returned as-is.
func NormalizeURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	norm := url.URL{Scheme: u.Scheme, Host: u.Host, Path: path}
	return norm.String()
}

// dedupeKey is the identity used for dedup: the normalized URL, or the
// first 200 chars of the title when the URL is missing.
func dedupeKey(it Item) string {
	if u := strings.TrimSpace(it.URL); u != "" {
		return NormalizeURL(u)
	}
	title := strings.TrimSpace(it.Title)
	if len(title) > 200 {
		title = title[:200]
	}
	return title
}

// DedupeByURL removes duplicates by normalized URL (or title prefix when
// the URL is absent), keeping the first occurrence and preserving order.
func DedupeByURL(items []Item) []Item {
	seen := make(map[string]struct{}, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		key := dedupeKey(it)
		if key == "" {
			out = append(out, it)
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, it)
	}
	return out
}

// SortNewestFirst orders items newest-first, then stably pushes
// inferred-date items after real-dated ones so a guessed "now" cannot
// displace a genuine timestamp.
func SortNewestFirst(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PublishedAt.After(items[j].PublishedAt)
	})
	sort.SliceStable(items, func(i, j int) bool {
		return !items[i].PublishedAtInferred && items[j].PublishedAtInferred
	})
}
