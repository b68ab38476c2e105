// Package albums derives the campaign catalog: the set of releases that are
// expected to exist as campaigns upstream. Releases come from three places,
// merged in order of authority: explicit config entries, an optional release
// feed, and custom campaign names. Name normalization lives here and nowhere
// else.
package albums

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/bemamusic/crm-engine/internal/config"
	"github.com/bemamusic/crm-engine/internal/validate"
)

// Release is one expected campaign. ProductCode is the operator short code
// used to resolve the store product; empty means resolve by album title.
type Release struct {
	Year        int    `json:"year"`
	Artist      string `json:"artist"`
	Album       string `json:"album"`
	ProductCode string `json:"product_code,omitempty"`
}

// CampaignName returns the normalized campaign name YYYY_ARTIST_ALBUM.
func (r Release) CampaignName() string {
	return CampaignName(r.Year, r.Artist, r.Album)
}

// NormalizeSegment upper-cases s and strips everything outside A-Z and 0-9.
// "The Band!" becomes "THEBAND".
func NormalizeSegment(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CampaignName builds the canonical campaign name from raw parts.
func CampaignName(year int, artist, album string) string {
	return fmt.Sprintf("%04d_%s_%s", year, NormalizeSegment(artist), NormalizeSegment(album))
}

// Source produces the campaign catalog.
type Source struct {
	entries []config.AlbumEntry
	custom  []string
	feedURL string
	parser  *gofeed.Parser
}

// NewSource creates a catalog source from configuration.
func NewSource(cfg config.AlbumsConfig) *Source {
	return &Source{
		entries: cfg.Entries,
		custom:  cfg.CustomCampaigns,
		feedURL: cfg.FeedURL,
		parser:  gofeed.NewParser(),
	}
}

// Releases merges config entries and custom campaign names. It does no I/O;
// feed-derived releases come from FeedReleases and are merged by the caller
// via Merge. Invalid entries are skipped and reported as issues.
func (s *Source) Releases() ([]Release, validate.Issues) {
	var issues validate.Issues
	var out []Release

	for _, e := range s.entries {
		r := Release{Year: e.Year, Artist: e.Artist, Album: e.Album, ProductCode: e.ProductCode}
		if err := validate.CampaignName(r.CampaignName()); err != nil {
			issues = append(issues, validate.Issue{
				Severity: validate.SeverityError,
				Field:    "albums.entries",
				Message:  fmt.Sprintf("skipping %q/%q (%d): %v", e.Artist, e.Album, e.Year, err),
			})
			continue
		}
		out = append(out, r)
	}

	for _, name := range s.custom {
		year, artist, album, err := validate.ParseCampaignName(strings.ToUpper(strings.TrimSpace(name)))
		if err != nil {
			issues = append(issues, validate.Issue{
				Severity: validate.SeverityError,
				Field:    "albums.custom_campaigns",
				Message:  fmt.Sprintf("skipping %q: %v", name, err),
			})
			continue
		}
		out = append(out, Release{Year: year, Artist: artist, Album: album})
	}

	return Merge(out), issues
}

// Merge de-duplicates releases by campaign name, keeping the first occurrence
// (earlier sources are authoritative), and orders the result by name.
func Merge(releases ...[]Release) []Release {
	seen := make(map[string]bool)
	var out []Release
	for _, group := range releases {
		for _, r := range group {
			name := r.CampaignName()
			if seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CampaignName() < out[j].CampaignName()
	})
	return out
}
