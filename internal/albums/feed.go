package albums

import (
	"context"
	"fmt"
	"strings"
)

// Separators tried in order when splitting a feed item title into
// artist and album.
var titleSeparators = []string{" - ", " – ", ": "}

// FeedReleases fetches the configured release feed and turns its items into
// releases. Item titles are expected as "ARTIST - ALBUM"; the release year
// comes from the publication date. Items that do not yield a valid campaign
// name are dropped.
func (s *Source) FeedReleases(ctx context.Context) ([]Release, error) {
	if s.feedURL == "" {
		return nil, nil
	}

	feed, err := s.parser.ParseURLWithContext(s.feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch release feed: %w", err)
	}

	var out []Release
	for _, item := range feed.Items {
		r, ok := releaseFromTitle(item.Title)
		if !ok {
			continue
		}
		switch {
		case item.PublishedParsed != nil:
			r.Year = item.PublishedParsed.Year()
		case item.UpdatedParsed != nil:
			r.Year = item.UpdatedParsed.Year()
		default:
			continue
		}
		if NormalizeSegment(r.Artist) == "" || NormalizeSegment(r.Album) == "" {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func releaseFromTitle(title string) (Release, bool) {
	for _, sep := range titleSeparators {
		if idx := strings.Index(title, sep); idx > 0 {
			return Release{
				Artist: strings.TrimSpace(title[:idx]),
				Album:  strings.TrimSpace(title[idx+len(sep):]),
			}, true
		}
	}
	return Release{}, false
}
