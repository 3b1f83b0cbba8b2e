// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the media type of a catalog item.
type Kind string

const (
	KindMovie   Kind = "movie"
	KindShow    Kind = "show"
	KindSeason  Kind = "season"
	KindEpisode Kind = "episode"
)

// IsLeaf reports whether items of this kind are retried through their
// parent show rather than directly.
func (k Kind) IsLeaf() bool {
	return k == KindSeason || k == KindEpisode
}

// MediaType returns the wire value the catalog API expects ("movie" or "tv").
func (k Kind) MediaType() string {
	if k == KindMovie {
		return "movie"
	}
	return "tv"
}

// ExternalIDs carries the identifiers the catalog uses to resolve items
// against external metadata providers.
type ExternalIDs struct {
	IMDB string `json:"imdb_id,omitempty"`
	TMDB string `json:"tmdb_id,omitempty"`
	TVDB string `json:"tvdb_id,omitempty"`
}

// Empty reports whether no identifier is set.
func (e ExternalIDs) Empty() bool {
	return e.IMDB == "" && e.TMDB == "" && e.TVDB == ""
}

// Item is a media item as reported by the catalog service.
type Item struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	State         string       `json:"state"`
	Kind          Kind         `json:"type"`
	IDs           ExternalIDs  `json:"-"`
	ParentTitle   string       `json:"parent_title,omitempty"`
	SeasonNumber  int          `json:"season_number,omitempty"`
	EpisodeNumber int          `json:"episode_number,omitempty"`
	ParentIDs     *ExternalIDs `json:"parent_ids,omitempty"`
	AiredAt       *time.Time   `json:"aired_at,omitempty"`
}

// flexID decodes catalog identifiers that arrive as either JSON numbers or
// strings depending on the catalog version. Null and zero map to "".
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if n.String() == "0" {
		*f = ""
		return nil
	}
	*f = flexID(n.String())
	return nil
}

// itemWire matches the catalog's item payload.
type itemWire struct {
	ID            flexID          `json:"id"`
	Title         string          `json:"title"`
	State         string          `json:"state"`
	Type          string          `json:"type"`
	IMDBID        string          `json:"imdb_id"`
	TMDBID        flexID          `json:"tmdb_id"`
	TVDBID        flexID          `json:"tvdb_id"`
	ParentTitle   string          `json:"parent_title"`
	SeasonNumber  int             `json:"season_number"`
	EpisodeNumber int             `json:"episode_number"`
	ParentIDs     *externalIDWire `json:"parent_ids"`
	AiredAt       string          `json:"aired_at"`
}

type externalIDWire struct {
	IMDBID string `json:"imdb_id"`
	TMDBID flexID `json:"tmdb_id"`
	TVDBID flexID `json:"tvdb_id"`
}

func (w itemWire) toItem() Item {
	item := Item{
		ID:            string(w.ID),
		Title:         w.Title,
		State:         w.State,
		Kind:          Kind(w.Type),
		ParentTitle:   w.ParentTitle,
		SeasonNumber:  w.SeasonNumber,
		EpisodeNumber: w.EpisodeNumber,
		IDs: ExternalIDs{
			IMDB: w.IMDBID,
			TMDB: string(w.TMDBID),
			TVDB: string(w.TVDBID),
		},
	}
	if w.ParentIDs != nil {
		item.ParentIDs = &ExternalIDs{
			IMDB: w.ParentIDs.IMDBID,
			TMDB: string(w.ParentIDs.TMDBID),
			TVDB: string(w.ParentIDs.TVDBID),
		}
	}
	if aired := parseAiredAt(w.AiredAt); !aired.IsZero() {
		item.AiredAt = &aired
	}
	return item
}

// parseAiredAt handles the timestamp formats the catalog emits.
func parseAiredAt(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// DisplayName returns a human-readable name for logging.
func (i Item) DisplayName() string {
	title := i.ParentTitle
	if title == "" {
		title = i.Title
	}
	switch {
	case i.Kind == KindEpisode && i.SeasonNumber > 0 && i.EpisodeNumber > 0:
		return fmt.Sprintf("%s S%02dE%02d", title, i.SeasonNumber, i.EpisodeNumber)
	case i.Kind == KindSeason && i.SeasonNumber > 0:
		return fmt.Sprintf("%s Season %d", title, i.SeasonNumber)
	}
	return i.Title
}

// Released reports whether the item has aired. Items without a known air
// date are assumed released so they are not silently skipped forever.
func (i Item) Released(now time.Time) bool {
	if i.AiredAt == nil {
		return true
	}
	return !i.AiredAt.After(now)
}

// ParentShowIDs returns the external identifiers of the parent show for
// seasons and episodes.
func (i Item) ParentShowIDs() ExternalIDs {
	if i.ParentIDs != nil {
		return *i.ParentIDs
	}
	return ExternalIDs{}
}

// Candidate is one downloadable result produced by a manual scrape.
type Candidate struct {
	InfoHash string `json:"infohash"`
	Title    string `json:"title"`
	Rank     int    `json:"rank"`
	Cached   bool   `json:"cached"`
}

const (
	keyPrefixItem   = "item:"
	keyPrefixParent = "parent:"
)

// ItemKey identifies a tracked item. It is either a real catalog id, or a
// synthetic parent key built from the parent show's external identifiers
// when a season/episode failure must be retried via its show. The zero
// value is invalid.
type ItemKey struct {
	id   string
	tmdb string
	tvdb string
}

// RealKey returns the key for an item with a catalog-issued id.
func RealKey(id string) ItemKey {
	return ItemKey{id: id}
}

// SyntheticParentKey returns the key for a parent show that has no catalog
// id of its own. At least one identifier must be set.
func SyntheticParentKey(tmdbID, tvdbID string) ItemKey {
	return ItemKey{tmdb: tmdbID, tvdb: tvdbID}
}

// IsZero reports whether the key carries no identity at all.
func (k ItemKey) IsZero() bool {
	return k.id == "" && k.tmdb == "" && k.tvdb == ""
}

// Synthetic reports whether this key refers to a locally created parent
// tracker rather than a real catalog item.
func (k ItemKey) Synthetic() bool {
	return k.id == ""
}

// RealID returns the catalog id and true for real keys.
func (k ItemKey) RealID() (string, bool) {
	return k.id, k.id != ""
}

// ParentIDs returns the external identifiers for synthetic keys.
func (k ItemKey) ParentIDs() ExternalIDs {
	return ExternalIDs{TMDB: k.tmdb, TVDB: k.tvdb}
}

// String returns the canonical encoding used for map keys and persistence.
func (k ItemKey) String() string {
	if k.id != "" {
		return keyPrefixItem + k.id
	}
	return fmt.Sprintf("%s%s|%s", keyPrefixParent, k.tmdb, k.tvdb)
}

// ParseItemKey decodes the canonical encoding produced by String.
func ParseItemKey(s string) (ItemKey, error) {
	switch {
	case strings.HasPrefix(s, keyPrefixItem):
		id := strings.TrimPrefix(s, keyPrefixItem)
		if id == "" {
			return ItemKey{}, fmt.Errorf("item key %q has empty id", s)
		}
		return RealKey(id), nil
	case strings.HasPrefix(s, keyPrefixParent):
		rest := strings.TrimPrefix(s, keyPrefixParent)
		tmdb, tvdb, ok := strings.Cut(rest, "|")
		if !ok || (tmdb == "" && tvdb == "") {
			return ItemKey{}, fmt.Errorf("parent key %q is malformed", s)
		}
		return SyntheticParentKey(tmdb, tvdb), nil
	}
	return ItemKey{}, fmt.Errorf("unrecognized item key %q", s)
}

// MarshalText implements encoding.TextMarshaler so keys survive JSON maps.
func (k ItemKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ItemKey) UnmarshalText(text []byte) error {
	parsed, err := ParseItemKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
